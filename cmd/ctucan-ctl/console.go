package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/ctucan"
	"github.com/kstaniek/go-ctucan/internal/profile"
	"github.com/kstaniek/go-ctucan/internal/sim"
)

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("usage")
)

// regNames resolves symbolic offsets on the command line.
var regNames = map[string]uint32{
	"DEVICE_ID":    ctucan.RegDeviceID,
	"VERSION":      ctucan.RegVersion,
	"MODE":         ctucan.RegMode,
	"SETTINGS":     ctucan.RegSettings,
	"INT_STAT":     ctucan.RegIntStat,
	"INT_ENA_SET":  ctucan.RegIntEnaSet,
	"INT_ENA_CLR":  ctucan.RegIntEnaClr,
	"INT_MASK_SET": ctucan.RegIntMaskSet,
	"INT_MASK_CLR": ctucan.RegIntMaskClr,
	"BTR":          ctucan.RegBTR,
	"BTR_FD":       ctucan.RegBTRFD,
	"FAULT_STATE":  ctucan.RegFaultState,
	"RX_STATUS":    ctucan.RegRXStatus,
	"RX_DATA":      ctucan.RegRXData,
	"TXT_COMMAND":  ctucan.RegTXTCommand,
	"TRV_DELAY":    ctucan.RegTRVDelay,
	"YOLO":         ctucan.RegYolo,
	"TXTB1":        ctucan.RegTXTBuffer1,
	"TXTB2":        ctucan.RegTXTBuffer2,
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

type console struct {
	ctl     *ctucan.Controller
	prof    profile.Profile
	sim     *sim.Peripheral // nil unless the sim backend is in use
	out     io.Writer
	timeout time.Duration
	cmds    map[string]command
}

func newConsole(ctl *ctucan.Controller, prof profile.Profile, out io.Writer) *console {
	c := &console{ctl: ctl, prof: prof, out: out, timeout: 2 * time.Second}
	c.cmds = map[string]command{
		"read32":  {"read32 OFF", "read a 32-bit register", c.read32},
		"write32": {"write32 OFF VAL", "write a 32-bit register", c.write32},
		"read16":  {"read16 OFF", "read a 16-bit register", c.read16},
		"write16": {"write16 OFF VAL", "read-modify-write a 16-bit register", c.write16},
		"getbit":  {"getbit OFF BIT", "read one bit of a 16-bit register", c.getbit},
		"setbit":  {"setbit OFF BIT 0|1", "read-modify-write one bit of a 16-bit register", c.setbit},
		"probe":   {"probe", "check DEVICE_ID and print the core version", c.probe},
		"bringup": {"bringup [loopback] [selfack]", "disable, configure and enable, then wait for error-active", c.bringup},
		"send":    {"send [fd] [brs] [ext] [rtr] [buf=N] ID [DATA]", "transmit a frame; DATA is hex bytes (11:22 or 1122) or =VALUE", c.send},
		"recv":    {"recv", "read one frame if the RX FIFO is not empty", c.recv},
		"drain":   {"drain", "read frames until the RX FIFO is empty", c.drain},
		"status":  {"status", "show lifecycle, fault and interrupt registers", c.status},
		"fault":   {"fault", "read FAULT_STATE", c.fault},
		"reset":   {"reset", "soft reset the core", c.reset},
		"disable": {"disable", "clear SETTINGS.ENA", c.disable},
		"yolo":    {"yolo", "read the constant test register", c.yolo},
		"inject":  {"inject [fd] [brs] [ext] [rtr] ID [DATA]", "place a frame in the RX FIFO (sim backend)", c.inject},
		"help":    {"help", "list commands", c.help},
		"quit":    {"quit", "leave the console", func(context.Context, []string) error { return errQuit }},
	}
	return c
}

func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := c.cmds[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	err := cmd.run(ctx, fields[1:])
	if errors.Is(err, errUsage) {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return err
}

func (c *console) complete(line string) []string {
	var out []string
	for name := range c.cmds {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *console) printf(format string, args ...any) { fmt.Fprintf(c.out, format, args...) }

func parseOffset(s string) (uint32, error) {
	if off, ok := regNames[strings.ToUpper(s)]; ok {
		return off, nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad offset %q", s)
	}
	return uint32(n), nil
}

func parseUint(s string, bits int) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return n, nil
}

func (c *console) read32(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	v, err := c.ctl.Read32(ctx, off)
	if err != nil {
		return err
	}
	c.printf("0x%03x: 0x%08x\n", off, v)
	return nil
}

func (c *console) write32(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	v, err := parseUint(args[1], 32)
	if err != nil {
		return err
	}
	return c.ctl.Write32(ctx, off, uint32(v))
}

func (c *console) read16(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	v, err := c.ctl.Read16(ctx, off)
	if err != nil {
		return err
	}
	c.printf("0x%03x: 0x%04x\n", off, v)
	return nil
}

func (c *console) write16(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	v, err := parseUint(args[1], 16)
	if err != nil {
		return err
	}
	return c.ctl.Write16(ctx, off, uint16(v))
}

func (c *console) getbit(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	bit, err := parseUint(args[1], 8)
	if err != nil {
		return err
	}
	v, err := c.ctl.GetBit(ctx, off, uint(bit))
	if err != nil {
		return err
	}
	c.printf("0x%03x[%d] = %d\n", off, bit, v)
	return nil
}

func (c *console) setbit(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	off, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	bit, err := parseUint(args[1], 8)
	if err != nil {
		return err
	}
	v, err := parseUint(args[2], 8)
	if err != nil {
		return err
	}
	return c.ctl.SetBit(ctx, off, uint(bit), uint8(v))
}

func (c *console) probe(ctx context.Context, args []string) error {
	ver, err := c.ctl.Probe(ctx)
	if err != nil {
		return err
	}
	c.printf("CTU CAN FD %d.%d\n", ver>>8, ver&0xFF)
	return nil
}

func (c *console) bringup(ctx context.Context, args []string) error {
	cfg := c.prof.Config()
	for _, a := range args {
		switch strings.ToLower(a) {
		case "loopback":
			cfg.Enable.Loopback = true
		case "selfack":
			cfg.Enable.SelfAck = true
		default:
			return errUsage
		}
	}
	// the poll bound may exceed the command timeout
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout+time.Duration(cfg.Poll.Attempts)*cfg.Poll.Interval)
	defer cancel()
	if err := c.ctl.Bringup(ctx, cfg); err != nil {
		return err
	}
	c.printf("%s, interrupts %s\n", c.ctl.State(), c.ctl.Interrupts())
	return nil
}

// frameSpec is the common argument form of send and inject.
type frameSpec struct {
	fd, brs, ext, rtr bool
	buf               int
	id                uint32
	data              []byte
}

func parseFrameSpec(args []string) (frameSpec, error) {
	var fs frameSpec
	var pos []string
	for _, a := range args {
		switch l := strings.ToLower(a); {
		case l == "fd":
			fs.fd = true
		case l == "brs":
			fs.brs = true
		case l == "ext":
			fs.ext = true
		case l == "rtr":
			fs.rtr = true
		case strings.HasPrefix(l, "buf="):
			n, err := strconv.Atoi(l[len("buf="):])
			if err != nil {
				return fs, fmt.Errorf("bad buffer %q", a)
			}
			fs.buf = n
		default:
			pos = append(pos, a)
		}
	}
	if len(pos) < 1 || len(pos) > 2 {
		return fs, errUsage
	}
	id, err := parseUint(pos[0], 32)
	if err != nil {
		return fs, err
	}
	fs.id = uint32(id)
	if len(pos) == 2 {
		if fs.data, err = parsePayload(pos[1]); err != nil {
			return fs, err
		}
	}
	if fs.fd && fs.rtr {
		return fs, errors.New("fd and rtr are exclusive")
	}
	return fs, nil
}

// parsePayload accepts hex bytes in wire order ("11:22:33", "112233") or
// an integer prefixed with '=' whose bytes go least significant first.
func parsePayload(s string) ([]byte, error) {
	if v, ok := strings.CutPrefix(s, "="); ok {
		n, ok := new(big.Int).SetString(v, 0)
		if !ok {
			return nil, fmt.Errorf("bad value %q", v)
		}
		return ctucan.PayloadFromValue(n), nil
	}
	b, err := hex.DecodeString(strings.NewReplacer(":", "", ".", "").Replace(s))
	if err != nil {
		return nil, fmt.Errorf("bad payload %q: %w", s, err)
	}
	return b, nil
}

func (fs frameSpec) request() ctucan.Request {
	req := ctucan.Request{Kind: ctucan.Standard, ID: fs.id, Extended: fs.ext, Data: fs.data, BRS: fs.brs, Buffer: fs.buf}
	switch {
	case fs.fd:
		req.Kind = ctucan.FD
	case fs.rtr:
		req.Kind = ctucan.RTR
	}
	return req
}

func (fs frameSpec) canFrame() (can.Frame, error) {
	f := can.Frame{CANID: fs.id}
	if fs.ext {
		f.CANID |= can.CAN_EFF_FLAG
	}
	if fs.rtr {
		f.CANID |= can.CAN_RTR_FLAG
	}
	if fs.fd {
		f.Flags |= can.CANFD_FDF
		if fs.brs {
			f.Flags |= can.CANFD_BRS
		}
	}
	if !can.ValidLen(len(fs.data), fs.fd) {
		return f, fmt.Errorf("%w: %d bytes", ctucan.ErrPayloadTooLong, len(fs.data))
	}
	f.Len = uint8(copy(f.Data[:], fs.data))
	return f, nil
}

func (c *console) send(ctx context.Context, args []string) error {
	fs, err := parseFrameSpec(args)
	if err != nil {
		return err
	}
	return c.ctl.SendFrame(ctx, fs.request())
}

func (c *console) inject(ctx context.Context, args []string) error {
	if c.sim == nil {
		return errors.New("inject needs the sim backend")
	}
	fs, err := parseFrameSpec(args)
	if err != nil {
		return err
	}
	f, err := fs.canFrame()
	if err != nil {
		return err
	}
	c.sim.InjectCAN(f)
	return nil
}

func (c *console) printFrame(f ctucan.RxFrame) {
	kind := "std"
	switch {
	case f.FD():
		kind = "fd"
	case f.RTR():
		kind = "rtr"
	}
	id := fmt.Sprintf("%03x", f.ID())
	if f.Extended() {
		id = fmt.Sprintf("%08x", f.ID())
	}
	flags := ""
	if f.BRS() {
		flags = " brs"
	}
	c.printf("%s %s [%d]%s %s  ts=%d\n", kind, id, f.Len(), flags, hex.EncodeToString(f.Payload()), f.Timestamp())
}

func (c *console) recv(ctx context.Context, args []string) error {
	empty, err := c.ctl.RXEmpty(ctx)
	if err != nil {
		return err
	}
	if empty {
		c.printf("rx fifo empty\n")
		return nil
	}
	f, err := c.ctl.ReceiveFrame(ctx)
	if err != nil {
		return err
	}
	c.printFrame(f)
	return nil
}

func (c *console) drain(ctx context.Context, args []string) error {
	n, err := c.ctl.Drain(ctx, c.printFrame)
	c.printf("%d frame(s)\n", n)
	return err
}

func (c *console) status(ctx context.Context, args []string) error {
	stat, err := c.ctl.Read16(ctx, ctucan.RegIntStat)
	if err != nil {
		return err
	}
	ena, err := c.ctl.Read32(ctx, ctucan.RegIntEnaSet)
	if err != nil {
		return err
	}
	mask, err := c.ctl.Read32(ctx, ctucan.RegIntMaskSet)
	if err != nil {
		return err
	}
	fault, err := c.ctl.ReadFaultState(ctx)
	if err != nil {
		return err
	}
	c.printf("state     %s\n", c.ctl.State())
	c.printf("fault     %s\n", fault)
	c.printf("int_stat  %s\n", ctucan.IntBits(stat))
	c.printf("int_ena   %s\n", ctucan.IntBits(ena))
	c.printf("int_mask  %s\n", ctucan.IntBits(mask))
	return nil
}

func (c *console) fault(ctx context.Context, args []string) error {
	s, err := c.ctl.ReadFaultState(ctx)
	if err != nil {
		return err
	}
	c.printf("%s\n", s)
	return nil
}

func (c *console) reset(ctx context.Context, args []string) error { return c.ctl.Reset(ctx) }

func (c *console) disable(ctx context.Context, args []string) error { return c.ctl.Disable(ctx) }

func (c *console) yolo(ctx context.Context, args []string) error {
	v, err := c.ctl.Yolo(ctx)
	if err != nil {
		return err
	}
	ok := "ok"
	if v != ctucan.YoloValue {
		ok = "MISMATCH"
	}
	c.printf("0x%08x %s\n", v, ok)
	return nil
}

func (c *console) help(ctx context.Context, args []string) error {
	names := make([]string, 0, len(c.cmds))
	for n := range c.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c.printf("  %-48s %s\n", c.cmds[n].usage, c.cmds[n].help)
	}
	return nil
}
