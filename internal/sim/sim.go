// Package sim is a behavioural model of a CTU CAN FD core seen through its
// register bus. It implements bus.Bus and bus.Line so the controller, the
// bridge and the console can run without hardware.
//
// Modelled: the register map, write-1-to-set/clear interrupt enable and
// mask registers, write-1-to-clear INT_STAT, the RX FIFO behind RX_DATA,
// TXT buffer transmission (looped back into the RX FIFO when internal
// loopback is on), the delayed switch to error-active after enable, and a
// level-sensitive interrupt line.
package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/kstaniek/go-ctucan/internal/bus"
	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/ctucan"
)

// Version reported in the VERSION register (2.5).
const Version = 0x0205

const intMask = 0x0FFF

// Txn is one logged bus cycle.
type Txn struct {
	Write bool
	Addr  uint32 // word address
	Val   uint32
}

// Frame is a frame as seen on the simulated CAN bus.
type Frame struct {
	Format     uint32 // DLC, RTR, IDE, FDF, BRS bits of the frame-format word
	Identifier uint32 // raw identifier word
	Data       []byte
}

// Peripheral is safe for concurrent use.
type Peripheral struct {
	mu    sync.Mutex
	words map[uint32]uint32 // plain storage, by word address

	stat, ena, mask uint16
	fault           uint16
	eraIn           int // FAULT_STATE reads left until error-active, -1 when idle
	eraDelay        int
	bufs            []ctucan.TXBuffer

	fifo  []uint32
	ts    uint64
	sent  []Frame
	log   []Txn
	noLog bool

	level bool
	edge  chan struct{}
}

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithEraDelay sets how many FAULT_STATE reads after enable still report
// the controller as not yet error-active. Default 2.
func WithEraDelay(n int) Option { return func(p *Peripheral) { p.eraDelay = n } }

// WithTXBuffers sets the TXT buffer layout. Default ctucan.DefaultTXBuffers.
func WithTXBuffers(bufs ...ctucan.TXBuffer) Option {
	return func(p *Peripheral) { p.bufs = append([]ctucan.TXBuffer(nil), bufs...) }
}

// WithoutLog disables the transaction log for long-running use.
func WithoutLog() Option { return func(p *Peripheral) { p.noLog = true } }

// New returns a Peripheral in its reset state.
func New(opts ...Option) *Peripheral {
	p := &Peripheral{
		eraDelay: 2,
		bufs:     append([]ctucan.TXBuffer(nil), ctucan.DefaultTXBuffers...),
		edge:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.reset()
	return p
}

func (p *Peripheral) reset() {
	p.words = make(map[uint32]uint32)
	p.stat, p.ena, p.mask, p.fault = 0, 0, 0, 0
	p.eraIn = -1
	p.fifo = nil
	p.level = false
}

var _ bus.Bus = (*Peripheral)(nil)
var _ bus.Line = (*Peripheral)(nil)

func word(off uint32) uint32 { return bus.WordAddr(off) }

// ReadWord implements bus.Bus.
func (p *Peripheral) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.read(addr)
	if !p.noLog {
		p.log = append(p.log, Txn{Addr: addr, Val: v})
	}
	p.update() // reads can change state (FIFO pop, error-active)
	return v, nil
}

// WriteWord implements bus.Bus.
func (p *Peripheral) WriteWord(ctx context.Context, addr, v uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.noLog {
		p.log = append(p.log, Txn{Write: true, Addr: addr, Val: v})
	}
	p.write(addr, v)
	p.update()
	return nil
}

func (p *Peripheral) read(addr uint32) uint32 {
	switch addr {
	case word(ctucan.RegDeviceID):
		return Version<<16 | ctucan.DeviceID
	case word(ctucan.RegIntStat):
		return uint32(p.stat)
	case word(ctucan.RegIntEnaSet):
		return uint32(p.ena)
	case word(ctucan.RegIntMaskSet):
		return uint32(p.mask)
	case word(ctucan.RegIntEnaClr), word(ctucan.RegIntMaskClr):
		return 0
	case word(ctucan.RegFaultState):
		if p.eraIn > 0 {
			p.eraIn--
		} else if p.eraIn == 0 {
			p.eraIn = -1
			p.setFault(1 << ctucan.FaultERABit)
		}
		return p.words[addr]&0xFFFF | uint32(p.fault)<<16
	case word(ctucan.RegRXStatus):
		v := p.words[addr] &^ 0x7FFF
		if len(p.fifo) == 0 {
			v |= 1 << ctucan.RXStatusRXEBit
		}
		return v | uint32(p.frameCount()&0x7FF)<<4
	case word(ctucan.RegRXData):
		if len(p.fifo) == 0 {
			return 0
		}
		v := p.fifo[0]
		p.fifo = p.fifo[1:]
		return v
	case word(ctucan.RegYolo):
		return ctucan.YoloValue
	}
	return p.words[addr]
}

func (p *Peripheral) write(addr, v uint32) {
	switch addr {
	case word(ctucan.RegDeviceID), word(ctucan.RegRXStatus), word(ctucan.RegRXData), word(ctucan.RegYolo):
		// read-only
	case word(ctucan.RegMode):
		if v&(1<<ctucan.ModeRSTBit) != 0 {
			p.reset()
			return
		}
		wasEna := p.enabled()
		p.words[addr] = v
		switch ena := p.enabled(); {
		case ena && !wasEna:
			p.eraIn = p.eraDelay
		case !ena && wasEna:
			p.eraIn = -1
			p.fault = 0
		}
	case word(ctucan.RegIntStat):
		p.stat &^= uint16(v) & intMask
	case word(ctucan.RegIntEnaSet):
		p.ena |= uint16(v) & intMask
	case word(ctucan.RegIntEnaClr):
		p.ena &^= uint16(v) & intMask
	case word(ctucan.RegIntMaskSet):
		p.mask |= uint16(v) & intMask
	case word(ctucan.RegIntMaskClr):
		p.mask &^= uint16(v) & intMask
	case word(ctucan.RegFaultState):
		p.words[addr] = v & 0xFFFF // FAULT_STATE itself is read-only
	case word(ctucan.RegTXTCommand):
		if v&(1<<ctucan.TXTCommandTXCRBit) != 0 {
			for _, b := range p.bufs {
				if v&(1<<b.SelectBit) != 0 {
					p.transmit(b.Offset)
				}
			}
		}
	default:
		p.words[addr] = v
	}
}

func (p *Peripheral) mode() uint16     { return uint16(p.words[word(ctucan.RegMode)]) }
func (p *Peripheral) settings() uint16 { return uint16(p.words[word(ctucan.RegSettings)] >> 16) }
func (p *Peripheral) enabled() bool    { return p.settings()&(1<<ctucan.SettingsENABit) != 0 }
func (p *Peripheral) loopback() bool   { return p.settings()&(1<<ctucan.SettingsILBPBit) != 0 }

func (p *Peripheral) setFault(f uint16) {
	if p.fault != f {
		p.fault = f
		p.stat |= 1 << ctucan.IntFCS
	}
}

// transmit sends the frame held in the TXT buffer at base.
func (p *Peripheral) transmit(base uint32) {
	if !p.enabled() {
		return
	}
	format := p.words[word(base+ctucan.TXFrameFormat)]
	f := Frame{
		Format:     format & (ctucan.FormatDLCMask | 1<<ctucan.FormatRTRBit | 1<<ctucan.FormatIDEBit | 1<<ctucan.FormatFDFBit | 1<<ctucan.FormatBRSBit),
		Identifier: p.words[word(base+ctucan.TXIdentifier)],
	}
	if format&(1<<ctucan.FormatRTRBit) == 0 {
		n := can.DLCToLen(uint8(format&ctucan.FormatDLCMask), format&(1<<ctucan.FormatFDFBit) != 0)
		f.Data = make([]byte, (n+3)/4*4)
		for i := 0; i < len(f.Data)/4; i++ {
			binary.LittleEndian.PutUint32(f.Data[i*4:], p.words[word(base+ctucan.TXDataStart+uint32(i)*4)])
		}
		f.Data = f.Data[:n]
	}
	p.sent = append(p.sent, f)
	p.stat |= 1 << ctucan.IntTX
	if p.loopback() {
		p.receive(f)
	}
}

// receive appends f to the RX FIFO and raises RXI.
func (p *Peripheral) receive(f Frame) {
	words := (len(f.Data) + 3) / 4
	if f.Format&(1<<ctucan.FormatRTRBit) != 0 {
		words = 0
	}
	p.ts++
	rwcnt := uint32(3 + words)
	p.fifo = append(p.fifo,
		f.Format|rwcnt<<ctucan.FormatRWCNTShift,
		f.Identifier,
		uint32(p.ts),
		uint32(p.ts>>32),
	)
	for i := 0; i < words; i++ {
		var w [4]byte
		copy(w[:], f.Data[i*4:])
		p.fifo = append(p.fifo, binary.LittleEndian.Uint32(w[:]))
	}
	p.stat |= 1 << ctucan.IntRX
}

// frameCount counts whole frames in the FIFO.
func (p *Peripheral) frameCount() int {
	var n int
	for i := 0; i < len(p.fifo); {
		rw := int(p.fifo[i]>>ctucan.FormatRWCNTShift) & ctucan.FormatRWCNTMask
		i += 1 + rw
		n++
	}
	return n
}

// update recomputes the interrupt output and wakes Wait on a rising edge.
func (p *Peripheral) update() {
	lvl := p.stat&p.ena&^p.mask&intMask != 0
	if lvl && !p.level {
		select {
		case p.edge <- struct{}{}:
		default:
		}
	}
	p.level = lvl
}

// Wait implements bus.Line. The line is level-sensitive: Wait returns at
// once while the output is asserted, otherwise it blocks until it rises.
func (p *Peripheral) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		lvl := p.level
		p.mu.Unlock()
		if lvl {
			select {
			case <-p.edge:
			default:
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.edge:
		}
	}
}

// Inject places a frame received from the CAN bus into the RX FIFO.
// Frames are dropped while the controller is disabled.
func (p *Peripheral) Inject(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled() {
		return
	}
	p.receive(f)
	p.update()
}

// InjectCAN is Inject for a bridged frame.
func (p *Peripheral) InjectCAN(f can.Frame) {
	var fr Frame
	dlc, _ := can.LenToDLC(int(f.Len), f.FD())
	fr.Format = uint32(dlc)
	if f.Extended() {
		fr.Format |= 1 << ctucan.FormatIDEBit
		fr.Identifier = f.ID() << ctucan.IdentifierExtShift
	} else {
		fr.Identifier = f.ID() << ctucan.IdentifierStdShift
	}
	switch {
	case f.FD():
		fr.Format |= 1 << ctucan.FormatFDFBit
		if f.Flags&can.CANFD_BRS != 0 {
			fr.Format |= 1 << ctucan.FormatBRSBit
		}
	case f.RTR():
		fr.Format |= 1 << ctucan.FormatRTRBit
	}
	if fr.Format&(1<<ctucan.FormatRTRBit) == 0 {
		fr.Data = append([]byte(nil), f.Data[:f.Len]...)
	}
	p.Inject(fr)
}

// InjectWords appends raw words to the RX FIFO and raises RXI, for frames
// the core would never produce.
func (p *Peripheral) InjectWords(words ...uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fifo = append(p.fifo, words...)
	p.stat |= 1 << ctucan.IntRX
	p.update()
}

// Raise sets INT_STAT bits as if the hardware had latched them.
func (p *Peripheral) Raise(bits ctucan.IntBits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stat |= uint16(bits) & intMask
	p.update()
}

// SetFault forces the fault confinement state and latches FCSI on change.
func (p *Peripheral) SetFault(s ctucan.FaultState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var f uint16
	switch s {
	case ctucan.ErrorActive:
		f = 1 << ctucan.FaultERABit
	case ctucan.ErrorPassive:
		f = 1 << ctucan.FaultERPBit
	case ctucan.BusOff:
		f = 1 << ctucan.FaultBOFBit
	}
	p.eraIn = -1
	p.setFault(f)
	p.update()
}

// Sent returns the frames transmitted so far.
func (p *Peripheral) Sent() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.sent...)
}

// Log returns the transaction log.
func (p *Peripheral) Log() []Txn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Txn(nil), p.log...)
}

// ResetLog empties the transaction log.
func (p *Peripheral) ResetLog() {
	p.mu.Lock()
	p.log = nil
	p.mu.Unlock()
}

// Status returns INT_STAT, INT_ENA and INT_MASK.
func (p *Peripheral) Status() (stat, ena, mask ctucan.IntBits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ctucan.IntBits(p.stat), ctucan.IntBits(p.ena), ctucan.IntBits(p.mask)
}

// Mode returns the MODE register.
func (p *Peripheral) Mode() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode()
}

// Pending returns the number of words queued in the RX FIFO.
func (p *Peripheral) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fifo)
}
