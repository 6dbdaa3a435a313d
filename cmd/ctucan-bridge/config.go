package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-ctucan/internal/hub"
)

type appConfig struct {
	backend     string
	memPath     string
	memBase     int64
	memSpan     int
	uioDev      string
	serialDev   string
	baud        int
	uartBase    uint32
	uartTO      time.Duration
	irqPoll     time.Duration
	profilePath string
	txQueue     int
	mirrorIf    string

	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	return &appConfig{
		backend:      "mmap",
		memPath:      "/dev/mem",
		memSpan:      0x1000,
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		uartTO:       100 * time.Millisecond,
		irqPoll:      time.Millisecond,
		txQueue:      1024,
		listenAddr:   ":20000",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    512,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
	}
}

// uintValue parses 0x-prefixed or decimal addresses.
type uintValue struct {
	p    *uint64
	bits int
}

func (v uintValue) String() string {
	if v.p == nil {
		return "0x0"
	}
	return fmt.Sprintf("0x%x", *v.p)
}

func (v uintValue) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, v.bits)
	if err != nil {
		return err
	}
	*v.p = n
	return nil
}

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := defaultConfig()
	memBase := uint64(cfg.memBase)
	uartBase := uint64(cfg.uartBase)
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "Register bus backend: mmap|uart|sim")
	fs.StringVar(&cfg.memPath, "mem", cfg.memPath, "Memory device for the mmap backend")
	fs.Var(uintValue{&memBase, 63}, "mem-base", "Physical base address of the controller (mmap backend)")
	fs.IntVar(&cfg.memSpan, "mem-span", cfg.memSpan, "Bytes to map at mem-base")
	fs.StringVar(&cfg.uioDev, "uio", "", "UIO device delivering the controller interrupt (e.g. /dev/uio0); empty polls")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device of the UART bridge (uart backend)")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "UART bridge baud rate")
	fs.Var(uintValue{&uartBase, 32}, "uart-base", "Controller byte address in the SoC map (uart backend)")
	fs.DurationVar(&cfg.uartTO, "uart-timeout", cfg.uartTO, "UART bridge reply timeout")
	fs.DurationVar(&cfg.irqPoll, "irq-poll", cfg.irqPoll, "Interrupt poll period when no interrupt line is available")
	fs.StringVar(&cfg.profilePath, "profile", "", "YAML bring-up profile; empty uses built-in defaults")
	fs.IntVar(&cfg.txQueue, "tx-queue", cfg.txQueue, "Frames queued for the controller before dropping")
	fs.StringVar(&cfg.mirrorIf, "mirror-if", "", "SocketCAN interface to mirror frames to and from; empty disables")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default ctucan-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	cfg.memBase = int64(memBase)
	cfg.uartBase = uint32(uartBase)

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error:\n%v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges only; nothing is opened. Every
// problem is reported, not just the first.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.logFormat == "text" || c.logFormat == "json", "invalid log-format: %s", c.logFormat)
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		check(false, "invalid log-level: %s", c.logLevel)
	}
	errs = append(errs, c.validateBackend()...)
	check(c.irqPoll > 0, "irq-poll must be > 0")
	check(c.txQueue > 0, "tx-queue must be > 0 (got %d)", c.txQueue)
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		errs = append(errs, fmt.Errorf("invalid hub-policy: %w", err))
	}
	check(c.hubBuffer > 0, "hub-buffer must be > 0 (got %d)", c.hubBuffer)
	check(c.handshakeTO > 0, "handshake-timeout must be > 0")
	check(c.clientReadTO > 0, "client-read-timeout must be > 0")
	check(c.maxClients >= 0, "max-clients must be >= 0")
	check(c.logMetricsEvery >= 0, "log-metrics-interval must be >= 0")
	return errors.Join(errs...)
}

func (c *appConfig) validateBackend() []error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	switch c.backend {
	case "mmap":
		check(c.memPath != "", "mem must be set for the mmap backend")
		check(c.memBase >= 0, "mem-base must be >= 0 (got %d)", c.memBase)
		check(c.memSpan > 0 && c.memSpan%4 == 0, "mem-span must be a positive multiple of 4 (got %d)", c.memSpan)
	case "uart":
		check(c.serialDev != "", "serial must be set for the uart backend")
		check(c.baud > 0, "baud must be > 0 (got %d)", c.baud)
		check(c.uartBase%4 == 0, "uart-base 0x%x is not word aligned", c.uartBase)
		check(c.uartTO > 0, "uart-timeout must be > 0")
	case "sim":
	default:
		check(false, "invalid backend: %s", c.backend)
	}
	return errs
}

// envVar ties a flag to its CTUCAN_* variable.
type envVar struct {
	flag string
	env  string
	set  func(string) error
}

func strSetter(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func intSetter(dst *int, minVal int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < minVal {
			return fmt.Errorf("%d below minimum %d", n, minVal)
		}
		*dst = n
		return nil
	}
}

func durSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("negative duration %v", d)
		}
		*dst = d
		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

func envVars(c *appConfig) []envVar {
	return []envVar{
		{"backend", "CTUCAN_BACKEND", strSetter(&c.backend)},
		{"mem", "CTUCAN_MEM", strSetter(&c.memPath)},
		{"mem-base", "CTUCAN_MEM_BASE", func(v string) error {
			n, err := strconv.ParseInt(v, 0, 64)
			if err == nil {
				c.memBase = n
			}
			return err
		}},
		{"mem-span", "CTUCAN_MEM_SPAN", intSetter(&c.memSpan, 4)},
		{"uio", "CTUCAN_UIO", strSetter(&c.uioDev)},
		{"serial", "CTUCAN_SERIAL", strSetter(&c.serialDev)},
		{"baud", "CTUCAN_BAUD", intSetter(&c.baud, 1)},
		{"uart-base", "CTUCAN_UART_BASE", func(v string) error {
			n, err := strconv.ParseUint(v, 0, 32)
			if err == nil {
				c.uartBase = uint32(n)
			}
			return err
		}},
		{"uart-timeout", "CTUCAN_UART_TIMEOUT", durSetter(&c.uartTO)},
		{"irq-poll", "CTUCAN_IRQ_POLL", durSetter(&c.irqPoll)},
		{"profile", "CTUCAN_PROFILE", strSetter(&c.profilePath)},
		{"tx-queue", "CTUCAN_TX_QUEUE", intSetter(&c.txQueue, 1)},
		{"mirror-if", "CTUCAN_MIRROR_IF", strSetter(&c.mirrorIf)},
		{"listen", "CTUCAN_LISTEN", strSetter(&c.listenAddr)},
		{"log-format", "CTUCAN_LOG_FORMAT", strSetter(&c.logFormat)},
		{"log-level", "CTUCAN_LOG_LEVEL", strSetter(&c.logLevel)},
		{"metrics-addr", "CTUCAN_METRICS", strSetter(&c.metricsAddr)},
		{"hub-buffer", "CTUCAN_HUB_BUFFER", intSetter(&c.hubBuffer, 1)},
		{"hub-policy", "CTUCAN_HUB_POLICY", strSetter(&c.hubPolicy)},
		{"log-metrics-interval", "CTUCAN_LOG_METRICS_INTERVAL", durSetter(&c.logMetricsEvery)},
		{"max-clients", "CTUCAN_MAX_CLIENTS", intSetter(&c.maxClients, 0)},
		{"handshake-timeout", "CTUCAN_HANDSHAKE_TIMEOUT", durSetter(&c.handshakeTO)},
		{"client-read-timeout", "CTUCAN_CLIENT_READ_TIMEOUT", durSetter(&c.clientReadTO)},
		{"mdns-enable", "CTUCAN_MDNS_ENABLE", boolSetter(&c.mdnsEnable)},
		{"mdns-name", "CTUCAN_MDNS_NAME", strSetter(&c.mdnsName)},
	}
}

// applyEnvOverrides maps CTUCAN_* environment variables to config fields
// unless the corresponding flag was set explicitly. Empty values are
// ignored. The first parse error is returned after all variables have been
// applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, ev := range envVars(c) {
		if _, ok := set[ev.flag]; ok {
			continue
		}
		v, ok := os.LookupEnv(ev.env)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", ev.env, err)
		}
	}
	return firstErr
}
