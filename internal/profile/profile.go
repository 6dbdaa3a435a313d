// Package profile loads a controller bring-up profile from YAML.
//
//	timing:
//	  nominal: 0x08233FEF
//	  data: 0x0808A387
//	  trv_delay: 0x01000000
//	interrupts: [RXI, TXI, FCSI]
//	test_modes:
//	  loopback: false
//	  self_ack: false
//	tx_buffers:
//	  - {offset: 0x100, select_bit: 8}
//	  - {offset: 0x200, select_bit: 9}
//	poll:
//	  attempts: 10000
//	  interval: 100us
//
// Every section is optional; missing values keep the controller defaults.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-ctucan/internal/ctucan"
)

var ErrInvalid = errors.New("profile: invalid")

type Timing struct {
	Nominal  uint32 `yaml:"nominal"`
	Data     uint32 `yaml:"data"`
	TRVDelay uint32 `yaml:"trv_delay"`
}

type TestModes struct {
	Loopback bool `yaml:"loopback"`
	SelfAck  bool `yaml:"self_ack"`
}

type TXBuffer struct {
	Offset    uint32 `yaml:"offset"`
	SelectBit uint   `yaml:"select_bit"`
}

type Poll struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// Profile is the decoded file.
type Profile struct {
	Timing     Timing     `yaml:"timing"`
	Interrupts []string   `yaml:"interrupts"`
	TestModes  TestModes  `yaml:"test_modes"`
	TXBuffers  []TXBuffer `yaml:"tx_buffers"`
	Poll       Poll       `yaml:"poll"`
}

// Default mirrors ctucan.DefaultConfig and ctucan.DefaultTXBuffers.
func Default() Profile {
	p := Profile{
		Timing: Timing{
			Nominal:  ctucan.DefaultTiming.Nominal,
			Data:     ctucan.DefaultTiming.Data,
			TRVDelay: ctucan.DefaultTiming.TransceiverDelay,
		},
		Poll: Poll{Attempts: ctucan.DefaultPoll.Attempts, Interval: ctucan.DefaultPoll.Interval},
	}
	for _, b := range ctucan.DefaultInterrupts {
		p.Interrupts = append(p.Interrupts, b.String())
	}
	for _, b := range ctucan.DefaultTXBuffers {
		p.TXBuffers = append(p.TXBuffers, TXBuffer{Offset: b.Offset, SelectBit: b.SelectBit})
	}
	return p
}

// Load reads and validates a profile file.
func Load(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: %w", err)
	}
	defer f.Close()
	p, err := Decode(f)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Decode parses a profile over Default. Unknown keys are rejected.
func Decode(r io.Reader) (Profile, error) {
	p := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks interrupt names, the TX buffer table and poll bounds.
func (p Profile) Validate() error {
	if _, err := p.interrupts(); err != nil {
		return err
	}
	if err := ctucan.ValidateTXBuffers(p.Buffers()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if p.Poll.Attempts < 1 {
		return fmt.Errorf("%w: poll.attempts must be >= 1", ErrInvalid)
	}
	if p.Poll.Interval < 0 {
		return fmt.Errorf("%w: poll.interval must not be negative", ErrInvalid)
	}
	return nil
}

func (p Profile) interrupts() ([]ctucan.IntBit, error) {
	bits := make([]ctucan.IntBit, 0, len(p.Interrupts))
	seen := map[ctucan.IntBit]bool{}
	for _, n := range p.Interrupts {
		b, err := ctucan.ParseIntBit(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if seen[b] {
			continue
		}
		seen[b] = true
		bits = append(bits, b)
	}
	return bits, nil
}

// Config converts the profile to a bring-up configuration. It assumes
// Validate has passed.
func (p Profile) Config() ctucan.Config {
	bits, _ := p.interrupts()
	return ctucan.Config{
		Interrupts: bits,
		Timing: ctucan.Timing{
			Nominal:          p.Timing.Nominal,
			Data:             p.Timing.Data,
			TransceiverDelay: p.Timing.TRVDelay,
		},
		Enable: ctucan.EnableOptions{Loopback: p.TestModes.Loopback, SelfAck: p.TestModes.SelfAck},
		Poll:   ctucan.Poll{Attempts: p.Poll.Attempts, Interval: p.Poll.Interval},
	}
}

// Buffers returns the TX buffer table.
func (p Profile) Buffers() []ctucan.TXBuffer {
	out := make([]ctucan.TXBuffer, len(p.TXBuffers))
	for i, b := range p.TXBuffers {
		out[i] = ctucan.TXBuffer{Offset: b.Offset, SelectBit: b.SelectBit}
	}
	return out
}

// Marshal renders the profile back to YAML.
func (p Profile) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
