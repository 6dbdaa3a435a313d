package ctucan

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/kstaniek/go-ctucan/internal/bus"
	"github.com/kstaniek/go-ctucan/internal/logging"
)

type txn struct {
	write bool
	addr  uint32 // word address
	val   uint32
}

// memBus is a plain register file with an RX FIFO behind RX_DATA and a
// transaction log.
type memBus struct {
	mu    sync.Mutex
	words map[uint32]uint32
	fifo  []uint32
	log   []txn

	autoRXE   bool                        // derive RX_STATUS.RXE from the FIFO
	onRead    func(addr, v uint32) uint32 // rewrite a value before it is returned
	onWrite   func(addr, v uint32) uint32 // rewrite a value before it is stored
	failRead  map[uint32]error
	failWrite map[uint32]error
}

func newMemBus() *memBus {
	return &memBus{words: make(map[uint32]uint32)}
}

func (m *memBus) ReadWord(_ context.Context, addr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRead[addr]; err != nil {
		return 0, err
	}
	var v uint32
	switch {
	case addr == bus.WordAddr(RegRXData):
		if len(m.fifo) > 0 {
			v, m.fifo = m.fifo[0], m.fifo[1:]
		}
	default:
		v = m.words[addr]
	}
	if m.autoRXE && addr == bus.WordAddr(RegRXStatus) {
		v &^= 1 << RXStatusRXEBit
		if len(m.fifo) == 0 {
			v |= 1 << RXStatusRXEBit
		}
	}
	if m.onRead != nil {
		v = m.onRead(addr, v)
	}
	m.log = append(m.log, txn{addr: addr, val: v})
	return v, nil
}

func (m *memBus) WriteWord(_ context.Context, addr, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failWrite[addr]; err != nil {
		return err
	}
	m.log = append(m.log, txn{write: true, addr: addr, val: v})
	if m.onWrite != nil {
		v = m.onWrite(addr, v)
	}
	m.words[addr] = v
	return nil
}

func (m *memBus) set(off, v uint32) {
	m.mu.Lock()
	m.words[bus.WordAddr(off)] = v
	m.mu.Unlock()
}

func (m *memBus) get(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[bus.WordAddr(off)]
}

func (m *memBus) push(words ...uint32) {
	m.mu.Lock()
	m.fifo = append(m.fifo, words...)
	m.mu.Unlock()
}

func (m *memBus) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fifo)
}

func (m *memBus) txns() []txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]txn(nil), m.log...)
}

func (m *memBus) reset() {
	m.mu.Lock()
	m.log = nil
	m.mu.Unlock()
}

// writesTo returns the values written to byte offset off, in order.
func (m *memBus) writesTo(off uint32) []uint32 {
	var out []uint32
	for _, t := range m.txns() {
		if t.write && t.addr == bus.WordAddr(off) {
			out = append(out, t.val)
		}
	}
	return out
}

func (m *memBus) readsOf(off uint32) int {
	var n int
	for _, t := range m.txns() {
		if !t.write && t.addr == bus.WordAddr(off) {
			n++
		}
	}
	return n
}

func (m *memBus) writeCount() int {
	var n int
	for _, t := range m.txns() {
		if t.write {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger { return logging.Discard() }

func newTestController(t *testing.T, m *memBus, opts ...Option) *Controller {
	t.Helper()
	c, err := New(m, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// chanLine is an interrupt line driven by the test.
type chanLine chan struct{}

func (l chanLine) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-l:
		if !ok {
			return bus.ErrClosed
		}
		return nil
	}
}
