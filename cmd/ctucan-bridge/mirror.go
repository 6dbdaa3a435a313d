package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/hub"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/socketcan"
	"github.com/kstaniek/go-ctucan/internal/transport"
)

const (
	mirrorQueueSize = 1024
	rxBackoffMin    = 20 * time.Millisecond
	rxBackoffMax    = 500 * time.Millisecond
)

// Hooks for tests.
var (
	openMirrorDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
	sleepFn          = time.Sleep
)

// mirror copies controller traffic to a SocketCAN interface and feeds
// frames seen on that interface into the controller.
type mirror struct {
	iface  string
	dev    socketcan.Dev
	tx     *socketcan.TXWriter
	untap  func()
	send   func(can.Frame) error
	l      *slog.Logger
	closed chan struct{}
	once   sync.Once
}

func openMirror(ctx context.Context, iface string, h *hub.Hub, send func(can.Frame) error, l *slog.Logger) (*mirror, error) {
	dev, err := openMirrorDevice(iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", iface, err)
	}
	tx := socketcan.NewTXWriter(ctx, dev, mirrorQueueSize)
	m := &mirror{
		iface:  iface,
		dev:    dev,
		tx:     tx,
		untap:  h.Tap(tx),
		send:   send,
		l:      l.With("if", iface),
		closed: make(chan struct{}),
	}
	m.l.Info("mirror_open")
	return m, nil
}

// run reads frames from the interface until ctx is done. Read errors back
// off exponentially between rxBackoffMin and rxBackoffMax.
func (m *mirror) run(ctx context.Context) error {
	defer m.l.Info("mirror_rx_end")
	go func() {
		select {
		case <-ctx.Done():
			m.closeDev()
		case <-m.closed:
		}
	}()
	backoff := rxBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		var fr can.Frame
		if err := m.dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrMirrorRead)
			m.l.Warn("mirror_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		metrics.IncMirrorRx()
		if err := m.send(fr); err != nil {
			if errors.Is(err, transport.ErrTxOverflow) {
				m.l.Debug("mirror_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID))
				continue
			}
			m.l.Warn("mirror_forward_error", "error", err)
		}
	}
}

func (m *mirror) close() {
	m.untap()
	m.tx.Close()
	close(m.closed)
	m.closeDev()
}

func (m *mirror) closeDev() { m.once.Do(func() { _ = m.dev.Close() }) }
