package socketcan

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/transport"
)

// ErrTxOverflow wraps transport.ErrTxOverflow.
var ErrTxOverflow = fmt.Errorf("socketcan: %w", transport.ErrTxOverflow)

// Dev is the minimal interface needed by the mirror and TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all SocketCAN writes through a single goroutine.
type TXWriter struct{ q *transport.TxQueue }

// NewTXWriter creates a SocketCAN TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	send := func(fr can.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.QueueHooks{
		OnError: func(can.Frame, error) { metrics.IncError(metrics.ErrMirrorWrite) },
		OnSent:  func(can.Frame) { metrics.IncMirrorTx() },
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrMirrorOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{q: transport.NewTxQueue(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous device write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.q.SendFrame(fr) }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.q.Close() }
