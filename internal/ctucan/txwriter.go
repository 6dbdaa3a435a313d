package ctucan

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/transport"
)

// ErrTxOverflow wraps transport.ErrTxOverflow.
var ErrTxOverflow = fmt.Errorf("ctucan: %w", transport.ErrTxOverflow)

// TXWriter funnels frames from any number of producers into SendFrame on a
// single goroutine. Successive frames rotate over the TX buffer table, so
// frame k lands in buffer k mod len(table).
//
// A buffer is rewritten without checking that its previous frame has left:
// the register map has no TX status register and TXI does not say which
// buffer finished. When the bus is slower than the producers, a frame can
// overwrite one still waiting, or two frames can leave out of order. Give
// the table more buffers to widen that window.
type TXWriter struct {
	q    *transport.TxQueue
	next atomic.Uint32
}

// NewTXWriter creates a TXWriter with a queue of size buf. Frames are
// transmitted under a context detached from parent's cancellation so a
// buffer is never left half written; Close stops the worker.
func NewTXWriter(parent context.Context, c *Controller, buf int) *TXWriter {
	w := &TXWriter{}
	sctx := context.WithoutCancel(parent)
	n := uint32(len(c.TXBuffers()))
	send := func(fr can.Frame) error {
		idx := int(w.next.Add(1)-1) % int(n)
		return c.SendFrame(sctx, RequestFromCAN(fr, idx))
	}
	hooks := transport.QueueHooks{
		OnError: func(fr can.Frame, err error) {
			// SendFrame already counted the failure
			c.logger.Warn("can_tx_error", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
		},
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrCANTxOverflow)
			return ErrTxOverflow
		},
	}
	w.q = transport.NewTxQueue(parent, buf, send, hooks)
	return w
}

// SendFrame queues a frame for transmission (drops with ErrTxOverflow if the queue is full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.q.SendFrame(fr) }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.q.Close() }

// Pending reports the number of frames waiting for the bus.
func (w *TXWriter) Pending() int { return w.q.Len() }
