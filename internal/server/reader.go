package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/transport"
)

// readBatch bounds how many frames one DecodeN call drains before the
// reader re-arms its deadline.
const readBatch = 16

// pumpIn decodes frames from the peer and forwards them to the controller
// until the peer leaves, a frame fails to decode, or ctx is done. A read
// deadline only re-arms the loop.
func (s *Server) pumpIn(ctx context.Context, ss *session) {
	defer ss.close()
	multi, hasMulti := s.codec.(transport.MultiFrameDecoder)
	deliver := func(fr can.Frame) { s.forward(ss, fr) }
	for ctx.Err() == nil {
		_ = ss.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		var err error
		if hasMulti {
			var n int
			n, err = multi.DecodeN(ss.conn, readBatch, deliver)
			if err == nil && n == 0 {
				time.Sleep(100 * time.Microsecond)
			}
		} else {
			var fr can.Frame
			if fr, err = s.codec.Decode(ss.conn); err == nil {
				deliver(fr)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		ss.log.Warn("client_read_failed", "error", s.fail(ErrConnRead, err))
		return
	}
}

// forward passes one peer frame through the filter to the controller.
// A full TX queue drops the frame quietly; any other failure is recorded.
func (s *Server) forward(ss *session, fr can.Frame) {
	if s.filter != nil && !s.filter(&fr) {
		return
	}
	metrics.IncTCPRx()
	if s.send == nil {
		return
	}
	err := s.send(fr)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTxOverflow):
		s.stats.txOverflow.Add(1)
		ss.log.Debug("can_tx_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
	default:
		s.stats.txErrors.Add(1)
		ss.log.Error("can_tx_error", "error", s.fail(ErrBackendTx, err), "can_id", fmt.Sprintf("0x%X", fr.CANID))
	}
}
