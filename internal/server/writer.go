package server

import (
	"context"
	"io"
	"time"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/transport"
)

// batcher collects outbound frames so one socket write carries many.
type batcher struct {
	enc    transport.FrameBatchEncoder
	w      io.Writer
	frames []can.Frame
}

func newBatcher(enc transport.FrameBatchEncoder, w io.Writer, size int) *batcher {
	return &batcher{enc: enc, w: w, frames: make([]can.Frame, 0, size)}
}

// add queues fr and reports whether the batch is now full.
func (b *batcher) add(fr can.Frame) bool {
	b.frames = append(b.frames, fr)
	return len(b.frames) == cap(b.frames)
}

func (b *batcher) empty() bool { return len(b.frames) == 0 }

// flush writes the pending frames. The batch is emptied even on failure.
func (b *batcher) flush() error {
	n := len(b.frames)
	if n == 0 {
		return nil
	}
	_, err := b.enc.EncodeTo(b.w, b.frames)
	b.frames = b.frames[:0]
	if err != nil {
		return err
	}
	metrics.AddTCPTx(n)
	return nil
}

// pumpOut moves frames from the session's hub queue to the peer. A batch
// goes out when it fills or flushInterval after its first frame.
func (s *Server) pumpOut(ctx context.Context, ss *session) {
	b := newBatcher(s.codec, ss.conn, s.batchSize)
	timer := time.NewTimer(s.flushInterval)
	timer.Stop()
	defer timer.Stop()
	for {
		var err error
		select {
		case fr := <-ss.client.Out:
			wasEmpty := b.empty()
			if b.add(fr) {
				timer.Stop()
				err = b.flush()
			} else if wasEmpty {
				timer.Reset(s.flushInterval)
			}
		case <-timer.C:
			err = b.flush()
		case <-ss.client.Closed:
			_ = b.flush()
			return
		case <-ctx.Done():
			_ = b.flush()
			return
		}
		if err != nil {
			ss.log.Debug("client_write_failed", "error", s.fail(ErrConnWrite, err))
			return
		}
	}
}
