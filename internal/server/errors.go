package server

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-ctucan/internal/metrics"
)

// Failures are wrapped with one of these so callers can classify them
// with errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrBackendTx = errors.New("backend_tx")
	ErrContext   = errors.New("context_cancelled")
)

// metricLabel picks the error counter label for a wrapped failure.
func metricLabel(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrBackendTx):
		return metrics.ErrCANTx
	}
	return "other"
}

// fail wraps cause under kind, counts it and remembers it as the last error.
func (s *Server) fail(kind, cause error) error {
	err := fmt.Errorf("%w: %v", kind, cause)
	metrics.IncError(metricLabel(err))
	s.recordError(err)
	return err
}
