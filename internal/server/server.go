// Package server exposes the controller to cannelloni peers over TCP. Every
// accepted peer becomes a hub client: frames received from the CAN bus are
// batched out to it, and frames it sends are queued for transmission.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/hub"
	"github.com/kstaniek/go-ctucan/internal/logging"
	"github.com/kstaniek/go-ctucan/internal/transport"
)

// SendFunc queues a client frame for transmission on the CAN controller.
type SendFunc func(can.Frame) error

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Server owns the TCP listener and the sessions of connected peers.
type Server struct {
	hub    *hub.Hub
	codec  transport.Codec
	send   SendFunc
	filter func(*can.Frame) bool
	log    *slog.Logger

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int

	mu       sync.Mutex
	addr     string
	listener net.Listener
	sessions map[*session]struct{}
	lastErr  error

	readyOnce sync.Once
	ready     chan struct{}
	wg        sync.WaitGroup
	stats     counters
}

// Option configures a Server.
type Option func(*Server)

func NewServer(opts ...Option) *Server {
	s := &Server{
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		sessions:         make(map[*session]struct{}),
		ready:            make(chan struct{}),
		log:              logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) Option {
	return func(s *Server) {
		if a != "" {
			s.addr = a
		}
	}
}

func WithHub(h *hub.Hub) Option          { return func(s *Server) { s.hub = h } }
func WithCodec(c transport.Codec) Option { return func(s *Server) { s.codec = c } }
func WithSend(send SendFunc) Option      { return func(s *Server) { s.send = send } }
func WithFrameFilter(fn func(*can.Frame) bool) Option {
	return func(s *Server) { s.filter = fn }
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithReadDeadline bounds how long a peer may stay silent before the read
// is retried; it does not disconnect the peer.
func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithMaxClients caps concurrent peers; zero means unlimited.
func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Addr is the configured address until Serve binds, then the bound one.
func (s *Server) Addr() string { s.mu.Lock(); defer s.mu.Unlock(); return s.addr }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// LastError returns the most recent session or listener failure.
func (s *Server) LastError() error { s.mu.Lock(); defer s.mu.Unlock(); return s.lastErr }

func (s *Server) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Serve listens and accepts peers until ctx is done. A cancelled context
// is a clean stop and returns nil.
func (s *Server) Serve(ctx context.Context) error {
	if s.codec == nil {
		return fmt.Errorf("%w: no codec", ErrListen)
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("tcp_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	backoff := time.Duration(0)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if !errors.As(err, &ne) {
				return s.fail(ErrAccept, err)
			}
			backoff = nextBackoff(backoff)
			s.log.Warn("tcp_accept_retry", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		s.stats.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.admit(ctx, conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return acceptBackoffMin
	}
	return min(2*d, acceptBackoffMax)
}

// clientBuffer sizes a new peer's outbound queue from the hub config.
func (s *Server) clientBuffer() int {
	if s.hub != nil {
		return s.hub.Buffer()
	}
	return hub.DefaultBuffer
}

// Shutdown closes the listener and every session, then waits for their
// goroutines or ctx, whichever ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	open := make([]*session, 0, len(s.sessions))
	for ss := range s.sessions {
		open = append(open, ss)
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, ss := range open {
		ss.close()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.log.Info("tcp_shutdown",
			"accepted", st.Accepted,
			"handshake_failed", st.HandshakeFailed,
			"rejected", st.Rejected,
			"disconnected", st.Disconnected,
			"tx_overflow", st.TxOverflow,
			"tx_errors", st.TxErrors,
		)
		return nil
	}
}
