package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-ctucan/internal/cnl"
	"github.com/kstaniek/go-ctucan/internal/hub"
	"github.com/kstaniek/go-ctucan/internal/metrics"
)

var (
	errClientLimit = errors.New("client limit reached")
	errClosing     = errors.New("server shutting down")
)

// session is one handshaken peer and its hub registration.
type session struct {
	conn   net.Conn
	client *hub.Client
	log    *slog.Logger
	once   sync.Once
}

// close drops the connection and wakes the outbound pump. Idempotent.
func (ss *session) close() {
	ss.once.Do(func() {
		_ = ss.conn.Close()
		ss.client.Close()
	})
}

func tuneConn(c net.Conn) {
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetNoDelay(true)
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetKeepAlivePeriod(30 * time.Second)
}

// admit runs a freshly accepted connection to completion: handshake,
// registration, then both pumps until either side gives up.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	id := s.stats.sessionIDs.Add(1)
	log := s.log.With("conn_id", id, "remote", conn.RemoteAddr().String())
	tuneConn(conn)

	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.stats.handshakeFailed.Add(1)
		log.Warn("handshake_failed", "error", s.fail(ErrHandshake, err))
		_ = conn.Close()
		return
	}
	ss := &session{
		conn:   conn,
		client: hub.NewClient(s.clientBuffer()),
		log:    log,
	}
	if err := s.register(ss); err != nil {
		if errors.Is(err, errClientLimit) {
			s.stats.rejected.Add(1)
			metrics.IncHubReject()
		}
		log.Warn("client_rejected", "reason", err, "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	s.stats.connected.Add(1)
	log.Info("client_connected")
	defer s.unregister(ss)

	inDone := make(chan struct{})
	go func() {
		defer close(inDone)
		s.pumpIn(ctx, ss)
	}()
	s.pumpOut(ctx, ss)
	ss.close()
	<-inDone
}

func (s *Server) register(ss *session) error {
	s.mu.Lock()
	switch {
	case s.listener == nil:
		s.mu.Unlock()
		return errClosing
	case s.maxClients > 0 && len(s.sessions) >= s.maxClients:
		s.mu.Unlock()
		return errClientLimit
	}
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()
	if s.hub != nil {
		s.hub.Add(ss.client)
		metrics.SetHubClients(s.hub.Count())
	}
	return nil
}

func (s *Server) unregister(ss *session) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
	if s.hub != nil {
		s.hub.Remove(ss.client)
	}
	s.stats.disconnected.Add(1)
	ss.log.Info("client_disconnected")
}
