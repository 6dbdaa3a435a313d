package server

import "sync/atomic"

type counters struct {
	sessionIDs      atomic.Uint64
	accepted        atomic.Uint64
	handshakeFailed atomic.Uint64
	rejected        atomic.Uint64
	connected       atomic.Uint64
	disconnected    atomic.Uint64
	txOverflow      atomic.Uint64
	txErrors        atomic.Uint64
}

// Stats is a point-in-time view of the server's lifetime counters.
type Stats struct {
	Accepted        uint64
	HandshakeFailed uint64
	Rejected        uint64 // turned away at the client limit
	Connected       uint64
	Disconnected    uint64
	TxOverflow      uint64 // client frames dropped on a full TX queue
	TxErrors        uint64
	Active          int
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	return Stats{
		Accepted:        s.stats.accepted.Load(),
		HandshakeFailed: s.stats.handshakeFailed.Load(),
		Rejected:        s.stats.rejected.Load(),
		Connected:       s.stats.connected.Load(),
		Disconnected:    s.stats.disconnected.Load(),
		TxOverflow:      s.stats.txOverflow.Load(),
		TxErrors:        s.stats.txErrors.Load(),
		Active:          active,
	}
}
