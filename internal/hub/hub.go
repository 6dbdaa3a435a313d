// Package hub fans frames drained from the controller out to every
// connected TCP client and to local taps such as the SocketCAN mirror.
package hub

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/logging"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/transport"
)

// Policy decides what happens to a client whose queue is full.
type Policy int

const (
	PolicyDrop Policy = iota // the client misses the frame
	PolicyKick               // the client is closed
)

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyKick:
		return "kick"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts "drop" or "kick".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("hub: unknown policy %q", s)
}

// DefaultBuffer is the client queue depth when none is configured.
const DefaultBuffer = 512

// Client is one consumer of broadcast frames. Closed is closed once, when
// the client is kicked or removed.
type Client struct {
	Out    chan can.Frame
	Closed chan struct{}
	once   sync.Once
}

func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close marks the client closed. Idempotent.
func (c *Client) Close() { c.once.Do(func() { close(c.Closed) }) }

type tap struct{ sink transport.FrameSink }

// members is an immutable view swapped in whole on every change, so
// Broadcast never takes a lock.
type members struct {
	clients []*Client
	taps    []*tap
}

type Hub struct {
	buffer int
	policy Policy

	mu   sync.Mutex // serializes writers of view
	view atomic.Pointer[members]
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the queue depth for clients created by the server.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithPolicy(p Policy) Option { return func(h *Hub) { h.policy = p } }

func New(opts ...Option) *Hub {
	h := &Hub{buffer: DefaultBuffer, policy: PolicyDrop}
	for _, o := range opts {
		o(h)
	}
	h.view.Store(&members{})
	return h
}

func (h *Hub) Buffer() int    { return h.buffer }
func (h *Hub) Policy() Policy { return h.policy }

// update applies fn to a copy of the membership and publishes it.
func (h *Hub) update(fn func(m *members)) (before, after int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.view.Load()
	next := &members{clients: slices.Clone(cur.clients), taps: slices.Clone(cur.taps)}
	fn(next)
	h.view.Store(next)
	return len(cur.clients), len(next.clients)
}

// Add registers a client.
func (h *Hub) Add(c *Client) {
	before, after := h.update(func(m *members) {
		if !slices.Contains(m.clients, c) {
			m.clients = append(m.clients, c)
		}
	})
	metrics.SetHubClients(after)
	if before == 0 && after == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client. Safe to call more than once.
func (h *Hub) Remove(c *Client) {
	before, after := h.update(func(m *members) {
		m.clients = slices.DeleteFunc(m.clients, func(x *Client) bool { return x == c })
	})
	c.Close()
	metrics.SetHubClients(after)
	if before > 0 && after == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Tap registers a sink that sees every broadcast frame. Taps are not
// clients: they are not counted, never kicked, and a sink that returns an
// error only loses that frame. SendFrame must not block. The returned func
// removes the tap.
func (h *Hub) Tap(s transport.FrameSink) (remove func()) {
	t := &tap{sink: s}
	h.update(func(m *members) { m.taps = append(m.taps, t) })
	return func() {
		h.update(func(m *members) {
			m.taps = slices.DeleteFunc(m.taps, func(x *tap) bool { return x == t })
		})
	}
}

// Broadcast offers fr to every client under the hub's policy, then to
// every tap.
func (h *Hub) Broadcast(fr can.Frame) {
	m := h.view.Load()
	if n := len(m.clients); n > 0 {
		deepest, sum := 0, 0
		for _, c := range m.clients {
			d := len(c.Out)
			deepest = max(deepest, d)
			sum += d
		}
		metrics.SetQueueDepth(deepest, sum/n)
	}
	metrics.SetBroadcastFanout(len(m.clients))
	for _, c := range m.clients {
		select {
		case c.Out <- fr:
			continue
		default:
		}
		if h.policy == PolicyKick {
			metrics.IncHubKick()
			// the server removes it once its writer notices
			c.Close()
			continue
		}
		metrics.IncHubDrop()
	}
	for _, t := range m.taps {
		// overflow is already counted by the sink
		if err := t.sink.SendFrame(fr); err != nil && !errors.Is(err, transport.ErrTxOverflow) {
			logging.L().Debug("hub_tap_error", "error", err)
		}
	}
}

// Snapshot returns the current clients. The slice must not be modified.
func (h *Hub) Snapshot() []*Client { return h.view.Load().clients }

func (h *Hub) Count() int { return len(h.view.Load().clients) }
