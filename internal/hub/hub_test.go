package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
)

func TestPolicyParse(t *testing.T) {
	for _, p := range []Policy{PolicyDrop, PolicyKick} {
		got, err := ParsePolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("round trip %v: %v %v", p, got, err)
		}
	}
	if _, err := ParsePolicy("block"); err == nil {
		t.Fatalf("accepted unknown policy")
	}
	if s := Policy(9).String(); s != "Policy(9)" {
		t.Fatalf("String=%q", s)
	}
}

func TestOptions(t *testing.T) {
	h := New()
	if h.Buffer() != DefaultBuffer || h.Policy() != PolicyDrop {
		t.Fatalf("defaults buffer=%d policy=%v", h.Buffer(), h.Policy())
	}
	h = New(WithBuffer(8), WithPolicy(PolicyKick), WithBuffer(-1))
	if h.Buffer() != 8 || h.Policy() != PolicyKick {
		t.Fatalf("buffer=%d policy=%v", h.Buffer(), h.Policy())
	}
}

func TestDropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	pre := metrics.Snap().HubDrops
	start := time.Now()
	for _i := 0; _i < 1000; _i++ {
		h.Broadcast(can.Frame{CANID: 0x123 | can.CAN_EFF_FLAG})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if d := metrics.Snap().HubDrops - pre; d != 996 {
		t.Fatalf("drops=%d", d)
	}
	select {
	case <-cl.Closed:
		t.Fatalf("drop policy closed the client")
	default:
	}
}

func TestSlowClientDoesNotStarveOthers(t *testing.T) {
	h := New()
	slow, fast := NewClient(1), NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)
	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{CANID: uint32(i)})
	}
	if len(fast.Out) != 10 || len(slow.Out) != 1 {
		t.Fatalf("fast=%d slow=%d", len(fast.Out), len(slow.Out))
	}
	if fr := <-slow.Out; fr.CANID != 0 {
		t.Fatalf("slow kept 0x%x", fr.CANID)
	}
}

func TestKickPolicyClosesSlowClient(t *testing.T) {
	h := New(WithPolicy(PolicyKick))
	cl := NewClient(1)
	h.Add(cl)
	defer h.Remove(cl)
	h.Broadcast(can.Frame{})
	h.Broadcast(can.Frame{})
	select {
	case <-cl.Closed:
	default:
		t.Fatalf("slow client not kicked")
	}
	// a kicked client stays registered until its owner removes it
	if h.Count() != 1 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestAddRemove(t *testing.T) {
	h := New()
	a, b := NewClient(1), NewClient(1)
	h.Add(a)
	h.Add(a)
	h.Add(b)
	if h.Count() != 2 {
		t.Fatalf("count=%d", h.Count())
	}
	snap := h.Snapshot()
	h.Remove(a)
	h.Remove(a)
	if h.Count() != 1 || h.Snapshot()[0] != b {
		t.Fatalf("after remove %v", h.Snapshot())
	}
	if len(snap) != 2 {
		t.Fatalf("earlier snapshot changed: %d", len(snap))
	}
	select {
	case <-a.Closed:
	default:
		t.Fatalf("removed client not closed")
	}
}

type sinkFunc func(can.Frame) error

func (f sinkFunc) SendFrame(fr can.Frame) error { return f(fr) }

func TestTapSeesEveryFrame(t *testing.T) {
	h := New()
	var got []uint32
	remove := h.Tap(sinkFunc(func(fr can.Frame) error {
		got = append(got, fr.CANID)
		return nil
	}))
	for i := 0; i < 3; i++ {
		h.Broadcast(can.Frame{CANID: uint32(i)})
	}
	if h.Count() != 0 {
		t.Fatalf("tap counted as client")
	}
	remove()
	h.Broadcast(can.Frame{CANID: 99})
	if len(got) != 3 || got[2] != 2 {
		t.Fatalf("tap got %v", got)
	}
}

func TestTapErrorDoesNotAffectClients(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)
	h.Tap(sinkFunc(func(can.Frame) error { return errors.New("mirror down") }))
	h.Broadcast(can.Frame{CANID: 7})
	select {
	case fr := <-cl.Out:
		if fr.CANID != 7 {
			t.Fatalf("client got 0x%x", fr.CANID)
		}
	default:
		t.Fatalf("client missed frame")
	}
}

func TestConcurrentMembership(t *testing.T) {
	h := New()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Broadcast(can.Frame{})
			}
		}
	}()
	for _i := 0; _i < 200; _i++ {
		cl := NewClient(2)
		h.Add(cl)
		h.Remove(cl)
	}
	close(stop)
	wg.Wait()
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}
