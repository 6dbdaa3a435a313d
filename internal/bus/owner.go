package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Owner is the single master of a Bus. Every transaction from every goroutine
// is funneled through one worker, so at most one cycle is in flight at a time.
//
// Life-cycle:
//
//	o := NewOwner(ctx, raw, hooks)
//	v, err := o.ReadWord(ctx, addr)
//	o.Close()
//
// A caller whose ctx is cancelled while its request is still queued gets
// ctx.Err() and the request is skipped. Once the worker has started a cycle
// the cycle runs to completion under the Owner's own context, even if the
// caller has already given up waiting.
type Owner struct {
	ch     chan request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	raw    Bus
	hooks  Hooks
	closed atomic.Bool
}

// Hooks observe completed transactions.
type Hooks struct {
	// OnRead is called after a successful read cycle.
	OnRead func(addr, v uint32)
	// OnWrite is called after a successful write cycle.
	OnWrite func(addr, v uint32)
	// OnError is called when the underlying bus fails a cycle.
	OnError func(write bool, addr uint32, err error)
}

type request struct {
	ctx   context.Context
	write bool
	addr  uint32
	val   uint32
	reply chan result
}

type result struct {
	val uint32
	err error
}

var _ Bus = (*Owner)(nil)

// NewOwner starts the worker goroutine serving raw.
func NewOwner(parent context.Context, raw Bus, hooks Hooks) *Owner {
	ctx, cancel := context.WithCancel(parent)
	o := &Owner{
		ch:     make(chan request),
		ctx:    ctx,
		cancel: cancel,
		raw:    raw,
		hooks:  hooks,
	}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *Owner) loop() {
	defer o.wg.Done()
	for {
		select {
		case req := <-o.ch:
			if req.ctx.Err() != nil {
				req.reply <- result{err: req.ctx.Err()}
				continue
			}
			req.reply <- o.do(req)
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Owner) do(req request) result {
	if req.write {
		err := o.raw.WriteWord(o.ctx, req.addr, req.val)
		if err != nil {
			if o.hooks.OnError != nil {
				o.hooks.OnError(true, req.addr, err)
			}
			return result{err: err}
		}
		if o.hooks.OnWrite != nil {
			o.hooks.OnWrite(req.addr, req.val)
		}
		return result{}
	}
	v, err := o.raw.ReadWord(o.ctx, req.addr)
	if err != nil {
		if o.hooks.OnError != nil {
			o.hooks.OnError(false, req.addr, err)
		}
		return result{err: err}
	}
	if o.hooks.OnRead != nil {
		o.hooks.OnRead(req.addr, v)
	}
	return result{val: v}
}

func (o *Owner) submit(ctx context.Context, req request) (uint32, error) {
	if o.closed.Load() {
		return 0, ErrClosed
	}
	req.ctx = ctx
	req.reply = make(chan result, 1)
	select {
	case o.ch <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-o.ctx.Done():
		return 0, ErrClosed
	}
	select {
	case res := <-req.reply:
		return res.val, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReadWord performs one read cycle at word address addr.
func (o *Owner) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	return o.submit(ctx, request{addr: addr})
}

// WriteWord performs one write cycle at word address addr.
func (o *Owner) WriteWord(ctx context.Context, addr uint32, v uint32) error {
	_, err := o.submit(ctx, request{write: true, addr: addr, val: v})
	return err
}

// Close stops the worker and waits for it to exit. Requests submitted after
// Close fail with ErrClosed.
func (o *Owner) Close() {
	if o.closed.Swap(true) {
		return
	}
	o.cancel()
	o.wg.Wait()
}
