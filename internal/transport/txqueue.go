package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/kstaniek/go-ctucan/internal/can"
)

// ErrQueueClosed is returned by SendFrame after Close.
var ErrQueueClosed = errors.New("tx queue closed")

// QueueHooks let each sink attach its own accounting to a TxQueue.
type QueueHooks struct {
	// OnSent runs after the sender accepted fr.
	OnSent func(fr can.Frame)
	// OnError runs when the sender failed; fr is lost.
	OnError func(fr can.Frame, err error)
	// OnDrop runs when the queue is full. Its result is what SendFrame
	// returns; nil makes overflow silent.
	OnDrop func(fr can.Frame) error
}

// TxQueue hands frames from any number of producers to one sender
// goroutine. SendFrame never blocks, so a TCP reader is not held up by a
// slow register bus or a wedged mirror interface.
type TxQueue struct {
	send   func(can.Frame) error
	hooks  QueueHooks
	frames chan can.Frame
	stop   chan struct{}
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewTxQueue starts the sender with room for depth frames. The sender
// exits when parent is done or Close is called.
func NewTxQueue(parent context.Context, depth int, send func(can.Frame) error, hooks QueueHooks) *TxQueue {
	q := &TxQueue{
		send:   send,
		hooks:  hooks,
		frames: make(chan can.Frame, depth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run(parent.Done())
	return q
}

func (q *TxQueue) run(cancelled <-chan struct{}) {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-cancelled:
			return
		case fr := <-q.frames:
			// Close wins over frames still queued
			select {
			case <-q.stop:
				return
			default:
			}
			q.deliver(fr)
		}
	}
}

func (q *TxQueue) deliver(fr can.Frame) {
	if err := q.send(fr); err != nil {
		if q.hooks.OnError != nil {
			q.hooks.OnError(fr, err)
		}
		return
	}
	if q.hooks.OnSent != nil {
		q.hooks.OnSent(fr)
	}
}

// SendFrame queues fr, or reports the OnDrop result when the queue is full.
func (q *TxQueue) SendFrame(fr can.Frame) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.frames <- fr:
		return nil
	default:
	}
	if q.hooks.OnDrop != nil {
		return q.hooks.OnDrop(fr)
	}
	return nil
}

// Len reports how many frames wait for the sender.
func (q *TxQueue) Len() int { return len(q.frames) }

// Close stops the sender and waits for it. Queued frames are discarded.
// Safe to call more than once.
func (q *TxQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()
	<-q.done
}
