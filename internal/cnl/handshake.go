package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is the banner both ends send before any frame.
const Hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake sends Hello and expects it back; both directions run at once,
// so either end may call it. The exchange is bounded by timeout and ctx.
// Cancelling ctx expires the deadline so no goroutine outlives the call.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("handshake: set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	results := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, Hello)
		results <- err
	}()
	go func() { results <- readHello(c) }()

	var first error
	for pending := 2; pending > 0; pending-- {
		var err error
		select {
		case err = <-results:
		case <-ctx.Done():
			_ = c.SetDeadline(time.Now())
			for ; pending > 0; pending-- {
				<-results
			}
			return ctx.Err()
		}
		if err != nil && first == nil {
			first = err
			// unblock the other half
			_ = c.SetDeadline(time.Now())
		}
	}
	if first != nil {
		return fmt.Errorf("handshake: %w", first)
	}
	return nil
}

func readHello(r io.Reader) error {
	var buf [len(Hello)]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	if string(buf[:]) != Hello {
		return fmt.Errorf("%w: %q", ErrBadHello, buf[:])
	}
	return nil
}
