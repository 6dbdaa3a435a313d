package ctucan

import "errors"

// Sentinel errors; callers classify with errors.Is. Nothing in this package
// retries on any of them.
var (
	ErrAlignment             = errors.New("ctucan: unaligned 32-bit access")
	ErrBitRange              = errors.New("ctucan: bit out of range")
	ErrInvalidBuffer         = errors.New("ctucan: invalid tx buffer")
	ErrBufferTable           = errors.New("ctucan: invalid tx buffer table")
	ErrIdentifierTooLong     = errors.New("ctucan: identifier too long")
	ErrPayloadTooLong        = errors.New("ctucan: payload length not encodable")
	ErrStateMismatch         = errors.New("ctucan: state mismatch")
	ErrUnexpectedInterrupt   = errors.New("ctucan: unexpected interrupt")
	ErrMalformedFrame        = errors.New("ctucan: malformed rx frame")
	ErrInitializationTimeout = errors.New("ctucan: initialization timeout")
	ErrUnknownDevice         = errors.New("ctucan: unknown device id")
)
