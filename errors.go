package reactor

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	ErrLoopAlreadyRunning  = errors.New("reactor: loop is already running")
	ErrLoopStopped         = errors.New("reactor: loop stopped")
	ErrInvalidInterval     = errors.New("reactor: interval must be positive")
	ErrInvalidOption       = errors.New("reactor: invalid option")
	ErrMultiplexerFailed   = errors.New("reactor: multiplexer failed")
	ErrMultiplexerClosed   = errors.New("reactor: multiplexer closed")
	ErrTooManyDescriptors  = errors.New("reactor: too many descriptors")
	ErrBadDescriptor       = errors.New("reactor: bad descriptor")
	ErrUnsupportedPlatform = errors.New("reactor: platform not supported")
	ErrThreadStarted       = errors.New("reactor: loop thread already started")
	ErrAlreadyOpen         = errors.New("reactor: socket already open")
	ErrSocketClosed        = errors.New("reactor: socket closed")
	ErrNotConnected        = errors.New("reactor: socket not connected")
	ErrInvalidState        = errors.New("reactor: invalid socket state")
	ErrUDPConnected        = errors.New("reactor: udp socket is connected, use Send")
	ErrUDPNotConnected     = errors.New("reactor: udp socket is not connected, use SendTo")
)

// InvariantError is the panic value used for programming invariant
// violations, e.g. readiness reported for a descriptor with no handler, or a
// handler mutated off the loop goroutine.
//
// Unlike other panics raised by callbacks, an InvariantError is never
// recovered by the loop.
type InvariantError struct {
	Op      string
	Message string
}

func (e *InvariantError) Error() string {
	if e.Op == "" {
		return "reactor: invariant violated: " + e.Message
	}
	return "reactor: invariant violated: " + e.Op + ": " + e.Message
}

func invariantViolation(op, format string, args ...any) {
	panic(&InvariantError{Op: op, Message: fmt.Sprintf(format, args...)})
}
