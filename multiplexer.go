package reactor

import (
	"math"
	"time"
)

const (
	// DefaultMaxDescriptors bounds the descriptors tracked by a Multiplexer.
	DefaultMaxDescriptors = 65536

	// DefaultPollBuffer is the number of readiness events retrieved per wait.
	DefaultPollBuffer = 256
)

// Readiness is a single ready descriptor, as reported by a [Multiplexer].
type Readiness struct {
	FD     int
	Events IOEvents
}

// Multiplexer wraps OS readiness polling, over a bounded set of descriptors.
// Implementations are level-triggered, and are not safe for concurrent use.
type Multiplexer interface {
	// SetInterest installs or replaces the interest mask for fd. The
	// operation is idempotent, and EventNone removes fd.
	SetInterest(fd int, events IOEvents) error

	// Remove stops tracking fd. It never fails for an untracked descriptor.
	Remove(fd int) error

	// Wait blocks up to timeout for readiness, appending to ready. A zero
	// timeout polls, and a negative timeout blocks indefinitely.
	// Interruptions are retried, with the remaining timeout.
	Wait(timeout time.Duration, ready []Readiness) ([]Readiness, error)

	// Len returns the number of tracked descriptors.
	Len() int

	// Close releases the underlying OS resources.
	Close() error
}

// MultiplexerFactory constructs a Multiplexer, see [WithMultiplexer].
type MultiplexerFactory func(maxDescriptors, pollBuffer int) (Multiplexer, error)

// NewMultiplexer returns the native Multiplexer for the platform. Values <= 0
// select [DefaultMaxDescriptors] and [DefaultPollBuffer].
func NewMultiplexer(maxDescriptors, pollBuffer int) (Multiplexer, error) {
	if maxDescriptors <= 0 {
		maxDescriptors = DefaultMaxDescriptors
	}
	if pollBuffer <= 0 {
		pollBuffer = DefaultPollBuffer
	}
	return newMultiplexer(maxDescriptors, pollBuffer)
}

// timeoutMillis converts a timeout for use with the poll syscalls, with
// ceiling rounding, so that short timeouts don't spin.
func timeoutMillis(timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// remaining recalculates the timeout after an interrupted wait.
func remaining(timeout time.Duration, deadline time.Time) time.Duration {
	if timeout <= 0 {
		return timeout
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return 0
}
