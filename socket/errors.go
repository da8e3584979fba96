//go:build linux || darwin

package socket

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsWouldBlock reports whether err indicates that a non-blocking operation
// could not proceed.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsTransient reports whether the operation that returned err should simply
// be retried on the next readiness notification.
func IsTransient(err error) bool {
	return IsWouldBlock(err) || errors.Is(err, unix.EINTR)
}

// IsResourceExhausted reports whether err indicates descriptor or memory
// exhaustion.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM)
}

// IsConnReset reports whether err indicates the peer went away abruptly.
func IsConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}

// IsInProgress reports whether err is the expected result of a non-blocking
// stream connect.
func IsInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS)
}
