//go:build darwin

package reactor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMultiplexer manages readiness using kqueue. Read and write interest
// are separate filters, which Wait merges back into one Readiness per fd.
type kqueueMultiplexer struct {
	kq      int
	max     int
	events  []unix.Kevent_t
	tracked map[int]IOEvents
	closed  bool
}

func newMultiplexer(maxDescriptors, pollBuffer int) (Multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueMultiplexer{
		kq:      kq,
		max:     maxDescriptors,
		events:  make([]unix.Kevent_t, pollBuffer),
		tracked: make(map[int]IOEvents),
	}, nil
}

func (m *kqueueMultiplexer) SetInterest(fd int, events IOEvents) error {
	if m.closed {
		return ErrMultiplexerClosed
	}
	if fd < 0 {
		return ErrBadDescriptor
	}
	if events == EventNone {
		return m.Remove(fd)
	}

	old, tracked := m.tracked[fd]
	if !tracked && len(m.tracked) >= m.max {
		return ErrTooManyDescriptors
	}

	// EV_ADD is idempotent, so every wanted filter is (re)applied, which
	// also covers a descriptor closed and reused while tracked
	if err := m.apply(eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)); err != nil {
		return fmt.Errorf("reactor: fd %d: %w", fd, err)
	}
	if stale := old &^ events; stale != EventNone {
		_ = m.apply(eventsToKevents(fd, stale, unix.EV_DELETE))
	}

	m.tracked[fd] = events
	return nil
}

func (m *kqueueMultiplexer) Remove(fd int) error {
	if m.closed || fd < 0 {
		return nil
	}
	old, tracked := m.tracked[fd]
	if !tracked {
		return nil
	}
	delete(m.tracked, fd)
	err := m.apply(eventsToKevents(fd, old, unix.EV_DELETE))
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return fmt.Errorf("reactor: fd %d: %w", fd, err)
}

func (m *kqueueMultiplexer) apply(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	for {
		_, err := unix.Kevent(m.kq, changes, nil, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return os.NewSyscallError("kevent", err)
	}
}

func (m *kqueueMultiplexer) Wait(timeout time.Duration, ready []Readiness) ([]Readiness, error) {
	if m.closed {
		return ready, ErrMultiplexerClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var ts *unix.Timespec
		if ms := timeoutMillis(timeout); ms >= 0 {
			ts = &unix.Timespec{
				Sec:  int64(ms / 1000),
				Nsec: int64((ms % 1000) * 1000000),
			}
		}
		n, err := unix.Kevent(m.kq, nil, m.events, ts)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				timeout = remaining(timeout, deadline)
				continue
			}
			return ready, fmt.Errorf("%w: %w", ErrMultiplexerFailed, os.NewSyscallError("kevent", err))
		}
		start := len(ready)
	next:
		for i := 0; i < n; i++ {
			fd := int(m.events[i].Ident)
			events := keventToEvents(&m.events[i])
			for j := start; j < len(ready); j++ {
				if ready[j].FD == fd {
					ready[j].Events |= events
					continue next
				}
			}
			ready = append(ready, Readiness{FD: fd, Events: events})
		}
		return ready, nil
	}
}

func (m *kqueueMultiplexer) Len() int {
	return len(m.tracked)
}

func (m *kqueueMultiplexer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.tracked = nil
	return os.NewSyscallError("close", unix.Close(m.kq))
}

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts a kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 && kev.Fflags != 0 {
		// EOF with a pending socket error
		events |= EventRead | EventError
	}
	return events
}
