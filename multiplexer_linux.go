//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// epollMultiplexer manages readiness using epoll, in level-triggered mode.
type epollMultiplexer struct {
	epfd    int
	max     int
	events  []unix.EpollEvent
	tracked map[int]IOEvents
	closed  bool
}

func newMultiplexer(maxDescriptors, pollBuffer int) (Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollMultiplexer{
		epfd:    epfd,
		max:     maxDescriptors,
		events:  make([]unix.EpollEvent, pollBuffer),
		tracked: make(map[int]IOEvents),
	}, nil
}

func (m *epollMultiplexer) SetInterest(fd int, events IOEvents) error {
	if m.closed {
		return ErrMultiplexerClosed
	}
	if fd < 0 {
		return ErrBadDescriptor
	}
	if events == EventNone {
		return m.Remove(fd)
	}

	_, tracked := m.tracked[fd]
	if !tracked && len(m.tracked) >= m.max {
		return ErrTooManyDescriptors
	}

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !tracked {
		op = unix.EPOLL_CTL_ADD
	}
	err := unix.EpollCtl(m.epfd, op, fd, &ev)
	switch {
	case op == unix.EPOLL_CTL_ADD && errors.Is(err, unix.EEXIST):
		err = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	case op == unix.EPOLL_CTL_MOD && errors.Is(err, unix.ENOENT):
		// the descriptor was closed (and possibly reused) while tracked
		err = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("reactor: fd %d: %w", fd, os.NewSyscallError("epoll_ctl", err))
	}

	m.tracked[fd] = events
	return nil
}

func (m *epollMultiplexer) Remove(fd int) error {
	if m.closed || fd < 0 {
		return nil
	}
	delete(m.tracked, fd)
	err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return fmt.Errorf("reactor: fd %d: %w", fd, os.NewSyscallError("epoll_ctl", err))
}

func (m *epollMultiplexer) Wait(timeout time.Duration, ready []Readiness) ([]Readiness, error) {
	if m.closed {
		return ready, ErrMultiplexerClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		n, err := unix.EpollWait(m.epfd, m.events, timeoutMillis(timeout))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				timeout = remaining(timeout, deadline)
				continue
			}
			return ready, fmt.Errorf("%w: %w", ErrMultiplexerFailed, os.NewSyscallError("epoll_wait", err))
		}
		for i := 0; i < n; i++ {
			ready = append(ready, Readiness{
				FD:     int(m.events[i].Fd),
				Events: epollToEvents(m.events[i].Events),
			})
		}
		return ready, nil
	}
}

func (m *epollMultiplexer) Len() int {
	return len(m.tracked)
}

func (m *epollMultiplexer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.tracked = nil
	return os.NewSyscallError("close", unix.Close(m.epfd))
}

// eventsToEpoll converts IOEvents to epoll event flags. Error conditions are
// always reported by epoll, so EventError contributes nothing.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents. Hangup is reported
// as readable, so that a read observes it.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventRead | EventError
	}
	return events
}
