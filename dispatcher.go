package reactor

import (
	"time"
)

// EventDispatcher owns a [Multiplexer] and the descriptor to handler
// mapping, translating raw readiness into active handlers.
//
// It is confined to the loop goroutine.
type EventDispatcher struct {
	mux      Multiplexer
	handlers map[int]*EventHandler
	ready    []Readiness
}

// NewEventDispatcher returns a dispatcher that takes ownership of mux.
func NewEventDispatcher(mux Multiplexer) *EventDispatcher {
	return &EventDispatcher{
		mux:      mux,
		handlers: make(map[int]*EventHandler),
	}
}

// Register applies the handler's interest. An empty interest removes the
// mapping, but only if h is the current occupant (or there is none).
// Otherwise the mapping is overwritten, since a descriptor may be reassigned
// to a new handler before the old one was detached.
func (d *EventDispatcher) Register(h *EventHandler) error {
	if h.interest == EventNone {
		if cur, ok := d.handlers[h.fd]; ok && cur != h {
			return nil
		}
		delete(d.handlers, h.fd)
		return d.mux.Remove(h.fd)
	}
	if err := d.mux.SetInterest(h.fd, h.interest); err != nil {
		return err
	}
	if prev := d.handlers[h.fd]; prev != nil && prev != h {
		prev.attached = false
	}
	d.handlers[h.fd] = h
	return nil
}

// Unregister removes h, by identity. It is a no-op if the descriptor is
// already occupied by another handler.
func (d *EventDispatcher) Unregister(h *EventHandler) {
	if cur, ok := d.handlers[h.fd]; !ok || cur != h {
		return
	}
	delete(d.handlers, h.fd)
	_ = d.mux.Remove(h.fd)
}

// Handler returns the occupant for fd, or nil.
func (d *EventDispatcher) Handler(fd int) *EventHandler {
	return d.handlers[fd]
}

// Len returns the number of mapped handlers.
func (d *EventDispatcher) Len() int {
	return len(d.handlers)
}

// PollActive waits for readiness, stamps each ready handler's active mask,
// and appends the handlers to active.
//
// It panics with an [*InvariantError] if a ready descriptor has no handler.
func (d *EventDispatcher) PollActive(timeout time.Duration, active []*EventHandler) ([]*EventHandler, error) {
	ready, err := d.mux.Wait(timeout, d.ready[:0])
	d.ready = ready
	if err != nil {
		return active, err
	}
	for _, r := range ready {
		h := d.handlers[r.FD]
		if h == nil {
			invariantViolation("poll", "readiness %s for unregistered fd %d", r.Events, r.FD)
		}
		h.active = r.Events
		active = append(active, h)
	}
	return active, nil
}

// Close releases the multiplexer.
func (d *EventDispatcher) Close() error {
	d.handlers = nil
	return d.mux.Close()
}
