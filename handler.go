package reactor

// EventHandler binds one descriptor to its interest mask, and the callbacks
// run when the descriptor becomes ready. It performs no I/O itself.
//
// A handler is exclusively owned by the socket object that created it. All
// methods other than the getters must be called on the loop goroutine (or
// while the loop is not running), and panic with an [*InvariantError]
// otherwise.
type EventHandler struct {
	loop     *EventLoop
	onRead   func()
	onWrite  func()
	fd       int
	interest IOEvents
	active   IOEvents
	attached bool
}

// NewEventHandler returns a detached handler for fd.
func NewEventHandler(loop *EventLoop, fd int) *EventHandler {
	return &EventHandler{loop: loop, fd: fd}
}

func (h *EventHandler) Loop() *EventLoop { return h.loop }

func (h *EventHandler) FD() int { return h.fd }

// Interest returns the registered interest mask.
func (h *EventHandler) Interest() IOEvents { return h.interest }

// Active returns the mask stamped by the most recent poll.
func (h *EventHandler) Active() IOEvents { return h.active }

// Attached reports whether the handler is registered with the dispatcher.
func (h *EventHandler) Attached() bool { return h.attached }

func (h *EventHandler) IsReading() bool { return h.interest&EventRead != 0 }

func (h *EventHandler) IsWriting() bool { return h.interest&EventWrite != 0 }

// SetReadCallback sets the callback run for read (or error) readiness.
func (h *EventHandler) SetReadCallback(fn func()) { h.onRead = fn }

// SetWriteCallback sets the callback run for write readiness.
func (h *EventHandler) SetWriteCallback(fn func()) { h.onWrite = fn }

func (h *EventHandler) EnableReading() error { return h.update(h.interest | EventRead) }

func (h *EventHandler) DisableReading() error { return h.update(h.interest &^ EventRead) }

func (h *EventHandler) EnableWriting() error { return h.update(h.interest | EventWrite) }

func (h *EventHandler) DisableWriting() error { return h.update(h.interest &^ EventWrite) }

func (h *EventHandler) DisableAll() error { return h.update(EventNone) }

// Detach removes the handler from the dispatcher, if it is still the
// occupant of its descriptor. It must be called before the descriptor is
// closed.
func (h *EventHandler) Detach() {
	h.loop.AssertInLoopThread()
	h.interest = EventNone
	h.active = EventNone
	if h.attached {
		h.attached = false
		h.loop.dispatcher.Unregister(h)
	}
}

func (h *EventHandler) update(interest IOEvents) error {
	h.loop.AssertInLoopThread()
	prev, wasAttached := h.interest, h.attached
	h.interest = interest
	h.attached = interest != EventNone
	if err := h.loop.dispatcher.Register(h); err != nil {
		h.interest, h.attached = prev, wasAttached
		return err
	}
	return nil
}

// handleEvents dispatches the active mask, read before write. The write
// callback is skipped if the read callback detached (or replaced) the
// handler.
func (h *EventHandler) handleEvents() {
	active := h.active
	h.active = EventNone
	if active&(EventRead|EventError) != 0 && h.onRead != nil {
		h.onRead()
	}
	if !h.current() {
		return
	}
	if (active&EventWrite != 0 || (active&EventError != 0 && h.IsWriting())) && h.onWrite != nil {
		h.onWrite()
	}
}

// current reports whether the handler is attached, and still the dispatcher's
// occupant for its descriptor.
func (h *EventHandler) current() bool {
	return h.attached && h.loop.dispatcher.Handler(h.fd) == h
}
