package reactor

import (
	"sync"
)

// LoopThread runs exactly one [EventLoop] on a dedicated goroutine.
type LoopThread struct {
	init func(*EventLoop)
	opts []LoopOption

	mu        sync.Mutex
	cond      *sync.Cond
	loop      *EventLoop
	err       error
	started   bool
	published bool
	closed    bool

	done   chan struct{}
	runErr error
}

// NewLoopThread prepares a LoopThread. The optional init function is called
// on the loop goroutine, before the loop starts running.
func NewLoopThread(init func(*EventLoop), opts ...LoopOption) *LoopThread {
	t := &LoopThread{
		init: init,
		opts: opts,
		done: make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start spawns the loop goroutine, and blocks until the loop is running (or
// failed to start). It may only be called once.
func (t *LoopThread) Start() (*EventLoop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrLoopStopped
	}
	if t.started {
		return nil, ErrThreadStarted
	}
	t.started = true

	go t.run()

	for !t.published {
		t.cond.Wait()
	}

	if t.err != nil {
		return nil, t.err
	}
	return t.loop, nil
}

func (t *LoopThread) run() {
	defer close(t.done)

	loop, err := New(t.opts...)
	if err != nil {
		t.publish(nil, err)
		return
	}

	if t.init != nil {
		t.init(loop)
	}

	// published from the first cycle, so the loop is already running
	if err := loop.InvokeLater(func() { t.publish(loop, nil) }); err != nil {
		t.publish(nil, err)
		return
	}

	err = loop.Run()

	t.mu.Lock()
	t.runErr = err
	t.mu.Unlock()

	// Run failed before the first cycle
	t.publish(loop, err)
}

func (t *LoopThread) publish(loop *EventLoop, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.published {
		return
	}
	t.loop = loop
	t.err = err
	t.published = true
	t.cond.Broadcast()
}

// Loop returns the published loop, or nil.
func (t *LoopThread) Loop() *EventLoop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

// Close stops the loop, and waits for the goroutine to exit, returning the
// error from Run, if any. It is idempotent, and safe to call without Start.
func (t *LoopThread) Close() error {
	t.mu.Lock()
	t.closed = true
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	for !t.published {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runErr
}
