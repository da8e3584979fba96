package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var loopIDCounter atomic.Uint64

// EventLoop is a reactor: it waits for readiness on its registered
// descriptors, and dispatches the corresponding handlers, on a single owning
// goroutine. See the package documentation for the cycle order.
type EventLoop struct { // betteralign:ignore
	state fastState

	logger     *logiface.Logger[logiface.Event]
	metrics    *loopMetrics
	dispatcher *EventDispatcher
	wake       *EventHandler

	// owned by the loop goroutine
	active   []*EventHandler
	spare    []func()
	expired  []*timer
	draining bool
	wakeBuf  [64]byte

	// mu guards the task queue and the timers
	mu          sync.Mutex
	pending     []func()
	timers      timerHeap
	timerIndex  map[TimerID]*timer
	lastTimerID TimerID

	// wakeMu prevents writes to the wake descriptor racing its release
	wakeMu      sync.RWMutex
	wakeFd      int
	wakeWriteFd int
	wakePending atomic.Uint32

	goroutineID atomic.Uint64
	stopping    atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
	done        chan struct{}
	id          uint64
}

// New creates an idle EventLoop. It must be started by calling [EventLoop.Run].
func New(opts ...LoopOption) (*EventLoop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	mux, err := cfg.multiplexer(cfg.maxDescriptors, cfg.pollBuffer)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		_ = mux.Close()
		return nil, err
	}

	l := &EventLoop{
		id:          loopIDCounter.Add(1),
		logger:      cfg.logger,
		dispatcher:  NewEventDispatcher(mux),
		timerIndex:  make(map[TimerID]*timer),
		wakeFd:      wakeFd,
		wakeWriteFd: wakeWriteFd,
		done:        make(chan struct{}),
	}
	if cfg.metricsEnabled {
		l.metrics = new(loopMetrics)
	}

	l.wake = NewEventHandler(l, wakeFd)
	l.wake.SetReadCallback(l.handleWakeup)
	if err := l.wake.EnableReading(); err != nil {
		_ = mux.Close()
		closeWakeFds(wakeFd, wakeWriteFd)
		return nil, err
	}

	return l, nil
}

// ID returns the loop's process-unique identifier.
func (l *EventLoop) ID() uint64 { return l.id }

// State returns the current loop state.
func (l *EventLoop) State() LoopState { return l.state.Load() }

// Logger returns the configured logger, which may be nil.
func (l *EventLoop) Logger() *logiface.Logger[logiface.Event] { return l.logger }

// Done is closed once the loop has stopped, and released its descriptors.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// Dispatcher exposes the loop's dispatcher, for introspection. It must only
// be used on the loop goroutine.
func (l *EventLoop) Dispatcher() *EventDispatcher { return l.dispatcher }

// Metrics returns a snapshot of the loop's metrics, or the zero value, if
// metrics are disabled.
func (l *EventLoop) Metrics() Metrics {
	if l.metrics == nil {
		return Metrics{}
	}
	return l.metrics.Snapshot()
}

// Run runs the loop on the calling goroutine, which becomes its owner, until
// [EventLoop.Stop] is called, or the multiplexer fails. It may only be
// called once.
//
// Tasks accepted before the loop stopped are always run, on the way out.
func (l *EventLoop) Run() (err error) {
	if !l.state.TryTransition(StateIdle, StateRunning) {
		if l.state.Load() == StateRunning {
			return ErrLoopAlreadyRunning
		}
		return ErrLoopStopped
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.goroutineID.Store(getGoroutineID())
	defer l.goroutineID.Store(0)

	defer l.shutdown()

	l.logger.Debug().
		Uint64(`loop_id`, l.id).
		Log(`loop started`)

	for !l.stopping.Load() {
		if err = l.poll(); err != nil {
			l.logger.Crit().
				Uint64(`loop_id`, l.id).
				Err(err).
				Log(`loop aborted`)
			break
		}
	}

	l.runTasks(l.markStopped())

	l.logger.Debug().
		Uint64(`loop_id`, l.id).
		Log(`loop stopped`)

	return err
}

// poll runs a single cycle.
func (l *EventLoop) poll() error {
	active, err := l.dispatcher.PollActive(l.pollTimeout(), l.active[:0])
	l.active = active
	if err != nil {
		return err
	}

	var start time.Time
	if l.metrics != nil {
		start = time.Now()
	}

	for i, h := range active {
		active[i] = nil
		// detached or replaced earlier in this pass
		if !h.current() {
			continue
		}
		l.safeExecute(h.handleEvents)
		if l.metrics != nil {
			l.metrics.dispatches.Add(1)
		}
	}

	l.runTimers()
	l.runPending()

	if l.metrics != nil {
		l.metrics.cycles.Add(1)
		l.metrics.latency.Record(time.Since(start))
	}

	return nil
}

// pollTimeout determines how long to block in the multiplexer.
func (l *EventLoop) pollTimeout() time.Duration {
	if l.stopping.Load() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) != 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	if d := time.Until(l.timers[0].when); d > 0 {
		return d
	}
	return 0
}

// runTimers runs a snapshot of the expired timers. Periodic timers are
// rescheduled before any callback runs.
func (l *EventLoop) runTimers() {
	now := time.Now()

	l.mu.Lock()
	expired := l.expired[:0]
	for len(l.timers) != 0 && !l.timers[0].when.After(now) {
		expired = append(expired, heap.Pop(&l.timers).(*timer))
	}
	for _, t := range expired {
		if t.interval > 0 {
			t.when = t.when.Add(t.interval)
			if t.when.Before(now) {
				// no catch-up bursts
				t.when = now
			}
			heap.Push(&l.timers, t)
		}
	}
	l.mu.Unlock()

	for i, t := range expired {
		expired[i] = nil
		if t.interval == 0 {
			// remains cancelable until it runs
			l.mu.Lock()
			delete(l.timerIndex, t.id)
			l.mu.Unlock()
		}
		if t.canceled.Load() {
			continue
		}
		l.safeExecute(t.fn)
		if l.metrics != nil {
			l.metrics.timersFired.Add(1)
		}
	}
	l.expired = expired[:0]
}

// runPending runs a snapshot of the task queue. Tasks queued meanwhile are
// left for the next cycle.
func (l *EventLoop) runPending() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = l.spare
	l.mu.Unlock()
	l.spare = l.runTasks(tasks)
}

func (l *EventLoop) runTasks(tasks []func()) []func() {
	l.draining = true
	for i, fn := range tasks {
		tasks[i] = nil
		l.safeExecute(fn)
		if l.metrics != nil {
			l.metrics.tasks.Add(1)
		}
	}
	l.draining = false
	return tasks[:0]
}

// markStopped transitions to StateStopped, under the task mutex, returning
// the tasks accepted so far.
func (l *EventLoop) markStopped() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Store(StateStopped)
	tasks := l.pending
	l.pending = nil
	l.timers = nil
	clear(l.timerIndex)
	return tasks
}

func (l *EventLoop) shutdown() {
	l.markStopped()
	_ = l.release()
	close(l.done)
}

// release closes the loop's descriptors. It is idempotent.
func (l *EventLoop) release() error {
	l.releaseOnce.Do(func() {
		l.wakeMu.Lock()
		closeWakeFds(l.wakeFd, l.wakeWriteFd)
		l.wakeFd, l.wakeWriteFd = -1, -1
		l.wakeMu.Unlock()
		l.releaseErr = l.dispatcher.Close()
	})
	return l.releaseErr
}

// Stop requests the loop stop. It is safe to call from any goroutine, and is
// idempotent. Run returns after completing the current cycle.
//
// Stopping a loop that was never run releases it immediately, discarding
// any queued tasks. Socket sends never queue on an idle loop, so no pooled
// buffers are stranded this way.
func (l *EventLoop) Stop() {
	l.stopping.Store(true)

	l.mu.Lock()
	idle := l.state.TryTransition(StateIdle, StateStopped)
	if idle {
		l.pending = nil
		l.timers = nil
		clear(l.timerIndex)
	}
	l.mu.Unlock()

	if idle {
		_ = l.release()
		close(l.done)
		return
	}

	l.wakeup()
}

// Close stops the loop, and waits for it to release its descriptors. Called
// on the loop goroutine, it does not wait.
func (l *EventLoop) Close() error {
	l.Stop()
	if l.IsInLoopThread() {
		return nil
	}
	<-l.done
	return l.releaseErr
}

// Invoke runs fn inline if called on the loop goroutine, otherwise it queues
// fn and wakes the loop.
func (l *EventLoop) Invoke(fn func()) error {
	if l.IsInLoopThread() {
		fn()
		return nil
	}
	return l.enqueue(fn, true)
}

// InvokeLater always queues fn, deferring it to the pending task phase. Tasks
// queued while the task queue is draining run on the next cycle.
func (l *EventLoop) InvokeLater(fn func()) error {
	return l.enqueue(fn, !l.IsInLoopThread() || l.draining)
}

func (l *EventLoop) enqueue(fn func(), wake bool) error {
	l.mu.Lock()
	if l.state.Load() == StateStopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	if wake {
		l.wakeup()
	}
	return nil
}

// InvokeAfter runs fn on the loop, no sooner than delay from now. A timer is
// never run synchronously, even with a zero delay.
func (l *EventLoop) InvokeAfter(delay time.Duration, fn func()) (TimerID, error) {
	return l.addTimer(delay, 0, fn)
}

// InvokeEvery runs fn on the loop every interval, until canceled.
func (l *EventLoop) InvokeEvery(interval time.Duration, fn func()) (TimerID, error) {
	if interval <= 0 {
		return 0, ErrInvalidInterval
	}
	return l.addTimer(interval, interval, fn)
}

func (l *EventLoop) addTimer(delay, interval time.Duration, fn func()) (TimerID, error) {
	if delay < 0 {
		delay = 0
	}
	t := &timer{
		when:     time.Now().Add(delay),
		fn:       fn,
		interval: interval,
	}

	l.mu.Lock()
	if l.state.Load() == StateStopped {
		l.mu.Unlock()
		return 0, ErrLoopStopped
	}
	l.lastTimerID++
	t.id = l.lastTimerID
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
	l.mu.Unlock()

	// the loop recomputes its timeout every cycle
	if !l.IsInLoopThread() {
		l.wakeup()
	}

	return t.id, nil
}

// CancelTimer cancels a pending or periodic timer, returning false if it
// was unknown, has already fired, or was already canceled.
func (l *EventLoop) CancelTimer(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.timerIndex[id]
	if !ok {
		return false
	}
	delete(l.timerIndex, id)
	t.canceled.Store(true)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return true
}

// runSync runs fn on the loop goroutine, and waits for it. It runs fn inline
// if already on the loop goroutine, or the loop is idle. Once the loop has
// stopped, fn runs inline after the loop has finished its final drain and
// released its descriptors.
func (l *EventLoop) runSync(fn func() error) error {
	if l.IsInLoopThread() {
		return fn()
	}
	switch l.state.Load() {
	case StateIdle:
		return fn()
	case StateStopped:
		<-l.done
		return fn()
	}
	var err error
	done := make(chan struct{})
	if e := l.enqueue(func() {
		defer close(done)
		err = fn()
	}, true); e != nil {
		if errors.Is(e, ErrLoopStopped) {
			<-l.done
			return fn()
		}
		return e
	}
	<-done
	return err
}

// post runs fn on the loop goroutine without waiting for it. While the loop
// is idle fn runs inline, so that nothing holding a buffer is left in the
// queue of a loop that is stopped before it runs.
func (l *EventLoop) post(fn func()) error {
	if !l.IsInLoopThread() && l.state.Load() == StateIdle {
		fn()
		return nil
	}
	return l.Invoke(fn)
}

// wakeup interrupts a blocked wait. Writes are deduplicated until the loop
// drains the wake descriptor.
func (l *EventLoop) wakeup() {
	if !l.wakePending.CompareAndSwap(0, 1) {
		return
	}
	l.wakeMu.RLock()
	defer l.wakeMu.RUnlock()
	if l.wakeWriteFd < 0 {
		return
	}
	// a full eventfd counter or pipe still wakes the loop
	_ = writeWakeFd(l.wakeWriteFd)
	if l.metrics != nil {
		l.metrics.wakeups.Add(1)
	}
}

// handleWakeup drains the wake descriptor. The pending flag is cleared after
// draining, so a racing write at worst causes one spurious wake.
func (l *EventLoop) handleWakeup() {
	drainWakeFd(l.wakeFd, l.wakeBuf[:])
	l.wakePending.Store(0)
}

// safeExecute runs fn with panic recovery. An *InvariantError is re-raised.
func (l *EventLoop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*InvariantError); ok {
				panic(r)
			}
			if b := l.logger.Err(); b.Enabled() {
				b.Uint64(`loop_id`, l.id).
					Str(`panic`, fmt.Sprint(r)).
					Str(`stack`, string(debug.Stack())).
					Log(`recovered panic`)
			}
		}
	}()

	fn()
}

// IsInLoopThread reports whether the caller is the goroutine running the loop.
func (l *EventLoop) IsInLoopThread() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == getGoroutineID()
}

// AssertInLoopThread panics with an [*InvariantError] if the loop is running
// on another goroutine.
func (l *EventLoop) AssertInLoopThread() {
	if l.state.Load() == StateRunning && !l.IsInLoopThread() {
		invariantViolation("assert", "loop %d accessed off its goroutine", l.id)
	}
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
