//go:build linux || darwin

package reactor

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoop_stopWakesBlockedRun(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run() }()

	running := make(chan struct{})
	require.NoError(t, l.InvokeLater(func() { close(running) }))
	waitClosed(t, running)
	assert.Equal(t, StateRunning, l.State())

	// the loop is now blocked indefinitely, with no timers
	time.Sleep(20 * time.Millisecond)
	l.Stop()

	assert.NoError(t, recv(t, errCh))
	waitClosed(t, l.Done())
	assert.Equal(t, StateStopped, l.State())
	assert.ErrorIs(t, l.Run(), ErrLoopStopped)
	assert.ErrorIs(t, l.InvokeLater(func() {}), ErrLoopStopped)
}

func TestEventLoop_runTwice(t *testing.T) {
	l := startLoop(t)
	assert.ErrorIs(t, l.Run(), ErrLoopAlreadyRunning)
}

func TestEventLoop_stopBeforeRun(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	var ran atomic.Bool
	require.NoError(t, l.InvokeLater(func() { ran.Store(true) }))

	l.Stop()
	waitClosed(t, l.Done())
	assert.Equal(t, StateStopped, l.State())
	assert.ErrorIs(t, l.Run(), ErrLoopStopped)
	assert.False(t, ran.Load())

	_, err = l.InvokeAfter(0, func() {})
	assert.ErrorIs(t, err, ErrLoopStopped)
	assert.ErrorIs(t, l.Invoke(func() {}), ErrLoopStopped)

	// idempotent
	l.Stop()
	assert.NoError(t, l.Close())
}

func TestEventLoop_closeWaits(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go func() { _ = l.Run() }()

	running := make(chan struct{})
	require.NoError(t, l.InvokeLater(func() { close(running) }))
	waitClosed(t, running)

	require.NoError(t, l.Close())
	select {
	case <-l.Done():
	default:
		t.Fatal("expected done")
	}
}

func TestEventLoop_invokeInline(t *testing.T) {
	l := startLoop(t)

	var seq []string
	onLoop(t, l, func() {
		assert.True(t, l.IsInLoopThread())
		seq = append(seq, `before`)
		require.NoError(t, l.Invoke(func() { seq = append(seq, `inline`) }))
		seq = append(seq, `after`)
	})
	assert.Equal(t, []string{`before`, `inline`, `after`}, seq)
	assert.False(t, l.IsInLoopThread())
}

func TestEventLoop_invokeLaterDefers(t *testing.T) {
	l := startLoop(t)

	done := make(chan []string, 1)
	var seq []string
	onLoop(t, l, func() {
		require.NoError(t, l.InvokeLater(func() {
			seq = append(seq, `later`)
			done <- seq
		}))
		seq = append(seq, `now`)
	})
	assert.Equal(t, []string{`now`, `later`}, recv(t, done))
}

func TestEventLoop_invokeFIFO(t *testing.T) {
	l := startLoop(t)

	const n = 1000
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := range n {
		require.NoError(t, l.Invoke(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		}))
	}
	waitClosed(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestEventLoop_invokeAfterZeroIsNotSynchronous(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	var firedSync bool
	onLoop(t, l, func() {
		var called bool
		_, err := l.InvokeAfter(0, func() {
			called = true
			close(fired)
		})
		require.NoError(t, err)
		firedSync = called
	})
	assert.False(t, firedSync)
	waitClosed(t, fired)
}

func TestEventLoop_timersFireInDeadlineOrder(t *testing.T) {
	l := startLoop(t)

	out := make(chan int, 3)
	for _, d := range []int{30, 10, 20} {
		_, err := l.InvokeAfter(time.Duration(d)*time.Millisecond, func() { out <- d })
		require.NoError(t, err)
	}
	assert.Equal(t, 10, recv(t, out))
	assert.Equal(t, 20, recv(t, out))
	assert.Equal(t, 30, recv(t, out))
}

func TestEventLoop_timersWithEqualDeadlineFireInOrder(t *testing.T) {
	l := startLoop(t)

	out := make(chan int, 3)
	onLoop(t, l, func() {
		// the loop goroutine is busy, so all three expire together
		for i := range 3 {
			_, err := l.InvokeAfter(0, func() { out <- i })
			require.NoError(t, err)
		}
	})
	assert.Equal(t, 0, recv(t, out))
	assert.Equal(t, 1, recv(t, out))
	assert.Equal(t, 2, recv(t, out))
}

func TestEventLoop_invokeEveryAndCancel(t *testing.T) {
	l := startLoop(t)

	_, err := l.InvokeEvery(0, func() {})
	assert.ErrorIs(t, err, ErrInvalidInterval)

	ticks := make(chan struct{}, 100)
	id, err := l.InvokeEvery(5*time.Millisecond, func() { ticks <- struct{}{} })
	require.NoError(t, err)
	require.NotZero(t, id)

	for range 3 {
		recv(t, ticks)
	}

	var canceled bool
	onLoop(t, l, func() { canceled = l.CancelTimer(id) })
	assert.True(t, canceled)
	assert.False(t, l.CancelTimer(id))

	// drain anything that fired before the cancel
	for len(ticks) != 0 {
		<-ticks
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, ticks)
}

func TestEventLoop_cancelPendingTimer(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Bool
	id, err := l.InvokeAfter(20*time.Millisecond, func() { fired.Store(true) })
	require.NoError(t, err)
	assert.True(t, l.CancelTimer(id))
	assert.False(t, l.CancelTimer(id))
	assert.False(t, l.CancelTimer(TimerID(999999)))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestEventLoop_cancelFromEarlierTimerInSameCycle(t *testing.T) {
	l := startLoop(t)

	fired := make(chan int, 2)
	onLoop(t, l, func() {
		var second TimerID
		_, err := l.InvokeAfter(0, func() {
			fired <- 1
			l.CancelTimer(second)
		})
		require.NoError(t, err)
		second, err = l.InvokeAfter(0, func() { fired <- 2 })
		require.NoError(t, err)
	})

	assert.Equal(t, 1, recv(t, fired))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fired)
}

func TestEventLoop_tasksAcceptedBeforeStopRun(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run() }()

	var ran atomic.Bool
	require.NoError(t, l.Invoke(func() {
		l.Stop()
		require.NoError(t, l.InvokeLater(func() { ran.Store(true) }))
	}))

	assert.NoError(t, recv(t, errCh))
	assert.True(t, ran.Load())
}

func TestEventLoop_runSyncAfterStopRunsInline(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	l.Stop()

	var ran bool
	require.NoError(t, l.runSync(func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestEventLoop_runSyncWaitsForFinalDrain(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run() }()

	entered := make(chan struct{})
	release := make(chan struct{})
	var drained atomic.Bool
	require.NoError(t, l.Invoke(func() {
		l.Stop()
		// runs in the final drain, after the loop is marked stopped
		require.NoError(t, l.InvokeLater(func() {
			close(entered)
			<-release
			drained.Store(true)
		}))
	}))
	waitClosed(t, entered)
	assert.Equal(t, StateStopped, l.State())

	type result struct {
		drained bool
		err     error
	}
	results := make(chan result, 1)
	go func() {
		var r result
		r.err = l.runSync(func() error {
			r.drained = drained.Load()
			return nil
		})
		results <- r
	}()

	select {
	case <-results:
		t.Fatal("ran while the loop was still draining")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	r := recv(t, results)
	require.NoError(t, r.err)
	assert.True(t, r.drained)
	assert.NoError(t, recv(t, errCh))
}

func TestEventLoop_postOnIdleLoopRunsInline(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	var ran bool
	require.NoError(t, l.post(func() { ran = true }))
	assert.True(t, ran)
	l.mu.Lock()
	assert.Empty(t, l.pending)
	l.mu.Unlock()
}

func TestEventLoop_panicRecovered(t *testing.T) {
	logger, out := newTestLogger()
	l := startLoop(t, WithLogger(logger))

	require.NoError(t, l.Invoke(func() { panic(`boom`) }))

	done := make(chan struct{})
	require.NoError(t, l.Invoke(func() { close(done) }))
	waitClosed(t, done)

	var found bool
	for _, line := range out.Lines() {
		if strings.Contains(line, `"msg":"recovered panic"`) {
			found = true
			assert.Contains(t, line, `"lvl":"err"`)
			assert.Contains(t, line, `"panic":"boom"`)
			assert.Contains(t, line, fmt.Sprintf(`"loop_id":"%d"`, l.ID()))
		}
	}
	assert.True(t, found, out.String())
}

func TestEventLoop_invariantViolationPropagates(t *testing.T) {
	mux := newFakeMultiplexer()
	l, err := New(WithMultiplexer(func(int, int) (Multiplexer, error) { return mux, nil }))
	require.NoError(t, err)

	mux.ready = []Readiness{{FD: 4242, Events: EventRead}}
	assert.Panics(t, func() { _ = l.Run() })
	assert.Equal(t, StateStopped, l.State())
	waitClosed(t, l.Done())
	assert.True(t, mux.closed)
}

func TestEventLoop_invariantPanicFromCallbackNotRecovered(t *testing.T) {
	mux := newFakeMultiplexer()
	l, err := New(WithMultiplexer(func(int, int) (Multiplexer, error) { return mux, nil }))
	require.NoError(t, err)

	require.NoError(t, l.InvokeLater(func() { invariantViolation(`test`, `bad`) }))
	assert.PanicsWithError(t, `reactor: invariant violated: test: bad`, func() { _ = l.Run() })
}

func TestEventLoop_assertInLoopThread(t *testing.T) {
	l := startLoop(t)
	h := NewEventHandler(l, 0)
	assert.Panics(t, func() { _ = h.EnableReading() })
	assert.Panics(t, l.AssertInLoopThread)
	onLoop(t, l, l.AssertInLoopThread)
}

func TestEventLoop_multiplexerFailure(t *testing.T) {
	logger, out := newTestLogger()
	mux := newFakeMultiplexer()
	mux.waitErr = fmt.Errorf("%w: simulated", ErrMultiplexerFailed)
	l, err := New(
		WithLogger(logger),
		WithMultiplexer(func(int, int) (Multiplexer, error) { return mux, nil }),
	)
	require.NoError(t, err)

	var ran bool
	require.NoError(t, l.InvokeLater(func() { ran = true }))

	err = l.Run()
	assert.ErrorIs(t, err, ErrMultiplexerFailed)
	assert.Equal(t, StateStopped, l.State())
	assert.True(t, ran)
	assert.Contains(t, out.String(), `"lvl":"crit"`)
	assert.Contains(t, out.String(), `"msg":"loop aborted"`)
}

func TestEventLoop_multiplexerFactoryError(t *testing.T) {
	_, err := New(WithMultiplexer(func(int, int) (Multiplexer, error) { return nil, ErrUnsupportedPlatform }))
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestEventLoop_lifecycleLogging(t *testing.T) {
	logger, out := newTestLogger()
	l, err := New(WithLogger(logger))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run() }()
	require.NoError(t, l.Invoke(l.Stop))
	require.NoError(t, recv(t, errCh))

	lines := out.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, fmt.Sprintf(`{"lvl":"debug","loop_id":"%d","msg":"loop started"}`, l.ID()), lines[0])
	assert.Equal(t, fmt.Sprintf(`{"lvl":"debug","loop_id":"%d","msg":"loop stopped"}`, l.ID()), lines[1])
}

func TestEventLoop_metrics(t *testing.T) {
	l := startLoop(t, WithMetrics(true))

	const n = 10
	done := make(chan struct{})
	for i := range n {
		require.NoError(t, l.Invoke(func() {
			if i == n-1 {
				close(done)
			}
		}))
	}
	waitClosed(t, done)

	fired := make(chan struct{})
	_, err := l.InvokeAfter(time.Millisecond, func() { close(fired) })
	require.NoError(t, err)
	waitClosed(t, fired)

	var m Metrics
	onLoop(t, l, func() { m = l.Metrics() })
	assert.GreaterOrEqual(t, m.Tasks, uint64(n))
	assert.GreaterOrEqual(t, m.TimersFired, uint64(1))
	assert.NotZero(t, m.Cycles)
	assert.NotZero(t, m.Dispatches)
	assert.NotZero(t, m.Wakeups)
	assert.NotZero(t, m.Latency.Samples)
	assert.LessOrEqual(t, m.Latency.P50, m.Latency.Max)
}

func TestEventLoop_metricsDisabled(t *testing.T) {
	l := startLoop(t)
	assert.Equal(t, Metrics{}, l.Metrics())
}

func TestEventLoop_ids(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Stop()
	b, err := New()
	require.NoError(t, err)
	defer b.Stop()
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Nil(t, a.Logger())
}
