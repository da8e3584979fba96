package reactor

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of an [EventLoop]'s runtime statistics, see
// [WithMetrics].
//
// Example:
//
//	loop, _ := reactor.New(reactor.WithMetrics(true))
//	// ...
//	stats := loop.Metrics()
//	fmt.Printf("cycles: %d, P99 cycle latency: %v\n",
//		stats.Cycles, stats.Latency.P99)
type Metrics struct {
	// Cycles is the number of completed wait/dispatch cycles.
	Cycles uint64
	// Dispatches is the number of handler dispatches.
	Dispatches uint64
	// Tasks is the number of queued tasks run.
	Tasks uint64
	// TimersFired is the number of timer callbacks run.
	TimersFired uint64
	// Wakeups is the number of wake-up writes performed.
	Wakeups uint64
	// Latency is the distribution of cycle durations, excluding the wait.
	Latency LatencyMetrics
}

// LatencyMetrics is a percentile summary of recent samples.
type LatencyMetrics struct {
	P50     time.Duration
	P90     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
	Mean    time.Duration
	Samples int
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// loopMetrics accumulates metrics. The counters are atomic, so Snapshot may
// be called from any goroutine.
type loopMetrics struct {
	cycles      atomic.Uint64
	dispatches  atomic.Uint64
	tasks       atomic.Uint64
	timersFired atomic.Uint64
	wakeups     atomic.Uint64
	latency     latencySamples
}

func (m *loopMetrics) Snapshot() Metrics {
	return Metrics{
		Cycles:      m.cycles.Load(),
		Dispatches:  m.dispatches.Load(),
		Tasks:       m.tasks.Load(),
		TimersFired: m.timersFired.Load(),
		Wakeups:     m.wakeups.Load(),
		Latency:     m.latency.Sample(),
	}
}

// latencySamples is a rolling buffer of samples.
type latencySamples struct {
	mu      sync.Mutex
	samples [sampleSize]time.Duration
	idx     int
	count   int
	sum     time.Duration
}

// Record records a latency sample.
func (l *latencySamples) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// subtract the sample being replaced, if the buffer is full
	if l.count >= sampleSize {
		l.sum -= l.samples[l.idx]
	}

	l.samples[l.idx] = d
	l.sum += d
	l.idx++
	if l.idx >= sampleSize {
		l.idx = 0
	}
	if l.count < sampleSize {
		l.count++
	}
}

// Sample computes percentiles from the retained samples.
func (l *latencySamples) Sample() LatencyMetrics {
	l.mu.Lock()
	count := l.count
	sorted := make([]time.Duration, count)
	copy(sorted, l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencyMetrics{}
	}

	slices.Sort(sorted)

	return LatencyMetrics{
		P50:     sorted[percentileIndex(count, 50)],
		P90:     sorted[percentileIndex(count, 90)],
		P95:     sorted[percentileIndex(count, 95)],
		P99:     sorted[percentileIndex(count, 99)],
		Max:     sorted[count-1],
		Mean:    sum / time.Duration(count),
		Samples: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}
