package reactor

import (
	"sync/atomic"
	"time"
)

// TimerID identifies a timer registered with [EventLoop.InvokeAfter] or
// [EventLoop.InvokeEvery]. The zero value is never issued.
type TimerID uint64

// timer represents a scheduled task.
type timer struct {
	when     time.Time
	fn       func()
	id       TimerID
	interval time.Duration // zero for one-shot timers
	index    int           // heap index, -1 when not in the heap
	canceled atomic.Bool
}

// timerHeap is a min-heap of timers, ordered by deadline, then by id, so
// timers with equal deadlines fire in registration order.
type timerHeap []*timer

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
