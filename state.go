package reactor

import (
	"sync/atomic"
)

// LoopState represents the current state of an [EventLoop].
//
//	StateIdle → StateRunning    [Run()]
//	StateIdle → StateStopped    [Stop() before Run()]
//	StateRunning → StateStopped [Run() returns]
//	StateStopped → (terminal)
type LoopState uint32

const (
	// StateIdle indicates the loop has been created but not started.
	StateIdle LoopState = iota
	// StateRunning indicates Run is executing cycles.
	StateRunning
	// StateStopped indicates the loop has stopped, and released its
	// descriptors.
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state cell, padded to its own cache line.
type fastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint32 // LoopState
	_ [60]byte      //nolint:unused
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store must only be used for the terminal state.
func (s *fastState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
