package reactor

import (
	"strings"
)

// IOEvents is a bitset of readiness conditions, used both as the interest
// mask registered for a descriptor, and the active mask reported for it.
type IOEvents uint32

const (
	// EventNone is the empty mask. Registering it removes the descriptor.
	EventNone IOEvents = 0
)

const (
	// EventRead indicates the descriptor is readable, including readable EOF.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventError indicates an error condition on the descriptor. It is always
	// reported, regardless of interest.
	EventError
)

func (x IOEvents) String() string {
	if x == EventNone {
		return `none`
	}
	var parts []string
	if x&EventRead != 0 {
		parts = append(parts, `read`)
	}
	if x&EventWrite != 0 {
		parts = append(parts, `write`)
	}
	if x&EventError != 0 {
		parts = append(parts, `error`)
	}
	if x&^(EventRead|EventWrite|EventError) != 0 {
		parts = append(parts, `unknown`)
	}
	return strings.Join(parts, `|`)
}
