// Package lifecycle carries bootstrap status from the onion service to
// whoever is watching the node (CLI, status API, supervisors).
package lifecycle

import (
	"fmt"
	"time"
)

// Kind of lifecycle event
type Kind uint8

const (
	Running Kind = iota + 1
	Failed
)

func (k Kind) String() string {
	switch k {
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is a single status transition
type Event struct {
	Kind         Kind
	OnionAddress string // set for Running
	Err          error  // set for Failed
	At           time.Time
}

// RunningEvent reports a published hidden service
func RunningEvent(onionAddress string) Event {
	return Event{Kind: Running, OnionAddress: onionAddress, At: time.Now()}
}

// FailedEvent reports a bootstrap failure
func FailedEvent(err error) Event {
	return Event{Kind: Failed, Err: err, At: time.Now()}
}

func (e Event) String() string {
	switch e.Kind {
	case Running:
		return fmt.Sprintf("running at %s", e.OnionAddress)
	case Failed:
		return fmt.Sprintf("failed: %v", e.Err)
	default:
		return e.Kind.String()
	}
}
