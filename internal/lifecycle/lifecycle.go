// Package lifecycle defines the execution record state machine.
//
//	pending ──► processing ──► completed
//	   │             └───────► failed
//	   ├──────────────────────► failed
//	   └──────────────────────► completed   (synchronous history records)
//
// completed and failed are terminal.
package lifecycle

import (
	"errors"
	"fmt"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// ErrIllegalTransition is returned for any move the state machine does not allow.
var ErrIllegalTransition = errors.New("illegal execution status transition")

var transitions = map[Status][]Status{
	Pending:    {Processing, Completed, Failed},
	Processing: {Completed, Failed},
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Completed, Failed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Transition validates moving from one status to another.
func Transition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Predecessors returns the statuses from which to is reachable in one step.
// Repositories use it to build conditional updates.
func Predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{Pending, Processing} {
		if Transition(from, to) == nil {
			out = append(out, from)
		}
	}
	return out
}
