// Package task defines the shared task model: descriptors carried through the
// broker, records kept by the result store, and the state machine that every
// store implementation enforces.
package task

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a task record.
//
// Transitions are monotonic except the Retrying -> Running loop, which is
// bounded by MaxRetries. Succeeded and Dead are terminal.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRetrying  State = "retrying"
	StateDead      State = "dead"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDead
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateRetrying, StateDead:
		return true
	}
	return false
}

// validNext is the transition table shared by all result store implementations.
//
// Running -> Running is allowed on purpose: with at-least-once delivery a
// second worker may re-mark a task running after a visibility timeout expires
// while the first attempt is still executing.
var validNext = map[State]map[State]bool{
	StatePending: {
		StateRunning: true,
		StateDead:    true,
	},
	StateRunning: {
		StateRunning:   true,
		StateSucceeded: true,
		StateFailed:    true,
		StateRetrying:  true,
		StateDead:      true,
	},
	StateFailed: {
		StateRetrying: true,
		StateDead:     true,
	},
	StateRetrying: {
		StatePending: true,
		StateRunning: true,
		StateDead:    true,
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	return validNext[from][to]
}

// Descriptor is the serialized unit of work carried by the broker.
//
// Immutable once enqueued; only delivery bookkeeping (lease, visibility)
// changes broker-side.
type Descriptor struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`

	Priority   int       `json:"priority,omitempty"`
	MaxRetries int       `json:"max_retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// VisibilityTimeout is how long the broker hides this message after a
	// dequeue. It is sized at submit time from the handler's declared timeout
	// plus a lease margin; if zero, the broker default applies.
	VisibilityTimeout time.Duration `json:"visibility_timeout,omitempty"`
}

// Failure is the structured error recorded on a failed attempt.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Kind == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Failure kinds recorded by the worker pool.
const (
	FailureHandler     = "handler_error"
	FailureDeadline    = "deadline_exceeded"
	FailurePanic       = "handler_panic"
	FailureUnknownKind = "unknown_kind"
	FailureNoRetry     = "permanent"
)

// Record is the durable view of a task kept by the result store.
// One record exists per task id.
type Record struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State State  `json:"state"`

	Result  []byte   `json:"result,omitempty"`
	Failure *Failure `json:"failure,omitempty"`

	AttemptCount int `json:"attempt_count"`
	MaxRetries   int `json:"max_retries"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
