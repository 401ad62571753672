// Package resultstore keeps the durable record of every task's state and
// outcome, keyed by task id. All mutation goes through Transition, which
// enforces the state machine in internal/task atomically.
package resultstore

import (
	"context"
	"errors"
	"time"

	"taskmill/internal/task"
)

var (
	ErrNotFound = errors.New("task record not found")

	// ErrInvalidTransition indicates a programming or race error: the requested
	// state change is not legal from the record's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStaleTransition is returned when a terminal outcome arrives for a
	// record that already reached a terminal state. This is the losing side of
	// an at-least-once redelivery race; callers drop it, they do not fail.
	ErrStaleTransition = errors.New("stale transition: record already terminal")

	// ErrAwaitTimeout reports that Await's window elapsed before the record
	// reached a terminal state. The caller decides whether to keep polling.
	ErrAwaitTimeout = errors.New("await timed out")

	// ErrUnavailable wraps transient failures of the durable store.
	ErrUnavailable = errors.New("result store unavailable")
)

// Update carries the optional payload of a Transition.
type Update struct {
	Result  []byte
	Failure *task.Failure

	// IncrementAttempt bumps attempt_count along with the transition
	// (set when a worker marks the record running).
	IncrementAttempt bool
}

type Store interface {
	// Create inserts the record in its initial state (Pending unless the
	// record says otherwise). Creating an existing id is an error.
	Create(ctx context.Context, rec task.Record) error

	// Transition atomically moves the record to a new state and returns the
	// updated record. Illegal changes fail with ErrInvalidTransition; a
	// terminal result for an already-terminal record fails with
	// ErrStaleTransition.
	Transition(ctx context.Context, id string, to task.State, up Update) (task.Record, error)

	Get(ctx context.Context, id string) (task.Record, error)

	// Await blocks until the record reaches a terminal state, the timeout
	// elapses (ErrAwaitTimeout, with the latest record), or ctx is done.
	Await(ctx context.Context, id string, timeout time.Duration) (task.Record, error)

	// Delete removes a record. Used by the producer facade to compensate a
	// failed enqueue and by retention pruning.
	Delete(ctx context.Context, id string) error

	// PruneTerminal deletes terminal records that finished more than olderThan
	// ago, returning how many were removed.
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

// checkTransition classifies a requested state change against the shared
// transition table. Shared by both store implementations so they cannot
// drift.
func checkTransition(cur, to task.State) error {
	if task.CanTransition(cur, to) {
		return nil
	}
	if cur.Terminal() && to.Terminal() {
		return ErrStaleTransition
	}
	return ErrInvalidTransition
}
