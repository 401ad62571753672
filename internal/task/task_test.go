package task

import "testing"

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{"pending to running", StatePending, StateRunning, true},
		{"pending to dead", StatePending, StateDead, true},
		{"pending to succeeded", StatePending, StateSucceeded, false},
		{"running to succeeded", StateRunning, StateSucceeded, true},
		{"running to retrying", StateRunning, StateRetrying, true},
		{"running to dead", StateRunning, StateDead, true},
		// A redelivered task may be re-marked Running by a second worker.
		{"running to running", StateRunning, StateRunning, true},
		{"retrying to running", StateRetrying, StateRunning, true},
		{"retrying to pending", StateRetrying, StatePending, true},
		{"failed to retrying", StateFailed, StateRetrying, true},
		{"failed to dead", StateFailed, StateDead, true},
		{"succeeded is terminal", StateSucceeded, StateRunning, false},
		{"dead is terminal", StateDead, StatePending, false},
		{"succeeded to dead", StateSucceeded, StateDead, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StatePending, StateRunning, StateFailed, StateRetrying} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateSucceeded, StateDead} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func TestStateValid(t *testing.T) {
	t.Parallel()
	if State("bogus").Valid() {
		t.Fatal("bogus state reported valid")
	}
	if !StateRetrying.Valid() {
		t.Fatal("retrying state reported invalid")
	}
}

func TestFailureError(t *testing.T) {
	t.Parallel()
	f := &Failure{Kind: FailureDeadline, Message: "context deadline exceeded", Attempt: 2}
	if f.Error() == "" {
		t.Fatal("empty error string")
	}
}
