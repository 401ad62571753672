package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noop(ctx context.Context, payload []byte) ([]byte, error) { return payload, nil }

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register("echo", noop, Options{Timeout: 5 * time.Second, MaxConcurrent: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg, err := r.Lookup("echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if reg.Kind != "echo" || reg.Opts.Timeout != 5*time.Second || reg.Opts.MaxConcurrent != 2 {
		t.Fatalf("unexpected registration %+v", reg)
	}

	if _, err := r.Lookup("missing"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("lookup missing = %v, want ErrUnknownKind", err)
	}
}

func TestRegisterRejects(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register("", noop, Options{}); err == nil {
		t.Fatal("empty kind accepted")
	}
	if err := r.Register("x", nil, Options{}); err == nil {
		t.Fatal("nil handler accepted")
	}
	if err := r.Register("dup", noop, Options{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("dup", noop, Options{}); err == nil {
		t.Fatal("duplicate kind accepted")
	}
}

func TestSealBlocksMutation(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register("echo", noop, Options{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Seal()
	r.Seal() // idempotent

	if err := r.Register("late", noop, Options{}); !errors.Is(err, ErrSealed) {
		t.Fatalf("register after seal = %v, want ErrSealed", err)
	}
	if err := r.SetConcurrency("echo", 4); !errors.Is(err, ErrSealed) {
		t.Fatalf("set concurrency after seal = %v, want ErrSealed", err)
	}

	// Lookup keeps working after seal.
	if _, err := r.Lookup("echo"); err != nil {
		t.Fatalf("lookup after seal: %v", err)
	}
}

func TestConfigOverrides(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register("echo", noop, Options{MaxConcurrent: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetConcurrency("echo", 8); err != nil {
		t.Fatalf("set concurrency: %v", err)
	}
	if err := r.SetTimeout("echo", time.Minute); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if err := r.SetConcurrency("missing", 2); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("set concurrency missing = %v, want ErrUnknownKind", err)
	}

	reg, err := r.Lookup("echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if reg.Opts.MaxConcurrent != 8 || reg.Opts.Timeout != time.Minute {
		t.Fatalf("overrides not applied: %+v", reg.Opts)
	}
}

func TestKinds(t *testing.T) {
	t.Parallel()
	r := New()
	for _, k := range []string{"a", "b", "c"} {
		if err := r.Register(k, noop, Options{}); err != nil {
			t.Fatalf("register %s: %v", k, err)
		}
	}
	if got := len(r.Kinds()); got != 3 {
		t.Fatalf("kinds = %d, want 3", got)
	}
}
