// Package registry maps task kinds to handlers and their execution policy.
//
// A Registry is built once during process initialization, sealed when the
// worker pool starts, and passed by reference to everything that needs it.
// There is no ambient global registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownKind is a permanent error: a message with an unregistered kind
	// is moved to Dead instead of retried.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrSealed is returned on registration after the worker pool has started.
	ErrSealed = errors.New("registry is sealed")
)

// Handler executes one task attempt. The context carries the enforced
// deadline; handlers that want cooperative cancellation must observe it.
// The returned bytes become the task's recorded result.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Options is the execution policy attached to a kind.
type Options struct {
	// Timeout is the per-attempt deadline. 0 falls back to the pool default.
	Timeout time.Duration

	// MaxConcurrent caps simultaneously executing tasks of this kind across
	// all workers (the kind's concurrency class). 0 means unlimited.
	MaxConcurrent int

	// MaxRetries overrides the submit-time default for this kind when the
	// submitter does not specify one. 0 means "no override".
	MaxRetries int
}

// Registration is one kind's handler plus policy.
type Registration struct {
	Kind    string
	Handler Handler
	Opts    Options
}

type Registry struct {
	mu     sync.RWMutex
	sealed bool
	m      map[string]Registration
}

func New() *Registry {
	return &Registry{m: make(map[string]Registration)}
}

// Register binds a kind to a handler. It must be called before the worker
// pool starts; registration on a sealed registry fails with ErrSealed.
func (r *Registry) Register(kind string, h Handler, opts Options) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("kind is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrSealed, kind)
	}
	if _, ok := r.m[kind]; ok {
		return fmt.Errorf("kind %q already registered", kind)
	}
	r.m[kind] = Registration{Kind: kind, Handler: h, Opts: opts}
	return nil
}

// Seal makes the registry immutable. Called by the worker pool on start;
// idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup resolves a kind. It is called on every dequeue.
func (r *Registry) Lookup(kind string) (Registration, error) {
	r.mu.RLock()
	reg, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return reg, nil
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}

// SetConcurrency overrides a kind's concurrency class before sealing.
// Used to apply per-kind limits from process configuration.
func (r *Registry) SetConcurrency(kind string, limit int) error {
	return r.mutate(kind, func(o *Options) { o.MaxConcurrent = limit })
}

// SetTimeout overrides a kind's per-attempt deadline before sealing.
func (r *Registry) SetTimeout(kind string, d time.Duration) error {
	return r.mutate(kind, func(o *Options) { o.Timeout = d })
}

func (r *Registry) mutate(kind string, fn func(*Options)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	reg, ok := r.m[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	fn(&reg.Opts)
	r.m[kind] = reg
	return nil
}
