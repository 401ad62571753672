// Package client is the producer facade: the only entry point external code
// (the HTTP API, the bot) uses to enqueue work and observe its outcome.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/broker"
	"taskmill/internal/eventbus"
	"taskmill/internal/registry"
	"taskmill/internal/resultstore"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

var (
	// ErrSubmissionFailed means the task could not be durably enqueued. The
	// caller may retry; no task id was handed out, so nothing is half-queued
	// from the caller's point of view.
	ErrSubmissionFailed = errors.New("task submission failed")

	// ErrAwaitTimeout re-exports the store sentinel so callers don't have to
	// import resultstore.
	ErrAwaitTimeout = resultstore.ErrAwaitTimeout
)

// Defaults applied to submissions that don't specify their own knobs.
type Defaults struct {
	MaxRetries int

	// Visibility is the broker visibility window for kinds the registry does
	// not know (or when no registry is attached).
	Visibility time.Duration

	// LeaseMargin is added to a kind's handler timeout when sizing the
	// visibility window, covering queue-to-start latency and the final
	// ack round-trip.
	LeaseMargin time.Duration
}

func (d Defaults) withDefaults() Defaults {
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.Visibility <= 0 {
		d.Visibility = 30 * time.Second
	}
	if d.LeaseMargin <= 0 {
		d.LeaseMargin = 5 * time.Second
	}
	return d
}

type Client struct {
	broker broker.Broker
	store  resultstore.Store

	// reg is optional: when attached, submissions size their visibility
	// window from the kind's registered timeout. Unknown kinds are still
	// accepted — they die at dispatch, not at submit.
	reg *registry.Registry

	defaults Defaults
	log      logx.Logger
	bus      eventbus.Bus
}

func New(b broker.Broker, st resultstore.Store, reg *registry.Registry, defs Defaults, log logx.Logger, bus eventbus.Bus) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		broker:   b,
		store:    st,
		reg:      reg,
		defaults: defs.withDefaults(),
		log:      log,
		bus:      bus,
	}
}

// SubmitOption customizes one submission.
type SubmitOption func(*submitOpts)

type submitOpts struct {
	priority   int
	maxRetries int
	hasRetries bool
}

// WithPriority raises (or lowers) the task's priority class. Higher runs
// first; ordering is FIFO only within a class.
func WithPriority(p int) SubmitOption {
	return func(o *submitOpts) { o.priority = p }
}

// WithMaxRetries overrides the default retry budget for this task.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOpts) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
		o.hasRetries = true
	}
}

// Submit durably enqueues a task and returns its id.
//
// Either the task id is returned after the record and message are both
// written, or ErrSubmissionFailed is returned and nothing the caller can
// observe was queued.
func (c *Client) Submit(ctx context.Context, kind string, payload []byte, opts ...SubmitOption) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", fmt.Errorf("%w: kind is required", ErrSubmissionFailed)
	}

	var o submitOpts
	for _, opt := range opts {
		opt(&o)
	}

	maxRetries := c.defaults.MaxRetries
	if !o.hasRetries && c.reg != nil {
		if reg, err := c.reg.Lookup(kind); err == nil && reg.Opts.MaxRetries > 0 {
			maxRetries = reg.Opts.MaxRetries
		}
	}
	if o.hasRetries {
		maxRetries = o.maxRetries
	}

	id := uuid.NewString()
	now := time.Now()
	desc := task.Descriptor{
		ID:                id,
		Kind:              kind,
		Payload:           payload,
		Priority:          o.priority,
		MaxRetries:        maxRetries,
		EnqueuedAt:        now,
		VisibilityTimeout: c.visibilityFor(kind),
	}
	rec := task.Record{
		ID:         id,
		Kind:       kind,
		State:      task.StatePending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}

	if err := c.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: create record: %w", ErrSubmissionFailed, err)
	}
	if err := c.broker.Enqueue(ctx, desc); err != nil {
		// Compensate so no half-submitted record lingers; if the delete also
		// fails, retention pruning removes the orphan later.
		if derr := c.store.Delete(context.WithoutCancel(ctx), id); derr != nil {
			c.log.Warn("orphaned record after failed enqueue", logx.String("id", id), logx.Err(derr))
		}
		return "", fmt.Errorf("%w: enqueue: %w", ErrSubmissionFailed, err)
	}

	c.log.Debug("task submitted", logx.String("id", id), logx.String("kind", kind), logx.Int("max_retries", maxRetries))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventTaskSubmitted, Time: now, Data: map[string]string{"id": id, "kind": kind}})
	}
	return id, nil
}

// Status returns the task's current record.
func (c *Client) Status(ctx context.Context, id string) (task.Record, error) {
	return c.store.Get(ctx, id)
}

// AwaitResult blocks until the task reaches a terminal state or the timeout
// elapses (ErrAwaitTimeout; keep polling if you still care).
//
// A Dead task yields its recorded *task.Failure as the error.
func (c *Client) AwaitResult(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	rec, err := c.store.Await(ctx, id, timeout)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case task.StateSucceeded:
		return rec.Result, nil
	case task.StateDead:
		if rec.Failure != nil {
			return nil, rec.Failure
		}
		return nil, fmt.Errorf("task %s dead with no recorded failure", id)
	default:
		// Await only returns without error on terminal states; anything else
		// is a store bug.
		return nil, fmt.Errorf("await returned non-terminal state %q", rec.State)
	}
}

// visibilityFor sizes the broker visibility window for a kind: handler
// timeout plus lease margin when the kind is registered, the configured
// default otherwise.
func (c *Client) visibilityFor(kind string) time.Duration {
	if c.reg != nil {
		if reg, err := c.reg.Lookup(kind); err == nil && reg.Opts.Timeout > 0 {
			return reg.Opts.Timeout + c.defaults.LeaseMargin
		}
	}
	return c.defaults.Visibility
}
