// Package broker provides the durable, ordered mailbox between producers and
// the worker pool.
//
// Delivery is at-least-once: a dequeued message is hidden for its visibility
// timeout and becomes deliverable again if not acked within that window.
// Redelivery after lease expiry is the system's only crash-recovery mechanism,
// so consumers must be idempotent or dedupe by task id.
//
// Ordering is FIFO within a priority class; nothing is guaranteed across
// priorities.
package broker

import (
	"context"
	"errors"
	"time"

	"taskmill/internal/task"
)

var (
	// ErrUnavailable wraps transient failures of the durable store.
	// Callers should retry with backoff.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrLeaseExpired is returned by Ack/Nack when the caller no longer holds
	// a valid lease on the message (it expired and was redelivered, or the
	// message is already gone).
	ErrLeaseExpired = errors.New("broker lease expired or not held")

	ErrClosed = errors.New("broker closed")
)

// Delivery is one leased message handed to exactly one consumer.
//
// The lease token must be presented on Ack/Nack; a token invalidated by
// visibility expiry is rejected, which preserves the exclusivity guarantee
// even when a slow consumer races a redelivery.
type Delivery struct {
	Task task.Descriptor

	Lease       string
	LeaseExpiry time.Time

	// Deliveries counts how many times this message has been handed out,
	// including this delivery.
	Deliveries int
}

type Broker interface {
	// Enqueue durably appends a message. Fails with ErrUnavailable when the
	// backing store cannot be reached.
	Enqueue(ctx context.Context, d task.Descriptor) error

	// Dequeue blocks until a message is deliverable or ctx is done. The
	// message is hidden for its descriptor's visibility timeout, falling back
	// to defaultVisibility when the descriptor carries none.
	Dequeue(ctx context.Context, defaultVisibility time.Duration) (*Delivery, error)

	// Ack removes a message for good. Requires a valid lease.
	Ack(ctx context.Context, taskID, lease string) error

	// Nack ends the caller's lease. With requeue the message becomes
	// deliverable again after delay; without, it is removed.
	Nack(ctx context.Context, taskID, lease string, requeue bool, delay time.Duration) error

	Close() error
}

const fallbackVisibility = 30 * time.Second

func effectiveVisibility(d task.Descriptor, def time.Duration) time.Duration {
	if d.VisibilityTimeout > 0 {
		return d.VisibilityTimeout
	}
	if def > 0 {
		return def
	}
	return fallbackVisibility
}
