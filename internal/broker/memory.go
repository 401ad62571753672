package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskmill/internal/task"
)

// Memory is an in-process Broker used by tests and single-process deployments
// that don't need durability. Semantics (ordering, visibility, leases) match
// the SQLite broker.
type Memory struct {
	mu       sync.Mutex
	items    []*memItem
	seq      uint64
	leaseSeq atomic.Uint64
	closed   bool
	closedCh chan struct{}

	// wake is pulsed on enqueue/requeue so blocked Dequeue calls re-scan
	// without waiting out their poll timer.
	wake chan struct{}
}

type memItem struct {
	seq        uint64
	desc       task.Descriptor
	visibleAt  time.Time
	lease      string
	deliveries int
}

func NewMemory() *Memory {
	return &Memory{
		wake:     make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

func (b *Memory) Enqueue(ctx context.Context, d task.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, it := range b.items {
		if it.desc.ID == d.ID {
			b.mu.Unlock()
			return fmt.Errorf("duplicate task id %q", d.ID)
		}
	}
	b.seq++
	if d.EnqueuedAt.IsZero() {
		d.EnqueuedAt = time.Now()
	}
	b.items = append(b.items, &memItem{seq: b.seq, desc: d, visibleAt: time.Now()})
	b.mu.Unlock()

	b.pulse()
	return nil
}

func (b *Memory) Dequeue(ctx context.Context, defaultVisibility time.Duration) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		var best *memItem
		nextVisible := time.Time{}
		for _, it := range b.items {
			if it.visibleAt.After(now) {
				if nextVisible.IsZero() || it.visibleAt.Before(nextVisible) {
					nextVisible = it.visibleAt
				}
				continue
			}
			if best == nil || it.desc.Priority > best.desc.Priority ||
				(it.desc.Priority == best.desc.Priority && it.seq < best.seq) {
				best = it
			}
		}

		if best != nil {
			vis := effectiveVisibility(best.desc, defaultVisibility)
			best.lease = fmt.Sprintf("lease-%d", b.leaseSeq.Add(1))
			best.visibleAt = now.Add(vis)
			best.deliveries++
			d := &Delivery{
				Task:        best.desc,
				Lease:       best.lease,
				LeaseExpiry: best.visibleAt,
				Deliveries:  best.deliveries,
			}
			b.mu.Unlock()
			return d, nil
		}
		b.mu.Unlock()

		wait := time.Second
		if !nextVisible.IsZero() {
			if d := time.Until(nextVisible); d < wait {
				wait = d
			}
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.closedCh:
			timer.Stop()
			return nil, ErrClosed
		case <-b.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *Memory) Ack(ctx context.Context, taskID, lease string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, it := range b.items {
		if it.desc.ID != taskID {
			continue
		}
		if it.lease == "" || it.lease != lease {
			return ErrLeaseExpired
		}
		b.items = append(b.items[:i], b.items[i+1:]...)
		return nil
	}
	return ErrLeaseExpired
}

func (b *Memory) Nack(ctx context.Context, taskID, lease string, requeue bool, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	for i, it := range b.items {
		if it.desc.ID != taskID {
			continue
		}
		if it.lease == "" || it.lease != lease {
			b.mu.Unlock()
			return ErrLeaseExpired
		}
		if !requeue {
			b.items = append(b.items[:i], b.items[i+1:]...)
			b.mu.Unlock()
			return nil
		}
		if delay < 0 {
			delay = 0
		}
		it.lease = ""
		it.visibleAt = time.Now().Add(delay)
		b.mu.Unlock()
		b.pulse()
		return nil
	}
	b.mu.Unlock()
	return ErrLeaseExpired
}

func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closedCh)
	b.mu.Unlock()
	return nil
}

// Len reports the number of messages currently held (visible or leased).
func (b *Memory) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Memory) pulse() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
