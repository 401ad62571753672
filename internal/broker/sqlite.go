package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"taskmill/internal/storage"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// SQLite is the durable Broker backed by the shared storage handle.
//
// A single queue table holds every message; visible_at doubles as the lease
// expiry, so crash recovery needs no extra bookkeeping: an expired lease makes
// the row deliverable again on the next scan.
type SQLite struct {
	db  *storage.DB
	log logx.Logger

	pollInterval time.Duration
	leaseSeq     atomic.Uint64
	closed       atomic.Bool

	wake chan struct{}
}

// NewSQLite wraps an opened storage handle. pollInterval bounds how long an
// idle Dequeue sleeps between scans when no in-process enqueue wakes it; 0
// applies a default.
func NewSQLite(db *storage.DB, pollInterval time.Duration, log logx.Logger) *SQLite {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLite{
		db:           db,
		log:          log,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
	}
}

func (b *SQLite) Enqueue(ctx context.Context, d task.Descriptor) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if d.EnqueuedAt.IsZero() {
		d.EnqueuedAt = time.Now()
	}
	_, err := b.db.SQL().ExecContext(ctx,
		`INSERT INTO queue(task_id, kind, payload, priority, max_retries, enqueued_at, visible_at, visibility_ms, deliveries)
		 VALUES(?,?,?,?,?,?,?,?,0)`,
		d.ID, d.Kind, d.Payload, d.Priority, d.MaxRetries,
		d.EnqueuedAt.UnixMilli(), time.Now().UnixMilli(), d.VisibilityTimeout.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	b.pulse()
	return nil
}

func (b *SQLite) Dequeue(ctx context.Context, defaultVisibility time.Duration) (*Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, nextVisible, err := b.tryDequeue(ctx, defaultVisibility)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		wait := b.pollInterval
		if nextVisible > 0 && nextVisible < wait {
			wait = nextVisible
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryDequeue attempts one lease grab. It returns the time until the next
// hidden message becomes visible (0 when unknown) so the caller can size its
// sleep.
func (b *SQLite) tryDequeue(ctx context.Context, defaultVisibility time.Duration) (*Delivery, time.Duration, error) {
	now := time.Now()

	tx, err := b.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq          int64
		d            task.Descriptor
		enqueuedMS   int64
		visibilityMS int64
		deliveries   int
	)
	row := tx.QueryRowContext(ctx,
		`SELECT seq, task_id, kind, payload, priority, max_retries, enqueued_at, visibility_ms, deliveries
		 FROM queue WHERE visible_at <= ?
		 ORDER BY priority DESC, seq ASC LIMIT 1`,
		now.UnixMilli(),
	)
	err = row.Scan(&seq, &d.ID, &d.Kind, &d.Payload, &d.Priority, &d.MaxRetries, &enqueuedMS, &visibilityMS, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		// Nothing deliverable; peek at the earliest hidden message.
		var next sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MIN(visible_at) FROM queue`).Scan(&next); err == nil && next.Valid {
			if until := time.UnixMilli(next.Int64).Sub(now); until > 0 {
				return nil, until, nil
			}
		}
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	d.EnqueuedAt = time.UnixMilli(enqueuedMS)
	d.VisibilityTimeout = time.Duration(visibilityMS) * time.Millisecond

	vis := effectiveVisibility(d, defaultVisibility)
	lease := fmt.Sprintf("lease-%d-%d", now.UnixNano(), b.leaseSeq.Add(1))
	expiry := now.Add(vis)

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue SET lease = ?, visible_at = ?, deliveries = deliveries + 1 WHERE seq = ?`,
		lease, expiry.UnixMilli(), seq,
	); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &Delivery{
		Task:        d,
		Lease:       lease,
		LeaseExpiry: expiry,
		Deliveries:  deliveries + 1,
	}, 0, nil
}

func (b *SQLite) Ack(ctx context.Context, taskID, lease string) error {
	res, err := b.db.SQL().ExecContext(ctx,
		`DELETE FROM queue WHERE task_id = ? AND lease = ?`, taskID, lease)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (b *SQLite) Nack(ctx context.Context, taskID, lease string, requeue bool, delay time.Duration) error {
	if !requeue {
		return b.Ack(ctx, taskID, lease)
	}
	if delay < 0 {
		delay = 0
	}
	res, err := b.db.SQL().ExecContext(ctx,
		`UPDATE queue SET lease = NULL, visible_at = ? WHERE task_id = ? AND lease = ?`,
		time.Now().Add(delay).UnixMilli(), taskID, lease)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseExpired
	}
	b.pulse()
	return nil
}

func (b *SQLite) Close() error {
	b.closed.Store(true)
	b.pulse()
	return nil
}

func (b *SQLite) pulse() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
