package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskmill/internal/storage"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// SQLite is the durable Store over the shared storage handle.
//
// Transitions run in a transaction: the current state is read, validated
// against the shared table, and the row updated with the state as a guard so
// a concurrent writer cannot slip between read and write.
type SQLite struct {
	db  *storage.DB
	log logx.Logger

	// awaitPoll is how often Await re-reads the record. Polling (rather than
	// in-process waiters) keeps Await correct when another process writes the
	// terminal state.
	awaitPoll time.Duration
}

func NewSQLite(db *storage.DB, awaitPoll time.Duration, log logx.Logger) *SQLite {
	if awaitPoll <= 0 {
		awaitPoll = 100 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLite{db: db, log: log, awaitPoll: awaitPoll}
}

func (s *SQLite) Create(ctx context.Context, rec task.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if rec.State == "" {
		rec.State = task.StatePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO task_records(task_id, kind, state, attempt_count, max_retries, created_at)
		 VALUES(?,?,?,?,?,?)`,
		rec.ID, rec.Kind, string(rec.State), rec.AttemptCount, rec.MaxRetries, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Transition(ctx context.Context, id string, to task.State, up Update) (task.Record, error) {
	if !to.Valid() {
		return task.Record{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return task.Record{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE task_id = ?`, id))
	if err != nil {
		return task.Record{}, err
	}
	if err := checkTransition(rec.State, to); err != nil {
		return rec, err
	}

	now := time.Now()
	prev := rec.State
	rec.State = to
	if up.IncrementAttempt {
		rec.AttemptCount++
	}
	if to == task.StateRunning {
		rec.StartedAt = now
	}
	if up.Result != nil {
		rec.Result = up.Result
	}
	if up.Failure != nil {
		rec.Failure = up.Failure
	}
	if to.Terminal() {
		rec.FinishedAt = now
	}

	var failureJSON any
	if rec.Failure != nil {
		b, err := json.Marshal(rec.Failure)
		if err != nil {
			return rec, fmt.Errorf("encode failure: %w", err)
		}
		failureJSON = string(b)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE task_records
		 SET state = ?, result = ?, failure = ?, attempt_count = ?, started_at = ?, finished_at = ?
		 WHERE task_id = ? AND state = ?`,
		string(rec.State), rec.Result, failureJSON, rec.AttemptCount,
		msOrNull(rec.StartedAt), msOrNull(rec.FinishedAt),
		id, string(prev),
	)
	if err != nil {
		return rec, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// State moved under us inside this transaction window; with a single
		// writer connection this should not happen.
		return rec, ErrInvalidTransition
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return rec, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (task.Record, error) {
	return scanRecord(s.db.SQL().QueryRowContext(ctx, selectRecord+` WHERE task_id = ?`, id))
}

func (s *SQLite) Await(ctx context.Context, id string, timeout time.Duration) (task.Record, error) {
	deadline := time.Now().Add(timeout)
	var last task.Record
	for {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return last, err
		}
		last = rec
		if rec.State.Terminal() {
			return rec, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last, ErrAwaitTimeout
		}
		wait := s.awaitPoll
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.SQL().ExecContext(ctx, `DELETE FROM task_records WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM task_records
		 WHERE state IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(task.StateSucceeded), string(task.StateDead), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Close() error { return nil }

const selectRecord = `SELECT task_id, kind, state, result, failure, attempt_count, max_retries, created_at, started_at, finished_at FROM task_records`

func scanRecord(row *sql.Row) (task.Record, error) {
	var (
		rec        task.Record
		state      string
		failure    sql.NullString
		createdMS  int64
		startedMS  sql.NullInt64
		finishedMS sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Kind, &state, &rec.Result, &failure,
		&rec.AttemptCount, &rec.MaxRetries, &createdMS, &startedMS, &finishedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, ErrNotFound
	}
	if err != nil {
		return task.Record{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	rec.State = task.State(state)
	rec.CreatedAt = time.UnixMilli(createdMS)
	if startedMS.Valid {
		rec.StartedAt = time.UnixMilli(startedMS.Int64)
	}
	if finishedMS.Valid {
		rec.FinishedAt = time.UnixMilli(finishedMS.Int64)
	}
	if failure.Valid && failure.String != "" {
		var f task.Failure
		if err := json.Unmarshal([]byte(failure.String), &f); err == nil {
			rec.Failure = &f
		}
	}
	return rec, nil
}

func msOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
