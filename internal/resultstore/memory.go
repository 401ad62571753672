package resultstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskmill/internal/task"
)

// Memory is the in-process Store used by tests and non-durable deployments.
type Memory struct {
	mu      sync.Mutex
	records map[string]task.Record
	waiters map[string][]chan task.Record
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]task.Record),
		waiters: make(map[string][]chan task.Record),
	}
}

func (m *Memory) Create(ctx context.Context, rec task.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if rec.State == "" {
		rec.State = task.StatePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("record %q already exists", rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) Transition(ctx context.Context, id string, to task.State, up Update) (task.Record, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, err
	}
	if !to.Valid() {
		return task.Record{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return task.Record{}, ErrNotFound
	}
	if err := checkTransition(rec.State, to); err != nil {
		m.mu.Unlock()
		return rec, err
	}

	now := time.Now()
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
	m.records[id] = rec

	var notify []chan task.Record
	if to.Terminal() {
		notify = m.waiters[id]
		delete(m.waiters, id)
	}
	m.mu.Unlock()

	for _, ch := range notify {
		ch <- rec // buffered, one send per waiter
	}
	return rec, nil
}

func (m *Memory) Get(ctx context.Context, id string) (task.Record, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return task.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Await(ctx context.Context, id string, timeout time.Duration) (task.Record, error) {
	// Register the waiter before checking, so a transition between check and
	// wait cannot be missed.
	ch := make(chan task.Record, 1)

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return task.Record{}, ErrNotFound
	}
	if rec.State.Terminal() {
		m.mu.Unlock()
		return rec, nil
	}
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	defer m.dropWaiter(id, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return rec, ctx.Err()
	case got := <-ch:
		return got, nil
	case <-timer.C:
		latest, err := m.Get(ctx, id)
		if err != nil {
			return rec, err
		}
		if latest.State.Terminal() {
			return latest, nil
		}
		return latest, ErrAwaitTimeout
	}
}

func (m *Memory) dropWaiter(id string, ch chan task.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[id]
	for i, w := range ws {
		if w == ch {
			m.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.State.Terminal() && !rec.FinishedAt.IsZero() && rec.FinishedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
