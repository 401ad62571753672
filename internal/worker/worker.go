package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"taskmill/internal/broker"
	"taskmill/internal/eventbus"
	"taskmill/internal/registry"
	"taskmill/internal/resultstore"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// TaskEvent is the payload published on the event bus for lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Attempt  int           `json:"attempt,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// runWorker is one worker's dequeue loop. Transient broker errors bubble up
// so the supervisor restarts the loop with backoff.
func (p *Pool) runWorker(ctx context.Context, stopCh <-chan struct{}, idx int) error {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		default:
		}

		del, err := p.broker.Dequeue(ctx, p.cfg.DefaultVisibility)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			if errors.Is(err, broker.ErrClosed) {
				return context.Canceled
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		atomic.AddUint64(&p.dequeued, 1)

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				// Shutting down with an unprocessed delivery: let the lease
				// expire and the broker redeliver.
				return context.Canceled
			}
		}

		p.process(ctx, del, rng)
	}
}

func (p *Pool) process(ctx context.Context, del *broker.Delivery, rng *rand.Rand) {
	id := del.Task.ID
	kind := del.Task.Kind

	reg, err := p.reg.Lookup(kind)
	if errors.Is(err, registry.ErrUnknownKind) {
		// Poison message: no handler will ever exist in this process. Move the
		// record to Dead without consuming a retry slot and drop the message.
		p.log.Warn("task kind has no handler", logx.String("id", id), logx.String("kind", kind))
		p.finalize(ctx, del, task.StateDead, resultstore.Update{
			Failure: &task.Failure{Kind: task.FailureUnknownKind, Message: err.Error()},
		})
		atomic.AddUint64(&p.dead, 1)
		p.publish(eventbus.EventTaskDead, TaskEvent{ID: id, Kind: kind, Error: err.Error()})
		return
	}
	if err != nil {
		p.log.Error("registry lookup failed", logx.String("id", id), logx.String("kind", kind), logx.Err(err))
		p.nackRequeue(ctx, del, p.cfg.GroupRetryDelay)
		return
	}

	// Concurrency class: if the kind is at capacity, put the message back and
	// move on to other work.
	var releaseGroup func()
	if reg.Opts.MaxConcurrent > 0 {
		gs := p.groups.get(kind, reg.Opts.MaxConcurrent)
		if gs != nil {
			if !gs.tryAcquire() {
				p.nackRequeue(ctx, del, p.cfg.GroupRetryDelay)
				return
			}
			releaseGroup = gs.release
		}
	}
	if releaseGroup != nil {
		defer releaseGroup()
	}

	rec, err := p.store.Transition(ctx, id, task.StateRunning, resultstore.Update{IncrementAttempt: true})
	if err != nil {
		switch {
		case errors.Is(err, resultstore.ErrNotFound):
			// No record for this message: either pruned after a long outage or
			// never created. Nothing to report into; drop the message.
			p.log.Warn("no record for delivered task", logx.String("id", id), logx.String("kind", kind))
			p.ack(ctx, del)
		case errors.Is(err, resultstore.ErrInvalidTransition), errors.Is(err, resultstore.ErrStaleTransition):
			// The record is already terminal: duplicate delivery of finished
			// work. Drop it.
			p.log.Debug("dropping duplicate delivery", logx.String("id", id), logx.String("kind", kind), logx.String("state", string(rec.State)))
			p.ack(ctx, del)
		default:
			p.log.Error("mark running failed", logx.String("id", id), logx.Err(err))
			p.nackRequeue(ctx, del, p.cfg.GroupRetryDelay)
		}
		return
	}

	attempt := rec.AttemptCount
	start := time.Now()
	p.log.Debug("task started", logx.String("id", id), logx.String("kind", kind), logx.Int("attempt", attempt))
	p.publish(eventbus.EventTaskStarted, TaskEvent{ID: id, Kind: kind, Attempt: attempt})

	result, runErr := p.runHandler(ctx, reg, del.Task.Payload)
	dur := time.Since(start)

	if runErr == nil {
		p.finalize(ctx, del, task.StateSucceeded, resultstore.Update{Result: result})
		atomic.AddUint64(&p.succeeded, 1)
		p.recordHistory(HistoryItem{ID: id, Kind: kind, Started: start, Duration: dur, Attempt: attempt})
		if dur >= 750*time.Millisecond {
			p.log.Info("task succeeded", logx.String("id", id), logx.String("kind", kind), logx.Duration("dur", dur), logx.Int("attempt", attempt))
		} else {
			p.log.Debug("task succeeded", logx.String("id", id), logx.String("kind", kind), logx.Duration("dur", dur), logx.Int("attempt", attempt))
		}
		p.publish(eventbus.EventTaskSucceeded, TaskEvent{ID: id, Kind: kind, Attempt: attempt, Duration: dur})
		return
	}

	failure := classifyFailure(runErr, attempt)
	permanent := IsNoRetry(runErr)
	maxRetries := del.Task.MaxRetries

	if !permanent && attempt <= maxRetries {
		if _, err := p.store.Transition(ctx, id, task.StateRetrying, resultstore.Update{Failure: failure}); err != nil {
			if errors.Is(err, resultstore.ErrStaleTransition) || errors.Is(err, resultstore.ErrInvalidTransition) {
				// Another worker already finished this task; our outcome is stale.
				p.ack(ctx, del)
				return
			}
			p.log.Error("mark retrying failed", logx.String("id", id), logx.Err(err))
		}

		delay := backoffDelayWithHint(retryPolicy{
			base:     p.cfg.RetryBase,
			maxDelay: p.cfg.RetryMaxDelay,
			jitter:   p.cfg.RetryJitter,
		}, attempt, runErr, rng)

		atomic.AddUint64(&p.retried, 1)
		p.recordHistory(HistoryItem{ID: id, Kind: kind, Started: start, Duration: dur, Attempt: attempt, Error: failure.Message})
		p.log.Warn("task failed, retry scheduled",
			logx.String("id", id), logx.String("kind", kind),
			logx.Int("attempt", attempt), logx.Int("max_retries", maxRetries),
			logx.Duration("delay", delay), logx.Err(runErr),
		)
		p.publish(eventbus.EventTaskRetrying, TaskEvent{ID: id, Kind: kind, Attempt: attempt, Duration: dur, Error: failure.Message})

		if err := p.broker.Nack(ctx, id, del.Lease, true, delay); err != nil && !errors.Is(err, broker.ErrLeaseExpired) {
			p.log.Error("nack failed", logx.String("id", id), logx.Err(err))
		}
		return
	}

	// Retries exhausted (or failure marked permanent): the task is Dead.
	p.finalize(ctx, del, task.StateDead, resultstore.Update{Failure: failure})
	atomic.AddUint64(&p.dead, 1)
	p.recordHistory(HistoryItem{ID: id, Kind: kind, Started: start, Duration: dur, Attempt: attempt, Error: failure.Message})
	p.log.Warn("task dead",
		logx.String("id", id), logx.String("kind", kind),
		logx.Int("attempts", attempt), logx.Err(runErr),
	)
	p.publish(eventbus.EventTaskDead, TaskEvent{ID: id, Kind: kind, Attempt: attempt, Duration: dur, Error: failure.Message})
}

// runHandler executes one attempt with the registered deadline and panic
// isolation, counting it against the pool's in-flight gauge.
func (p *Pool) runHandler(ctx context.Context, reg registry.Registration, payload []byte) (result []byte, err error) {
	timeout := reg.Opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)

	// Guard against handler panics: convert to error so one bad task can't
	// kill a worker.
	defer func() {
		if r := recover(); r != nil {
			err = panicError{v: r}
			p.log.Error("handler panicked", logx.String("kind", reg.Kind), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	result, err = reg.Handler(runCtx, payload)
	if err == nil && runCtx.Err() != nil {
		// Handler ignored the deadline and "succeeded" after it passed; the
		// broker may already have redelivered. Report the deadline.
		err = runCtx.Err()
	}
	return result, err
}

// finalize writes a terminal state and removes the message. Stale outcomes
// (another worker won the redelivery race) are dropped silently.
func (p *Pool) finalize(ctx context.Context, del *broker.Delivery, to task.State, up resultstore.Update) {
	if _, err := p.store.Transition(ctx, del.Task.ID, to, up); err != nil {
		switch {
		case errors.Is(err, resultstore.ErrStaleTransition):
			p.log.Debug("stale completion dropped", logx.String("id", del.Task.ID), logx.String("to", string(to)))
		case errors.Is(err, resultstore.ErrInvalidTransition):
			p.log.Debug("completion for finished task dropped", logx.String("id", del.Task.ID), logx.String("to", string(to)))
		case errors.Is(err, resultstore.ErrNotFound):
			p.log.Warn("record vanished before completion", logx.String("id", del.Task.ID))
		default:
			p.log.Error("terminal transition failed", logx.String("id", del.Task.ID), logx.String("to", string(to)), logx.Err(err))
		}
	}
	p.ack(ctx, del)
}

func (p *Pool) ack(ctx context.Context, del *broker.Delivery) {
	if err := p.broker.Ack(ctx, del.Task.ID, del.Lease); err != nil {
		if errors.Is(err, broker.ErrLeaseExpired) {
			// Our lease lapsed; the message was (or will be) redelivered and
			// the duplicate-delivery path cleans it up.
			p.log.Debug("ack after lease expiry", logx.String("id", del.Task.ID))
			return
		}
		p.log.Error("ack failed", logx.String("id", del.Task.ID), logx.Err(err))
	}
}

func (p *Pool) nackRequeue(ctx context.Context, del *broker.Delivery, delay time.Duration) {
	if err := p.broker.Nack(ctx, del.Task.ID, del.Lease, true, delay); err != nil && !errors.Is(err, broker.ErrLeaseExpired) {
		p.log.Error("requeue failed", logx.String("id", del.Task.ID), logx.Err(err))
	}
}

func (p *Pool) publish(typ string, ev TaskEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.v) }

func classifyFailure(err error, attempt int) *task.Failure {
	f := &task.Failure{Kind: task.FailureHandler, Message: err.Error(), Attempt: attempt}
	var pe panicError
	switch {
	case IsNoRetry(err):
		f.Kind = task.FailureNoRetry
	case errors.As(err, &pe):
		f.Kind = task.FailurePanic
	case errors.Is(err, context.DeadlineExceeded):
		f.Kind = task.FailureDeadline
	}
	return f
}
