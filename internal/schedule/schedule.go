// Package schedule submits recurring tasks on cron triggers.
//
// It is trigger-only: every firing goes through the producer facade and
// executes on the worker pool like any other submission. A missed or slow
// run never blocks the cron loop.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskmill/pkg/logx"
)

// Entry is one recurring submission.
type Entry struct {
	Name     string
	Spec     string // cron expression, "@every 5m", "@hourly", ...
	Kind     string
	Payload  []byte
	Priority int
}

// Validate checks the entry including its cron spec.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("schedule name is required")
	}
	if strings.TrimSpace(e.Kind) == "" {
		return fmt.Errorf("schedule %q: kind is required", e.Name)
	}
	if _, err := ParseSpec(e.Spec); err != nil {
		return fmt.Errorf("schedule %q: %w", e.Name, err)
	}
	return nil
}

// ParseSpec parses a cron spec the way the running scheduler will
// (standard five-field crontab plus the @-descriptors).
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("cron spec is required")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return sched, nil
}

// SubmitFunc is the slice of the producer facade the scheduler needs. The
// app wiring adapts client.Submit to it, keeping this package free of a
// client dependency.
type SubmitFunc func(ctx context.Context, kind string, payload []byte, priority int) (string, error)

type Service struct {
	log    logx.Logger
	submit SubmitFunc

	mu      sync.Mutex
	cron    *cron.Cron
	entries []Entry
	cancel  context.CancelFunc
}

func New(entries []Entry, submit SubmitFunc, log logx.Logger) (*Service, error) {
	if submit == nil {
		return nil, fmt.Errorf("submit func is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return &Service{log: log, submit: submit, entries: entries}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	c := cron.New()
	for _, e := range s.entries {
		entry := e
		if _, err := c.AddFunc(entry.Spec, func() { s.fire(runCtx, entry) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
	}
	c.Start()
	s.cron = c

	s.log.Info("scheduler started", logx.Int("entries", len(s.entries)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) fire(ctx context.Context, e Entry) {
	if ctx.Err() != nil {
		return
	}
	// Bound each trigger so a wedged store can't pile up cron goroutines.
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	id, err := s.submit(subCtx, e.Kind, e.Payload, e.Priority)
	if err != nil {
		s.log.Warn("scheduled submit failed", logx.String("schedule", e.Name), logx.String("kind", e.Kind), logx.Err(err))
		return
	}
	s.log.Debug("scheduled task submitted", logx.String("schedule", e.Name), logx.String("kind", e.Kind), logx.String("id", id))
}
