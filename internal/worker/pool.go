// Package worker runs the consumer side of the dispatch system: a fixed-size
// pool that dequeues from the broker, executes handlers from the registry
// with enforced deadlines, and reports every outcome to the result store.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskmill/internal/broker"
	"taskmill/internal/eventbus"
	"taskmill/internal/registry"
	"taskmill/internal/resultstore"
	rtsup "taskmill/internal/runtime/supervisor"
	logx "taskmill/pkg/logx"
)

// Config controls the worker pool.
type Config struct {
	Workers int

	// DefaultTimeout is the per-attempt deadline for kinds registered without
	// one. 0 disables the fallback deadline.
	DefaultTimeout time.Duration

	// DefaultVisibility is handed to Dequeue for messages whose descriptor
	// carries no visibility timeout.
	DefaultVisibility time.Duration

	// Retry backoff policy for failed attempts.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// GroupRetryDelay is the re-visibility delay applied when a kind's
	// concurrency class is at capacity and the message is put back.
	GroupRetryDelay time.Duration

	// DispatchRatePerSec caps dispatches across the whole pool.
	// 0 disables rate limiting.
	DispatchRatePerSec int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultVisibility <= 0 {
		c.DefaultVisibility = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.GroupRetryDelay <= 0 {
		c.GroupRetryDelay = 100 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type Pool struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	reg    *registry.Registry
	broker broker.Broker
	store  resultstore.Store

	limiter *rate.Limiter
	groups  groupLimiterStore

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  int32
	dequeued  uint64
	succeeded uint64
	retried   uint64
	dead      uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// HistoryItem is one finished dispatch, kept in a bounded ring for
// diagnostics.
type HistoryItem struct {
	ID       string
	Kind     string
	Started  time.Time
	Duration time.Duration
	Attempt  int
	Error    string
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers  int
	InFlight int

	Dequeued  uint64
	Succeeded uint64
	Retried   uint64
	Dead      uint64

	History []HistoryItem
}

func New(cfg Config, reg *registry.Registry, b broker.Broker, st resultstore.Store, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		reg:    reg,
		broker: b,
		store:  st,
	}
	if cfg.DispatchRatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), cfg.DispatchRatePerSec)
	}
	return p
}

// Start seals the registry and launches the workers. Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.reg.Seal()

	p.stopCh = make(chan struct{})
	p.stopDone = nil
	stopCh := p.stopCh

	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "workerpool"))),
		// A failing worker should not hard-kill the process; restart it.
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	workers := p.cfg.Workers
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return p.runWorker(c, stopCh, idx)
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	p.log.Info("worker pool started",
		logx.Int("workers", workers),
		logx.Any("kinds", p.reg.Kinds()),
	)
}

// Stop drains the pool. In-flight handlers get until ctx's deadline; whatever
// is still running afterwards is abandoned and will be redelivered by the
// broker once its lease expires.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		p.mu.Lock()
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Workers:   p.cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&p.inFlight)),
		Dequeued:  atomic.LoadUint64(&p.dequeued),
		Succeeded: atomic.LoadUint64(&p.succeeded),
		Retried:   atomic.LoadUint64(&p.retried),
		Dead:      atomic.LoadUint64(&p.dead),
		History:   h,
	}
}

func (p *Pool) recordHistory(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}
