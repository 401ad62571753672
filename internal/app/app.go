// Package app wires the dispatch system together: config, storage, broker,
// result store, registry, worker pool, producer facade, scheduler, and the
// retention pruner.
package app

import (
	"context"
	"fmt"
	"time"

	"taskmill/internal/broker"
	"taskmill/internal/client"
	"taskmill/internal/config"
	"taskmill/internal/eventbus"
	"taskmill/internal/registry"
	"taskmill/internal/resultstore"
	rtsup "taskmill/internal/runtime/supervisor"
	"taskmill/internal/schedule"
	"taskmill/internal/storage"
	"taskmill/internal/worker"
	logx "taskmill/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	db     *storage.DB
	broker broker.Broker
	store  resultstore.Store

	reg    *registry.Registry
	pool   *worker.Pool
	client *client.Client
	sched  *schedule.Service
	bus    eventbus.Bus

	sup *rtsup.Supervisor

	retentionWindow   time.Duration
	retentionInterval time.Duration
}

// New loads the config and builds every component. Nothing runs until Start.
//
// Migrations are applied inside storage.Open; a failed migration aborts
// construction so the process never serves with a half-migrated schema.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	reg := registry.New()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		reg:     reg,
		bus:     bus,
	}

	// Queue and records share one sqlite database; without a storage section
	// both run in memory and the process is not crash-durable.
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		db, err := storage.Open(storage.Config{
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.db = db
		a.broker = broker.NewSQLite(db, 0, log.With(logx.String("comp", "broker")))
		a.store = resultstore.NewSQLite(db, 0, log.With(logx.String("comp", "resultstore")))
	} else {
		log.Warn("no storage configured; queue and results are in-memory only")
		a.broker = broker.NewMemory()
		a.store = resultstore.NewMemory()
	}

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		closeQuiet(a)
		return nil, err
	}
	a.pool = worker.New(poolCfg, reg, a.broker, a.store,
		log.With(logx.String("comp", "pool")), bus)

	defs, err := mapClientDefaults(cfg)
	if err != nil {
		closeQuiet(a)
		return nil, err
	}
	a.client = client.New(a.broker, a.store, reg, defs,
		log.With(logx.String("comp", "client")), bus)

	if len(cfg.Schedules) > 0 {
		entries := make([]schedule.Entry, 0, len(cfg.Schedules))
		for _, sc := range cfg.Schedules {
			entries = append(entries, schedule.Entry{
				Name:     sc.Name,
				Spec:     sc.Spec,
				Kind:     sc.Kind,
				Payload:  []byte(sc.Payload),
				Priority: sc.Priority,
			})
		}
		sched, err := schedule.New(entries, a.scheduledSubmit,
			log.With(logx.String("comp", "schedule")))
		if err != nil {
			closeQuiet(a)
			return nil, err
		}
		a.sched = sched
	}

	if cfg.Retention != nil {
		a.retentionWindow, err = config.ParseDurationField("retention.window", cfg.Retention.Window)
		if err != nil {
			closeQuiet(a)
			return nil, err
		}
		a.retentionInterval, err = config.ParseDurationOrDefault("retention.interval", cfg.Retention.Interval, 10*time.Minute)
		if err != nil {
			closeQuiet(a)
			return nil, err
		}
	}

	return a, nil
}

// Registry exposes the kind registry for handler registration. Register
// everything before Start; the pool seals the registry when it starts.
func (a *App) Registry() *registry.Registry { return a.reg }

// Client is the producer facade for submitting and observing tasks.
func (a *App) Client() *client.Client { return a.client }

// Bus exposes lifecycle events (task.submitted, task.started, ...).
func (a *App) Bus() eventbus.Bus { return a.bus }

// Pool exposes the worker pool for diagnostics snapshots.
func (a *App) Pool() *worker.Pool { return a.pool }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Per-kind overrides from config land before the pool seals the registry.
	if err := a.applyKindOverrides(); err != nil {
		return err
	}

	a.pool.Start(a.sup.Context())

	if a.sched != nil {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.retentionWindow > 0 {
		a.sup.GoRestart("retention.prune", a.runRetention)
	}

	// Hot reload: logging config applies live; everything else needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied", logx.String("level", newCfg.Logging.Level))
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one wedged component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	if a.sched != nil {
		step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	}
	step("pool", 5*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("broker", 1*time.Second, func(context.Context) error { return a.broker.Close() })
	step("store", 1*time.Second, func(context.Context) error { return a.store.Close() })
	if a.db != nil {
		step("storage", 1*time.Second, func(context.Context) error { return a.db.Close() })
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) scheduledSubmit(ctx context.Context, kind string, payload []byte, priority int) (string, error) {
	return a.client.Submit(ctx, kind, payload, client.WithPriority(priority))
}

func (a *App) applyKindOverrides() error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return nil
	}
	for name, kc := range cfg.Kinds {
		if kc.MaxConcurrent > 0 {
			if err := a.reg.SetConcurrency(name, kc.MaxConcurrent); err != nil {
				a.log.Warn("kind override skipped", logx.String("kind", name), logx.Err(err))
			}
		}
		if kc.Timeout != "" {
			d, err := config.ParseDurationField("kinds."+name+".timeout", kc.Timeout)
			if err != nil {
				return err
			}
			if d > 0 {
				if err := a.reg.SetTimeout(name, d); err != nil {
					a.log.Warn("kind override skipped", logx.String("kind", name), logx.Err(err))
				}
			}
		}
	}
	return nil
}

// runRetention prunes terminal records older than the retention window. It
// also sweeps Pending orphans left behind by failed submissions.
func (a *App) runRetention(ctx context.Context) error {
	ticker := time.NewTicker(a.retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.store.PruneTerminal(ctx, a.retentionWindow)
			if err != nil {
				a.log.Warn("retention prune failed", logx.Err(err))
				continue
			}
			if n > 0 {
				a.log.Info("pruned terminal records", logx.Int("count", n), logx.Duration("window", a.retentionWindow))
			}
		}
	}
}

func mapPoolConfig(cfg *config.Config) (worker.Config, error) {
	defTimeout, err := config.ParseDurationField("pool.default_timeout", cfg.Pool.DefaultTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	retryBase, err := config.ParseDurationField("pool.retry_base", cfg.Pool.RetryBase)
	if err != nil {
		return worker.Config{}, err
	}
	retryMax, err := config.ParseDurationField("pool.retry_max_delay", cfg.Pool.RetryMaxDelay)
	if err != nil {
		return worker.Config{}, err
	}
	vis, err := config.ParseDurationField("defaults.visibility_timeout", cfg.Defaults.VisibilityTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Workers:            cfg.Pool.Workers,
		DefaultTimeout:     defTimeout,
		DefaultVisibility:  vis,
		RetryBase:          retryBase,
		RetryMaxDelay:      retryMax,
		RetryJitter:        cfg.Pool.RetryJitter,
		DispatchRatePerSec: cfg.Pool.DispatchRatePerSec,
		HistorySize:        cfg.Pool.HistorySize,
	}, nil
}

func mapClientDefaults(cfg *config.Config) (client.Defaults, error) {
	vis, err := config.ParseDurationField("defaults.visibility_timeout", cfg.Defaults.VisibilityTimeout)
	if err != nil {
		return client.Defaults{}, err
	}
	margin, err := config.ParseDurationField("defaults.lease_margin", cfg.Defaults.LeaseMargin)
	if err != nil {
		return client.Defaults{}, err
	}
	return client.Defaults{
		MaxRetries:  cfg.Defaults.MaxRetries,
		Visibility:  vis,
		LeaseMargin: margin,
	}, nil
}

func closeQuiet(a *App) {
	if a.db != nil {
		_ = a.db.Close()
	}
}
