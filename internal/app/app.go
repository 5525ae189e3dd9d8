// Package app assembles the process: config, logging, journal, the
// scheduling core and its services, plus the reload fanout. It is the only
// package that knows the full wiring; everything below it is composable in
// isolation.
package app

import (
	"context"
	"fmt"
	"time"

	"tuneq/internal/capacity"
	"tuneq/internal/config"
	"tuneq/internal/dispatch"
	"tuneq/internal/eventbus"
	"tuneq/internal/fairness"
	"tuneq/internal/observability"
	"tuneq/internal/publish"
	"tuneq/internal/queue"
	"tuneq/internal/reputation"
	"tuneq/internal/runtime/supervisor"
	"tuneq/internal/sched"
	"tuneq/internal/stats"
	"tuneq/internal/storage"
	logx "tuneq/pkg/logx"
)

type App struct {
	manager *config.Manager
	logSvc  *logx.Service
	log     logx.Logger

	bus      eventbus.Bus
	store    *storage.Store // nil when driver is "none"
	dir      *reputation.MemoryDirectory
	feed     *reputation.Feed
	guard    *fairness.Guard
	balancer *capacity.Balancer
	stats    *stats.Store
	core     *queue.Core
	pub      *publish.Publisher

	dispatcher *dispatch.Service
	scheduler  *sched.Service
	metrics    *observability.Service

	sup *supervisor.Supervisor
}

// Options tune pieces the config file doesn't cover.
type Options struct {
	// Backend runs the generation jobs. Nil falls back to the simulator.
	Backend dispatch.Backend
}

// New loads the config and builds the full object graph. Nothing runs
// until Start.
func New(ctx context.Context, configPath string, opts Options) (*App, error) {
	manager := config.NewManager(configPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logSvc, log := logx.New(materializeLogging(cfg.Logging))
	manager.SetLogger(log.With(logx.String("component", "config")))
	manager.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	a := &App{
		manager:  manager,
		logSvc:   logSvc,
		log:      log,
		bus:      eventbus.New(),
		dir:      reputation.NewMemoryDirectory(),
		balancer: capacity.New(materializeCapacity(cfg.Capacity)),
		stats:    stats.New(materializeStats(cfg.Stats)),
	}

	fcfg := materializeFairness(cfg.Fairness)
	a.feed = reputation.NewFeed(fcfg.RingWindow * 2)
	a.guard = fairness.New(fcfg, log.With(logx.String("component", "fairness")), a.bus)

	if cfg.Storage.Driver == "sqlite" {
		store, err := storage.Open(ctx, cfg.Storage.Path)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		a.store = store
	}

	a.pub = publish.New(publish.Config{}, log.With(logx.String("component", "publish")))
	a.core = queue.New(materializeQueue(cfg.Queue), queue.Deps{
		Scorer:    materializeScoring(cfg.Scoring),
		Guard:     a.guard,
		Balancer:  a.balancer,
		Stats:     a.stats,
		Directory: a.dir,
		Log:       log.With(logx.String("component", "queue")),
		Bus:       a.bus,
		Sink:      a.pub,
	})

	backend := opts.Backend
	if backend == nil {
		backend = dispatch.NewSimulator(0, 0.2)
	}
	var journal dispatch.Journal
	if a.store != nil {
		journal = a.store
	}
	a.dispatcher = dispatch.New(materializeDispatch(cfg.Dispatch), a.core, backend, journal,
		log.With(logx.String("component", "dispatch")))

	a.scheduler = sched.New(materializeSched(cfg.Sched), a.core, a.guard, a.balancer,
		a.stats, a.feed, a.dir, sched.Hooks{OnFlags: a.persistFlags},
		log.With(logx.String("component", "sched")))

	if cfg.Metrics.Enabled {
		m := observability.NewMetrics()
		a.metrics = observability.New(materializeMetrics(cfg.Metrics), m, a.core, a.guard, a.bus,
			log.With(logx.String("component", "metrics")))
	}

	return a, nil
}

// Start replays the journal, then brings the services up and begins
// watching the config file.
func (a *App) Start(ctx context.Context) error {
	cfg := a.manager.Get()

	if err := a.replay(ctx); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.pub.Start(a.sup.Context())

	if cfg.Dispatch.Enabled {
		if err := a.dispatcher.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if cfg.Sched.Enabled {
		if err := a.scheduler.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.GoRestart("config.watch", a.manager.Watch)
	updates := a.manager.Subscribe(1)
	a.sup.Go0("config.fanout", func(ctx context.Context) {
		defer a.manager.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.apply(next)
			}
		}
	})

	a.log.Info("tuneq started",
		logx.Bool("dispatch", cfg.Dispatch.Enabled),
		logx.Bool("sched", cfg.Sched.Enabled),
		logx.Bool("metrics", a.metrics != nil),
		logx.Bool("journal", a.store != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Stop producers before the core's consumers of record.
	if a.scheduler != nil {
		keep(a.scheduler.Stop(ctx))
	}
	if a.dispatcher != nil {
		keep(a.dispatcher.Stop(ctx))
	}
	if a.metrics != nil {
		keep(a.metrics.Stop(ctx))
	}
	if a.sup != nil {
		keep(a.sup.Stop(ctx))
	}
	a.pub.Stop()
	if a.store != nil {
		keep(a.store.Close())
	}
	a.log.Info("tuneq stopped")
	a.logSvc.Close()
	return firstErr
}

// Core exposes the scheduling core to embedding surfaces (transports live
// outside this module).
func (a *App) Core() *queue.Core { return a.core }

// Publisher exposes the ordered queue-state stream.
func (a *App) Publisher() *publish.Publisher { return a.pub }

// Guard exposes the fairness audit surface.
func (a *App) Guard() *fairness.Guard { return a.guard }

// Directory exposes the reputation read model for account registration.
func (a *App) Directory() *reputation.MemoryDirectory { return a.dir }

// Submit accepts a request and journals it.
func (a *App) Submit(ctx context.Context, sub queue.Submission) (queue.Request, error) {
	req, err := a.core.Submit(sub)
	if err != nil {
		return queue.Request{}, err
	}
	if a.store != nil {
		if jerr := a.store.AppendRequest(ctx, req); jerr != nil {
			a.log.Error("journal append failed", logx.String("id", req.ID), logx.Err(jerr))
		}
	}
	return req, nil
}

// Cancel withdraws a pending request and removes its journal row.
func (a *App) Cancel(ctx context.Context, id, owner string) error {
	if err := a.core.Cancel(id, owner); err != nil {
		return err
	}
	if a.store != nil {
		if jerr := a.store.DeleteRequest(ctx, id); jerr != nil {
			a.log.Error("journal delete failed", logx.String("id", id), logx.Err(jerr))
		}
	}
	return nil
}

// ApplyReputationEvent ingests one standing change from the reputation
// subsystem: fold into the directory, window for the fairness scan, and
// journal.
func (a *App) ApplyReputationEvent(ctx context.Context, e reputation.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	a.dir.ApplyEvent(e)
	a.feed.Append(e)
	if a.store != nil {
		if err := a.store.AppendReputationEvent(ctx, e); err != nil {
			a.log.Error("journal reputation event failed", logx.Err(err))
		}
	}
}

// ClearFlag lifts an owner's manipulation flag everywhere.
func (a *App) ClearFlag(ctx context.Context, owner string) bool {
	cleared := a.guard.ClearFlag(owner)
	if cleared && a.store != nil {
		if err := a.store.ClearFlag(ctx, owner); err != nil {
			a.log.Error("journal clear flag failed", logx.String("owner", owner), logx.Err(err))
		}
	}
	return cleared
}

// replay restores state from the journal: close out rows interrupted
// mid-generation, re-insert pending requests, reload the recent event
// window and active flags.
func (a *App) replay(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	now := time.Now()

	interrupted, err := a.store.MarkInterrupted(ctx, now)
	if err != nil {
		return err
	}
	if interrupted > 0 {
		a.log.Warn("closed requests interrupted by previous shutdown",
			logx.Int64("count", interrupted))
	}

	events, err := a.store.RecentEvents(ctx, now.Add(-a.guard.Config().RingWindow*2))
	if err != nil {
		return err
	}
	for _, e := range events {
		a.dir.ApplyEvent(e)
		a.feed.Append(e)
	}

	flags, err := a.store.ActiveFlags(ctx)
	if err != nil {
		return err
	}
	for _, f := range flags {
		a.guard.Restore(f)
	}

	open, err := a.store.OpenRequests(ctx)
	if err != nil {
		return err
	}
	for _, r := range open {
		if _, err := a.core.Restore(queue.Submission{
			ID: r.ID, Owner: r.Owner, Category: r.Category, SubmittedAt: r.SubmittedAt,
		}); err != nil {
			a.log.Warn("replay skipped request", logx.String("id", r.ID), logx.Err(err))
		}
	}
	if len(open) > 0 || len(flags) > 0 {
		a.log.Info("journal replayed",
			logx.Int("requests", len(open)),
			logx.Int("events", len(events)),
			logx.Int("flags", len(flags)),
		)
	}
	return nil
}

// persistFlags journals flags raised by the periodic scan.
func (a *App) persistFlags(ctx context.Context, flags []fairness.Flag) {
	if a.store == nil {
		return
	}
	for _, f := range flags {
		if err := a.store.AppendFlag(ctx, f); err != nil {
			a.log.Error("journal flag failed", logx.String("owner", f.Owner), logx.Err(err))
		}
	}
}

// apply pushes a validated config reload into every running service.
func (a *App) apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(materializeLogging(cfg.Logging))
	a.core.Apply(materializeQueue(cfg.Queue), materializeScoring(cfg.Scoring))
	a.guard.Apply(materializeFairness(cfg.Fairness))
	a.balancer.Apply(materializeCapacity(cfg.Capacity))
	a.stats.Apply(materializeStats(cfg.Stats))
	a.dispatcher.Apply(materializeDispatch(cfg.Dispatch))
	a.log.Info("configuration applied")
}
