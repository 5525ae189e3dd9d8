// Package sched drives the periodic jobs: the rescore tick, the fairness
// scan over the recent reputation feed, stats pruning, and the peak
// traffic windows that flip the capacity balancer and the scoring bucket.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tuneq/internal/capacity"
	"tuneq/internal/fairness"
	"tuneq/internal/queue"
	"tuneq/internal/reputation"
	"tuneq/internal/scoring"
	"tuneq/internal/stats"
	logx "tuneq/pkg/logx"
)

type PeakWindow struct {
	Start string // cron spec
	End   string // cron spec
}

type Config struct {
	Timezone string

	RescoreEvery time.Duration
	ScanEvery    time.Duration
	PruneEvery   time.Duration

	PeakWindows []PeakWindow
}

func (c Config) Normalize() Config {
	if c.RescoreEvery <= 0 {
		c.RescoreEvery = 30 * time.Second
	}
	if c.ScanEvery <= 0 {
		c.ScanEvery = time.Minute
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	return c
}

// Hooks are the side-channels the jobs feed. OnFlags persists newly raised
// flags; nil hooks are skipped.
type Hooks struct {
	OnFlags func(ctx context.Context, flags []fairness.Flag)
}

type Service struct {
	cfg      Config
	core     *queue.Core
	guard    *fairness.Guard
	balancer *capacity.Balancer
	stats    *stats.Store
	feed     *reputation.Feed
	dir      reputation.Directory
	hooks    Hooks
	log      logx.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg Config, core *queue.Core, guard *fairness.Guard, balancer *capacity.Balancer,
	st *stats.Store, feed *reputation.Feed, dir reputation.Directory, hooks Hooks, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg.Normalize(),
		core:     core,
		guard:    guard,
		balancer: balancer,
		stats:    st,
		feed:     feed,
		dir:      dir,
		hooks:    hooks,
		log:      log,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sched: already started")
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("sched: timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)

	if _, err := c.AddFunc(every(s.cfg.RescoreEvery), s.rescore); err != nil {
		return fmt.Errorf("sched: rescore job: %w", err)
	}
	if _, err := c.AddFunc(every(s.cfg.ScanEvery), func() { s.scan(ctx) }); err != nil {
		return fmt.Errorf("sched: scan job: %w", err)
	}
	if _, err := c.AddFunc(every(s.cfg.PruneEvery), s.prune); err != nil {
		return fmt.Errorf("sched: prune job: %w", err)
	}

	for i, w := range s.cfg.PeakWindows {
		if _, err := c.AddFunc(w.Start, func() { s.setPeak(true) }); err != nil {
			return fmt.Errorf("sched: peak_windows[%d].start: %w", i, err)
		}
		if _, err := c.AddFunc(w.End, func() { s.setPeak(false) }); err != nil {
			return fmt.Errorf("sched: peak_windows[%d].end: %w", i, err)
		}
	}

	c.Start()
	s.cron = c
	s.log.Info("scheduler started",
		logx.Duration("rescore_every", s.cfg.RescoreEvery),
		logx.Duration("scan_every", s.cfg.ScanEvery),
		logx.Int("peak_windows", len(s.cfg.PeakWindows)),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rescore recomputes pending scores in the bucket the balancer currently
// reports. Exported behavior is on the queue; this just ticks it.
func (s *Service) rescore() {
	bucket := scoring.BucketOffPeak
	if s.balancer != nil && s.balancer.PeakActive() {
		bucket = scoring.BucketPeak
	}
	s.core.Rescore(bucket)
}

func (s *Service) scan(ctx context.Context) {
	if s.guard == nil || s.feed == nil {
		return
	}
	now := time.Now()
	events := s.feed.Recent(now.Add(-s.guard.Config().RingWindow))
	raised := s.guard.Scan(events, s.dir, now)
	if len(raised) > 0 && s.hooks.OnFlags != nil {
		s.hooks.OnFlags(ctx, raised)
	}
}

func (s *Service) prune() {
	if s.stats == nil {
		return
	}
	if removed := s.stats.PruneStale(time.Now()); removed > 0 {
		s.log.Debug("pruned stale category stats", logx.Int("removed", removed))
	}
}

func (s *Service) setPeak(active bool) {
	if s.balancer != nil {
		s.balancer.SetPeak(active, time.Now())
	}
	s.log.Info("peak window transition", logx.Bool("active", active))
	// Re-rank immediately so the bucket adjustment applies at the edge,
	// not on the next tick.
	s.rescore()
}

// Snapshot lists scheduled jobs with their next run, for diagnostics.
type Entry struct {
	Next time.Time
	Prev time.Time
}

func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	entries := c.Entries()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{Next: e.Next, Prev: e.Prev})
	}
	return out
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts logx to cron's logger, used only by the Recover chain.
type cronLogger struct{ log logx.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
