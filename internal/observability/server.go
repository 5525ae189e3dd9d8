package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tuneq/internal/eventbus"
	"tuneq/internal/fairness"
	"tuneq/internal/queue"
	"tuneq/internal/runtime/supervisor"
	logx "tuneq/pkg/logx"
)

type Config struct {
	Addr string
	// RefreshEvery is the gauge refresh interval.
	RefreshEvery time.Duration
}

func (c Config) Normalize() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9190"
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = 5 * time.Second
	}
	return c
}

// Service serves /metrics and keeps the Metrics fed: counters from the bus,
// gauges from periodic queue/guard snapshots.
type Service struct {
	cfg     Config
	metrics *Metrics
	core    *queue.Core
	guard   *fairness.Guard
	bus     eventbus.Bus
	log     logx.Logger

	mu    sync.Mutex
	sup   *supervisor.Supervisor
	srv   *http.Server
	unsub func()
}

func New(cfg Config, metrics *Metrics, core *queue.Core, guard *fairness.Guard, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg.Normalize(),
		metrics: metrics,
		core:    core,
		guard:   guard,
		bus:     bus,
		log:     log,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return errors.New("observability: already started")
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	srv := s.srv
	s.sup.Go("observability.http", func(ctx context.Context) error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(256)
		s.unsub = unsub
		s.sup.Go0("observability.bridge", func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-ch:
					if !ok {
						return
					}
					s.metrics.Observe(e)
				}
			}
		})
	}

	s.sup.Go0("observability.refresh", func(ctx context.Context) {
		t := time.NewTicker(s.cfg.RefreshEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.metrics.SetQueueStats(s.core.Stats())
				if s.guard != nil {
					s.metrics.SetFlagged(s.guard.Flags())
				}
			}
		}
	})

	s.log.Info("metrics listening", logx.String("addr", s.cfg.Addr))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv, unsub := s.sup, s.srv, s.unsub
	s.sup, s.srv, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	return sup.Stop(ctx)
}
