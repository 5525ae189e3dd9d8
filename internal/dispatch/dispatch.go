// Package dispatch is the consumer loop: it pulls the next request off the
// queue, runs it against the generation backend under a deadline, and
// closes it out with its measured duration.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tuneq/internal/queue"
	"tuneq/internal/runtime/supervisor"
	logx "tuneq/pkg/logx"
)

// Backend runs one generation job. Implementations must honor ctx
// cancellation; the service enforces the deadline through it.
type Backend interface {
	Generate(ctx context.Context, req queue.Request) error
}

// Journal is the storage subset the loop needs. Nil-able for tests and for
// the driver "none" configuration.
type Journal interface {
	UpdateRequestStatus(ctx context.Context, id string, status queue.Status, failReason string, at time.Time) error
}

type Config struct {
	// Slots is the number of concurrent generation workers.
	Slots int
	// Deadline bounds one generation run; past it the request fails with
	// the timeout reason.
	Deadline time.Duration
	// PollInterval is the idle sleep when the queue is empty.
	PollInterval time.Duration
}

func (c Config) Normalize() Config {
	if c.Slots <= 0 {
		c.Slots = 2
	}
	if c.Deadline <= 0 {
		c.Deadline = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

type Service struct {
	cfg     Config
	core    *queue.Core
	backend Backend
	journal Journal
	log     logx.Logger
	now     func() time.Time

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func New(cfg Config, core *queue.Core, backend Backend, journal Journal, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg.Normalize(),
		core:    core,
		backend: backend,
		journal: journal,
		log:     log,
		now:     time.Now,
	}
}

// Apply swaps the loop config. Workers pick up the new deadline on their
// next pull; changing Slots takes effect on restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.Normalize()
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	if s.backend == nil {
		return errors.New("dispatch: nil backend")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return errors.New("dispatch: already started")
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	slots := s.cfg.Slots
	for i := 0; i < slots; i++ {
		s.sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), s.worker)
	}
	s.log.Info("dispatch started", logx.Int("slots", slots))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		req, err := s.core.Dispatch()
		if errors.Is(err, queue.ErrQueueEmpty) {
			s.mu.Lock()
			idle := s.cfg.PollInterval
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
			continue
		}
		if err != nil {
			return err
		}

		s.journalStatus(ctx, req.ID, queue.StatusDispatched, "")
		s.run(ctx, req)
	}
}

func (s *Service) run(ctx context.Context, req queue.Request) {
	s.mu.Lock()
	deadline := s.cfg.Deadline
	s.mu.Unlock()

	start := s.now()
	gctx, cancel := context.WithTimeout(ctx, deadline)
	err := s.backend.Generate(gctx, req)
	cancel()
	actual := s.now().Sub(start)

	switch {
	case err == nil:
		if _, cerr := s.core.Complete(req.ID, actual); cerr != nil {
			s.log.Warn("complete failed", logx.String("id", req.ID), logx.Err(cerr))
			return
		}
		s.journalStatus(ctx, req.ID, queue.StatusCompleted, "")
		s.log.Info("generation completed",
			logx.String("id", req.ID),
			logx.String("category", req.Category),
			logx.Duration("took", actual),
		)
	case errors.Is(err, context.DeadlineExceeded) && gctxExpired(gctx):
		s.fail(ctx, req, queue.FailReasonTimeout, actual)
	case errors.Is(err, context.Canceled):
		// Shutdown mid-run: leave the row dispatched; startup replay
		// closes it out as interrupted.
		s.log.Warn("generation interrupted by shutdown", logx.String("id", req.ID))
	default:
		s.fail(ctx, req, "backend_error", actual)
		s.log.Warn("generation failed",
			logx.String("id", req.ID),
			logx.Duration("took", actual),
			logx.Err(err),
		)
	}
}

func (s *Service) fail(ctx context.Context, req queue.Request, reason string, actual time.Duration) {
	if _, err := s.core.Fail(req.ID, reason, actual); err != nil {
		s.log.Warn("fail failed", logx.String("id", req.ID), logx.Err(err))
		return
	}
	s.journalStatus(ctx, req.ID, queue.StatusFailed, reason)
}

func (s *Service) journalStatus(ctx context.Context, id string, status queue.Status, reason string) {
	if s.journal == nil {
		return
	}
	// Journal writes ride on a short independent timeout so shutdown
	// cancellation can't lose a terminal state.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.journal.UpdateRequestStatus(jctx, id, status, reason, s.now()); err != nil {
		s.log.Warn("journal update failed",
			logx.String("id", id), logx.String("status", string(status)), logx.Err(err))
	}
}

func gctxExpired(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
}
