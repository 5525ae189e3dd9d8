package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"tuneq/internal/queue"
)

// Simulator is a stand-in Backend that sleeps for a configurable duration
// with jitter. Useful for soak-testing scheduling behavior without a real
// generation service behind the process.
type Simulator struct {
	mu   sync.Mutex
	base time.Duration
	// jitter is the +/- fraction applied to base, in [0, 1).
	jitter float64
	rng    *rand.Rand
}

func NewSimulator(base time.Duration, jitter float64) *Simulator {
	if base <= 0 {
		base = 30 * time.Second
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.2
	}
	return &Simulator{
		base:   base,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulator) Generate(ctx context.Context, _ queue.Request) error {
	s.mu.Lock()
	d := s.base
	if s.jitter > 0 {
		span := float64(d) * s.jitter
		d += time.Duration(s.rng.Float64()*2*span - span)
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
