// Package stats maintains rolling processing-duration statistics per job
// category. Mean and variance use Welford's streaming update so closing out
// a request is O(1) and no sample history is retained.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

type Config struct {
	// MinSamples is the sample count below which predictions fall back to
	// DefaultDuration.
	MinSamples int
	// DefaultDuration is the assumed processing time for categories with
	// too few samples.
	DefaultDuration time.Duration
	// MaxAge drops categories not updated within this window on prune.
	MaxAge time.Duration
}

func (c Config) Normalize() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 90 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	return c
}

// CategoryStats is a read-only view of one category's rolling statistics.
type CategoryStats struct {
	Category  string
	Mean      time.Duration
	StdDev    time.Duration
	Count     int
	UpdatedAt time.Time
}

type welford struct {
	count     int
	mean      float64 // seconds
	m2        float64
	updatedAt time.Time
}

type Store struct {
	mu  sync.RWMutex
	cfg Config
	m   map[string]*welford
}

func New(cfg Config) *Store {
	return &Store{cfg: cfg.Normalize(), m: make(map[string]*welford)}
}

func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Store) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.Normalize()
	s.mu.Unlock()
}

// Observe folds one completed (or failed) request's actual duration into
// the category's rolling statistics.
func (s *Store) Observe(category string, d time.Duration, at time.Time) {
	if d < 0 {
		d = 0
	}
	x := d.Seconds()

	s.mu.Lock()
	w := s.m[category]
	if w == nil {
		w = &welford{}
		s.m[category] = w
	}
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
	w.updatedAt = at
	s.mu.Unlock()
}

// Stats returns the category's current statistics. ok is false when the
// category has never been observed.
func (s *Store) Stats(category string) (CategoryStats, bool) {
	s.mu.RLock()
	wp := s.m[category]
	if wp == nil {
		s.mu.RUnlock()
		return CategoryStats{Category: category}, false
	}
	// Copy before releasing: Observe mutates the struct in place under the
	// write lock, and reads run concurrently with completions.
	w := *wp
	s.mu.RUnlock()
	return CategoryStats{
		Category:  category,
		Mean:      secondsToDuration(w.mean),
		StdDev:    secondsToDuration(w.stddev()),
		Count:     w.count,
		UpdatedAt: w.updatedAt,
	}, true
}

// PruneStale drops categories not updated within MaxAge. Returns the number
// of categories removed.
func (s *Store) PruneStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.cfg.MaxAge)
	removed := 0
	for k, w := range s.m {
		if w.updatedAt.Before(cutoff) {
			delete(s.m, k)
			removed++
		}
	}
	return removed
}

// Snapshot returns all categories sorted by name, for diagnostics.
func (s *Store) Snapshot() []CategoryStats {
	s.mu.RLock()
	out := make([]CategoryStats, 0, len(s.m))
	for k, w := range s.m {
		out = append(out, CategoryStats{
			Category:  k,
			Mean:      secondsToDuration(w.mean),
			StdDev:    secondsToDuration(w.stddev()),
			Count:     w.count,
			UpdatedAt: w.updatedAt,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func (w *welford) stddev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
