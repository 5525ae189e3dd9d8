package stats

import (
	"math"
	"testing"
	"time"
)

func TestObserveMeanAndStdDev(t *testing.T) {
	s := New(Config{})
	now := time.Now()
	samples := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second}
	for _, d := range samples {
		s.Observe("lofi", d, now)
	}

	st, ok := s.Stats("lofi")
	if !ok {
		t.Fatalf("expected stats for observed category")
	}
	if st.Count != len(samples) {
		t.Fatalf("count = %d, want %d", st.Count, len(samples))
	}
	if got, want := st.Mean, 25*time.Second; durDelta(got, want) > 10*time.Millisecond {
		t.Fatalf("mean = %v, want %v", got, want)
	}
	// Sample stddev of 10,20,30,40s is ~12.91s.
	want := time.Duration(math.Sqrt(500.0/3.0) * float64(time.Second))
	if durDelta(st.StdDev, want) > 50*time.Millisecond {
		t.Fatalf("stddev = %v, want ~%v", st.StdDev, want)
	}
}

func TestStatsUnknownCategory(t *testing.T) {
	s := New(Config{})
	if _, ok := s.Stats("nope"); ok {
		t.Fatalf("unknown category should report ok=false")
	}
}

func TestPruneStale(t *testing.T) {
	s := New(Config{MaxAge: time.Hour})
	now := time.Now()
	s.Observe("old", time.Second, now.Add(-2*time.Hour))
	s.Observe("fresh", time.Second, now)

	if removed := s.PruneStale(now); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := s.Stats("old"); ok {
		t.Fatalf("stale category should be gone")
	}
	if _, ok := s.Stats("fresh"); !ok {
		t.Fatalf("fresh category should survive")
	}
}

func TestConcurrentObserveAndStats(t *testing.T) {
	s := New(Config{})
	now := time.Now()
	done := make(chan struct{})

	// Completions and wait predictions run concurrently by design; the
	// race detector must see no unsynchronized access to the rolling
	// moments.
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Observe("ambient", time.Duration(i)*time.Millisecond, now)
		}
	}()
	for i := 0; i < 1000; i++ {
		if st, ok := s.Stats("ambient"); ok && st.StdDev < 0 {
			t.Fatalf("negative stddev: %v", st.StdDev)
		}
	}
	<-done

	st, ok := s.Stats("ambient")
	if !ok || st.Count != 1000 {
		t.Fatalf("count = %d (ok=%v), want 1000", st.Count, ok)
	}
}

func durDelta(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}
