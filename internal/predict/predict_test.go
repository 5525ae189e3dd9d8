package predict

import (
	"testing"
	"time"

	"tuneq/internal/stats"
)

func TestPredictUsesDefaultBelowMinSamples(t *testing.T) {
	st := stats.New(stats.Config{MinSamples: 5, DefaultDuration: time.Minute})
	now := time.Now()
	st.Observe("jazz", 10*time.Second, now)
	st.Observe("jazz", 12*time.Second, now)

	p := New(st)
	est := p.Predict(3, "jazz")
	if !est.Defaulted {
		t.Fatalf("expected defaulted estimate with 2 samples")
	}
	if est.Expected != 3*time.Minute {
		t.Fatalf("expected = %v, want %v", est.Expected, 3*time.Minute)
	}
	if est.Low != 0 {
		t.Fatalf("low bound should floor at zero, got %v", est.Low)
	}
}

func TestPredictNarrowsWithSamples(t *testing.T) {
	st := stats.New(stats.Config{MinSamples: 5, DefaultDuration: time.Minute})
	now := time.Now()

	p := New(st)
	wide := p.Predict(2, "house")

	// 50 tight samples around 30s.
	for i := 0; i < 50; i++ {
		d := 30*time.Second + time.Duration(i%3)*time.Second
		st.Observe("house", d, now)
	}
	narrow := p.Predict(2, "house")

	if narrow.Defaulted {
		t.Fatalf("50 samples should not default")
	}
	if narrow.High-narrow.Low >= wide.High-wide.Low {
		t.Fatalf("interval should narrow: %v vs %v", narrow.High-narrow.Low, wide.High-wide.Low)
	}
	if narrow.Expected <= 0 {
		t.Fatalf("expected positive wait, got %v", narrow.Expected)
	}
}

func TestPredictZeroPosition(t *testing.T) {
	st := stats.New(stats.Config{})
	p := New(st)
	est := p.Predict(0, "ambient")
	if est.Expected != 0 || est.Low != 0 || est.High != 0 {
		t.Fatalf("head of queue should predict zero wait: %+v", est)
	}
}

func TestPredictBandSymmetricUntilFloor(t *testing.T) {
	st := stats.New(stats.Config{MinSamples: 2})
	now := time.Now()
	for i := 0; i < 10; i++ {
		st.Observe("dnb", time.Duration(20+i)*time.Second, now)
	}
	p := New(st)
	est := p.Predict(4, "dnb")
	if est.Low > 0 && est.High-est.Expected != est.Expected-est.Low {
		t.Fatalf("band should be symmetric when unfloored: %+v", est)
	}
	if est.High < est.Expected || est.Low > est.Expected {
		t.Fatalf("bounds must bracket expected: %+v", est)
	}
}
