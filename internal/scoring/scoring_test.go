package scoring

import (
	"testing"
	"time"

	"tuneq/internal/reputation"
)

func TestScoreDeterministic(t *testing.T) {
	cfg := Config{}.Normalize()
	in := Input{Standing: 42, Tier: reputation.TierElevated, KnownOwner: true, Waited: 3 * time.Minute}
	a := cfg.Score(in)
	b := cfg.Score(in)
	if a != b {
		t.Fatalf("score not deterministic: %v vs %v", a, b)
	}
}

func TestScoreStandingOrdering(t *testing.T) {
	cfg := Config{}.Normalize()
	low := cfg.Score(Input{Standing: 0, KnownOwner: true})
	high := cfg.Score(Input{Standing: 100, KnownOwner: true})
	if high <= low {
		t.Fatalf("standing 100 should outrank standing 0: %v <= %v", high, low)
	}
}

func TestScoreClampsStanding(t *testing.T) {
	cfg := Config{MaxStanding: 100}.Normalize()
	at := cfg.Score(Input{Standing: 100, KnownOwner: true})
	over := cfg.Score(Input{Standing: 100000, KnownOwner: true})
	neg := cfg.Score(Input{Standing: -50, KnownOwner: true})
	zero := cfg.Score(Input{Standing: 0, KnownOwner: true})
	if over != at {
		t.Fatalf("standing above max should clamp: %v != %v", over, at)
	}
	if neg != zero {
		t.Fatalf("negative standing should clamp to zero: %v != %v", neg, zero)
	}
}

func TestScoreUnknownOwnerIsStandardBaseline(t *testing.T) {
	cfg := Config{}.Normalize()
	unknown := cfg.Score(Input{Standing: 500, Tier: reputation.TierPrivileged, KnownOwner: false})
	baseline := cfg.Score(Input{Standing: 0, Tier: reputation.TierPrivileged, KnownOwner: true})
	if unknown >= baseline {
		t.Fatalf("unknown owner must not score standing: %v >= %v", unknown, baseline)
	}
	if unknown != cfg.BaseScore+cfg.PrivilegedBonus {
		// Unknown owners keep their tier (it comes from account status, not
		// standing) but contribute zero standing.
		t.Fatalf("unknown owner baseline wrong: got %v", unknown)
	}
}

func TestPrivilegedDominatesStanding(t *testing.T) {
	cfg := Config{}.Normalize()
	maxStanding := cfg.Score(Input{Standing: cfg.MaxStanding, Tier: reputation.TierStandard, KnownOwner: true})
	privileged := cfg.Score(Input{Standing: 0, Tier: reputation.TierPrivileged, KnownOwner: true})
	if privileged <= maxStanding {
		t.Fatalf("privileged tier must dominate max standing: %v <= %v", privileged, maxStanding)
	}
}

func TestWaitDecayMonotonic(t *testing.T) {
	cfg := Config{}.Normalize()
	prev := cfg.Score(Input{KnownOwner: true})
	for _, w := range []time.Duration{time.Minute, 10 * time.Minute, time.Hour} {
		s := cfg.Score(Input{KnownOwner: true, Waited: w})
		if s <= prev {
			t.Fatalf("decay not monotonic at %v: %v <= %v", w, s, prev)
		}
		prev = s
	}
}

func TestPeakAdjustUniformAndBounded(t *testing.T) {
	cfg := Config{PeakAdjust: 10000, MaxPeakAdjust: 40}.Normalize()
	if cfg.PeakAdjust != 40 {
		t.Fatalf("peak adjust not bounded: %v", cfg.PeakAdjust)
	}

	a := Input{Standing: 10, KnownOwner: true}
	b := Input{Standing: 90, KnownOwner: true}
	offA, offB := cfg.Score(a), cfg.Score(b)
	a.Bucket, b.Bucket = BucketPeak, BucketPeak
	onA, onB := cfg.Score(a), cfg.Score(b)

	// Uniform shift: relative ordering and gap within the bucket unchanged.
	if onA-offA != onB-offB {
		t.Fatalf("peak adjust not uniform: %v vs %v", onA-offA, onB-offB)
	}
	if (offB > offA) != (onB > onA) {
		t.Fatalf("peak adjust changed relative ordering")
	}
}

func TestFlaggedCapsTierBonusAndDecay(t *testing.T) {
	cfg := Config{FlaggedDecayCap: 10 * time.Minute}.Normalize()

	flagged := cfg.Score(Input{Tier: reputation.TierPrivileged, KnownOwner: true, Flagged: true})
	standard := cfg.Score(Input{Tier: reputation.TierStandard, KnownOwner: true})
	if flagged != standard {
		t.Fatalf("flagged owner should score at standard baseline: %v != %v", flagged, standard)
	}

	atCap := cfg.Score(Input{KnownOwner: true, Flagged: true, Waited: cfg.FlaggedDecayCap})
	past := cfg.Score(Input{KnownOwner: true, Flagged: true, Waited: 5 * cfg.FlaggedDecayCap})
	if past != atCap {
		t.Fatalf("flagged decay should cap: %v != %v", past, atCap)
	}
	// But never below the unflagged zero-wait baseline.
	if atCap < standard {
		t.Fatalf("flagged cap dropped below baseline: %v < %v", atCap, standard)
	}
}
