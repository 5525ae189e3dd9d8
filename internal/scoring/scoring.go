// Package scoring computes a request's ranking score from its owner's
// standing, accumulated wait and the current traffic bucket.
//
// Score is a pure function: same input, same output. Wait decay is baked
// into the input (elapsed wait at rescore time), never recomputed on read,
// so ordering stays stable between rescore passes.
package scoring

import (
	"time"

	"tuneq/internal/reputation"
)

// Bucket is the time-of-day traffic bucket passed into each rescore pass.
// It is an input parameter, not ambient state, so tests can pin it.
type Bucket int

const (
	BucketOffPeak Bucket = iota
	BucketPeak
)

func (b Bucket) String() string {
	if b == BucketPeak {
		return "peak"
	}
	return "off_peak"
}

// Config holds the scoring weights. All values are injected; Normalize
// fills defaults the way service configs do elsewhere in this repo.
type Config struct {
	// BaseScore is the constant floor every request starts from.
	BaseScore float64
	// StandingWeight scales the (clamped) standing score into the base.
	StandingWeight float64
	// MaxStanding clamps standing before it is scored. Negative input
	// clamps to zero.
	MaxStanding float64

	// Additive tier bonuses. PrivilegedBonus must strictly dominate any
	// achievable standing contribution (StandingWeight × MaxStanding);
	// Normalize enforces that.
	ElevatedBonus   float64
	PrivilegedBonus float64

	// WaitDecayPerMinute raises the score of waiting requests on each
	// rescore pass.
	WaitDecayPerMinute float64
	// FlaggedDecayCap bounds the wait-decay contribution for owners under
	// a manipulation flag. Their decay never drops below zero (the
	// non-privileged baseline) but stops growing past this cap.
	FlaggedDecayCap time.Duration

	// PeakAdjust is added to every request scored during a peak bucket.
	// It is uniform within the bucket, so relative order is unaffected.
	// Bounded by MaxPeakAdjust in either direction.
	PeakAdjust    float64
	MaxPeakAdjust float64
}

func (c Config) Normalize() Config {
	if c.BaseScore <= 0 {
		c.BaseScore = 100
	}
	if c.StandingWeight <= 0 {
		c.StandingWeight = 1
	}
	if c.MaxStanding <= 0 {
		c.MaxStanding = 1000
	}
	if c.ElevatedBonus <= 0 {
		c.ElevatedBonus = 250
	}
	// Privileged strictly dominates any standing-based score.
	if min := c.StandingWeight*c.MaxStanding + 1; c.PrivilegedBonus < min {
		c.PrivilegedBonus = min
	}
	if c.WaitDecayPerMinute <= 0 {
		c.WaitDecayPerMinute = 5
	}
	if c.FlaggedDecayCap <= 0 {
		c.FlaggedDecayCap = 30 * time.Minute
	}
	if c.MaxPeakAdjust <= 0 {
		c.MaxPeakAdjust = 50
	}
	if c.PeakAdjust > c.MaxPeakAdjust {
		c.PeakAdjust = c.MaxPeakAdjust
	}
	if c.PeakAdjust < -c.MaxPeakAdjust {
		c.PeakAdjust = -c.MaxPeakAdjust
	}
	return c
}

// Input is everything Score needs. KnownOwner=false means the reputation
// subsystem had no record; the request scores at the standard baseline.
type Input struct {
	Standing   float64
	Tier       reputation.Tier
	KnownOwner bool

	// Waited is the elapsed wait since submission, measured by the caller
	// at rescore time.
	Waited time.Duration

	Bucket Bucket

	// Flagged caps the tier bonus and wait decay for owners under an
	// active manipulation flag.
	Flagged bool
}

// Score returns the ranking score; higher is served first.
func (c Config) Score(in Input) float64 {
	standing := in.Standing
	if !in.KnownOwner {
		standing = 0
	}
	if standing < 0 {
		standing = 0
	}
	if standing > c.MaxStanding {
		standing = c.MaxStanding
	}

	s := c.BaseScore + c.StandingWeight*standing

	if !in.Flagged {
		switch in.Tier {
		case reputation.TierElevated:
			s += c.ElevatedBonus
		case reputation.TierPrivileged:
			s += c.PrivilegedBonus
		}
	}

	waited := in.Waited
	if waited < 0 {
		waited = 0
	}
	if in.Flagged && waited > c.FlaggedDecayCap {
		waited = c.FlaggedDecayCap
	}
	s += c.WaitDecayPerMinute * waited.Minutes()

	if in.Bucket == BucketPeak {
		s += c.PeakAdjust
	}
	return s
}

// Privileged reports whether a tier lands in the privileged reservation
// class used by the capacity balancer.
func Privileged(t reputation.Tier) bool { return t == reputation.TierPrivileged }
