package fairness

import (
	"fmt"
	"testing"
	"time"

	"tuneq/internal/reputation"
	logx "tuneq/pkg/logx"
)

func newGuard(cfg Config) *Guard {
	return New(cfg, logx.Nop(), nil)
}

func TestRateLimitExactlyOneRejection(t *testing.T) {
	const limit = 5
	g := newGuard(Config{Window: time.Minute, MaxSubmissions: limit})
	now := time.Now()

	accepted, rejected := 0, 0
	for i := 0; i < limit+1; i++ {
		if _, ok := g.AllowSubmission("alice", now); ok {
			accepted++
		} else {
			rejected++
		}
	}
	if accepted != limit || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d, want %d/1", accepted, rejected, limit)
	}
}

func TestRateLimitRetryAfterAndRecovery(t *testing.T) {
	g := newGuard(Config{Window: time.Minute, MaxSubmissions: 2})
	now := time.Now()

	g.AllowSubmission("bob", now)
	g.AllowSubmission("bob", now)
	retry, ok := g.AllowSubmission("bob", now)
	if ok {
		t.Fatalf("third submission within window should be rejected")
	}
	if retry <= 0 {
		t.Fatalf("rejection should carry a retry-after hint, got %v", retry)
	}
	if st := g.LimiterState("bob", now); st != Throttled {
		t.Fatalf("state = %v, want throttled", st)
	}

	// After the window elapses with no further bursts, the owner recovers.
	later := now.Add(time.Minute + time.Second)
	if st := g.LimiterState("bob", later); st != Allowed {
		t.Fatalf("state after window = %v, want allowed", st)
	}
	if _, ok := g.AllowSubmission("bob", later); !ok {
		t.Fatalf("submission after window should be accepted")
	}
}

func TestRateLimitPerOwnerIndependent(t *testing.T) {
	g := newGuard(Config{Window: time.Minute, MaxSubmissions: 1})
	now := time.Now()

	g.AllowSubmission("carol", now)
	if _, ok := g.AllowSubmission("carol", now); ok {
		t.Fatalf("carol should be throttled")
	}
	if _, ok := g.AllowSubmission("dave", now); !ok {
		t.Fatalf("dave's budget is independent of carol's")
	}
}

func TestOverrideDue(t *testing.T) {
	g := newGuard(Config{WaitCeiling: 10 * time.Minute})
	now := time.Now()
	if g.OverrideDue(now.Add(-5*time.Minute), now) {
		t.Fatalf("5m wait under a 10m ceiling should not override")
	}
	if !g.OverrideDue(now.Add(-11*time.Minute), now) {
		t.Fatalf("11m wait over a 10m ceiling must override")
	}
}

func TestScanFlagsRing(t *testing.T) {
	g := newGuard(Config{RingWindow: time.Hour, RingMinEvents: 5, RingMaxGrantors: 5})
	now := time.Now()

	// Five distinct accounts each granting exclusively to one recipient.
	var events []reputation.Event
	for i := 0; i < 5; i++ {
		events = append(events, reputation.Event{
			Grantor:   fmt.Sprintf("sock-%d", i),
			Recipient: "target",
			At:        now.Add(-time.Duration(i) * time.Minute),
			Delta:     10,
		})
	}

	raised := g.Scan(events, nil, now)
	if len(raised) != 1 || raised[0].Owner != "target" || raised[0].Reason != "ring" {
		t.Fatalf("expected ring flag on target, got %+v", raised)
	}
	if !g.Flagged("target") {
		t.Fatalf("target should be flagged after scan")
	}

	// Re-scanning does not duplicate the flag.
	if again := g.Scan(events, nil, now); len(again) != 0 {
		t.Fatalf("already-flagged owner re-raised: %+v", again)
	}
}

func TestScanIgnoresOrganicSpread(t *testing.T) {
	g := newGuard(Config{RingWindow: time.Hour, RingMinEvents: 5, RingMaxGrantors: 3})
	now := time.Now()

	// Ten events from ten distinct grantors: organic popularity, not a ring.
	var events []reputation.Event
	for i := 0; i < 10; i++ {
		events = append(events, reputation.Event{
			Grantor:   fmt.Sprintf("fan-%d", i),
			Recipient: "artist",
			At:        now,
			Delta:     5,
		})
	}
	if raised := g.Scan(events, nil, now); len(raised) != 0 {
		t.Fatalf("organic grants flagged: %+v", raised)
	}
}

func TestScanFlagsGrowthRate(t *testing.T) {
	g := newGuard(Config{RingWindow: time.Hour, RingMinEvents: 100, RingMaxGrantors: 1, GrowthPerHour: 50})
	now := time.Now()

	dir := reputation.NewMemoryDirectory()
	dir.Register("newbie", reputation.TierStandard, now.Add(-time.Hour))
	dir.ApplyEvent(reputation.Event{Grantor: "g", Recipient: "newbie", At: now, Delta: 500})

	events := []reputation.Event{{Grantor: "g", Recipient: "newbie", At: now, Delta: 500}}
	raised := g.Scan(events, dir, now)
	if len(raised) != 1 || raised[0].Reason != "growth" {
		t.Fatalf("expected growth flag, got %+v", raised)
	}
}

func TestClearFlag(t *testing.T) {
	g := newGuard(Config{RingWindow: time.Hour, RingMinEvents: 1, RingMaxGrantors: 5})
	now := time.Now()
	g.Scan([]reputation.Event{{Grantor: "a", Recipient: "x", At: now}}, nil, now)
	if !g.Flagged("x") {
		t.Fatalf("x should be flagged")
	}
	if !g.ClearFlag("x") {
		t.Fatalf("clearing an active flag should report true")
	}
	if g.Flagged("x") {
		t.Fatalf("x should be clear")
	}
	if g.ClearFlag("x") {
		t.Fatalf("clearing twice should report false")
	}
}

func TestScanIgnoresEventsOutsideWindow(t *testing.T) {
	g := newGuard(Config{RingWindow: 10 * time.Minute, RingMinEvents: 3, RingMaxGrantors: 5})
	now := time.Now()
	events := []reputation.Event{
		{Grantor: "a", Recipient: "x", At: now.Add(-time.Hour)},
		{Grantor: "a", Recipient: "x", At: now.Add(-time.Hour)},
		{Grantor: "a", Recipient: "x", At: now},
	}
	if raised := g.Scan(events, nil, now); len(raised) != 0 {
		t.Fatalf("stale events should not count toward a ring: %+v", raised)
	}
}
