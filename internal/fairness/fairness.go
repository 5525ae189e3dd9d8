// Package fairness enforces the two guarantees that keep the ranking honest:
// a hard ceiling on how long any request can wait, and detection of
// reputation gaming (grant rings, implausible standing growth, submission
// bursts).
//
// Detection only flags; it never auto-penalizes. A flagged owner keeps
// submitting at the standard baseline until an operator clears the flag.
// Hard rate-limit violations are the one case that rejects outright.
package fairness

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tuneq/internal/eventbus"
	"tuneq/internal/reputation"
	logx "tuneq/pkg/logx"
)

type Config struct {
	// Window and MaxSubmissions define the per-owner submission budget:
	// at most MaxSubmissions accepted per rolling Window.
	Window         time.Duration
	MaxSubmissions int

	// WaitCeiling is the bounded-wait guarantee. A pending request older
	// than this is promoted above every score-based ordering on the next
	// rescore pass.
	WaitCeiling time.Duration

	// Ring detection: within RingWindow, a recipient with at least
	// RingMinEvents granted by at most RingMaxGrantors distinct accounts
	// is flagged.
	RingWindow      time.Duration
	RingMinEvents   int
	RingMaxGrantors int

	// GrowthPerHour flags owners whose standing divided by account age
	// exceeds this rate.
	GrowthPerHour float64
}

func (c Config) Normalize() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxSubmissions <= 0 {
		c.MaxSubmissions = 5
	}
	if c.WaitCeiling <= 0 {
		c.WaitCeiling = 30 * time.Minute
	}
	if c.RingWindow <= 0 {
		c.RingWindow = time.Hour
	}
	if c.RingMinEvents <= 0 {
		c.RingMinEvents = 10
	}
	if c.RingMaxGrantors <= 0 {
		c.RingMaxGrantors = 5
	}
	if c.GrowthPerHour <= 0 {
		c.GrowthPerHour = 100
	}
	return c
}

// LimiterState is the per-owner submission rate-limit state machine:
// allowed -> throttled (budget exceeded) -> allowed (window elapsed).
type LimiterState int

const (
	Allowed LimiterState = iota
	Throttled
)

func (s LimiterState) String() string {
	if s == Throttled {
		return "throttled"
	}
	return "allowed"
}

// Flag records a manipulation match with its evidence. Flags are visible
// via the audit query and stand until manually cleared.
type Flag struct {
	Owner    string
	Reason   string // "ring" or "growth"
	At       time.Time
	Events   int
	Grantors int
}

type ownerLimiter struct {
	lim            *rate.Limiter
	throttledUntil time.Time
}

type Guard struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	limiters map[string]*ownerLimiter
	flags    map[string]Flag
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Guard {
	return &Guard{
		cfg:      cfg.Normalize(),
		log:      log,
		bus:      bus,
		limiters: make(map[string]*ownerLimiter),
		flags:    make(map[string]Flag),
	}
}

func (g *Guard) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Apply swaps thresholds at runtime. Existing limiter buckets are rebuilt
// lazily so a new budget takes effect on the next submission.
func (g *Guard) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.Normalize()
	g.limiters = make(map[string]*ownerLimiter)
	g.mu.Unlock()
}

// AllowSubmission consumes one submission token for the owner. When the
// budget is exhausted it reports ok=false with the delay after which the
// caller may retry, and the owner transitions to Throttled.
func (g *Guard) AllowSubmission(owner string, now time.Time) (retryAfter time.Duration, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ol := g.limiters[owner]
	if ol == nil {
		// Budget: MaxSubmissions per Window, full burst available.
		r := rate.Limit(float64(g.cfg.MaxSubmissions) / g.cfg.Window.Seconds())
		ol = &ownerLimiter{lim: rate.NewLimiter(r, g.cfg.MaxSubmissions)}
		g.limiters[owner] = ol
	}

	res := ol.lim.ReserveN(now, 1)
	if !res.OK() {
		return g.cfg.Window, false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		// Over budget: give the token back and throttle.
		res.CancelAt(now)
		ol.throttledUntil = now.Add(delay)
		return delay, false
	}
	return 0, true
}

// LimiterState reports the owner's current rate-limit state.
func (g *Guard) LimiterState(owner string, now time.Time) LimiterState {
	g.mu.Lock()
	defer g.mu.Unlock()
	ol := g.limiters[owner]
	if ol == nil || !now.Before(ol.throttledUntil) {
		return Allowed
	}
	return Throttled
}

// OverrideDue reports whether a request submitted at the given time has
// exceeded the bounded-wait ceiling.
func (g *Guard) OverrideDue(submittedAt, now time.Time) bool {
	g.mu.Lock()
	ceiling := g.cfg.WaitCeiling
	g.mu.Unlock()
	return now.Sub(submittedAt) > ceiling
}

// WaitCeiling returns the configured bounded-wait ceiling.
func (g *Guard) WaitCeiling() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.WaitCeiling
}

// Flagged reports whether the owner is under an active manipulation flag.
func (g *Guard) Flagged(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flags[owner]
	return ok
}

// Flags returns active flags sorted by owner (the audit query).
func (g *Guard) Flags() []Flag {
	g.mu.Lock()
	out := make([]Flag, 0, len(g.flags))
	for _, f := range g.flags {
		out = append(out, f)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// Restore seeds a flag without logging or publishing, for journal replay
// on startup.
func (g *Guard) Restore(f Flag) {
	g.mu.Lock()
	g.flags[f.Owner] = f
	g.mu.Unlock()
}

// ClearFlag removes an owner's flag. Returns false if none was active.
func (g *Guard) ClearFlag(owner string) bool {
	g.mu.Lock()
	_, ok := g.flags[owner]
	delete(g.flags, owner)
	bus := g.bus
	g.mu.Unlock()

	if ok {
		g.log.Info("fairness flag cleared", logx.String("owner", owner))
		if bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.TypeOwnerCleared, Data: owner})
		}
	}
	return ok
}

// Scan inspects the recent reputation-event window for ring patterns and
// growth-rate violations. It records and returns newly raised flags;
// already-flagged owners are skipped. Cost is O(len(events)).
func (g *Guard) Scan(events []reputation.Event, dir reputation.Directory, now time.Time) []Flag {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	cutoff := now.Add(-cfg.RingWindow)
	type tally struct {
		events   int
		grantors map[string]struct{}
	}
	byRecipient := make(map[string]*tally)
	for _, e := range events {
		if e.At.Before(cutoff) {
			continue
		}
		tl := byRecipient[e.Recipient]
		if tl == nil {
			tl = &tally{grantors: make(map[string]struct{})}
			byRecipient[e.Recipient] = tl
		}
		tl.events++
		tl.grantors[e.Grantor] = struct{}{}
	}

	var raised []Flag
	for owner, tl := range byRecipient {
		if tl.events >= cfg.RingMinEvents && len(tl.grantors) <= cfg.RingMaxGrantors {
			raised = append(raised, Flag{
				Owner:    owner,
				Reason:   "ring",
				At:       now,
				Events:   tl.events,
				Grantors: len(tl.grantors),
			})
			continue
		}
		if dir == nil {
			continue
		}
		st, ok := dir.Standing(owner)
		if !ok || st.CreatedAt.IsZero() {
			continue
		}
		ageHours := now.Sub(st.CreatedAt).Hours()
		if ageHours < 0.1 {
			ageHours = 0.1
		}
		if st.Score/ageHours > cfg.GrowthPerHour {
			raised = append(raised, Flag{
				Owner:  owner,
				Reason: "growth",
				At:     now,
				Events: tl.events,
			})
		}
	}

	if len(raised) == 0 {
		return nil
	}
	sort.Slice(raised, func(i, j int) bool { return raised[i].Owner < raised[j].Owner })

	g.mu.Lock()
	kept := raised[:0]
	for _, f := range raised {
		if _, already := g.flags[f.Owner]; already {
			continue
		}
		g.flags[f.Owner] = f
		kept = append(kept, f)
	}
	bus := g.bus
	g.mu.Unlock()

	for _, f := range kept {
		g.log.Warn("owner flagged for reputation manipulation",
			logx.String("owner", f.Owner),
			logx.String("reason", f.Reason),
			logx.Int("events", f.Events),
			logx.Int("grantors", f.Grantors),
		)
		if bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.TypeOwnerFlagged, Time: now, Data: f})
		}
	}
	return kept
}
