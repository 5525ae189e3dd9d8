// Package reputation holds the read models this core consumes from the
// reputation subsystem: per-owner standing and the append-only event feed.
//
// The scheduler never writes standing directly. Standing changes arrive as
// immutable events; the in-memory directory is a fold over that feed so the
// current state stays auditable and replayable.
package reputation

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Tier is a coarse privilege class derived from account status, not from
// standing alone.
type Tier int

const (
	TierStandard Tier = iota
	TierElevated
	TierPrivileged
)

func (t Tier) String() string {
	switch t {
	case TierElevated:
		return "elevated"
	case TierPrivileged:
		return "privileged"
	default:
		return "standard"
	}
}

// ParseTier maps a config/wire string to a Tier. Unknown values fall back to
// standard, never to a privileged class.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "elevated":
		return TierElevated
	case "privileged":
		return TierPrivileged
	default:
		return TierStandard
	}
}

// Standing is a submitter's current reputation state.
type Standing struct {
	Owner     string
	Score     float64
	Tier      Tier
	CreatedAt time.Time

	// Counters over the recent feed, maintained by the directory.
	RecentGrants   int
	RecentReceived int
}

// Event records a single standing change: who granted it, to whom, when,
// and by how much. Events are immutable once recorded.
type Event struct {
	Grantor   string
	Recipient string
	At        time.Time
	Delta     float64
}

// Directory provides read access to current owner standing.
//
// The zero result for an unknown owner is the lowest legitimate baseline:
// standard tier, zero standing.
type Directory interface {
	Standing(owner string) (Standing, bool)
}

// MemoryDirectory is an in-memory Directory fed by the event stream plus an
// externally managed tier assignment. It stands in for the real reputation
// subsystem in this process and in tests.
type MemoryDirectory struct {
	mu     sync.RWMutex
	owners map[string]*Standing
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{owners: make(map[string]*Standing)}
}

// Register creates or updates the account-level part of an owner's standing
// (tier, creation time). Standing score itself moves only via ApplyEvent.
func (d *MemoryDirectory) Register(owner string, tier Tier, createdAt time.Time) {
	d.mu.Lock()
	st := d.owners[owner]
	if st == nil {
		st = &Standing{Owner: owner}
		d.owners[owner] = st
	}
	st.Tier = tier
	if !createdAt.IsZero() {
		st.CreatedAt = createdAt
	}
	d.mu.Unlock()
}

// ApplyEvent folds one reputation event into the directory.
func (d *MemoryDirectory) ApplyEvent(e Event) {
	d.mu.Lock()
	st := d.owners[e.Recipient]
	if st == nil {
		st = &Standing{Owner: e.Recipient, CreatedAt: e.At}
		d.owners[e.Recipient] = st
	}
	st.Score += e.Delta
	if st.Score < 0 {
		st.Score = 0
	}
	st.RecentReceived++
	if g := d.owners[e.Grantor]; g != nil {
		g.RecentGrants++
	}
	d.mu.Unlock()
}

func (d *MemoryDirectory) Standing(owner string) (Standing, bool) {
	d.mu.RLock()
	st := d.owners[owner]
	d.mu.RUnlock()
	if st == nil {
		return Standing{Owner: owner, Tier: TierStandard}, false
	}
	return *st, true
}

// Feed keeps a bounded in-memory window of recent events for the fairness
// scan. Durable history lives in the journal; this is the hot-path view.
type Feed struct {
	mu     sync.Mutex
	events []Event
	maxAge time.Duration
}

func NewFeed(maxAge time.Duration) *Feed {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Feed{maxAge: maxAge}
}

func (f *Feed) Append(e Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.pruneLocked(e.At)
	f.mu.Unlock()
}

// Recent returns events at or after since, oldest first.
func (f *Feed) Recent(since time.Time) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := sort.Search(len(f.events), func(i int) bool {
		return !f.events[i].At.Before(since)
	})
	out := make([]Event, len(f.events)-i)
	copy(out, f.events[i:])
	return out
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// pruneLocked drops events older than maxAge relative to now.
// Events are appended in time order, so a prefix cut is enough.
func (f *Feed) pruneLocked(now time.Time) {
	cutoff := now.Add(-f.maxAge)
	i := 0
	for i < len(f.events) && f.events[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		f.events = append(f.events[:0:0], f.events[i:]...)
	}
}
