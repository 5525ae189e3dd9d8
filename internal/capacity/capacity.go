// Package capacity keeps any single tier from monopolizing dispatch slots
// during contention. It reserves a minimum share of recent dispatches for
// non-privileged requests at all times, and for privileged requests during
// designated high-traffic windows.
//
// Reservations are recomputed each dispatch cycle from the recent dispatch
// mix; the balancer never reorders within a class, it only picks which
// class the queue should serve next.
package capacity

import (
	"sync"
	"time"
)

// Class is the reservation bucket a request falls into.
type Class int

const (
	// ClassAny means no reservation binds; serve strict score order.
	ClassAny Class = iota
	ClassStandard
	ClassPrivileged
)

func (c Class) String() string {
	switch c {
	case ClassStandard:
		return "standard"
	case ClassPrivileged:
		return "privileged"
	default:
		return "any"
	}
}

type Config struct {
	// StandardShare is the minimum fraction of recent dispatch slots kept
	// for non-privileged requests, even when privileged requests are queued.
	StandardShare float64
	// PrivilegedShare is the minimum fraction reserved for privileged
	// requests while a high-traffic window is active.
	PrivilegedShare float64
	// RecentWindow is how many recent dispatches the shares are computed
	// over.
	RecentWindow int
}

func (c Config) Normalize() Config {
	if c.StandardShare <= 0 || c.StandardShare >= 1 {
		c.StandardShare = 0.25
	}
	if c.PrivilegedShare <= 0 || c.PrivilegedShare >= 1 {
		c.PrivilegedShare = 0.25
	}
	// Both reservations must be satisfiable at once.
	if c.StandardShare+c.PrivilegedShare > 0.9 {
		c.PrivilegedShare = 0.9 - c.StandardShare
		if c.PrivilegedShare < 0.05 {
			c.PrivilegedShare = 0.05
		}
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 20
	}
	return c
}

// Composition is the current pending-queue mix, supplied by the queue under
// its own lock each dispatch cycle.
type Composition struct {
	Standard   int
	Privileged int
}

type Balancer struct {
	mu  sync.Mutex
	cfg Config

	recent []Class // ring buffer of recent dispatch classes
	next   int
	filled int

	peak         bool
	peakSince    time.Time
	lastCategory string
}

func New(cfg Config) *Balancer {
	cfg = cfg.Normalize()
	return &Balancer{cfg: cfg, recent: make([]Class, cfg.RecentWindow)}
}

func (b *Balancer) Apply(cfg Config) {
	cfg = cfg.Normalize()
	b.mu.Lock()
	b.cfg = cfg
	b.recent = make([]Class, cfg.RecentWindow)
	b.next, b.filled = 0, 0
	b.mu.Unlock()
}

// SetPeak marks a high-traffic window active or inactive. Driven by the
// cron schedule, passed in rather than read from ambient state.
func (b *Balancer) SetPeak(active bool, at time.Time) {
	b.mu.Lock()
	if active && !b.peak {
		b.peakSince = at
	}
	b.peak = active
	b.mu.Unlock()
}

func (b *Balancer) PeakActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// Next decides which class the queue should serve this cycle. ClassAny
// means no reservation is behind its floor and strict score order applies.
//
// The bounded-wait override is not the balancer's concern: the queue serves
// overridden requests before consulting Next at all.
func (b *Balancer) Next(comp Composition) Class {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filled == 0 {
		return ClassAny
	}

	std, prv := 0, 0
	for i := 0; i < b.filled; i++ {
		switch b.recent[i] {
		case ClassStandard:
			std++
		case ClassPrivileged:
			prv++
		}
	}
	total := float64(b.filled)

	if comp.Standard > 0 && float64(std)/total < b.cfg.StandardShare {
		return ClassStandard
	}
	if b.peak && comp.Privileged > 0 && float64(prv)/total < b.cfg.PrivilegedShare {
		return ClassPrivileged
	}
	return ClassAny
}

// NoteDispatch records a completed pick so the next cycle's shares reflect
// it. The category feeds the locality hint.
func (b *Balancer) NoteDispatch(class Class, category string) {
	b.mu.Lock()
	b.recent[b.next] = class
	b.next = (b.next + 1) % len(b.recent)
	if b.filled < len(b.recent) {
		b.filled++
	}
	b.lastCategory = category
	b.mu.Unlock()
}

// CategoryHint returns the category of the most recent dispatch. The queue
// may use it to prefer same-category work among otherwise equal candidates;
// it is an optional locality hint, never a correctness requirement.
func (b *Balancer) CategoryHint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCategory
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	StandardShare    float64
	PrivilegedShare  float64
	PeakActive       bool
	PeakSince        time.Time
	RecentStandard   int
	RecentPrivileged int
	RecentTotal      int
}

func (b *Balancer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	std, prv := 0, 0
	for i := 0; i < b.filled; i++ {
		switch b.recent[i] {
		case ClassStandard:
			std++
		case ClassPrivileged:
			prv++
		}
	}
	return Snapshot{
		StandardShare:    b.cfg.StandardShare,
		PrivilegedShare:  b.cfg.PrivilegedShare,
		PeakActive:       b.peak,
		PeakSince:        b.peakSince,
		RecentStandard:   std,
		RecentPrivileged: prv,
		RecentTotal:      b.filled,
	}
}
