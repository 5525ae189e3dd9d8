// Package publish fans out versioned queue state to subscribers as an
// initial full snapshot followed by ordered diffs.
//
// The queue hands every mutation's snapshot to Offer while holding its
// lock, which fixes the global order for free; Offer only enqueues, and the
// heavy work (diffing, fanout) happens on the publisher's own worker so the
// queue's critical section stays bounded.
package publish

import (
	"context"
	"sync"
	"time"

	"tuneq/internal/queue"
	logx "tuneq/pkg/logx"
)

// Diff describes the transition from version N-1 to version N.
type Diff struct {
	Version uint64

	Added   []queue.SnapshotEntry
	Removed []string
	Changed []queue.SnapshotEntry

	// NewOrder is the complete id ordering after the transition. Carrying
	// it in full keeps Apply trivial and makes reordering-only transitions
	// (a rescore pass) cheap to express.
	NewOrder []string
}

// Update is one message to a subscriber: either a full snapshot (first
// message, and after a resync) or a diff against the previous update.
type Update struct {
	Full *queue.Snapshot
	Diff *Diff
}

// Apply reconstructs the next snapshot from a base and a diff. It is the
// inverse of the publisher's diffing and exists so consumers (and tests)
// can verify the stream round-trips.
func Apply(base queue.Snapshot, d Diff) queue.Snapshot {
	byID := make(map[string]queue.SnapshotEntry, len(base.Entries))
	for _, e := range base.Entries {
		byID[e.ID] = e
	}
	for _, id := range d.Removed {
		delete(byID, id)
	}
	for _, e := range d.Added {
		byID[e.ID] = e
	}
	for _, e := range d.Changed {
		byID[e.ID] = e
	}
	entries := make([]queue.SnapshotEntry, 0, len(d.NewOrder))
	for _, id := range d.NewOrder {
		if e, ok := byID[id]; ok {
			entries = append(entries, e)
		}
	}
	return queue.Snapshot{Version: d.Version, At: base.At, Entries: entries}
}

type subscriber struct {
	ch     chan Update
	resync bool
}

type Config struct {
	// Backlog bounds the snapshots queued between the queue lock and the
	// worker. Overflow coalesces: intermediate versions are dropped and
	// every subscriber is resynced from the newest snapshot.
	Backlog int
	// SubscriberBuffer is each subscriber channel's capacity. A subscriber
	// that falls this far behind gets a resync instead of a gap.
	SubscriberBuffer int
}

func (c Config) Normalize() Config {
	if c.Backlog <= 0 {
		c.Backlog = 256
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	return c
}

// Publisher is the queue.Sink implementation plus the subscriber registry.
type Publisher struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	backlog  []queue.Snapshot
	overflow bool
	last     queue.Snapshot
	hasLast  bool
	subs     map[*subscriber]struct{}
	notify   chan struct{}

	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func New(cfg Config, log logx.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg.Normalize(),
		log:    log,
		subs:   make(map[*subscriber]struct{}),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Offer enqueues one snapshot. Called under the queue lock: O(1), never
// blocks, never calls back.
func (p *Publisher) Offer(s queue.Snapshot) {
	p.mu.Lock()
	if len(p.backlog) >= p.cfg.Backlog {
		// Keep only the newest; the worker resyncs everyone from it.
		p.backlog = p.backlog[:0]
		p.overflow = true
	}
	p.backlog = append(p.backlog, s)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Subscribe registers a consumer. The first update on the channel is always
// a full snapshot; cancel unregisters and closes the channel.
func (p *Publisher) Subscribe() (<-chan Update, func()) {
	sub := &subscriber{ch: make(chan Update, p.cfg.SubscriberBuffer)}

	p.mu.Lock()
	if p.hasLast {
		snap := p.last
		sub.ch <- Update{Full: &snap}
	} else {
		sub.resync = true
	}
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, sub)
			p.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Start launches the fanout worker.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.run(ctx)
}

func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.notify:
			p.drain()
		}
	}
}

func (p *Publisher) drain() {
	for {
		p.mu.Lock()
		if len(p.backlog) == 0 {
			p.mu.Unlock()
			return
		}
		batch := p.backlog
		p.backlog = nil
		overflow := p.overflow
		p.overflow = false
		prev := p.last
		hadPrev := p.hasLast
		p.mu.Unlock()

		for i, snap := range batch {
			var up Update
			if !hadPrev || (overflow && i == 0) {
				s := snap
				up = Update{Full: &s}
				if overflow {
					p.log.Warn("publish backlog overflowed, resyncing subscribers",
						logx.Uint64("version", snap.Version))
				}
			} else {
				d := diff(prev, snap)
				up = Update{Diff: &d}
			}
			p.fanout(up, snap)
			prev = snap
			hadPrev = true
		}
	}
}

// fanout delivers one update and commits it as the current state in the
// same critical section. Subscribe also runs under this lock, so a late
// joiner's initial full snapshot is exactly the last delivered version and
// the next diff applies to it with no gap.
func (p *Publisher) fanout(up Update, snap queue.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = snap
	p.hasLast = true
	for sub := range p.subs {
		if sub.resync || up.Full != nil {
			s := snap
			select {
			case sub.ch <- Update{Full: &s}:
				sub.resync = false
			default:
				sub.resync = true
			}
			continue
		}
		select {
		case sub.ch <- up:
		default:
			sub.resync = true
		}
	}
}

func diff(prev, next queue.Snapshot) Diff {
	prevByID := make(map[string]queue.SnapshotEntry, len(prev.Entries))
	for _, e := range prev.Entries {
		prevByID[e.ID] = e
	}

	d := Diff{Version: next.Version, NewOrder: make([]string, 0, len(next.Entries))}
	seen := make(map[string]struct{}, len(next.Entries))
	for _, e := range next.Entries {
		d.NewOrder = append(d.NewOrder, e.ID)
		seen[e.ID] = struct{}{}
		old, ok := prevByID[e.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, e)
		case old != e:
			d.Changed = append(d.Changed, e)
		}
	}
	for _, e := range prev.Entries {
		if _, ok := seen[e.ID]; !ok {
			d.Removed = append(d.Removed, e.ID)
		}
	}
	return d
}

// WaitIdle blocks until the backlog is empty or the timeout elapses. Test
// helper; production callers rely on the subscriber channels.
func (p *Publisher) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		idle := len(p.backlog) == 0
		p.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
