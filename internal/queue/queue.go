// Package queue is the scheduling core: one ordered collection of pending
// and in-flight generation requests, mutated under a single lock.
//
// All mutating operations (Submit, Rescore, Dispatch, Complete, Fail,
// Cancel) take the write lock; read-only projections (Position,
// PredictWait, Snapshot) share the read lock. No operation performs I/O
// inside the critical section — journaling, publishing and metrics consume
// the returned results and the snapshot sink.
package queue

import (
	"container/heap"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tuneq/internal/capacity"
	"tuneq/internal/eventbus"
	"tuneq/internal/fairness"
	"tuneq/internal/predict"
	"tuneq/internal/reputation"
	"tuneq/internal/scoring"
	"tuneq/internal/stats"
	logx "tuneq/pkg/logx"
)

// Deps are the collaborators the core composes. Log and Bus may be zero;
// Sink may be nil (no publishing).
type Deps struct {
	Scorer    scoring.Config
	Guard     *fairness.Guard
	Balancer  *capacity.Balancer
	Stats     *stats.Store
	Directory reputation.Directory
	Log       logx.Logger
	Bus       eventbus.Bus
	Sink      Sink

	// Now is the clock; nil means time.Now. Tests pin it.
	Now func() time.Time
}

type Core struct {
	mu sync.RWMutex

	cfg       Config
	scorer    scoring.Config
	guard     *fairness.Guard
	balancer  *capacity.Balancer
	stats     *stats.Store
	predictor *predict.Predictor
	dir       reputation.Directory
	log       logx.Logger
	bus       eventbus.Bus
	sink      Sink
	now       func() time.Time

	pending    requestHeap
	byID       map[string]*item
	dispatched map[string]*Request

	bucket  scoring.Bucket
	version uint64
}

func New(cfg Config, deps Deps) *Core {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Core{
		cfg:        cfg.Normalize(),
		scorer:     deps.Scorer.Normalize(),
		guard:      deps.Guard,
		balancer:   deps.Balancer,
		stats:      deps.Stats,
		predictor:  predict.New(deps.Stats),
		dir:        deps.Directory,
		log:        deps.Log,
		bus:        deps.Bus,
		sink:       deps.Sink,
		now:        now,
		byID:       make(map[string]*item),
		dispatched: make(map[string]*Request),
	}
}

// Apply swaps queue config and scoring weights at runtime. New weights take
// effect on the next rescore pass.
func (c *Core) Apply(cfg Config, scorer scoring.Config) {
	c.mu.Lock()
	c.cfg = cfg.Normalize()
	c.scorer = scorer.Normalize()
	c.mu.Unlock()
}

// ---- ordering ----

// less is the one total order: override first, then score, then submission
// time, then id. Shared by the heap and the dispatch selection scans so
// every path agrees on "ahead of".
func less(a, b *item) bool {
	if a.req.Override != b.req.Override {
		return a.req.Override
	}
	if a.req.Score != b.req.Score {
		return a.req.Score > b.req.Score
	}
	if !a.req.SubmittedAt.Equal(b.req.SubmittedAt) {
		return a.req.SubmittedAt.Before(b.req.SubmittedAt)
	}
	return a.req.ID < b.req.ID
}

type requestHeap []*item

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *requestHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// ---- mutations ----

// Submit validates the owner's rate-limit budget, scores the request and
// inserts it in sorted position. The returned Request is a stable copy.
func (c *Core) Submit(sub Submission) (Request, error) {
	category := strings.TrimSpace(sub.Category)
	if category == "" || !c.categoryAllowed(category) {
		return Request{}, ErrInvalidCategory
	}

	now := c.now()
	id := strings.TrimSpace(sub.ID)
	if id == "" {
		id = uuid.NewString()
	}
	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = now
	}

	// Score before taking the queue lock: directory and guard have their
	// own synchronization and never call back into the queue.
	score, override, class := c.scoreFor(sub.Owner, submittedAt, now)

	req := &Request{
		ID:          id,
		Owner:       sub.Owner,
		Category:    category,
		SubmittedAt: submittedAt,
		Score:       score,
		Override:    override,
		Status:      StatusPending,
	}

	c.mu.Lock()
	if _, live := c.byID[id]; live {
		c.mu.Unlock()
		return Request{}, ErrDuplicateID
	}
	if _, live := c.dispatched[id]; live {
		c.mu.Unlock()
		return Request{}, ErrDuplicateID
	}
	if c.cfg.MaxPending > 0 && len(c.pending) >= c.cfg.MaxPending {
		c.mu.Unlock()
		return Request{}, &RateLimitedError{Owner: sub.Owner, After: 0}
	}
	// Consume the submission token only once the request is otherwise
	// acceptable, so rejected duplicates and a full queue don't burn the
	// owner's budget.
	if c.guard != nil {
		if after, ok := c.guard.AllowSubmission(sub.Owner, now); !ok {
			c.mu.Unlock()
			c.publish(eventbus.Event{Type: eventbus.TypeRequestRejected, Time: now, Data: sub.Owner})
			return Request{}, &RateLimitedError{Owner: sub.Owner, After: after}
		}
	}
	it := &item{req: req, class: class}
	heap.Push(&c.pending, it)
	c.byID[id] = it
	c.bumpLocked(now)
	out := *req
	c.mu.Unlock()

	c.publish(eventbus.Event{Type: eventbus.TypeRequestAccepted, Time: now, Data: out})
	c.log.Debug("request accepted",
		logx.String("id", out.ID),
		logx.String("owner", out.Owner),
		logx.String("category", out.Category),
		logx.Float64("score", out.Score),
	)
	return out, nil
}

// Restore re-inserts a journaled pending request on startup. It keeps the
// original submission time and skips the rate limiter: the budget was
// already spent when the request was first accepted.
func (c *Core) Restore(sub Submission) (Request, error) {
	if strings.TrimSpace(sub.Category) == "" || strings.TrimSpace(sub.ID) == "" {
		return Request{}, ErrInvalidCategory
	}
	now := c.now()
	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = now
	}
	score, override, class := c.scoreFor(sub.Owner, submittedAt, now)
	req := &Request{
		ID:          sub.ID,
		Owner:       sub.Owner,
		Category:    strings.TrimSpace(sub.Category),
		SubmittedAt: submittedAt,
		Score:       score,
		Override:    override,
		Status:      StatusPending,
	}

	c.mu.Lock()
	if _, live := c.byID[req.ID]; live {
		c.mu.Unlock()
		return Request{}, ErrDuplicateID
	}
	it := &item{req: req, class: class}
	heap.Push(&c.pending, it)
	c.byID[req.ID] = it
	c.bumpLocked(now)
	out := *req
	c.mu.Unlock()
	return out, nil
}

// Cancel withdraws a pending request. Owner is checked when non-empty so a
// submitter can only withdraw their own work.
func (c *Core) Cancel(id, owner string) error {
	now := c.now()

	c.mu.Lock()
	if it, ok := c.byID[id]; ok {
		if owner != "" && it.req.Owner != owner {
			c.mu.Unlock()
			return ErrNotFound
		}
		heap.Remove(&c.pending, it.index)
		delete(c.byID, id)
		c.bumpLocked(now)
		out := *it.req
		c.mu.Unlock()
		c.publish(eventbus.Event{Type: eventbus.TypeRequestCanceled, Time: now, Data: out})
		return nil
	}
	if _, ok := c.dispatched[id]; ok {
		c.mu.Unlock()
		return ErrAlreadyDispatched
	}
	c.mu.Unlock()
	return ErrNotFound
}

// Rescore recomputes every pending request's score for the given traffic
// bucket and re-sorts. Two-phase: inputs are snapshotted under the read
// lock, scores computed with no lock held, then applied in one bounded
// write section. Requests that left the pending state in between are
// skipped.
func (c *Core) Rescore(bucket scoring.Bucket) RescoreResult {
	start := c.now()

	type job struct {
		id          string
		owner       string
		submittedAt time.Time
	}

	c.mu.RLock()
	jobs := make([]job, 0, len(c.pending))
	for _, it := range c.pending {
		jobs = append(jobs, job{id: it.req.ID, owner: it.req.Owner, submittedAt: it.req.SubmittedAt})
	}
	c.mu.RUnlock()

	type result struct {
		id       string
		score    float64
		override bool
		class    capacity.Class
	}
	results := make([]result, 0, len(jobs))
	overrides := 0
	for _, j := range jobs {
		score, override, class := c.scoreForBucket(j.owner, j.submittedAt, start, bucket)
		if override {
			overrides++
		}
		results = append(results, result{id: j.id, score: score, override: override, class: class})
	}

	c.mu.Lock()
	c.bucket = bucket
	applied := 0
	for _, r := range results {
		it, ok := c.byID[r.id]
		if !ok {
			continue
		}
		it.req.Score = r.score
		it.req.Override = r.override
		it.class = r.class
		applied++
	}
	heap.Init(&c.pending)
	c.bumpLocked(start)
	c.mu.Unlock()

	elapsed := c.now().Sub(start)
	res := RescoreResult{Scored: applied, Overrides: overrides, Elapsed: elapsed}
	c.publish(eventbus.Event{Type: eventbus.TypeQueueRescored, Time: start, Data: res})
	if overrides > 0 {
		c.log.Info("rescore promoted overdue requests",
			logx.Int("overrides", overrides),
			logx.Int("scored", applied),
			logx.Duration("elapsed", elapsed),
		)
	}
	return res
}

// Dispatch selects the next request honoring the bounded-wait override
// first, then the balancer's active reservation, then strict score order,
// and marks it dispatched.
func (c *Core) Dispatch() (Request, error) {
	now := c.now()

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return Request{}, ErrQueueEmpty
	}

	it := c.selectLocked()
	heap.Remove(&c.pending, it.index)
	delete(c.byID, it.req.ID)

	it.req.Status = StatusDispatched
	it.req.DispatchedAt = now
	c.dispatched[it.req.ID] = it.req
	c.bumpLocked(now)
	out := *it.req
	class := it.class
	c.mu.Unlock()

	if c.balancer != nil {
		c.balancer.NoteDispatch(class, out.Category)
	}
	c.publish(eventbus.Event{Type: eventbus.TypeRequestDispatched, Time: now, Data: out})
	c.log.Debug("request dispatched",
		logx.String("id", out.ID),
		logx.String("category", out.Category),
		logx.Bool("override", out.Override),
		logx.Duration("waited", now.Sub(out.SubmittedAt)),
	)
	return out, nil
}

// Complete closes out a dispatched request and feeds its actual duration
// into the category statistics.
func (c *Core) Complete(id string, actual time.Duration) (Request, error) {
	return c.finish(id, StatusCompleted, "", actual)
}

// Fail closes out a dispatched request with a terminal reason. Failed
// requests are not re-queued; the caller may submit fresh work.
func (c *Core) Fail(id, reason string, actual time.Duration) (Request, error) {
	return c.finish(id, StatusFailed, reason, actual)
}

func (c *Core) finish(id string, status Status, reason string, actual time.Duration) (Request, error) {
	now := c.now()

	c.mu.Lock()
	req, ok := c.dispatched[id]
	if !ok {
		c.mu.Unlock()
		return Request{}, ErrNotFound
	}
	delete(c.dispatched, id)
	req.Status = status
	req.FinishedAt = now
	req.FailReason = reason
	c.bumpLocked(now)
	out := *req
	c.mu.Unlock()

	// Failed runs still carry a real duration; both outcomes inform the
	// category's processing-time estimate.
	if c.stats != nil && actual > 0 {
		c.stats.Observe(out.Category, actual, now)
	}

	evType := eventbus.TypeRequestCompleted
	if status == StatusFailed {
		evType = eventbus.TypeRequestFailed
	}
	c.publish(eventbus.Event{Type: evType, Time: now, Data: out})
	return out, nil
}

// ---- read-side projections ----

// Position returns the count of requests ahead of the given pending
// request: everything in flight plus every pending request ordered before
// it. A dispatched request's position is zero.
func (c *Core) Position(id string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.dispatched[id]; ok {
		return 0, nil
	}
	it, ok := c.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	pos := len(c.dispatched)
	for _, other := range c.pending {
		if other != it && less(other, it) {
			pos++
		}
	}
	return pos, nil
}

// PredictWait estimates the request's wait. Advisory only: the estimate is
// a projection over current state and never feeds back into ordering.
func (c *Core) PredictWait(id string) (predict.Estimate, error) {
	c.mu.RLock()
	var category string
	if req, ok := c.dispatched[id]; ok {
		category = req.Category
	} else if it, ok := c.byID[id]; ok {
		category = it.req.Category
	} else {
		c.mu.RUnlock()
		return predict.Estimate{}, ErrNotFound
	}
	c.mu.RUnlock()

	pos, err := c.Position(id)
	if err != nil {
		return predict.Estimate{}, err
	}
	return c.predictor.Predict(pos, category), nil
}

// Snapshot returns the current versioned ordered view.
func (c *Core) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(c.now())
}

func (c *Core) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	overrides := 0
	for _, it := range c.pending {
		if it.req.Override {
			overrides++
		}
	}
	return Stats{
		Version:    c.version,
		Pending:    len(c.pending),
		Dispatched: len(c.dispatched),
		Overrides:  overrides,
	}
}

// ---- internals ----

func (c *Core) categoryAllowed(category string) bool {
	if len(c.cfg.Categories) == 0 {
		return true
	}
	for _, allowed := range c.cfg.Categories {
		if allowed == category {
			return true
		}
	}
	return false
}

func (c *Core) scoreFor(owner string, submittedAt, now time.Time) (float64, bool, capacity.Class) {
	c.mu.RLock()
	bucket := c.bucket
	c.mu.RUnlock()
	return c.scoreForBucket(owner, submittedAt, now, bucket)
}

func (c *Core) scoreForBucket(owner string, submittedAt, now time.Time, bucket scoring.Bucket) (float64, bool, capacity.Class) {
	var st reputation.Standing
	known := false
	if c.dir != nil {
		st, known = c.dir.Standing(owner)
	}
	flagged := c.guard != nil && c.guard.Flagged(owner)

	in := scoring.Input{
		Standing:   st.Score,
		Tier:       st.Tier,
		KnownOwner: known,
		Waited:     now.Sub(submittedAt),
		Bucket:     bucket,
		Flagged:    flagged,
	}
	score := c.scorer.Score(in)

	override := c.guard != nil && c.guard.OverrideDue(submittedAt, now)

	class := capacity.ClassStandard
	// A flagged owner's privilege is capped, which includes its
	// reservation class.
	if scoring.Privileged(st.Tier) && !flagged {
		class = capacity.ClassPrivileged
	}
	return score, override, class
}

// selectLocked picks the next item to dispatch. Caller holds the write
// lock and has checked the heap is non-empty.
func (c *Core) selectLocked() *item {
	head := c.pending[0]

	// Bounded-wait override has absolute precedence, including over
	// capacity reservations.
	if head.req.Override {
		return head
	}

	want := capacity.ClassAny
	if c.balancer != nil {
		comp := capacity.Composition{}
		for _, it := range c.pending {
			if it.class == capacity.ClassPrivileged {
				comp.Privileged++
			} else {
				comp.Standard++
			}
		}
		want = c.balancer.Next(comp)
	}

	best := head
	if want != capacity.ClassAny {
		best = nil
		for _, it := range c.pending {
			if it.class != want {
				continue
			}
			if best == nil || less(it, best) {
				best = it
			}
		}
		if best == nil {
			best = head
		}
	}

	// Locality hint: among candidates with the exact same score, prefer
	// the previous dispatch's category. Never crosses a score boundary,
	// so the ordering invariant is untouched.
	if c.balancer != nil {
		if hint := c.balancer.CategoryHint(); hint != "" && best.req.Category != hint {
			for _, it := range c.pending {
				if it.req.Category != hint || it.req.Override != best.req.Override || it.req.Score != best.req.Score {
					continue
				}
				if want != capacity.ClassAny && it.class != want {
					continue
				}
				best = it
				break
			}
		}
	}
	return best
}

// bumpLocked advances the version and hands the new snapshot to the sink.
// Called with the write lock held; Offer is O(1) by contract.
func (c *Core) bumpLocked(now time.Time) {
	c.version++
	if c.sink != nil {
		c.sink.Offer(c.snapshotLocked(now))
	}
}

func (c *Core) snapshotLocked(now time.Time) Snapshot {
	entries := make([]SnapshotEntry, 0, len(c.dispatched)+len(c.pending))

	inflight := make([]*Request, 0, len(c.dispatched))
	for _, req := range c.dispatched {
		inflight = append(inflight, req)
	}
	sort.Slice(inflight, func(i, j int) bool {
		if !inflight[i].DispatchedAt.Equal(inflight[j].DispatchedAt) {
			return inflight[i].DispatchedAt.Before(inflight[j].DispatchedAt)
		}
		return inflight[i].ID < inflight[j].ID
	})
	for _, req := range inflight {
		entries = append(entries, entryFor(req))
	}

	ordered := make([]*item, len(c.pending))
	copy(ordered, c.pending)
	sort.Slice(ordered, func(i, j int) bool { return less(ordered[i], ordered[j]) })
	for _, it := range ordered {
		entries = append(entries, entryFor(it.req))
	}

	return Snapshot{Version: c.version, At: now, Entries: entries}
}

func entryFor(req *Request) SnapshotEntry {
	return SnapshotEntry{
		ID:       req.ID,
		Owner:    req.Owner,
		Category: req.Category,
		Status:   req.Status,
		Score:    req.Score,
		Override: req.Override,
	}
}

func (c *Core) publish(e eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
