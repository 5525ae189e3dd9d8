package queue

import (
	"time"

	"tuneq/internal/capacity"
)

// Status is a request's lifecycle state. Transitions are monotonic:
// pending -> dispatched -> {completed, failed}. Terminal requests leave the
// live queue and are retained only in the journal and category statistics.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Request is one unit of generation work as the scheduler sees it.
type Request struct {
	ID       string
	Owner    string
	Category string

	SubmittedAt time.Time
	// Score is the ranking value from the last scoring pass; higher is
	// served first.
	Score float64
	// Override marks a request promoted by the bounded-wait guarantee.
	// Overridden requests sort before every score-based ordering.
	Override bool

	Status       Status
	DispatchedAt time.Time
	FinishedAt   time.Time
	FailReason   string
}

// Submission is the caller's input to Submit. ID is optional; an empty one
// gets a generated id. SubmittedAt is optional and exists for journal
// replay, where original submission times must survive a restart.
type Submission struct {
	ID          string
	Owner       string
	Category    string
	SubmittedAt time.Time
}

// Config holds queue-level settings. An empty Categories list accepts any
// category (statistics still bucket per category).
type Config struct {
	Categories []string
	// MaxPending bounds the live queue; 0 means unbounded.
	MaxPending int
}

func (c Config) Normalize() Config {
	return c
}

// SnapshotEntry is one request's row in a versioned queue snapshot.
type SnapshotEntry struct {
	ID       string
	Owner    string
	Category string
	Status   Status
	Score    float64
	Override bool
}

// Snapshot is a versioned, ordered view of all live (pending + dispatched)
// requests: in-flight first in dispatch order, then pending in serve order.
// Versions increase by exactly one per accepted mutation.
type Snapshot struct {
	Version uint64
	At      time.Time
	Entries []SnapshotEntry
}

// Sink receives every accepted mutation's snapshot, in mutation order.
//
// Offer is called while the queue lock is held so ordering is free of
// races; implementations must be O(1) and must not call back into the
// queue. The publisher satisfies this by handing the snapshot to its own
// worker.
type Sink interface {
	Offer(Snapshot)
}

// item is a heap node. class caches the owner's reservation bucket so
// dispatch-cycle composition counting does not consult the directory.
type item struct {
	req   *Request
	class capacity.Class
	index int
}

// RescoreResult summarizes one rescore pass.
type RescoreResult struct {
	Scored    int
	Overrides int
	Elapsed   time.Duration
}

// Stats is a diagnostics view of the live queue.
type Stats struct {
	Version    uint64
	Pending    int
	Dispatched int
	Overrides  int
}
