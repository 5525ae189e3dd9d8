package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tuneq/internal/eventbus"
	"tuneq/internal/fairness"
	"tuneq/internal/queue"
)

func TestObserveCountsOutcomes(t *testing.T) {
	m := NewMetrics()

	m.Observe(eventbus.Event{Type: eventbus.TypeRequestAccepted})
	m.Observe(eventbus.Event{Type: eventbus.TypeRequestAccepted})
	m.Observe(eventbus.Event{Type: eventbus.TypeRequestRejected})
	m.Observe(eventbus.Event{
		Type: eventbus.TypeRequestDispatched,
		Data: queue.Request{ID: "r", Category: "pop"},
	})
	m.Observe(eventbus.Event{Type: eventbus.TypeRequestCompleted})
	m.Observe(eventbus.Event{
		Type: eventbus.TypeQueueRescored,
		Data: queue.RescoreResult{Scored: 10, Overrides: 2, Elapsed: time.Millisecond},
	})

	if got := testutil.ToFloat64(m.submissions.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.submissions.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dispatched.WithLabelValues("pop")); got != 1 {
		t.Fatalf("dispatched{pop} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.overrides); got != 2 {
		t.Fatalf("overrides = %v, want 2", got)
	}
}

func TestGaugesTrackState(t *testing.T) {
	m := NewMetrics()
	m.SetQueueStats(queue.Stats{Pending: 7, Dispatched: 3})
	m.SetFlagged([]fairness.Flag{{Owner: "a"}, {Owner: "b"}})

	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Fatalf("queue_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 3 {
		t.Fatalf("in_flight = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.flaggedOwners); got != 2 {
		t.Fatalf("flagged_owners = %v, want 2", got)
	}

	// State, not deltas: a second refresh replaces the value.
	m.SetQueueStats(queue.Stats{Pending: 0, Dispatched: 0})
	if got := testutil.ToFloat64(m.queueDepth); got != 0 {
		t.Fatalf("queue_depth after drain = %v, want 0", got)
	}
}

func TestRegistryGathers(t *testing.T) {
	m := NewMetrics()
	m.Observe(eventbus.Event{Type: eventbus.TypeRequestAccepted})

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "tuneq_") {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected tuneq_ metric families")
	}
}
