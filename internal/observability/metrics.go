// Package observability exposes the scheduler's operational signals as
// Prometheus metrics, fed from the event bus and periodic gauge refreshes.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"tuneq/internal/eventbus"
	"tuneq/internal/fairness"
	"tuneq/internal/queue"
)

type Metrics struct {
	registry *prometheus.Registry

	queueDepth    prometheus.Gauge
	inFlight      prometheus.Gauge
	flaggedOwners prometheus.Gauge

	submissions *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	completed   *prometheus.CounterVec
	rescoreDur  prometheus.Histogram
	overrides   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tuneq", Name: "queue_depth",
		Help: "Pending requests in the queue.",
	})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tuneq", Name: "in_flight",
		Help: "Dispatched requests awaiting completion.",
	})
	m.flaggedOwners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tuneq", Name: "flagged_owners",
		Help: "Owners under an active manipulation flag.",
	})
	m.submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneq", Name: "submissions_total",
		Help: "Submissions by outcome.",
	}, []string{"outcome"})
	m.dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneq", Name: "dispatched_total",
		Help: "Dispatched requests by category.",
	}, []string{"category"})
	m.completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneq", Name: "finished_total",
		Help: "Finished requests by terminal status.",
	}, []string{"status"})
	m.rescoreDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tuneq", Name: "rescore_duration_seconds",
		Help:    "Duration of one full rescore pass.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	m.overrides = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tuneq", Name: "wait_overrides_total",
		Help: "Requests promoted by the bounded-wait guarantee.",
	})

	m.registry.MustRegister(
		m.queueDepth, m.inFlight, m.flaggedOwners,
		m.submissions, m.dispatched, m.completed,
		m.rescoreDur, m.overrides,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe folds one bus event into the counters. Gauges are refreshed
// separately via SetQueueStats/SetFlagged so they track state, not deltas.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeRequestAccepted:
		m.submissions.WithLabelValues("accepted").Inc()
	case eventbus.TypeRequestRejected:
		m.submissions.WithLabelValues("rejected").Inc()
	case eventbus.TypeRequestDispatched:
		category := "unknown"
		if req, ok := e.Data.(queue.Request); ok {
			category = req.Category
		}
		m.dispatched.WithLabelValues(category).Inc()
	case eventbus.TypeRequestCompleted:
		m.completed.WithLabelValues(string(queue.StatusCompleted)).Inc()
	case eventbus.TypeRequestFailed:
		m.completed.WithLabelValues(string(queue.StatusFailed)).Inc()
	case eventbus.TypeRequestCanceled:
		m.submissions.WithLabelValues("canceled").Inc()
	case eventbus.TypeQueueRescored:
		if res, ok := e.Data.(queue.RescoreResult); ok {
			m.rescoreDur.Observe(res.Elapsed.Seconds())
			m.overrides.Add(float64(res.Overrides))
		}
	}
}

func (m *Metrics) SetQueueStats(st queue.Stats) {
	m.queueDepth.Set(float64(st.Pending))
	m.inFlight.Set(float64(st.Dispatched))
}

func (m *Metrics) SetFlagged(flags []fairness.Flag) {
	m.flaggedOwners.Set(float64(len(flags)))
}
