// Package predict turns a request's queue position and its category's
// rolling statistics into an expected wait with a confidence band.
//
// Predictions are advisory: they are a read-side projection over current
// queue state and must never feed back into scheduling order.
package predict

import (
	"time"

	"tuneq/internal/stats"
)

// Estimate is an expected wait with a two-sided confidence interval.
// Defaulted is true when the category had fewer than the configured minimum
// samples and the default duration was used instead.
type Estimate struct {
	Expected  time.Duration
	Low       time.Duration
	High      time.Duration
	Samples   int
	Defaulted bool
}

type Predictor struct {
	stats *stats.Store
}

func New(st *stats.Store) *Predictor {
	return &Predictor{stats: st}
}

// Predict estimates the wait for a request with the given position (count
// of higher-ranked pending plus in-flight requests) in the given category.
func (p *Predictor) Predict(position int, category string) Estimate {
	if position < 0 {
		position = 0
	}
	cfg := p.stats.Config()

	st, ok := p.stats.Stats(category)
	mean := st.Mean
	sd := st.StdDev
	defaulted := false
	if !ok || st.Count < cfg.MinSamples {
		mean = cfg.DefaultDuration
		// With too few samples the band is unknowable; widen it to the
		// full default span rather than pretending precision.
		sd = cfg.DefaultDuration
		defaulted = true
	}

	expected := time.Duration(position) * mean
	spread := time.Duration(2*position) * sd

	low := expected - spread
	if low < 0 {
		low = 0
	}
	return Estimate{
		Expected:  expected,
		Low:       low,
		High:      expected + spread,
		Samples:   st.Count,
		Defaulted: defaulted,
	}
}
