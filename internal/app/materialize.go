package app

import (
	"tuneq/internal/capacity"
	"tuneq/internal/config"
	"tuneq/internal/dispatch"
	"tuneq/internal/fairness"
	"tuneq/internal/observability"
	"tuneq/internal/queue"
	"tuneq/internal/sched"
	"tuneq/internal/scoring"
	"tuneq/internal/stats"
	logx "tuneq/pkg/logx"
)

// materialize turns the validated on-disk config into the typed configs
// the services consume. Duration strings were already checked by
// config.Validate, so parse errors here are programming errors; the
// OrDefault helpers swallow them into defaults.
func materializeLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func materializeQueue(c config.QueueConfig) queue.Config {
	return queue.Config{Categories: c.Categories, MaxPending: c.MaxPending}
}

func materializeScoring(c config.ScoringConfig) scoring.Config {
	decayCap, _ := config.ParseDurationField("scoring.flagged_decay_cap", c.FlaggedDecayCap)
	return scoring.Config{
		BaseScore:          c.BaseScore,
		StandingWeight:     c.StandingWeight,
		MaxStanding:        c.MaxStanding,
		ElevatedBonus:      c.ElevatedBonus,
		PrivilegedBonus:    c.PrivilegedBonus,
		WaitDecayPerMinute: c.WaitDecayPerMinute,
		FlaggedDecayCap:    decayCap,
		PeakAdjust:         c.PeakAdjust,
		MaxPeakAdjust:      c.MaxPeakAdjust,
	}.Normalize()
}

func materializeFairness(c config.FairnessConfig) fairness.Config {
	window, _ := config.ParseDurationField("fairness.window", c.Window)
	ceiling, _ := config.ParseDurationField("fairness.wait_ceiling", c.WaitCeiling)
	ringWindow, _ := config.ParseDurationField("fairness.ring_window", c.RingWindow)
	return fairness.Config{
		Window:          window,
		MaxSubmissions:  c.MaxSubmissions,
		WaitCeiling:     ceiling,
		RingWindow:      ringWindow,
		RingMinEvents:   c.RingMinEvents,
		RingMaxGrantors: c.RingMaxGrantors,
		GrowthPerHour:   c.GrowthPerHour,
	}.Normalize()
}

func materializeCapacity(c config.CapacityConfig) capacity.Config {
	return capacity.Config{
		StandardShare:   c.StandardShare,
		PrivilegedShare: c.PrivilegedShare,
		RecentWindow:    c.RecentWindow,
	}.Normalize()
}

func materializeStats(c config.StatsConfig) stats.Config {
	def, _ := config.ParseDurationField("stats.default_duration", c.DefaultDuration)
	maxAge, _ := config.ParseDurationField("stats.max_age", c.MaxAge)
	return stats.Config{
		MinSamples:      c.MinSamples,
		DefaultDuration: def,
		MaxAge:          maxAge,
	}.Normalize()
}

func materializeDispatch(c config.DispatchConfig) dispatch.Config {
	deadline, _ := config.ParseDurationField("dispatch.deadline", c.Deadline)
	poll, _ := config.ParseDurationField("dispatch.poll_interval", c.PollInterval)
	return dispatch.Config{
		Slots:        c.Slots,
		Deadline:     deadline,
		PollInterval: poll,
	}.Normalize()
}

func materializeSched(c config.SchedConfig) sched.Config {
	rescore, _ := config.ParseDurationField("sched.rescore_every", c.RescoreEvery)
	scan, _ := config.ParseDurationField("sched.scan_every", c.ScanEvery)
	prune, _ := config.ParseDurationField("sched.prune_every", c.PruneEvery)
	windows := make([]sched.PeakWindow, 0, len(c.PeakWindows))
	for _, w := range c.PeakWindows {
		windows = append(windows, sched.PeakWindow{Start: w.Start, End: w.End})
	}
	return sched.Config{
		Timezone:     c.Timezone,
		RescoreEvery: rescore,
		ScanEvery:    scan,
		PruneEvery:   prune,
		PeakWindows:  windows,
	}.Normalize()
}

func materializeMetrics(c config.MetricsConfig) observability.Config {
	refresh, _ := config.ParseDurationField("metrics.refresh_every", c.RefreshEvery)
	return observability.Config{Addr: c.Addr, RefreshEvery: refresh}.Normalize()
}
