package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate parses every duration and cron field and checks cross-field
// constraints, so a reload either commits whole or not at all.
func (c *Config) Validate() error {
	durations := []struct {
		path string
		raw  string
	}{
		{"scoring.flagged_decay_cap", c.Scoring.FlaggedDecayCap},
		{"fairness.window", c.Fairness.Window},
		{"fairness.wait_ceiling", c.Fairness.WaitCeiling},
		{"fairness.ring_window", c.Fairness.RingWindow},
		{"stats.default_duration", c.Stats.DefaultDuration},
		{"stats.max_age", c.Stats.MaxAge},
		{"dispatch.deadline", c.Dispatch.Deadline},
		{"dispatch.poll_interval", c.Dispatch.PollInterval},
		{"sched.rescore_every", c.Sched.RescoreEvery},
		{"sched.scan_every", c.Sched.ScanEvery},
		{"sched.prune_every", c.Sched.PruneEvery},
		{"metrics.refresh_every", c.Metrics.RefreshEvery},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if s := c.Capacity.StandardShare; s < 0 || s >= 1 {
		return fmt.Errorf("capacity.standard_share: must be in [0, 1), got %v", s)
	}
	if s := c.Capacity.PrivilegedShare; s < 0 || s >= 1 {
		return fmt.Errorf("capacity.privileged_share: must be in [0, 1), got %v", s)
	}
	if c.Fairness.MaxSubmissions < 0 {
		return fmt.Errorf("fairness.max_submissions: must be >= 0")
	}

	switch c.Storage.Driver {
	case "", "none", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path: required for sqlite driver")
	}

	if tz := c.Sched.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("sched.timezone: %w", err)
		}
	}
	for i, w := range c.Sched.PeakWindows {
		if _, err := cronParser.Parse(w.Start); err != nil {
			return fmt.Errorf("sched.peak_windows[%d].start: %w", i, err)
		}
		if _, err := cronParser.Parse(w.End); err != nil {
			return fmt.Errorf("sched.peak_windows[%d].end: %w", i, err)
		}
	}
	return nil
}
