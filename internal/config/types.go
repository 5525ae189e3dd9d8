package config

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m"); Validate parses them eagerly so a
// bad reload is rejected before any service sees it.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Scoring  ScoringConfig  `json:"scoring"`
	Fairness FairnessConfig `json:"fairness"`
	Capacity CapacityConfig `json:"capacity"`
	Stats    StatsConfig    `json:"stats"`
	Dispatch DispatchConfig `json:"dispatch"`
	Sched    SchedConfig    `json:"sched"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tuneq.db" }
//
// Driver "none" disables persistence (no crash replay).
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type QueueConfig struct {
	// Categories is the accepted category allowlist; empty accepts any.
	Categories []string `json:"categories,omitempty"`
	MaxPending int      `json:"max_pending,omitempty"`
}

// ScoringConfig mirrors the scoring weights. Zero values take the built-in
// defaults.
type ScoringConfig struct {
	BaseScore          float64 `json:"base_score,omitempty"`
	StandingWeight     float64 `json:"standing_weight,omitempty"`
	MaxStanding        float64 `json:"max_standing,omitempty"`
	ElevatedBonus      float64 `json:"elevated_bonus,omitempty"`
	PrivilegedBonus    float64 `json:"privileged_bonus,omitempty"`
	WaitDecayPerMinute float64 `json:"wait_decay_per_minute,omitempty"`
	FlaggedDecayCap    string  `json:"flagged_decay_cap,omitempty"`
	PeakAdjust         float64 `json:"peak_adjust,omitempty"`
	MaxPeakAdjust      float64 `json:"max_peak_adjust,omitempty"`
}

type FairnessConfig struct {
	Window         string `json:"window,omitempty"`
	MaxSubmissions int    `json:"max_submissions,omitempty"`
	WaitCeiling    string `json:"wait_ceiling,omitempty"`

	RingWindow      string  `json:"ring_window,omitempty"`
	RingMinEvents   int     `json:"ring_min_events,omitempty"`
	RingMaxGrantors int     `json:"ring_max_grantors,omitempty"`
	GrowthPerHour   float64 `json:"growth_per_hour,omitempty"`
}

type CapacityConfig struct {
	StandardShare   float64 `json:"standard_share,omitempty"`
	PrivilegedShare float64 `json:"privileged_share,omitempty"`
	RecentWindow    int     `json:"recent_window,omitempty"`
}

type StatsConfig struct {
	MinSamples      int    `json:"min_samples,omitempty"`
	DefaultDuration string `json:"default_duration,omitempty"`
	MaxAge          string `json:"max_age,omitempty"`
}

// DispatchConfig controls the consumer loop feeding the generation backend.
type DispatchConfig struct {
	Enabled      bool   `json:"enabled"`
	Slots        int    `json:"slots,omitempty"`
	Deadline     string `json:"deadline,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// SchedConfig controls the periodic jobs: rescoring, the fairness scan,
// stats pruning and the peak traffic windows.
type SchedConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	RescoreEvery string `json:"rescore_every,omitempty"`
	ScanEvery    string `json:"scan_every,omitempty"`
	PruneEvery   string `json:"prune_every,omitempty"`

	// PeakWindows are cron specs marking when a high-traffic window starts
	// and ends (e.g. "0 18 * * *" / "0 23 * * *").
	PeakWindows []PeakWindow `json:"peak_windows,omitempty"`
}

type PeakWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type MetricsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`          // default: "127.0.0.1:9190"
	RefreshEvery string `json:"refresh_every,omitempty"` // gauge refresh interval, default: "5s"
}
