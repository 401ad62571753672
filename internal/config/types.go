package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage backs both the broker queue and the result store. If the whole
	// section is omitted the process runs on in-memory implementations and
	// loses state on restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	Pool     PoolConfig     `json:"pool"`
	Defaults DefaultsConfig `json:"defaults"`

	// Kinds carries per-kind policy overrides applied on top of what the
	// handler registered in code.
	Kinds map[string]KindConfig `json:"kinds,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	Retention *RetentionConfig `json:"retention,omitempty"`
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

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./taskmill.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// PoolConfig controls the worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type PoolConfig struct {
	Workers int `json:"workers,omitempty"`

	// DefaultTimeout applies to kinds registered without a per-attempt
	// deadline. "0s" disables the fallback deadline.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	// DispatchRatePerSec caps dispatches across the whole pool. 0 disables.
	DispatchRatePerSec int `json:"dispatch_rate_per_sec,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// DefaultsConfig carries submit-time defaults for tasks that don't choose
// their own.
type DefaultsConfig struct {
	MaxRetries int `json:"max_retries,omitempty"`

	// VisibilityTimeout sizes the broker redelivery window for kinds without
	// a registered handler timeout.
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`

	// LeaseMargin is added on top of a kind's handler timeout when sizing
	// its visibility window.
	LeaseMargin string `json:"lease_margin,omitempty"`
}

// KindConfig overrides a kind's registered policy from configuration.
// Zero values leave the registered policy untouched.
type KindConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	Timeout       string `json:"timeout,omitempty"` // Go duration string
}

type ScheduleConfig struct {
	Name     string `json:"name"`
	Spec     string `json:"spec"` // cron expression or @-descriptor
	Kind     string `json:"kind"`
	Payload  string `json:"payload,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// RetentionConfig controls pruning of terminal task records.
type RetentionConfig struct {
	// Window is how long Succeeded and Dead records are kept. "0s" disables
	// pruning entirely.
	Window string `json:"window"`

	// Interval is how often the pruner runs. Defaults to 10m.
	Interval string `json:"interval,omitempty"`
}
