package config

type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`

	// TaskEngine controls how fired jobs execute. If omitted, runtime defaults apply.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty" yaml:"task_engine,omitempty"`

	Fetch   FetchConfig   `json:"fetch" yaml:"fetch"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 0 (unlimited; every fire runs immediately)
//   - default_timeout: "0s" (disabled; fetch.timeout still bounds each request)
//   - history_size: 200
type TaskEngineConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" yaml:"history_size,omitempty"`
}

// FetchConfig controls the shared HTTP client used by every job.
type FetchConfig struct {
	// Timeout is the whole-request deadline (default "30s").
	Timeout      string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	UserAgent    string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/webcron.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://webcron@localhost/webcron" }
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`

	// DSN is postgres only and is never logged.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"`

	// MaxConns caps the postgres pool.
	MaxConns int `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Console bool        `json:"console" yaml:"console"`
	File    LoggingFile `json:"file" yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// SchedulerConfig controls the cron clock.
type SchedulerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Timezone is the IANA zone cron expressions are evaluated in. Empty means local time.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Enabled: true},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./data/webcron.db"},
	}
}
