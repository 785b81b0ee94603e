package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks bounds, durations and the timezone. It is used both at startup
// and before a hot-reloaded config is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if te.MaxConcurrent < 0 {
			return fmt.Errorf("task_engine.max_concurrent must be >= 0")
		}
		if te.HistorySize < 0 {
			return fmt.Errorf("task_engine.history_size must be >= 0")
		}
		if _, err := te.Timeout(); err != nil {
			return err
		}
	}
	if _, err := cfg.Fetch.RequestTimeout(0); err != nil {
		return err
	}
	if cfg.Fetch.MaxBodyBytes < 0 {
		return fmt.Errorf("fetch.max_body_bytes must be >= 0")
	}
	if _, err := cfg.Storage.Busy(0); err != nil {
		return err
	}
	if cfg.Storage.MaxConns < 0 {
		return fmt.Errorf("storage.max_conns must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver)
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=%s", cfg.Storage.Driver)
		}
	case "":
		return fmt.Errorf("storage.driver is required")
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	return nil
}

// Timeout is task_engine.default_timeout; zero disables the engine-level deadline.
func (c *TaskEngineConfig) Timeout() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	return parseDuration("task_engine.default_timeout", c.DefaultTimeout, 0)
}

// RequestTimeout is fetch.timeout, or def when unset or zero.
func (c FetchConfig) RequestTimeout(def time.Duration) (time.Duration, error) {
	return parseDuration("fetch.timeout", c.Timeout, def)
}

// Busy is storage.busy_timeout, or def when unset or zero.
func (c StorageConfig) Busy(def time.Duration) (time.Duration, error) {
	return parseDuration("storage.busy_timeout", c.BusyTimeout, def)
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
