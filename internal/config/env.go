package config

import (
	"fmt"
	"os"
	"strings"

	env "github.com/caarlos0/env/v11"
)

// envOverlay lists the settings that may be overridden from the environment.
// Pointers distinguish "unset" from an explicit empty or false value.
type envOverlay struct {
	LogLevel         *string `env:"LOG_LEVEL"`
	SchedulerEnabled *bool   `env:"SCHEDULER_ENABLED"`
	Timezone         *string `env:"TIMEZONE"`
	StorageDriver    *string `env:"STORAGE_DRIVER"`
	StoragePath      *string `env:"STORAGE_PATH"`
	StorageDSN       *string `env:"STORAGE_DSN"`
	UserAgent        *string `env:"USER_AGENT"`
}

// EnvPrefix is prepended to every overlay variable (WEBCRON_LOG_LEVEL, ...).
const EnvPrefix = "WEBCRON_"

// ApplyEnv overrides cfg with WEBCRON_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, environ())
}

func applyEnv(cfg *Config, vars map[string]string) error {
	if cfg == nil {
		return nil
	}
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = strings.TrimSpace(*o.LogLevel)
	}
	if o.SchedulerEnabled != nil {
		cfg.Scheduler.Enabled = *o.SchedulerEnabled
	}
	if o.Timezone != nil {
		cfg.Scheduler.Timezone = strings.TrimSpace(*o.Timezone)
	}
	if o.StorageDriver != nil {
		cfg.Storage.Driver = strings.TrimSpace(*o.StorageDriver)
	}
	if o.StoragePath != nil {
		cfg.Storage.Path = strings.TrimSpace(*o.StoragePath)
	}
	if o.StorageDSN != nil {
		cfg.Storage.DSN = strings.TrimSpace(*o.StorageDSN)
	}
	if o.UserAgent != nil {
		cfg.Fetch.UserAgent = *o.UserAgent
	}
	return nil
}

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			out[k] = v
		}
	}
	return out
}
