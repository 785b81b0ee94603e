package app

import (
	"fmt"
	"strings"
	"time"

	"webcron/internal/config"
	"webcron/internal/scrape/fetch"
	"webcron/internal/storage"
	"webcron/internal/task/engine"
	"webcron/internal/task/scheduler"
	logx "webcron/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil || cfg.TaskEngine == nil {
		return engine.Config{}, nil
	}
	te := cfg.TaskEngine
	if te.MaxConcurrent < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.max_concurrent must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	defTimeout, err := te.Timeout()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		MaxConcurrent:  te.MaxConcurrent,
		DefaultTimeout: defTimeout,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	timeout, err := cfg.Fetch.RequestTimeout(fetch.DefaultTimeout)
	if err != nil {
		return fetch.Config{}, err
	}
	fc := fetch.DefaultConfig()
	fc.Timeout = timeout
	if ua := strings.TrimSpace(cfg.Fetch.UserAgent); ua != "" {
		fc.UserAgent = ua
	}
	if cfg.Fetch.MaxBodyBytes > 0 {
		fc.MaxBodyBytes = cfg.Fetch.MaxBodyBytes
	}
	return fc, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := sc.Busy(5 * time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
