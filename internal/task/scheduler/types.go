package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"webcron/internal/eventbus"
	"webcron/internal/model"
	"webcron/internal/task/engine"
	logx "webcron/pkg/logx"
)

// ErrMissingID is returned when a job without a persisted id is scheduled or run.
var ErrMissingID = errors.New("job has no id")

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Executable runs one job and reports the outcome. It must not panic on job errors.
type Executable interface {
	Execute(ctx context.Context, job model.Job) model.Outcome
}

// OutcomeSink persists outcomes and returns the stored id.
type OutcomeSink interface {
	SaveOutcome(ctx context.Context, out model.Outcome) (int64, error)
}

// JobSource enumerates the jobs to schedule at startup.
type JobSource interface {
	ActiveJobs(ctx context.Context) ([]model.Job, error)
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service
	exec   Executable
	sink   OutcomeSink

	c   *cron.Cron
	reg *Registry

	dispatchWarn rate.Sometimes
}

// EntryInfo describes one registered job for diagnostics.
type EntryInfo struct {
	JobID int64
	Name  string
	Spec  string
	Next  time.Time
	Prev  time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Entries  []EntryInfo
	Engine   engine.Snapshot
}
