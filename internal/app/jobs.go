package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"webcron/internal/model"
	"webcron/internal/scrape/extract"
	"webcron/internal/task/scheduler"
	logx "webcron/pkg/logx"
)

// ErrMissingID is returned by operations that need a persisted job.
var ErrMissingID = scheduler.ErrMissingID

// validateJob checks fields, the schedule and the selector before anything is stored.
func validateJob(job model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := scheduler.ParseSchedule(job.Schedule); err != nil {
		return err
	}
	return extract.Validate(job.SelectorKind, job.Selector)
}

// CreateJob validates and stores job, then schedules it when active.
// A scheduling failure after the insert is returned but the stored job is kept.
func (a *App) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
	job.ID = 0
	if err := validateJob(job); err != nil {
		return model.Job{}, err
	}
	created, err := a.store.CreateJob(ctx, job)
	if err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := a.sched.Schedule(created); err != nil {
		return created, fmt.Errorf("schedule job %d: %w", created.ID, err)
	}
	a.log.Info("job created", logx.Int64("job_id", created.ID), logx.String("job", created.Name), logx.Bool("active", created.Active))
	return created, nil
}

// UpdateJob validates and stores job, then replaces its schedule. An inactive job
// ends up unscheduled.
func (a *App) UpdateJob(ctx context.Context, job model.Job) (model.Job, error) {
	if !job.HasID() {
		return model.Job{}, ErrMissingID
	}
	if err := validateJob(job); err != nil {
		return model.Job{}, err
	}
	updated, err := a.store.UpdateJob(ctx, job)
	if err != nil {
		return model.Job{}, fmt.Errorf("update job %d: %w", job.ID, err)
	}
	if err := a.sched.Reschedule(updated); err != nil {
		return updated, fmt.Errorf("reschedule job %d: %w", updated.ID, err)
	}
	a.log.Info("job updated", logx.Int64("job_id", updated.ID), logx.String("job", updated.Name), logx.Bool("active", updated.Active))
	return updated, nil
}

// DeleteJob unschedules the job and deletes it together with its outcomes.
// In-flight executions finish; their outcomes are rejected by the store.
func (a *App) DeleteJob(ctx context.Context, id int64) error {
	a.sched.Unschedule(id)
	if err := a.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	a.log.Info("job deleted", logx.Int64("job_id", id))
	return nil
}

func (a *App) GetJob(ctx context.Context, id int64) (model.Job, error) {
	return a.store.GetJob(ctx, id)
}

// ListJobs returns every job, newest first.
func (a *App) ListJobs(ctx context.Context) ([]model.Job, error) {
	return a.store.ListJobs(ctx)
}

// SetJobActive toggles Active and reschedules accordingly.
func (a *App) SetJobActive(ctx context.Context, id int64, active bool) (model.Job, error) {
	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if job.Active == active {
		return job, nil
	}
	job.Active = active
	return a.UpdateJob(ctx, job)
}

// RunJobNow runs a stored job immediately, persists and returns the outcome.
// It runs regardless of Active and does not touch the schedule.
func (a *App) RunJobNow(ctx context.Context, id int64) (model.Outcome, error) {
	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		return model.Outcome{}, err
	}
	return a.sched.RunNow(ctx, job)
}

// TestJob runs an unsaved job definition once and returns at most
// pipeline.TestRunLimit items. Nothing is persisted.
func (a *App) TestJob(ctx context.Context, job model.Job) (model.Outcome, error) {
	if err := extract.Validate(job.SelectorKind, job.Selector); err != nil {
		return model.Outcome{}, err
	}
	return a.pipe.TestRun(ctx, job), nil
}

// ScheduleInfo describes a parsed schedule and its upcoming fire times.
type ScheduleInfo struct {
	Raw   string      `json:"raw"`
	Expr  string      `json:"expr"`
	Alias bool        `json:"alias"`
	Next  []time.Time `json:"next"`
}

// ValidateSchedule parses raw and returns the next n fire times from now.
func (a *App) ValidateSchedule(raw string, n int) (ScheduleInfo, error) {
	return ValidateSchedule(raw, n, time.Now())
}

// ValidateSchedule is the storage-free form used by the CLI.
func ValidateSchedule(raw string, n int, from time.Time) (ScheduleInfo, error) {
	spec, err := scheduler.ParseSchedule(raw)
	if err != nil {
		return ScheduleInfo{}, err
	}
	if n <= 0 {
		n = 5
	}
	return ScheduleInfo{Raw: spec.Raw, Expr: spec.Expr, Alias: spec.Alias(), Next: spec.Next(n, from)}, nil
}

func (a *App) ValidateSelector(selector string) error {
	return extract.ValidateSelector(selector)
}

func (a *App) ValidatePattern(pattern string) error {
	return extract.ValidatePattern(pattern)
}

// ValidateURL reports whether url answers a HEAD request with 2xx.
func (a *App) ValidateURL(ctx context.Context, url string) (bool, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return false, errors.New("url is required")
	}
	return a.fetch.ValidateURL(ctx, url)
}

// JobOutcomes lists a job's outcomes newest first, filtered by f.
func (a *App) JobOutcomes(ctx context.Context, jobID int64, f model.OutcomeFilter) ([]model.Outcome, error) {
	if _, err := a.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return a.store.ListOutcomes(ctx, jobID, f)
}

func (a *App) GetOutcome(ctx context.Context, id int64) (model.Outcome, error) {
	return a.store.GetOutcome(ctx, id)
}

func (a *App) Stats(ctx context.Context) (model.JobStats, error) {
	return a.store.Stats(ctx)
}

// ScheduledJobIDs lists the ids with a live registry entry, ascending.
func (a *App) ScheduledJobIDs() []int64 {
	return a.sched.ScheduledJobIDs()
}

// SchedulerSnapshot exposes clock and engine state for diagnostics.
func (a *App) SchedulerSnapshot() scheduler.Snapshot {
	return a.sched.Snapshot()
}
