package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"webcron/internal/eventbus"
	"webcron/internal/model"
	"webcron/internal/task/engine"
	logx "webcron/pkg/logx"
)

// Schedule registers job so it fires on its schedule. Inactive jobs are ignored.
// An existing entry for the same id is removed before the new one is added; the
// registry never holds two live entries for one job.
func (s *Service) Schedule(job model.Job) error {
	if !job.Active {
		return nil
	}
	if !job.HasID() {
		return ErrMissingID
	}
	spec, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.reg.Replace(Entry{Job: job, Spec: spec})
	if had && prev.Handle != 0 && s.c != nil {
		s.c.Remove(prev.Handle)
	}
	if s.c != nil {
		s.reg.SetHandle(job.ID, s.c.Schedule(spec.sched, s.fireJob(job)))
	}

	args := []logx.Field{logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("spec", spec.Expr), logx.Bool("replaced", had)}
	if s.log.Enabled(logx.LevelDebug) {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		args = append(args, logx.String("next", formatNext(spec.Next(3, time.Now().In(loc)))))
	}
	s.log.Debug("job scheduled", args...)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobScheduled, Data: job.ID})
	return nil
}

// Unschedule removes the entry for jobID. It is a no-op for unknown ids and does
// not cancel executions already in flight.
func (s *Service) Unschedule(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reg.Remove(jobID)
	if !ok {
		return false
	}
	if e.Handle != 0 && s.c != nil {
		s.c.Remove(e.Handle)
	}
	s.log.Debug("job unscheduled", logx.Int64("job_id", jobID))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobUnscheduled, Data: jobID})
	return true
}

// Reschedule is Unschedule followed by Schedule when the job is active. A fire due
// between the two steps may be missed.
func (s *Service) Reschedule(job model.Job) error {
	s.Unschedule(job.ID)
	return s.Schedule(job)
}

// RunNow executes job on the caller's goroutine, persists the outcome and returns it.
// The registry is not consulted, so inactive jobs run too.
func (s *Service) RunNow(ctx context.Context, job model.Job) (model.Outcome, error) {
	if !job.HasID() {
		return model.Outcome{}, ErrMissingID
	}
	out := s.exec.Execute(ctx, job)
	id, err := s.save(ctx, out)
	if err != nil {
		return out, err
	}
	out.ID = id
	return out, nil
}

// LoadActiveJobs schedules every active job from src. Jobs that fail to schedule are
// logged and skipped; only the enumeration error is returned.
func (s *Service) LoadActiveJobs(ctx context.Context, src JobSource) (int, error) {
	jobs, err := src.ActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if err := s.Schedule(job); err != nil {
			s.log.Warn("skipping job with unusable schedule", logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("schedule", job.Schedule), logx.Err(err))
			continue
		}
		if job.Active {
			n++
		}
	}
	s.log.Info("active jobs loaded", logx.Int("scheduled", n), logx.Int("found", len(jobs)))
	return n, nil
}

// ValidateCronExpression reports whether expr is usable as a schedule. Nothing is registered.
func (s *Service) ValidateCronExpression(expr string) error {
	_, err := ParseSchedule(expr)
	return err
}

// ScheduledJobIDs lists job ids with a registry entry, ascending.
func (s *Service) ScheduledJobIDs() []int64 {
	return s.reg.IDs()
}

// IsScheduled reports whether jobID has a registry entry.
func (s *Service) IsScheduled(jobID int64) bool {
	_, ok := s.reg.Lookup(jobID)
	return ok
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}

	entries := s.reg.Entries()
	items := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		it := EntryInfo{JobID: e.Job.ID, Name: e.Job.Name, Spec: e.Spec.Expr}
		if c != nil && e.Handle != 0 {
			ce := c.Entry(e.Handle)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		items = append(items, it)
	}

	snap := Snapshot{Enabled: enabled, Running: c != nil, Timezone: tz, Entries: items}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}

// fireJob builds the cron callback for job. It only dispatches; the run happens on
// an engine goroutine.
func (s *Service) fireJob(job model.Job) cron.Job {
	name := "job." + strconv.FormatInt(job.ID, 10)
	return cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Dispatch(engine.Task{
			Name:    name,
			Overlap: engine.OverlapAllow,
			Run: func(ctx context.Context) error {
				return s.execute(ctx, job)
			},
		})
		if err != nil {
			s.reportDispatchError(job, err)
		}
	})
}

func (s *Service) execute(ctx context.Context, job model.Job) error {
	out := s.exec.Execute(ctx, job)
	// Persist even when the run hit its deadline.
	if _, err := s.save(context.WithoutCancel(ctx), out); err != nil {
		return err
	}
	if !out.Success {
		return errors.New(out.ErrorMessage)
	}
	return nil
}

func (s *Service) save(ctx context.Context, out model.Outcome) (int64, error) {
	if s.sink == nil {
		return 0, nil
	}
	id, err := s.sink.SaveOutcome(ctx, out)
	if err != nil {
		s.log.Error("failed to save outcome", logx.Int64("job_id", out.JobID), logx.Bool("success", out.Success), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeOutcomeSaveFailed, Data: out})
		return 0, fmt.Errorf("save outcome for job %d: %w", out.JobID, err)
	}
	return id, nil
}
