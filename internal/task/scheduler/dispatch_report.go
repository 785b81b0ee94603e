package scheduler

import (
	"errors"

	"webcron/internal/model"
	"webcron/internal/task/engine"
	logx "webcron/pkg/logx"
)

func (s *Service) reportDispatchError(job model.Job, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule fire skipped", logx.Int64("job_id", job.ID), logx.Err(err))
		return
	}
	// Stopping/stopped engines produce bursts; one warning per interval is enough.
	s.dispatchWarn.Do(func() {
		s.log.Warn("schedule failed to dispatch task", logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.Err(err))
	})
}
