package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"webcron/internal/eventbus"
	"webcron/internal/task/engine"
	logx "webcron/pkg/logx"
)

const dispatchWarnThrottle = 5 * time.Second

func New(cfg Config, eng *engine.Service, exec Executable, sink OutcomeSink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		engine:       eng,
		exec:         exec,
		sink:         sink,
		reg:          NewRegistry(),
		dispatchWarn: rate.Sometimes{First: 1, Interval: dispatchWarnThrottle},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change restarts the clock and re-registers every
// entry under the same job ids; toggling Enabled starts or stops the clock.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg

	switch {
	case s.c == nil && cfg.Enabled && !wasEnabled:
		s.startLocked()
	case s.c != nil && !cfg.Enabled:
		s.stopLocked(context.Background())
	case s.c != nil && oldTZ != newTZ:
		s.stopLocked(context.Background())
		s.startLocked()
		s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", s.reg.Len()))
	}
}

// Start starts the cron clock and registers every entry recorded so far. The
// clock runs until Stop.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; jobs run only on demand")
		return
	}
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", s.reg.Len()))
}

// Stop stops the clock. Registry entries survive so a later Start resumes them.
// In-flight executions are owned by the engine and are not touched.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.stopLocked(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Call with s.mu held.
func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(specParser), cron.WithLocation(s.loc))
	for _, e := range s.reg.Entries() {
		h := s.c.Schedule(e.Spec.sched, s.fireJob(e.Job))
		s.reg.SetHandle(e.Job.ID, h)
	}
	s.c.Start()
}

// Call with s.mu held.
func (s *Service) stopLocked(ctx context.Context) {
	c := s.c
	s.c = nil
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	for _, id := range s.reg.IDs() {
		s.reg.SetHandle(id, 0)
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
