package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"webcron/internal/eventbus"
	rtsup "webcron/internal/runtime/supervisor"
	logx "webcron/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	sup      *rtsup.Supervisor
	sem      *semaphore.Weighted
	stopping bool

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	inFlight      int32
	waitingPermit int32
	dispatched    uint64
	skipped       uint64
	failed        uint64
	panics        uint64

	skipWarn rate.Sometimes
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		states:   make(map[string]*RunState),
		skipWarn: rate.Sometimes{First: 1, Interval: warnThrottleEvery},
	}
}

// Supervisor returns the engine's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the engine config. A new MaxConcurrent applies to tasks dispatched
// afterwards; tasks already holding a permit keep the old limiter.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.sup != nil && prev.MaxConcurrent != cfg.MaxConcurrent {
		s.sem = newLimiter(cfg.MaxConcurrent)
	}
	s.mu.Unlock()
}

// Start is idempotent. Tasks run under ctx; canceling it aborts in-flight tasks.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A failing job must not take the engine down.
		rtsup.WithCancelOnError(false),
	)
	s.sem = newLimiter(s.cfg.MaxConcurrent)
	s.stopping = false
	s.log.Info("task engine started", logx.Int("max_concurrent", s.cfg.MaxConcurrent), logx.Duration("default_timeout", s.cfg.DefaultTimeout))
}

// Stop refuses new tasks and waits for in-flight ones to return. In-flight tasks
// are only canceled when ctx expires first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	if sup == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out; canceling in-flight tasks", logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))), logx.Err(ctx.Err()))
	} else {
		s.log.Info("task engine stopped", logx.Uint64("dispatched", atomic.LoadUint64(&s.dispatched)))
	}
	sup.Cancel()

	s.mu.Lock()
	s.sup = nil
	s.sem = nil
	s.stopping = false
	s.mu.Unlock()
}

// Wait blocks until no task is in flight or ctx is done. It does not stop the engine.
func (s *Service) Wait(ctx context.Context) error {
	sup := s.Supervisor()
	if sup == nil {
		return nil
	}
	// Task errors are reported through history and events, not here.
	_ = sup.Wait(ctx)
	return ctx.Err()
}

// Dispatch starts t on its own goroutine and returns without waiting for it.
func (s *Service) Dispatch(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	now := time.Now()
	err := s.spawn(t, now)
	if err == ErrOverlapSkip {
		atomic.AddUint64(&s.skipped, 1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"}})
		s.skipWarn.Do(func() {
			s.log.Warn("task skipped: previous run still in flight", logx.String("task", t.Name), logx.Uint64("skipped_total", atomic.LoadUint64(&s.skipped)))
		})
	}
	return err
}

// spawn holds s.mu until the task is registered with the supervisor, so a
// concurrent Stop either rejects it or waits for it.
func (s *Service) spawn(t Task, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return ErrStopped
	}
	if s.stopping {
		return ErrStopping
	}

	var st *RunState
	if t.Overlap == OverlapSkipIfRunning {
		st = t.State
		if st == nil {
			st = s.stateFor(t.Name)
		}
		if !st.tryAcquire() {
			return ErrOverlapSkip
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	sem := s.sem

	atomic.AddUint64(&s.dispatched, 1)
	s.sup.Go0("task."+t.Name, func(ctx context.Context) {
		defer st.release()
		s.run(ctx, t, sem, timeout, now)
	})
	return nil
}

func (s *Service) run(ctx context.Context, t Task, sem *semaphore.Weighted, timeout time.Duration, dispatchedAt time.Time) {
	log := s.log.With(logx.String("task", t.Name), logx.String("id", t.ID))

	if sem != nil {
		atomic.AddInt32(&s.waitingPermit, 1)
		err := sem.Acquire(ctx, 1)
		atomic.AddInt32(&s.waitingPermit, -1)
		if err != nil {
			log.Debug("task abandoned while waiting for permit", logx.Err(err))
			return
		}
		defer sem.Release(1)
	}

	start := time.Now()
	permitWait := start.Sub(dispatchedAt)
	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, PermitWait: permitWait}})

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.invoke(runCtx, t, log)
	dur := time.Since(start)

	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, PermitWait: permitWait, Duration: dur}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, PermitWait: permitWait, Duration: dur}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		ev.Error = err.Error()
		log.Debug("task failed", logx.Duration("took", dur), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: ev})
	} else {
		log.Debug("task finished", logx.Duration("took", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Data: ev})
	}
	s.record(item)
}

func (s *Service) invoke(ctx context.Context, t Task, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.panics, 1)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = &PanicError{Value: r}
		}
	}()
	return t.Run(ctx)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil && !s.stopping
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        running,
		MaxConcurrent:  cfg.MaxConcurrent,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		WaitingPermit:  int(atomic.LoadInt32(&s.waitingPermit)),
		Dispatched:     atomic.LoadUint64(&s.dispatched),
		Skipped:        atomic.LoadUint64(&s.skipped),
		Failed:         atomic.LoadUint64(&s.failed),
		Panics:         atomic.LoadUint64(&s.panics),
		DefaultTimeout: cfg.DefaultTimeout,
		History:        h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func newLimiter(n int) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(int64(n))
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}
