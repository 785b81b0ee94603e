package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The scheduler is trigger-only; every fire becomes one Task here and starts
// immediately on its own goroutine. There is no queue and no retry.
type Config struct {
	// MaxConcurrent caps simultaneously running tasks. 0 means unlimited.
	MaxConcurrent int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no engine deadline.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	// OverlapAllow lets a fire start while a previous run of the same task is in flight.
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapAllow:
		return "allow"
	case OverlapSkipIfRunning:
		return "skip_if_running"
	default:
		return fmt.Sprintf("overlap(%d)", int(p))
	}
}

// RunState tracks whether a task is already in flight.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	PermitWait time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	PermitWait time.Duration `json:"permit_wait"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// With OverlapSkipIfRunning, State gates overlap; when nil the engine keeps one
// RunState per task Name.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Overlap OverlapPolicy
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool
	MaxConcurrent  int
	InFlight       int
	WaitingPermit  int
	Dispatched     uint64
	Skipped        uint64
	Failed         uint64
	Panics         uint64
	DefaultTimeout time.Duration
	History        []HistoryItem
}
