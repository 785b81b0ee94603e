package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webcron/internal/model"
	"webcron/internal/task/engine"
	logx "webcron/pkg/logx"
)

type stubExec struct {
	calls atomic.Int32
	fail  bool
}

func (e *stubExec) Execute(ctx context.Context, job model.Job) model.Outcome {
	e.calls.Add(1)
	if e.fail {
		return model.Failed(job.ID, errors.New("HTTP error: 500 Internal Server Error"), time.Now())
	}
	return model.Succeeded(job.ID, []string{"a", "b"}, time.Now())
}

type memSink struct {
	mu   sync.Mutex
	outs []model.Outcome
	err  error
}

func (m *memSink) SaveOutcome(ctx context.Context, out model.Outcome) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.outs = append(m.outs, out)
	return int64(len(m.outs)), nil
}

func (m *memSink) saved() []model.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Outcome(nil), m.outs...)
}

type sliceSource struct {
	jobs []model.Job
	err  error
}

func (s sliceSource) ActiveJobs(ctx context.Context) ([]model.Job, error) { return s.jobs, s.err }

func activeJob(id int64, schedule string) model.Job {
	return model.Job{
		ID:           id,
		Name:         "job",
		URL:          "https://example.com",
		SelectorKind: model.SelectorCSS,
		Selector:     "p",
		Schedule:     schedule,
		Active:       true,
	}
}

func newService(t *testing.T, start bool) (*Service, *stubExec, *memSink) {
	t.Helper()
	eng := engine.New(engine.Config{}, logx.Nop(), nil)
	eng.Start(context.Background())
	exec := &stubExec{}
	sink := &memSink{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, exec, sink, logx.Nop(), nil)
	if start {
		s.Start()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, exec, sink
}

func cronEntries(s *Service) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return 0
	}
	return len(s.c.Entries())
}

func TestScheduleIgnoresInactiveJob(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, true)
	job := activeJob(1, "daily")
	job.Active = false
	require.NoError(t, s.Schedule(job))
	assert.Empty(t, s.ScheduledJobIDs())
	assert.Equal(t, 0, cronEntries(s))
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, true)

	assert.ErrorIs(t, s.Schedule(activeJob(0, "daily")), ErrMissingID)

	err := s.Schedule(activeJob(3, "every tuesday"))
	var ise *InvalidScheduleError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "every tuesday", ise.Schedule)
	assert.False(t, s.IsScheduled(3))
}

func TestScheduleThenUnscheduleLeavesNoHandle(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, true)
	require.NoError(t, s.Schedule(activeJob(5, "hourly")))
	assert.Equal(t, []int64{5}, s.ScheduledJobIDs())
	assert.Equal(t, 1, cronEntries(s))

	assert.True(t, s.Unschedule(5))
	assert.False(t, s.Unschedule(5), "second unschedule is a no-op")
	assert.False(t, s.Unschedule(404))
	assert.Empty(t, s.ScheduledJobIDs())
	assert.Equal(t, 0, cronEntries(s))
}

func TestRepeatedRescheduleKeepsOneHandle(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, true)
	schedules := []string{"hourly", "daily", "0 */5 * * * *", "weekly"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Reschedule(activeJob(9, schedules[i%len(schedules)])))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int64{9}, s.ScheduledJobIDs())
	assert.Equal(t, 1, cronEntries(s))

	inactive := activeJob(9, "hourly")
	inactive.Active = false
	require.NoError(t, s.Reschedule(inactive))
	assert.Empty(t, s.ScheduledJobIDs())
	assert.Equal(t, 0, cronEntries(s))
}

func TestScheduleBeforeStartRegistersOnStart(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, false)
	require.NoError(t, s.Schedule(activeJob(1, "daily")))
	require.NoError(t, s.Schedule(activeJob(2, "hourly")))
	assert.Equal(t, 0, cronEntries(s))

	s.Start()
	assert.Equal(t, 2, cronEntries(s))

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 2)
	assert.True(t, snap.Running)
	for _, e := range snap.Entries {
		assert.False(t, e.Next.IsZero(), "job %d has a next fire time", e.JobID)
	}

	s.Stop(context.Background())
	assert.Equal(t, []int64{1, 2}, s.ScheduledJobIDs(), "stop keeps registry entries")
	e, _ := s.reg.Lookup(1)
	assert.Zero(t, e.Handle)
}

func TestApplyTimezoneRestartsClockKeepingIDs(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, true)
	require.NoError(t, s.Schedule(activeJob(1, "daily")))
	require.NoError(t, s.Schedule(activeJob(2, "hourly")))

	s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	assert.Equal(t, []int64{1, 2}, s.ScheduledJobIDs())
	assert.Equal(t, 2, cronEntries(s))
	assert.Equal(t, "Asia/Tokyo", s.Snapshot().Timezone)

	daily := s.Snapshot().Entries[0]
	require.False(t, daily.Next.IsZero())
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, 0, daily.Next.In(tokyo).Hour())

	s.Apply(Config{Enabled: false, Timezone: "Asia/Tokyo"})
	assert.False(t, s.Snapshot().Running)
	s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	assert.True(t, s.Snapshot().Running)
	assert.Equal(t, 2, cronEntries(s))
}

func TestScheduledJobFiresAndPersists(t *testing.T) {
	t.Parallel()

	s, exec, sink := newService(t, true)
	require.NoError(t, s.Schedule(activeJob(4, "* * * * * *")))

	require.Eventually(t, func() bool { return len(sink.saved()) > 0 }, 3*time.Second, 20*time.Millisecond)
	out := sink.saved()[0]
	assert.Equal(t, int64(4), out.JobID)
	assert.True(t, out.Success)
	assert.GreaterOrEqual(t, exec.calls.Load(), int32(1))
}

func TestFailedFireIsRecordedByEngine(t *testing.T) {
	t.Parallel()

	s, exec, sink := newService(t, true)
	exec.fail = true
	require.NoError(t, s.Schedule(activeJob(6, "* * * * * *")))

	require.Eventually(t, func() bool { return len(s.Snapshot().Engine.History) > 0 }, 3*time.Second, 20*time.Millisecond)
	h := s.Snapshot().Engine.History[0]
	assert.Equal(t, "job.6", h.Name)
	assert.Contains(t, h.Error, "500")
	require.NotEmpty(t, sink.saved())
	assert.False(t, sink.saved()[0].Success)
}

func TestRunNow(t *testing.T) {
	t.Parallel()

	s, exec, sink := newService(t, false)

	job := activeJob(8, "daily")
	job.Active = false
	out, err := s.RunNow(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.ID)
	assert.Equal(t, "a\nb", out.Data)
	assert.Len(t, sink.saved(), 1)
	assert.Empty(t, s.ScheduledJobIDs(), "run now does not touch the registry")

	_, err = s.RunNow(context.Background(), activeJob(0, "daily"))
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Equal(t, int32(1), exec.calls.Load())

	sink.err = errors.New("disk full")
	out, err = s.RunNow(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, out.Success, "outcome is still returned when persisting fails")
}

func TestLoadActiveJobsSkipsBadSchedules(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, true)
	inactive := activeJob(3, "daily")
	inactive.Active = false

	n, err := s.LoadActiveJobs(context.Background(), sliceSource{jobs: []model.Job{
		activeJob(1, "hourly"),
		activeJob(2, "not a cron"),
		inactive,
		activeJob(4, "0 30 9 * * 1-5"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 4}, s.ScheduledJobIDs())

	_, err = s.LoadActiveJobs(context.Background(), sliceSource{err: errors.New("db down")})
	assert.ErrorContains(t, err, "db down")
}

func TestValidateCronExpression(t *testing.T) {
	t.Parallel()

	s, _, _ := newService(t, false)
	assert.NoError(t, s.ValidateCronExpression("monthly"))
	assert.NoError(t, s.ValidateCronExpression("0 15 10 * * *"))
	assert.Error(t, s.ValidateCronExpression("0 15 10 * *"))
	assert.Empty(t, s.ScheduledJobIDs())
}
