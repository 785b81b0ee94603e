package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webcron/internal/model"
	logx "webcron/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "webcron.json")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "webcron.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func sampleJob(name string, active bool) model.Job {
	return model.Job{
		Name:         name,
		URL:          "https://example.com/" + name,
		SelectorKind: model.SelectorCSS,
		Selector:     "a.item",
		DataKind:     model.Attribute("href"),
		Schedule:     "hourly",
		UserAgent:    "",
		ProxyURL:     "socks5://127.0.0.1:1080",
		Active:       active,
	}
}

func TestStoreJobCRUD(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)

			created, err := st.CreateJob(ctx, sampleJob("news", true))
			require.NoError(t, err)
			require.True(t, created.HasID())
			assert.False(t, created.CreatedAt.IsZero())
			assert.Equal(t, created.CreatedAt, created.UpdatedAt)

			got, err := st.GetJob(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, "news", got.Name)
			assert.Equal(t, model.SelectorCSS, got.SelectorKind)
			attr, isAttr := got.DataKind.AttributeName()
			assert.True(t, isAttr)
			assert.Equal(t, "href", attr)
			assert.Equal(t, "socks5://127.0.0.1:1080", got.ProxyURL)
			assert.Empty(t, got.UserAgent)
			assert.True(t, got.Active)

			_, err = st.CreateJob(ctx, sampleJob("news", false))
			assert.ErrorIs(t, err, ErrConflict)

			time.Sleep(2 * time.Millisecond)
			got.Schedule = "daily"
			got.DataKind = model.Text()
			got.Active = false
			updated, err := st.UpdateJob(ctx, got)
			require.NoError(t, err)
			assert.Equal(t, "daily", updated.Schedule)
			assert.True(t, updated.DataKind.IsText())
			assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))
			assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

			missing := got
			missing.ID = 999
			_, err = st.UpdateJob(ctx, missing)
			assert.ErrorIs(t, err, ErrNotFound)

			other, err := st.CreateJob(ctx, sampleJob("weather", true))
			require.NoError(t, err)
			other.Name = "news"
			_, err = st.UpdateJob(ctx, other)
			assert.ErrorIs(t, err, ErrConflict)

			require.NoError(t, st.DeleteJob(ctx, created.ID))
			_, err = st.GetJob(ctx, created.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, st.DeleteJob(ctx, created.ID), ErrNotFound)
		})
	}
}

func TestStoreListAndActive(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)

			var ids []int64
			for i, active := range []bool{true, false, true} {
				j, err := st.CreateJob(ctx, sampleJob(fmt.Sprintf("job-%d", i), active))
				require.NoError(t, err)
				ids = append(ids, j.ID)
				time.Sleep(2 * time.Millisecond)
			}

			all, err := st.ListJobs(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, ids[2], all[0].ID, "newest first")
			assert.Equal(t, ids[0], all[2].ID)

			active, err := st.ActiveJobs(ctx)
			require.NoError(t, err)
			require.Len(t, active, 2)
			assert.Equal(t, ids[0], active[0].ID)
			assert.Equal(t, ids[2], active[1].ID)
		})
	}
}

func TestStoreOutcomes(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)

			job, err := st.CreateJob(ctx, sampleJob("prices", true))
			require.NoError(t, err)

			base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 4; i++ {
				out := model.Succeeded(job.ID, []string{fmt.Sprintf("v%d", i), "x"}, base.Add(time.Duration(i)*time.Hour))
				_, err := st.SaveOutcome(ctx, out)
				require.NoError(t, err)
			}
			failedID, err := st.SaveOutcome(ctx, model.Failed(job.ID, errors.New("HTTP error: 404 Not Found"), base.Add(10*time.Hour)))
			require.NoError(t, err)

			_, err = st.SaveOutcome(ctx, model.Succeeded(4242, nil, base))
			assert.ErrorIs(t, err, ErrNotFound, "outcome for unknown job")

			all, err := st.ListOutcomes(ctx, job.ID, model.OutcomeFilter{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, failedID, all[0].ID, "newest first")
			assert.False(t, all[0].Success)
			assert.Equal(t, "HTTP error: 404 Not Found", all[0].ErrorMessage)
			assert.Equal(t, "v3\nx", all[1].Data)
			assert.Equal(t, []string{"v3", "x"}, all[1].Items)
			assert.True(t, all[1].Timestamp.Equal(base.Add(3*time.Hour)))

			window, err := st.ListOutcomes(ctx, job.ID, model.OutcomeFilter{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)})
			require.NoError(t, err)
			require.Len(t, window, 2)
			assert.Equal(t, "v2\nx", window[0].Data)
			assert.Equal(t, "v1\nx", window[1].Data)

			limited, err := st.ListOutcomes(ctx, job.ID, model.OutcomeFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			one, err := st.GetOutcome(ctx, failedID)
			require.NoError(t, err)
			assert.Equal(t, job.ID, one.JobID)
			_, err = st.GetOutcome(ctx, 987654)
			assert.ErrorIs(t, err, ErrNotFound)

			stats, err := st.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.TotalJobs)
			assert.Equal(t, int64(1), stats.ActiveJobs)
			assert.Equal(t, int64(5), stats.TotalResults)
			require.NotNil(t, stats.LastRun)
			assert.True(t, stats.LastRun.Equal(base.Add(10*time.Hour)))

			require.NoError(t, st.DeleteJob(ctx, job.ID))
			gone, err := st.ListOutcomes(ctx, job.ID, model.OutcomeFilter{})
			require.NoError(t, err)
			assert.Empty(t, gone, "outcomes deleted with their job")
			_, err = st.GetOutcome(ctx, failedID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "webcron.data")}

			st, err := Open(ctx, cfg, logx.Nop())
			require.NoError(t, err)
			job, err := st.CreateJob(ctx, sampleJob("keep", true))
			require.NoError(t, err)
			_, err = st.SaveOutcome(ctx, model.Succeeded(job.ID, []string{"a"}, time.Now()))
			require.NoError(t, err)
			require.NoError(t, st.Close())

			st, err = Open(ctx, cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			got, err := st.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, "keep", got.Name)

			next, err := st.CreateJob(ctx, sampleJob("next", true))
			require.NoError(t, err)
			assert.Greater(t, next.ID, job.ID, "ids are not reused after reopen")

			outs, err := st.ListOutcomes(ctx, job.ID, model.OutcomeFilter{})
			require.NoError(t, err)
			assert.Len(t, outs, 1)
		})
	}
}

func TestFileJournalReplayWithoutClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}
	st, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	a, err := st.CreateJob(ctx, sampleJob("a", true))
	require.NoError(t, err)
	b, err := st.CreateJob(ctx, sampleJob("b", true))
	require.NoError(t, err)
	require.NoError(t, st.DeleteJob(ctx, a.ID))

	// Simulate a crash: the journal is the only record.
	reopened, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	jobs, err := reopened.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, b.ID, jobs[0].ID)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, cfg := range []Config{
		{},
		{Driver: "mongo"},
		{Driver: "file"},
		{Driver: "sqlite"},
		{Driver: "postgres"},
	} {
		_, err := Open(ctx, cfg, logx.Nop())
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestNumberedPlaceholders(t *testing.T) {
	t.Parallel()

	pg := &sqlStore{d: dialect{numbered: true}}
	assert.Equal(t, "UPDATE jobs SET name = $1 WHERE id = $2", pg.q("UPDATE jobs SET name = ? WHERE id = ?"))
	lite := &sqlStore{}
	assert.Equal(t, "SELECT ? FROM t", lite.q("SELECT ? FROM t"))
}

func TestMapPgErr(t *testing.T) {
	t.Parallel()

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: "Key (name)=(news) already exists."})
	assert.ErrorIs(t, mapPgErr(unique), ErrConflict)

	fk := &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}
	assert.ErrorIs(t, mapPgErr(fk), ErrNotFound)

	other := errors.New("connection reset")
	assert.Same(t, other, mapPgErr(other))
}
