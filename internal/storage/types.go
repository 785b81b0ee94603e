package storage

import (
	"context"
	"errors"
	"time"

	"webcron/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": Path is the snapshot file; the journal lives next to it
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}

// Store is the persistence API used by the scheduler and the app.
type Store interface {
	ActiveJobs(ctx context.Context) ([]model.Job, error)
	SaveOutcome(ctx context.Context, out model.Outcome) (int64, error)
	GetJob(ctx context.Context, id int64) (model.Job, error)

	// CreateJob assigns ID, CreatedAt and UpdatedAt and returns the stored job.
	CreateJob(ctx context.Context, job model.Job) (model.Job, error)
	// UpdateJob keeps ID and CreatedAt and refreshes UpdatedAt.
	UpdateJob(ctx context.Context, job model.Job) (model.Job, error)
	// DeleteJob removes the job and all of its outcomes.
	DeleteJob(ctx context.Context, id int64) error
	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context) ([]model.Job, error)

	// ListOutcomes returns outcomes of one job, newest first.
	ListOutcomes(ctx context.Context, jobID int64, f model.OutcomeFilter) ([]model.Outcome, error)
	GetOutcome(ctx context.Context, id int64) (model.Outcome, error)
	Stats(ctx context.Context) (model.JobStats, error)

	Close() error
}

func notFound(kind string, id int64) error {
	return &lookupError{kind: kind, id: id}
}

type lookupError struct {
	kind string
	id   int64
}

func (e *lookupError) Error() string { return e.kind + " " + itoa(e.id) + " not found" }
func (e *lookupError) Unwrap() error { return ErrNotFound }
