package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"webcron/internal/model"
	logx "webcron/pkg/logx"
)

// dialect captures the differences between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// encodeTime converts a time for binding.
	encodeTime func(time.Time) any
	// mapErr translates driver errors into ErrConflict / ErrNotFound.
	mapErr func(err error) error
}

// sqlStore implements Store over database/sql for sqlite and postgres.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

const jobColumns = `id, name, url, selector_type, selector, data_type, schedule, user_agent, proxy_url, is_active, created_at, updated_at`

const outcomeColumns = `id, job_id, scraped_data, completed_at, success, error_message`

// q rewrites ? placeholders for numbered dialects.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) ActiveJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE is_active = ? ORDER BY id`, true)
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC`)
}

func (s *sqlStore) GetJob(ctx context.Context, id int64) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, notFound("job", id)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

func (s *sqlStore) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO jobs (name, url, selector_type, selector, data_type, schedule, user_agent, proxy_url, is_active, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		job.Name, job.URL, string(job.SelectorKind), job.Selector, job.DataKind.String(), job.Schedule,
		nullStr(job.UserAgent), nullStr(job.ProxyURL), job.Active, s.d.encodeTime(now), s.d.encodeTime(now),
	).Scan(&id)
	if err != nil {
		return model.Job{}, fmt.Errorf("create job %q: %w", job.Name, s.d.mapErr(err))
	}
	job.ID = id
	return job, nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, job model.Job) (model.Job, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET name = ?, url = ?, selector_type = ?, selector = ?, data_type = ?, schedule = ?,
		 user_agent = ?, proxy_url = ?, is_active = ?, updated_at = ? WHERE id = ?`),
		job.Name, job.URL, string(job.SelectorKind), job.Selector, job.DataKind.String(), job.Schedule,
		nullStr(job.UserAgent), nullStr(job.ProxyURL), job.Active, s.d.encodeTime(now), job.ID,
	)
	if err != nil {
		return model.Job{}, fmt.Errorf("update job %d: %w", job.ID, s.d.mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Job{}, notFound("job", job.ID)
	}
	return s.GetJob(ctx, job.ID)
}

func (s *sqlStore) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Outcomes go first so deletion does not depend on the driver enforcing ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM results WHERE job_id = ?`), id); err != nil {
		return fmt.Errorf("delete outcomes of job %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job", id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) SaveOutcome(ctx context.Context, out model.Outcome) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO results (job_id, scraped_data, completed_at, success, error_message) VALUES (?,?,?,?,?) RETURNING id`),
		out.JobID, out.Data, s.d.encodeTime(out.Timestamp.UTC()), out.Success, nullStr(out.ErrorMessage),
	).Scan(&id)
	if err != nil {
		err = s.d.mapErr(err)
		if errors.Is(err, ErrNotFound) {
			return 0, notFound("job", out.JobID)
		}
		return 0, fmt.Errorf("save outcome for job %d: %w", out.JobID, err)
	}
	return id, nil
}

func (s *sqlStore) GetOutcome(ctx context.Context, id int64) (model.Outcome, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+outcomeColumns+` FROM results WHERE id = ?`), id)
	out, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Outcome{}, notFound("outcome", id)
	}
	if err != nil {
		return model.Outcome{}, fmt.Errorf("get outcome %d: %w", id, err)
	}
	return out, nil
}

func (s *sqlStore) ListOutcomes(ctx context.Context, jobID int64, f model.OutcomeFilter) ([]model.Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM results WHERE job_id = ?`
	args := []any{jobID}
	if !f.Start.IsZero() {
		query += ` AND completed_at >= ?`
		args = append(args, s.d.encodeTime(f.Start.UTC()))
	}
	if !f.End.IsZero() {
		query += ` AND completed_at <= ?`
		args = append(args, s.d.encodeTime(f.End.UTC()))
	}
	query += ` ORDER BY completed_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes of job %d: %w", jobID, err)
	}
	defer rows.Close()

	out := []model.Outcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqlStore) Stats(ctx context.Context) (model.JobStats, error) {
	var st model.JobStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&st.TotalJobs); err != nil {
		return st, fmt.Errorf("count jobs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM jobs WHERE is_active = ?`), true).Scan(&st.ActiveJobs); err != nil {
		return st, fmt.Errorf("count active jobs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&st.TotalResults); err != nil {
		return st, fmt.Errorf("count results: %w", err)
	}
	var last dbTime
	err := s.db.QueryRowContext(ctx, `SELECT completed_at FROM results ORDER BY completed_at DESC LIMIT 1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, fmt.Errorf("last run: %w", err)
	default:
		t := last.Time
		st.LastRun = &t
	}
	return st, nil
}

func (s *sqlStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (model.Job, error) {
	var (
		j            model.Job
		selectorKind string
		dataKind     string
		ua, proxy    sql.NullString
		created      dbTime
		updated      dbTime
	)
	if err := r.Scan(&j.ID, &j.Name, &j.URL, &selectorKind, &j.Selector, &dataKind, &j.Schedule,
		&ua, &proxy, &j.Active, &created, &updated); err != nil {
		return model.Job{}, err
	}
	kind, err := model.ParseSelectorKind(selectorKind)
	if err != nil {
		return model.Job{}, fmt.Errorf("job %d: %w", j.ID, err)
	}
	dk, err := model.ParseDataKind(dataKind)
	if err != nil {
		return model.Job{}, fmt.Errorf("job %d: %w", j.ID, err)
	}
	j.SelectorKind = kind
	j.DataKind = dk
	j.UserAgent = ua.String
	j.ProxyURL = proxy.String
	j.CreatedAt = created.Time
	j.UpdatedAt = updated.Time
	return j, nil
}

func scanOutcome(r rowScanner) (model.Outcome, error) {
	var (
		o      model.Outcome
		ts     dbTime
		errMsg sql.NullString
	)
	if err := r.Scan(&o.ID, &o.JobID, &o.Data, &ts, &o.Success, &errMsg); err != nil {
		return model.Outcome{}, err
	}
	o.Timestamp = ts.Time
	o.ErrorMessage = errMsg.String
	if o.Data != "" {
		o.Items = strings.Split(o.Data, "\n")
	}
	return o, nil
}

// sqliteTimeLayout is fixed width so text comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dbTime scans TIMESTAMPTZ values as well as sqlite TEXT timestamps.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = x.UTC()
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

var _ driver.Valuer = (*sqliteTime)(nil)

type sqliteTime time.Time

func (t sqliteTime) Value() (driver.Value, error) {
	return time.Time(t).UTC().Format(sqliteTimeLayout), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
