package storage

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"webcron/internal/model"
	logx "webcron/pkg/logx"
)

const compactEvery = 500

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the last snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int

	state fileState
}

type fileState struct {
	NextJobID     int64              `json:"nextJobId"`
	NextOutcomeID int64              `json:"nextOutcomeId"`
	Jobs          map[int64]fileJob  `json:"jobs"`
	Outcomes      map[int64]fileOutc `json:"outcomes"`
}

// fileJob stores DataKind in its text form.
type fileJob struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	SelectorKind string    `json:"selectorKind"`
	Selector     string    `json:"selector"`
	DataKind     string    `json:"dataKind"`
	Schedule     string    `json:"schedule"`
	UserAgent    string    `json:"userAgent,omitempty"`
	ProxyURL     string    `json:"proxyUrl,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type fileOutc struct {
	ID           int64     `json:"id"`
	JobID        int64     `json:"jobId"`
	Data         string    `json:"data"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

type journalOp string

const (
	opJobPut     journalOp = "job.put"
	opJobDelete  journalOp = "job.delete"
	opOutcomePut journalOp = "outcome.put"
)

type journalRecord struct {
	Op      journalOp `json:"op"`
	Job     *fileJob  `json:"job,omitempty"`
	Outcome *fileOutc `json:"outcome,omitempty"`
	ID      int64     `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Info("storage opened", logx.String("path", snapPath), logx.Int("jobs", len(st.Jobs)), logx.Int("outcomes", len(st.Outcomes)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		state:        st,
	}, nil
}

func newFileState() fileState {
	return fileState{Jobs: map[int64]fileJob{}, Outcomes: map[int64]fileOutc{}}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) ActiveJobs(ctx context.Context) ([]model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Job{}
	for _, j := range s.state.Jobs {
		if j.Active {
			out = append(out, j.model())
		}
	}
	slices.SortFunc(out, func(a, b model.Job) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fileStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0, len(s.state.Jobs))
	for _, j := range s.state.Jobs {
		out = append(out, j.model())
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *fileStore) GetJob(ctx context.Context, id int64) (model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.state.Jobs[id]
	if !ok {
		return model.Job{}, notFound("job", id)
	}
	return j.model(), nil
}

func (s *fileStore) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return model.Job{}, ErrClosed
	}
	if s.nameTakenLocked(job.Name, 0) {
		return model.Job{}, fmt.Errorf("create job %q: %w: name already exists", job.Name, ErrConflict)
	}
	now := time.Now().UTC()
	s.state.NextJobID++
	job.ID = s.state.NextJobID
	job.CreatedAt = now
	job.UpdatedAt = now

	fj := toFileJob(job)
	if err := s.appendLocked(journalRecord{Op: opJobPut, Job: &fj}); err != nil {
		s.state.NextJobID--
		return model.Job{}, err
	}
	s.state.Jobs[job.ID] = fj
	return job, nil
}

func (s *fileStore) UpdateJob(ctx context.Context, job model.Job) (model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return model.Job{}, ErrClosed
	}
	prev, ok := s.state.Jobs[job.ID]
	if !ok {
		return model.Job{}, notFound("job", job.ID)
	}
	if s.nameTakenLocked(job.Name, job.ID) {
		return model.Job{}, fmt.Errorf("update job %d: %w: name already exists", job.ID, ErrConflict)
	}
	job.CreatedAt = prev.CreatedAt
	job.UpdatedAt = time.Now().UTC()

	fj := toFileJob(job)
	if err := s.appendLocked(journalRecord{Op: opJobPut, Job: &fj}); err != nil {
		return model.Job{}, err
	}
	s.state.Jobs[job.ID] = fj
	return job, nil
}

func (s *fileStore) DeleteJob(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.state.Jobs[id]; !ok {
		return notFound("job", id)
	}
	if err := s.appendLocked(journalRecord{Op: opJobDelete, ID: id}); err != nil {
		return err
	}
	s.state.deleteJob(id)
	return nil
}

func (s *fileStore) SaveOutcome(ctx context.Context, out model.Outcome) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	if _, ok := s.state.Jobs[out.JobID]; !ok {
		return 0, notFound("job", out.JobID)
	}
	s.state.NextOutcomeID++
	fo := fileOutc{
		ID:           s.state.NextOutcomeID,
		JobID:        out.JobID,
		Data:         out.Data,
		Timestamp:    out.Timestamp.UTC(),
		Success:      out.Success,
		ErrorMessage: out.ErrorMessage,
	}
	if err := s.appendLocked(journalRecord{Op: opOutcomePut, Outcome: &fo}); err != nil {
		s.state.NextOutcomeID--
		return 0, err
	}
	s.state.Outcomes[fo.ID] = fo
	return fo.ID, nil
}

func (s *fileStore) GetOutcome(ctx context.Context, id int64) (model.Outcome, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.Outcomes[id]
	if !ok {
		return model.Outcome{}, notFound("outcome", id)
	}
	return o.model(), nil
}

func (s *fileStore) ListOutcomes(ctx context.Context, jobID int64, f model.OutcomeFilter) ([]model.Outcome, error) {
	_ = ctx
	s.mu.Lock()
	out := []model.Outcome{}
	for _, o := range s.state.Outcomes {
		if o.JobID == jobID && f.Match(o.Timestamp) {
			out = append(out, o.model())
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Outcome) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) Stats(ctx context.Context) (model.JobStats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.JobStats{
		TotalJobs:    int64(len(s.state.Jobs)),
		TotalResults: int64(len(s.state.Outcomes)),
	}
	for _, j := range s.state.Jobs {
		if j.Active {
			st.ActiveJobs++
		}
	}
	var last time.Time
	for _, o := range s.state.Outcomes {
		if o.Timestamp.After(last) {
			last = o.Timestamp
		}
	}
	if !last.IsZero() {
		st.LastRun = &last
	}
	return st, nil
}

func (s *fileStore) nameTakenLocked(name string, except int64) bool {
	for id, j := range s.state.Jobs {
		if id != except && j.Name == name {
			return true
		}
	}
	return false
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (st *fileState) deleteJob(id int64) {
	delete(st.Jobs, id)
	for oid, o := range st.Outcomes {
		if o.JobID == id {
			delete(st.Outcomes, oid)
		}
	}
}

func (st *fileState) apply(rec journalRecord) error {
	switch rec.Op {
	case opJobPut:
		if rec.Job == nil {
			return errors.New("job.put without job")
		}
		st.Jobs[rec.Job.ID] = *rec.Job
		st.NextJobID = max(st.NextJobID, rec.Job.ID)
	case opJobDelete:
		st.deleteJob(rec.ID)
	case opOutcomePut:
		if rec.Outcome == nil {
			return errors.New("outcome.put without outcome")
		}
		st.Outcomes[rec.Outcome.ID] = *rec.Outcome
		st.NextOutcomeID = max(st.NextOutcomeID, rec.Outcome.ID)
	default:
		return fmt.Errorf("unknown journal op %q", rec.Op)
	}
	return nil
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(out); err != nil {
		return err
	}
	if out.Jobs == nil {
		out.Jobs = map[int64]fileJob{}
	}
	if out.Outcomes == nil {
		out.Outcomes = map[int64]fileOutc{}
	}
	return nil
}

func replayJournal(path string, out *fileState) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		if err := out.apply(rec); err != nil {
			skipped++
		}
	}
	return skipped, sc.Err()
}

func toFileJob(j model.Job) fileJob {
	return fileJob{
		ID:           j.ID,
		Name:         j.Name,
		URL:          j.URL,
		SelectorKind: string(j.SelectorKind),
		Selector:     j.Selector,
		DataKind:     j.DataKind.String(),
		Schedule:     j.Schedule,
		UserAgent:    j.UserAgent,
		ProxyURL:     j.ProxyURL,
		Active:       j.Active,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func (j fileJob) model() model.Job {
	// Values were validated on the way in.
	kind, _ := model.ParseSelectorKind(j.SelectorKind)
	dk, _ := model.ParseDataKind(j.DataKind)
	return model.Job{
		ID:           j.ID,
		Name:         j.Name,
		URL:          j.URL,
		SelectorKind: kind,
		Selector:     j.Selector,
		DataKind:     dk,
		Schedule:     j.Schedule,
		UserAgent:    j.UserAgent,
		ProxyURL:     j.ProxyURL,
		Active:       j.Active,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func (o fileOutc) model() model.Outcome {
	out := model.Outcome{
		ID:           o.ID,
		JobID:        o.JobID,
		Data:         o.Data,
		Timestamp:    o.Timestamp,
		Success:      o.Success,
		ErrorMessage: o.ErrorMessage,
	}
	if o.Data != "" {
		out.Items = strings.Split(o.Data, "\n")
	}
	return out
}
