package scheduler

import (
	"cmp"
	"slices"
	"sync"

	"github.com/robfig/cron/v3"

	"webcron/internal/model"
)

// Entry is the registry record for one scheduled job.
type Entry struct {
	Job  model.Job
	Spec Spec
	// Handle is the live cron entry; 0 while the clock is stopped.
	Handle cron.EntryID
}

// Registry maps job ids to their single scheduled entry.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]Entry)}
}

// Put inserts e unless its job id is already present.
func (r *Registry) Put(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Job.ID]; ok {
		return false
	}
	r.entries[e.Job.ID] = e
	return true
}

// Replace stores e and returns the entry it displaced, if any.
func (r *Registry) Replace(e Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[e.Job.ID]
	r.entries[e.Job.ID] = e
	return prev, ok
}

func (r *Registry) Remove(jobID int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if ok {
		delete(r.entries, jobID)
	}
	return e, ok
}

func (r *Registry) Lookup(jobID int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	return e, ok
}

// SetHandle updates the cron handle of an existing entry.
func (r *Registry) SetHandle(jobID int64, h cron.EntryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		return false
	}
	e.Handle = h
	r.entries[jobID] = e
	return true
}

// IDs returns the scheduled job ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Entries returns a copy of every entry ordered by job id.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Job.ID, b.Job.ID) })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
