package model

import (
	"strings"
	"time"
)

// Outcome is the immutable record of one execution.
//
// Items holds the extracted values in document order; Data is Items joined by
// newline and is what storage keeps.
type Outcome struct {
	ID           int64     `json:"id,omitempty"`
	JobID        int64     `json:"jobId"`
	Data         string    `json:"data"`
	Items        []string  `json:"-"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Succeeded builds a successful outcome. Zero items is still a success.
func Succeeded(jobID int64, items []string, at time.Time) Outcome {
	return Outcome{
		JobID:     jobID,
		Data:      strings.Join(items, "\n"),
		Items:     items,
		Timestamp: at,
		Success:   true,
	}
}

// Failed builds a failed outcome carrying err's text.
func Failed(jobID int64, err error, at time.Time) Outcome {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Outcome{
		JobID:        jobID,
		Timestamp:    at,
		ErrorMessage: msg,
	}
}

// OutcomeFilter narrows an outcome listing. Zero times are open bounds.
type OutcomeFilter struct {
	Start time.Time
	End   time.Time
	Limit int
}

// Match reports whether ts falls inside the filter window (inclusive).
func (f OutcomeFilter) Match(ts time.Time) bool {
	if !f.Start.IsZero() && ts.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ts.After(f.End) {
		return false
	}
	return true
}

// JobStats summarizes the store contents.
type JobStats struct {
	TotalJobs    int64      `json:"totalJobs"`
	ActiveJobs   int64      `json:"activeJobs"`
	TotalResults int64      `json:"totalResults"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
}
