package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule aliases. Case and surrounding whitespace are ignored.
var aliases = map[string]string{
	"daily":   "0 0 0 * * *",
	"hourly":  "0 0 * * * *",
	"weekly":  "0 0 0 * * 0",
	"monthly": "0 0 0 1 * *",
}

// Exactly six fields: sec min hour dom month dow. Descriptors like "@hourly" are rejected.
var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// InvalidScheduleError reports a schedule string that is neither an alias nor a
// valid six-field cron expression.
type InvalidScheduleError struct {
	Schedule string
	Err      error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Schedule, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// Spec is a resolved schedule.
type Spec struct {
	// Raw is the input string.
	Raw string
	// Expr is the six-field expression; equal to Raw unless Raw was an alias.
	Expr string

	sched cron.Schedule
}

func (s Spec) String() string { return s.Expr }

// Alias reports whether Raw was one of the named aliases.
func (s Spec) Alias() bool { return s.Expr != s.Raw }

// Next returns up to n fire times strictly after from.
func (s Spec) Next(n int, from time.Time) []time.Time {
	if s.sched == nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = s.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// ParseSchedule resolves aliases and validates the result by building a trial schedule.
func ParseSchedule(raw string) (Spec, error) {
	expr, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		expr = raw
	}
	sched, err := specParser.Parse(expr)
	if err != nil {
		return Spec{}, &InvalidScheduleError{Schedule: raw, Err: err}
	}
	return Spec{Raw: raw, Expr: expr, sched: sched}, nil
}

// formatNext renders fire times for log fields.
func formatNext(ts []time.Time) string {
	var b strings.Builder
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
