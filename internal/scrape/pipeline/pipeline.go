// Package pipeline composes fetch and extract into one fetch-extract-outcome run.
//
// Run never returns an error: every failure is captured into a failed Outcome so a
// single job cannot destabilize the scheduler.
package pipeline

import (
	"context"
	"time"

	"webcron/internal/eventbus"
	"webcron/internal/model"
	"webcron/internal/scrape/extract"
	"webcron/internal/scrape/fetch"
	logx "webcron/pkg/logx"
)

// TestRunLimit caps the items returned by TestRun.
const TestRunLimit = 5

// Fetcher is the subset of fetch.Client used by the pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, r fetch.Request) ([]byte, error)
}

type Pipeline struct {
	fetcher Fetcher
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
}

type Option func(*Pipeline)

// WithClock overrides the completion-time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func New(f Fetcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &Pipeline{fetcher: f, log: log, bus: bus, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Execute satisfies scheduler.Executable.
func (p *Pipeline) Execute(ctx context.Context, job model.Job) model.Outcome {
	return p.Run(ctx, job)
}

// Run fetches job.URL, extracts with the job's selector and returns the Outcome.
func (p *Pipeline) Run(ctx context.Context, job model.Job) model.Outcome {
	out := p.run(ctx, job, 0)
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeOutcome, Time: out.Timestamp, Data: out})
	return out
}

// TestRun is Run with the item list truncated to TestRunLimit. It does not publish.
func (p *Pipeline) TestRun(ctx context.Context, job model.Job) model.Outcome {
	return p.run(ctx, job, TestRunLimit)
}

func (p *Pipeline) run(ctx context.Context, job model.Job, limit int) model.Outcome {
	log := p.log.With(logx.Int64("job_id", job.ID), logx.String("job", job.Name))
	start := time.Now()

	body, err := p.fetcher.Fetch(ctx, fetch.Request{
		URL:       job.URL,
		UserAgent: job.UserAgent,
		ProxyURL:  job.ProxyURL,
	})
	if err != nil {
		log.Warn("fetch failed", logx.String("url", job.URL), logx.Err(err), logx.Duration("took", time.Since(start)))
		return model.Failed(job.ID, err, p.now())
	}

	items, err := extract.Extract(body, job.SelectorKind, job.Selector, job.DataKind)
	if err != nil {
		log.Warn("extract failed", logx.String("kind", string(job.SelectorKind)), logx.Err(err))
		return model.Failed(job.ID, err, p.now())
	}

	if len(items) == 0 {
		log.Warn("no data found", logx.String("kind", string(job.SelectorKind)), logx.String("selector", job.Selector))
	} else {
		log.Debug("extracted items", logx.Int("items", len(items)), logx.Duration("took", time.Since(start)))
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return model.Succeeded(job.ID, items, p.now())
}
