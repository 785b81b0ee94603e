package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webcron/internal/eventbus"
	"webcron/internal/model"
	"webcron/internal/scrape/fetch"
	logx "webcron/pkg/logx"
)

type stubFetcher struct {
	body []byte
	err  error
	got  fetch.Request
}

func (s *stubFetcher) Fetch(ctx context.Context, r fetch.Request) ([]byte, error) {
	s.got = r
	return s.body, s.err
}

var fixed = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func cssJob() model.Job {
	return model.Job{
		ID:           11,
		Name:         "paragraphs",
		URL:          "https://example.com",
		SelectorKind: model.SelectorCSS,
		Selector:     "p",
		DataKind:     model.Text(),
		Schedule:     "hourly",
		UserAgent:    "ua/1",
		ProxyURL:     "http://proxy:3128",
		Active:       true,
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{body: []byte(`<p>First</p><p>Second</p>`)}
	p := New(f, logx.Nop(), nil, WithClock(func() time.Time { return fixed }))

	out := p.Run(context.Background(), cssJob())
	require.True(t, out.Success)
	assert.Equal(t, int64(11), out.JobID)
	assert.Equal(t, "First\nSecond", out.Data)
	assert.Equal(t, []string{"First", "Second"}, out.Items)
	assert.Empty(t, out.ErrorMessage)
	assert.Equal(t, fixed, out.Timestamp)

	assert.Equal(t, fetch.Request{URL: "https://example.com", UserAgent: "ua/1", ProxyURL: "http://proxy:3128"}, f.got)
}

func TestRunZeroMatchesIsSuccess(t *testing.T) {
	t.Parallel()

	p := New(&stubFetcher{body: []byte(`<div>nothing</div>`)}, logx.Nop(), nil)
	out := p.Run(context.Background(), cssJob())
	assert.True(t, out.Success)
	assert.Equal(t, "", out.Data)
	assert.Empty(t, out.ErrorMessage)
}

func TestRunFetchFailureSkipsExtraction(t *testing.T) {
	t.Parallel()

	job := cssJob()
	job.Selector = ">>>" // would fail extraction if it ran
	p := New(&stubFetcher{err: &fetch.HTTPStatusError{StatusCode: 503, Status: "503 Service Unavailable"}}, logx.Nop(), nil)

	out := p.Run(context.Background(), job)
	assert.False(t, out.Success)
	assert.Empty(t, out.Data)
	assert.Contains(t, out.ErrorMessage, "503")
}

func TestRunExtractionFailure(t *testing.T) {
	t.Parallel()

	job := cssJob()
	job.SelectorKind = model.SelectorRegex
	job.Selector = "("
	out := New(&stubFetcher{body: []byte("x")}, logx.Nop(), nil).Run(context.Background(), job)
	assert.False(t, out.Success)
	assert.Contains(t, out.ErrorMessage, "invalid regex pattern")
}

func TestRunTimeoutAndStatusAgainstServer(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	p := New(fetch.New(fetch.Config{Timeout: 50 * time.Millisecond}), logx.Nop(), nil)
	for _, url := range []string{slow.URL, missing.URL} {
		job := cssJob()
		job.URL = url
		job.ProxyURL = ""
		out := p.Run(context.Background(), job)
		assert.False(t, out.Success, url)
		assert.NotEmpty(t, out.ErrorMessage, url)
	}
}

func TestTestRunTruncatesToFive(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 1; i <= 8; i++ {
		fmt.Fprintf(&b, "<p>item %d</p>", i)
	}
	p := New(&stubFetcher{body: []byte(b.String())}, logx.Nop(), nil)

	out := p.TestRun(context.Background(), cssJob())
	require.True(t, out.Success)
	assert.Equal(t, []string{"item 1", "item 2", "item 3", "item 4", "item 5"}, out.Items)

	short := New(&stubFetcher{body: []byte("<p>a</p><p>b</p>")}, logx.Nop(), nil).TestRun(context.Background(), cssJob())
	assert.Equal(t, []string{"a", "b"}, short.Items)

	failed := New(&stubFetcher{err: errors.New("dial tcp: refused")}, logx.Nop(), nil).TestRun(context.Background(), cssJob())
	assert.False(t, failed.Success)
	assert.Equal(t, "dial tcp: refused", failed.ErrorMessage)
}

func TestRunPublishesOutcome(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	p := New(&stubFetcher{body: []byte("<p>x</p>")}, logx.Nop(), bus)
	p.Run(context.Background(), cssJob())
	p.TestRun(context.Background(), cssJob())

	e := <-ch
	assert.Equal(t, eventbus.TypeOutcome, e.Type)
	out, ok := e.Data.(model.Outcome)
	require.True(t, ok)
	assert.Equal(t, "x", out.Data)
	select {
	case extra := <-ch:
		t.Fatalf("test run must not publish, got %q", extra.Type)
	default:
	}
}

func TestRunDecodesLegacyCharset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<p>Caf\xe9 cr\xe8me</p>"))
	}))
	defer server.Close()

	p := New(fetch.New(fetch.DefaultConfig()), logx.Nop(), nil)

	job := cssJob()
	job.URL = server.URL
	job.ProxyURL = ""
	out := p.Run(context.Background(), job)
	require.True(t, out.Success, out.ErrorMessage)
	assert.Equal(t, "Café crème", out.Data)

	job.SelectorKind = model.SelectorRegex
	job.Selector = `(Caf\S+)`
	out = p.Run(context.Background(), job)
	require.True(t, out.Success, out.ErrorMessage)
	assert.Equal(t, []string{"Café"}, out.Items)
	assert.True(t, utf8.ValidString(out.Data))
}
