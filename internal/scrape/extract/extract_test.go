package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webcron/internal/model"
)

const samplePage = `
<html>
	<body>
		<div class="content">
			<p>First paragraph</p>
			<p>Second paragraph</p>
			<a href="https://example.com">Link</a>
			<a>No href</a>
			<span class="price"> <b>12</b> <i>USD</i> </span>
			<p>   </p>
		</div>
	</body>
</html>`

func TestCSSText(t *testing.T) {
	t.Parallel()

	got, err := CSS([]byte(`<p>First</p><p>Second</p>`), "p", model.Text())
	require.NoError(t, err)
	assert.Equal(t, []string{"First", "Second"}, got)

	got, err = CSS([]byte(samplePage), "div.content > p", model.Text())
	require.NoError(t, err)
	assert.Equal(t, []string{"First paragraph", "Second paragraph"}, got, "blank paragraph is dropped")
}

func TestCSSNestedTextJoinedWithSpaces(t *testing.T) {
	t.Parallel()

	got, err := CSS([]byte(`<div><span>a</span><span>b</span></div>`), "div", model.Text())
	require.NoError(t, err)
	assert.Equal(t, []string{"a b"}, got)

	got, err = CSS([]byte(samplePage), ".price", model.Text())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "12")
	assert.Contains(t, got[0], "USD")
}

func TestCSSAttribute(t *testing.T) {
	t.Parallel()

	got, err := CSS([]byte(`<a href="https://example.com">Link</a>`), "a", model.Attribute("href"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, got)

	got, err = CSS([]byte(samplePage), "a", model.Attribute("href"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, got, "missing attribute yields an empty entry which is dropped")
}

func TestCSSNoMatchesIsNotAnError(t *testing.T) {
	t.Parallel()

	got, err := CSS([]byte(samplePage), "table tr", model.Text())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCSSInvalidSelector(t *testing.T) {
	t.Parallel()

	for _, sel := range []string{">>>", "[[[", "", "p["} {
		_, err := CSS([]byte(samplePage), sel, model.Text())
		var cerr *SelectorCompileError
		require.True(t, errors.As(err, &cerr), "selector %q: got %v", sel, err)
		assert.Equal(t, sel, cerr.Selector)
	}
}

func TestRegex(t *testing.T) {
	t.Parallel()

	text := []byte("john@example.com jane@test.org")

	got, err := Regex(text, `(\w+)@(\w+\.\w+)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"john", "jane"}, got)

	got, err = Regex(text, `\w+@\w+\.\w+`)
	require.NoError(t, err)
	assert.Equal(t, []string{"john@example.com", "jane@test.org"}, got)
}

func TestRegexDropsEmptyMatches(t *testing.T) {
	t.Parallel()

	got, err := Regex([]byte("a1 b c2"), `[a-z](\d?)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got)

	got, err = Regex([]byte("nothing here"), `\d+`)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegexInvalidPattern(t *testing.T) {
	t.Parallel()

	for _, p := range []string{"[", "*", `(\w+`} {
		_, err := Regex([]byte("x"), p)
		var rerr *RegexCompileError
		require.True(t, errors.As(err, &rerr), "pattern %q: got %v", p, err)
	}
}

func TestExtractDispatch(t *testing.T) {
	t.Parallel()

	got, err := Extract([]byte(samplePage), model.SelectorRegex, `href="([^"]+)"`, model.Text())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, got)

	got, err = Extract([]byte(samplePage), model.SelectorCSS, "a[href]", model.Attribute("href"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, got)

	_, err = Extract([]byte(samplePage), "xpath", "//a", model.Text())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	for _, sel := range []string{"div.class", "#id", "p > a", "[data-test]"} {
		assert.NoError(t, ValidateSelector(sel), sel)
	}
	for _, p := range []string{`\d+`, `[a-zA-Z]+`, `(\w+)@(\w+\.\w+)`} {
		assert.NoError(t, ValidatePattern(p), p)
	}
	assert.Error(t, Validate(model.SelectorCSS, ">>>"))
	assert.Error(t, Validate(model.SelectorRegex, "["))
}
