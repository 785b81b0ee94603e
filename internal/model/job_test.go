package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDataKindText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want DataKind
	}{
		{name: "text", raw: "text", want: Text()},
		{name: "attribute", raw: "attribute:href", want: Attribute("href")},
		{name: "attribute with colon", raw: "attribute:xlink:href", want: Attribute("xlink:href")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDataKind(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.raw, got.String())
		})
	}

	for _, bad := range []string{"", "Text", "attribute:", "attr:href"} {
		_, err := ParseDataKind(bad)
		assert.Error(t, err, "ParseDataKind(%q)", bad)
	}
}

func TestDataKindJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Attribute("href"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"attribute":"href"}`, string(b))

	b, err = json.Marshal(Text())
	require.NoError(t, err)
	assert.Equal(t, `"text"`, string(b))

	var d DataKind
	require.NoError(t, json.Unmarshal([]byte(`{"attribute":"src"}`), &d))
	name, ok := d.AttributeName()
	assert.True(t, ok)
	assert.Equal(t, "src", name)

	require.NoError(t, json.Unmarshal([]byte(`"text"`), &d))
	assert.True(t, d.IsText())

	assert.Error(t, json.Unmarshal([]byte(`{"attribute":""}`), &d))
	assert.Error(t, json.Unmarshal([]byte(`{"attr":"x"}`), &d))
}

func TestJobJSONShape(t *testing.T) {
	t.Parallel()

	raw := `{"name":"prices","url":"https://example.com","selectorKind":"css","selector":"p",
		"dataKind":{"attribute":"href"},"schedule":"daily","proxyUrl":"http://proxy:8080","active":true}`
	var j Job
	require.NoError(t, json.Unmarshal([]byte(raw), &j))
	assert.False(t, j.HasID())
	assert.Equal(t, SelectorCSS, j.SelectorKind)
	assert.Equal(t, "http://proxy:8080", j.ProxyURL)
	assert.Equal(t, Attribute("href"), j.DataKind)
	require.NoError(t, j.Validate())
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	base := Job{Name: "n", URL: "https://example.com", SelectorKind: SelectorRegex, Selector: `\d+`, Schedule: "hourly"}
	require.NoError(t, base.Validate())

	tests := []struct {
		field  string
		mutate func(j *Job)
	}{
		{field: "name", mutate: func(j *Job) { j.Name = " " }},
		{field: "url", mutate: func(j *Job) { j.URL = "" }},
		{field: "selectorKind", mutate: func(j *Job) { j.SelectorKind = "xpath" }},
		{field: "selector", mutate: func(j *Job) { j.Selector = "" }},
		{field: "dataKind", mutate: func(j *Job) { j.DataKind = Attribute("") }},
		{field: "schedule", mutate: func(j *Job) { j.Schedule = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			j := base
			tt.mutate(&j)
			err := j.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestOutcomeConstructors(t *testing.T) {
	t.Parallel()

	ok := Succeeded(7, []string{"a", "b"}, testTime)
	assert.True(t, ok.Success)
	assert.Equal(t, "a\nb", ok.Data)
	assert.Empty(t, ok.ErrorMessage)

	empty := Succeeded(7, nil, testTime)
	assert.True(t, empty.Success)
	assert.Equal(t, "", empty.Data)

	bad := Failed(7, errors.New("boom"), testTime)
	assert.False(t, bad.Success)
	assert.Equal(t, "boom", bad.ErrorMessage)
	assert.Empty(t, bad.Data)
}
