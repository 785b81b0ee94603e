package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SelectorKind picks the extraction grammar of Job.Selector.
type SelectorKind string

const (
	SelectorCSS   SelectorKind = "css"
	SelectorRegex SelectorKind = "regex"
)

// ParseSelectorKind accepts "css" or "regex" (case-insensitive).
func ParseSelectorKind(s string) (SelectorKind, error) {
	switch SelectorKind(strings.ToLower(strings.TrimSpace(s))) {
	case SelectorCSS:
		return SelectorCSS, nil
	case SelectorRegex:
		return SelectorRegex, nil
	default:
		return "", fmt.Errorf("invalid selector kind %q", s)
	}
}

func (k SelectorKind) Valid() bool { return k == SelectorCSS || k == SelectorRegex }

// DataKind selects what is read from each CSS match: the element text or one attribute.
//
// The zero value is Text. Attribute carries the attribute name.
type DataKind struct {
	attr string
	isAt bool
}

// Text reads the concatenated descendant text of each match.
func Text() DataKind { return DataKind{} }

// Attribute reads the named attribute of each match.
func Attribute(name string) DataKind { return DataKind{attr: name, isAt: true} }

// IsText reports whether d is the Text variant.
func (d DataKind) IsText() bool { return !d.isAt }

// AttributeName returns the attribute name and true for the Attribute variant.
func (d DataKind) AttributeName() (string, bool) { return d.attr, d.isAt }

// String renders the storage form: "text" or "attribute:<name>".
func (d DataKind) String() string {
	if d.isAt {
		return "attribute:" + d.attr
	}
	return "text"
}

// ParseDataKind is the inverse of DataKind.String.
func ParseDataKind(s string) (DataKind, error) {
	if s == "text" {
		return Text(), nil
	}
	if name, ok := strings.CutPrefix(s, "attribute:"); ok {
		if strings.TrimSpace(name) == "" {
			return DataKind{}, fmt.Errorf("invalid data kind %q: attribute name required", s)
		}
		return Attribute(name), nil
	}
	return DataKind{}, fmt.Errorf("invalid data kind %q", s)
}

// MarshalJSON encodes Text as "text" and Attribute as {"attribute":"<name>"}.
func (d DataKind) MarshalJSON() ([]byte, error) {
	if d.isAt {
		return json.Marshal(struct {
			Attribute string `json:"attribute"`
		}{Attribute: d.attr})
	}
	return []byte(`"text"`), nil
}

func (d *DataKind) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseDataKind(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var obj struct {
		Attribute *string `json:"attribute"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("invalid data kind: %w", err)
	}
	if obj.Attribute == nil || strings.TrimSpace(*obj.Attribute) == "" {
		return fmt.Errorf("invalid data kind: attribute name required")
	}
	*d = Attribute(*obj.Attribute)
	return nil
}

// Job describes what to fetch, how to extract from it, and when to run.
//
// ID is zero until the job has been persisted.
type Job struct {
	ID           int64        `json:"id,omitempty"`
	Name         string       `json:"name"`
	URL          string       `json:"url"`
	SelectorKind SelectorKind `json:"selectorKind"`
	Selector     string       `json:"selector"`
	DataKind     DataKind     `json:"dataKind"`
	Schedule     string       `json:"schedule"`
	UserAgent    string       `json:"userAgent,omitempty"`
	ProxyURL     string       `json:"proxyUrl,omitempty"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"createdAt,omitzero"`
	UpdatedAt    time.Time    `json:"updatedAt,omitzero"`
}

// HasID reports whether the job has been persisted.
func (j Job) HasID() bool { return j.ID > 0 }

// Validate checks field-level constraints. Selector and schedule syntax is checked by
// the extract and scheduler packages.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(j.URL) == "" {
		return &ValidationError{Field: "url", Reason: "required"}
	}
	if !j.SelectorKind.Valid() {
		return &ValidationError{Field: "selectorKind", Reason: fmt.Sprintf("unknown kind %q", j.SelectorKind)}
	}
	if strings.TrimSpace(j.Selector) == "" {
		return &ValidationError{Field: "selector", Reason: "required"}
	}
	if name, ok := j.DataKind.AttributeName(); ok && strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "dataKind", Reason: "attribute name required"}
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return &ValidationError{Field: "schedule", Reason: "required"}
	}
	return nil
}

// ValidationError reports an invalid job field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job %s: %s", e.Field, e.Reason)
}
