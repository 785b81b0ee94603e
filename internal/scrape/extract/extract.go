// Package extract turns fetched content into an ordered list of strings using either a CSS
// selector or a regular expression.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"webcron/internal/model"
)

// SelectorCompileError reports a CSS selector that does not parse.
type SelectorCompileError struct {
	Selector string
	Err      error
}

func (e *SelectorCompileError) Error() string {
	return fmt.Sprintf("invalid CSS selector %q: %v", e.Selector, e.Err)
}

func (e *SelectorCompileError) Unwrap() error { return e.Err }

// RegexCompileError reports a regular expression that does not compile.
type RegexCompileError struct {
	Pattern string
	Err     error
}

func (e *RegexCompileError) Error() string {
	return fmt.Sprintf("invalid regex pattern %q: %v", e.Pattern, e.Err)
}

func (e *RegexCompileError) Unwrap() error { return e.Err }

// Extract runs selector over content according to kind. An empty result is not an error.
func Extract(content []byte, kind model.SelectorKind, selector string, dk model.DataKind) ([]string, error) {
	switch kind {
	case model.SelectorCSS:
		return CSS(content, selector, dk)
	case model.SelectorRegex:
		return Regex(content, selector)
	default:
		return nil, fmt.Errorf("unsupported selector kind %q", kind)
	}
}

// CSS returns one entry per matching element in document order. Entries that are empty
// after text/attribute resolution are dropped.
func CSS(content []byte, selector string, dk model.DataKind) ([]string, error) {
	sel, err := compileCSS(selector)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	attr, isAttr := dk.AttributeName()
	out := []string{}
	doc.FindMatcher(sel).Each(func(_ int, s *goquery.Selection) {
		var v string
		if isAttr {
			v = s.AttrOr(attr, "")
		} else {
			v = elementText(s.Get(0))
		}
		if v != "" {
			out = append(out, v)
		}
	})
	return out, nil
}

// Regex returns capture group 1 of every non-overlapping match when the pattern has a
// group, otherwise the whole match. Empty strings are dropped.
func Regex(content []byte, pattern string) ([]string, error) {
	re, err := compileRegex(pattern)
	if err != nil {
		return nil, err
	}
	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	out := []string{}
	for _, m := range re.FindAllSubmatch(content, -1) {
		if v := m[group]; len(v) > 0 {
			out = append(out, string(v))
		}
	}
	return out, nil
}

// ValidateSelector reports whether selector is a valid CSS selector.
func ValidateSelector(selector string) error {
	_, err := compileCSS(selector)
	return err
}

// ValidatePattern reports whether pattern is a valid regular expression.
func ValidatePattern(pattern string) error {
	_, err := compileRegex(pattern)
	return err
}

// Validate checks selector against the grammar of kind.
func Validate(kind model.SelectorKind, selector string) error {
	switch kind {
	case model.SelectorCSS:
		return ValidateSelector(selector)
	case model.SelectorRegex:
		return ValidatePattern(selector)
	default:
		return fmt.Errorf("unsupported selector kind %q", kind)
	}
}

func compileCSS(selector string) (cascadia.Selector, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, &SelectorCompileError{Selector: selector, Err: fmt.Errorf("empty selector")}
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, &SelectorCompileError{Selector: selector, Err: err}
	}
	return sel, nil
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &RegexCompileError{Pattern: pattern, Err: err}
	}
	return re, nil
}

// elementText joins all descendant text nodes with single spaces and trims the result.
func elementText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			parts = append(parts, c.Data)
			return
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return strings.TrimSpace(strings.Join(parts, " "))
}
