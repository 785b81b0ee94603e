package fetch

import "fmt"

// ErrorKind classifies a FetchError.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindConnect ErrorKind = "connect"
	KindProxy   ErrorKind = "proxy"
	KindRequest ErrorKind = "request"
	KindRead    ErrorKind = "read"
)

// FetchError is a transport-level failure: timeout, connection failure, bad proxy,
// malformed request or body read failure.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch exceeded its deadline.
func (e *FetchError) Timeout() bool { return e.Kind == KindTimeout }

// HTTPStatusError is a response outside the 2xx range.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP error: %s (%s)", status, e.URL)
}
