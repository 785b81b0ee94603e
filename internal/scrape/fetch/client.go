// Package fetch performs the single bounded HTTP GET behind every job execution.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

const (
	// DefaultTimeout bounds connect + transfer of one fetch.
	DefaultTimeout = 300 * time.Second

	// DefaultUserAgent is sent when a job has no user agent override.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	DefaultMaxBodyBytes int64 = 16 << 20
)

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	UserAgent       string
	MaxBodyBytes    int64
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// DefaultConfig returns the fetch defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		UserAgent:       DefaultUserAgent,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		MaxIdleConns:    32,
		IdleConnTimeout: 90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = def.UserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = def.IdleConnTimeout
	}
	return c
}

// Request is one fetch. Empty UserAgent falls back to the configured default;
// empty ProxyURL means a direct connection.
type Request struct {
	URL       string
	UserAgent string
	ProxyURL  string
}

// Client wraps a shared direct http.Client. Proxied requests get their own client so
// proxy settings never leak between jobs.
type Client struct {
	cfg    Config
	direct *http.Client
}

// New creates a fetch client with the given configuration.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		direct: newHTTPClient(cfg, nil),
	}
}

// Timeout returns the effective per-fetch timeout.
func (c *Client) Timeout() time.Duration { return c.cfg.Timeout }

func newHTTPClient(cfg Config, proxy *url.URL) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
		transport.MaxIdleConns = 1
	}
	return &http.Client{
		Transport: transport,
		// http.Client.Timeout covers dial, headers and body read.
		Timeout: cfg.Timeout,
	}
}

// Fetch performs one GET and returns the body as UTF-8. Non-2xx responses are returned as
// *HTTPStatusError; transport failures as *FetchError. There is no retry.
func (c *Client) Fetch(ctx context.Context, r Request) ([]byte, error) {
	hc := c.direct
	if p := strings.TrimSpace(r.ProxyURL); p != "" {
		proxy, err := parseProxy(p)
		if err != nil {
			return nil, &FetchError{Kind: KindProxy, URL: r.URL, Err: err}
		}
		hc = newHTTPClient(c.cfg, proxy)
		defer hc.CloseIdleConnections()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, http.NoBody)
	if err != nil {
		return nil, &FetchError{Kind: KindRequest, URL: r.URL, Err: err}
	}
	ua := strings.TrimSpace(r.UserAgent)
	if ua == "" {
		ua = c.cfg.UserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: r.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, &HTTPStatusError{URL: r.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, &FetchError{Kind: classifyRead(err), URL: r.URL, Err: err}
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, &FetchError{Kind: KindRead, URL: r.URL, Err: fmt.Errorf("response body exceeds %d bytes", c.cfg.MaxBodyBytes)}
	}
	return toUTF8(body, resp.Header.Get("Content-Type")), nil
}

var utf8BOM = []byte("\xef\xbb\xbf")

// toUTF8 transcodes body using the charset from contentType, a BOM or a <meta>
// declaration. An undeclared body that is already valid UTF-8 is kept as is.
// Whatever remains invalid becomes U+FFFD.
func toUTF8(body []byte, contentType string) []byte {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if name != "utf-8" && (certain || !utf8.Valid(body)) {
		if out, err := enc.NewDecoder().Bytes(body); err == nil {
			body = out
		}
	}
	return bytes.ToValidUTF8(bytes.TrimPrefix(body, utf8BOM), []byte("\uFFFD"))
}

// ValidateURL issues a HEAD request and reports whether the server answered 2xx.
func (c *Client) ValidateURL(ctx context.Context, rawURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, http.NoBody)
	if err != nil {
		return false, &FetchError{Kind: KindRequest, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.direct.Do(req)
	if err != nil {
		return false, &FetchError{Kind: classify(err), URL: rawURL, Err: err}
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Close closes idle connections.
func (c *Client) Close() {
	c.direct.CloseIdleConnections()
}

func parseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("invalid proxy URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q: missing host", raw)
	}
	return u, nil
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Op == "proxyconnect" {
		return KindProxy
	}
	return KindConnect
}

func classifyRead(err error) ErrorKind {
	if k := classify(err); k == KindTimeout {
		return k
	}
	return KindRead
}
