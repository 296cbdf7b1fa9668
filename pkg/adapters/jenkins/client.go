package jenkins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

const maxResponseSize = 8 << 20

// StatusError is a non-success HTTP response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("jenkins: %s %s returned %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Response is a successful HTTP response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type crumb struct {
	field string
	value string
}

// Client talks to the Jenkins REST API with basic auth and CSRF crumbs.
// Idempotent requests are retried with exponential backoff on network errors,
// 429 and 5xx. Other POSTs are sent once; only a 403 caused by a stale crumb
// is repeated, since Jenkins rejects those before acting on them.
type Client struct {
	baseURL  *url.URL
	username string
	token    string
	http     *http.Client
	logger   *telemetry.Logger
	maxTries uint
	interval time.Duration

	mu           sync.Mutex
	crumb        *crumb
	crumbChecked bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *telemetry.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRetry sets the number of tries per request and the initial backoff.
func WithRetry(tries uint, initial time.Duration) ClientOption {
	return func(c *Client) {
		if tries > 0 {
			c.maxTries = tries
		}
		if initial > 0 {
			c.interval = initial
		}
	}
}

// NewClient creates a client for the Jenkins server at baseURL.
func NewClient(baseURL, username, token string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("jenkins: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("jenkins: base url must be http or https, got %q", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:  u,
		username: username,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second, Jar: jar},
		logger:   telemetry.NewNopLogger(),
		maxTries: 4,
		interval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the absolute URL of path.
func (c *Client) URL(path string) string {
	return c.baseURL.String() + path
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, "", nil)
}

// GetJSON performs a GET request and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.Get(ctx, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("jenkins: decoding %s: %w", path, err)
	}
	return nil
}

// Post performs a POST request. It is not retried after the server may have
// acted on it.
func (c *Client) Post(ctx context.Context, path string, query url.Values, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, false, http.MethodPost, path, query, contentType, body)
}

// PostIdempotent performs a POST whose repetition is harmless, such as a
// config.xml update, and retries it like a GET.
func (c *Client) PostIdempotent(ctx context.Context, path string, query url.Values, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, true, http.MethodPost, path, query, contentType, body)
}

// Do performs a request. Only GETs are retried on transient failures.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, method == http.MethodGet, method, path, query, contentType, body)
}

func (c *Client) do(ctx context.Context, idempotent bool, method, path string, query url.Values, contentType string, body []byte) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.interval

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		resp, err := c.doOnce(ctx, method, path, query, contentType, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var se *StatusError
		switch {
		case errors.As(err, &se) && se.StatusCode == http.StatusForbidden && method != http.MethodGet && c.dropCrumb():
			return nil, err
		case idempotent && engine.IsRetryable(classify(err)):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"method":  method,
				"path":    path,
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("retrying jenkins request")
		}),
	)
}

// classify maps a failed request onto the engine's error classes. Errors
// without a response are network failures and count as transient.
func classify(err error) *engine.EngineError {
	var se *StatusError
	if !errors.As(err, &se) {
		return engine.NewTransientError("jenkins unreachable", err)
	}
	switch {
	case se.StatusCode == http.StatusTooManyRequests:
		return engine.NewThrottledError("jenkins rate limited", err).WithCode(engine.ErrCodeRateLimited)
	case se.StatusCode >= 500:
		return engine.NewTransientError("jenkins unavailable", err)
	}
	return engine.NewPermanentError("jenkins rejected request", err)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) (*Response, error) {
	u := c.URL(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.username != "" || c.token != "" {
		req.SetBasicAuth(c.username, c.token)
	}
	if method != http.MethodGet {
		cr, err := c.getCrumb(ctx)
		if err != nil {
			return nil, err
		}
		if cr != nil {
			req.Header.Set(cr.field, cr.value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("jenkins: reading response of %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(data)), 512),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// getCrumb returns the CSRF crumb, fetching it once. Servers without a crumb
// issuer yield nil.
func (c *Client) getCrumb(ctx context.Context) (*crumb, error) {
	c.mu.Lock()
	if c.crumbChecked {
		cr := c.crumb
		c.mu.Unlock()
		return cr, nil
	}
	c.mu.Unlock()

	var payload struct {
		Crumb             string `json:"crumb"`
		CrumbRequestField string `json:"crumbRequestField"`
	}
	resp, err := c.doOnce(ctx, http.MethodGet, "/crumbIssuer/api/json", nil, "", nil)
	switch {
	case IsNotFound(err):
	case err != nil:
		return nil, fmt.Errorf("jenkins: fetching crumb: %w", err)
	default:
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			return nil, fmt.Errorf("jenkins: decoding crumb: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.crumbChecked = true
	c.crumb = nil
	if payload.Crumb != "" && payload.CrumbRequestField != "" {
		c.crumb = &crumb{field: payload.CrumbRequestField, value: payload.Crumb}
	}
	return c.crumb, nil
}

// dropCrumb forgets a cached crumb and reports whether there was one.
func (c *Client) dropCrumb() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	had := c.crumb != nil
	c.crumb = nil
	c.crumbChecked = false
	return had
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
