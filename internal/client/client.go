// Package client provides an HTTP client for the Timesketch REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/tsimport/internal/metrics"
	"github.com/raphaelgruber/tsimport/internal/retry"
)

const apiPrefix = "/api/v1"

// maxErrorBody bounds how much of a server response ends up in an error.
const maxErrorBody = 1024

// Sentinel errors.
var (
	ErrUploadFailed   = errors.New("upload failed")
	ErrRequestFailed  = errors.New("request failed")
	ErrTimeout        = errors.New("timed out waiting for timeline")
	ErrTimelineFailed = errors.New("timeline processing failed")
	ErrNoObjects      = errors.New("response contains no objects")
)

// UploadError reports a payload the server rejected terminally.
type UploadError struct {
	Op     string // "batch #k" or "chunk #k"
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload failed: %s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + truncate(e.Body, maxErrorBody)
	}
	return msg
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailed
}

// StatusError reports a non-upload request that returned an unexpected status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + truncate(e.Body, maxErrorBody)
	}
	return msg
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRequestFailed
}

// Options configures a Client.
type Options struct {
	// BaseURL is the server root, e.g. https://timesketch.example.com.
	BaseURL string
	// Token is sent as a Bearer token when set.
	Token string
	// SessionCookie is sent as the "session" cookie when set.
	SessionCookie string
	// Timeout bounds a single request including its retries. Zero means no limit.
	Timeout time.Duration
	// Retry configures the retry policy wrapped around every request.
	Retry retry.Config
	// Transport is the underlying round tripper; nil means http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Client talks to a Timesketch server. It is safe for concurrent use; sessions
// share its transport but not its request state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// New creates a new API client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &authTransport{
				next:          retry.New(base, opts.Retry, logger),
				token:         opts.Token,
				sessionCookie: opts.SessionCookie,
			},
		},
		logger:  logger,
		metrics: collector,
	}
}

// Metrics returns the collector receiving request statistics.
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// authTransport inserts credentials into every outgoing request.
type authTransport struct {
	next          http.RoundTripper
	token         string
	sessionCookie string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" && t.sessionCookie == "" {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	if t.token != "" {
		r.Header.Set("Authorization", "Bearer "+t.token)
	}
	if t.sessionCookie != "" {
		r.AddCookie(&http.Cookie{Name: "session", Value: t.sessionCookie})
	}
	return t.next.RoundTrip(r)
}

// envelope is the common shape of Timesketch API responses.
type envelope[T any] struct {
	Objects []T            `json:"objects"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// first returns the first object of a response, or ErrNoObjects.
func first[T any](data []byte) (*T, error) {
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(env.Objects) == 0 {
		return nil, ErrNoObjects
	}
	return &env.Objects[0], nil
}

func (c *Client) endpoint(format string, args ...any) string {
	return c.baseURL + apiPrefix + fmt.Sprintf(format, args...)
}

// do sends req and returns the response body of a 2xx response.
func (c *Client) do(req *http.Request, op string, upload bool) ([]byte, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if upload {
			return nil, &UploadError{Op: op, Status: resp.StatusCode, Body: string(body)}
		}
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, op string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, false)
}

// =============================================================================
// SKETCHES
// =============================================================================

// Sketch is an investigation workspace holding timelines.
type Sketch struct {
	ID          int        `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Timelines   []Timeline `json:"timelines,omitempty"`
}

// CreateSketch creates a new sketch.
func (c *Client) CreateSketch(ctx context.Context, name, description string) (*Sketch, error) {
	in := map[string]string{"name": name, "description": description}
	data, err := c.doJSON(ctx, http.MethodPost, c.endpoint("/sketches/"), "create sketch", in)
	if err != nil {
		return nil, err
	}
	sketch, err := first[Sketch](data)
	if err != nil {
		return nil, fmt.Errorf("create sketch: %w", err)
	}
	c.logger.Info("sketch created", "sketch_id", sketch.ID, "name", sketch.Name)
	return sketch, nil
}

// GetSketch fetches sketch metadata.
func (c *Client) GetSketch(ctx context.Context, id int) (*Sketch, error) {
	op := fmt.Sprintf("get sketch %d", id)
	data, err := c.doJSON(ctx, http.MethodGet, c.endpoint("/sketches/%d/", id), op, nil)
	if err != nil {
		return nil, err
	}
	sketch, err := first[Sketch](data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sketch, nil
}

// =============================================================================
// TIMELINES
// =============================================================================

// GetTimeline fetches one timeline of a sketch.
func (c *Client) GetTimeline(ctx context.Context, sketchID, timelineID int) (*Timeline, error) {
	start := time.Now()
	data, err := c.doJSON(ctx, http.MethodGet, c.endpoint("/sketches/%d/timelines/%d/", sketchID, timelineID), "poll", nil)
	c.metrics.RecordTiming(metrics.OpPoll, time.Since(start))
	if err != nil {
		return nil, err
	}
	tl, err := first[Timeline](data)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return tl, nil
}

// Default polling parameters.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 600 * time.Second
)

// WaitOptions configures WaitForTimeline.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnStatus is called after every successful poll.
	OnStatus func(Timeline)
}

// WaitForTimeline polls a timeline until it is ready or failed. It returns
// ErrTimelineFailed for a failed timeline and ErrTimeout when the cap elapses.
func (c *Client) WaitForTimeline(ctx context.Context, sketchID, timelineID int, opts WaitOptions) (*Timeline, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPollTimeout
	}
	deadline := time.Now().Add(opts.Timeout)

	for {
		tl, err := c.GetTimeline(ctx, sketchID, timelineID)
		if err != nil {
			return nil, err
		}
		if opts.OnStatus != nil {
			opts.OnStatus(*tl)
		}

		switch tl.Status {
		case StatusReady:
			return tl, nil
		case StatusFailed:
			return tl, fmt.Errorf("poll: timeline %d: %w", tl.ID, ErrTimelineFailed)
		}

		c.logger.Debug("timeline not ready", "timeline_id", tl.ID, "status", tl.Status)
		if time.Now().Add(opts.Interval).After(deadline) {
			return tl, fmt.Errorf("poll: timeline %d still %s after %s: %w", tl.ID, tl.Status, opts.Timeout, ErrTimeout)
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tl, fmt.Errorf("poll: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
