package retry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
)

// maxBodyLogLen is the maximum number of response body bytes kept in
// warnings and error messages.
const maxBodyLogLen = 1024

// ErrRetriesExhausted is matched by every *ExhaustedError.
var ErrRetriesExhausted = errors.New("retries exhausted")

// DefaultStatusCodes are retried when Config.StatusCodes is empty.
var DefaultStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooEarly,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Config controls the retry policy.
type Config struct {
	MaxAttempts int           // Total attempts including the first one (default 5)
	BaseDelay   time.Duration // Delay before the second attempt (default 1s)
	MaxDelay    time.Duration // Upper bound for any single delay (default 30s)
	StatusCodes []int         // Retryable HTTP status codes (default DefaultStatusCodes)
}

// DefaultConfig returns the policy used for all Timesketch traffic.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		StatusCodes: DefaultStatusCodes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if len(c.StatusCodes) == 0 {
		c.StatusCodes = d.StatusCodes
	}
	return c
}

// newBackOff builds the delay schedule for one request.
func (c Config) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)
}

// ExhaustedError is returned after the final failing attempt.
type ExhaustedError struct {
	Reason   string // Underlying reason of the last failure
	Attempts int    // Number of attempts made
	Status   int    // Status code of the last response, 0 for network errors
	Body     string // Body of the last response, may be empty
	Err      error  // Last network error, nil when a response was received
}

// Message formats the reason with the attempt count and server response.
func (e *ExhaustedError) Message() string {
	if e.Body == "" {
		return fmt.Sprintf("%s (Attempts: %d)", e.Reason, e.Attempts)
	}
	return fmt.Sprintf("%s (Attempts: %d, Server Response: %s)",
		e.Reason, e.Attempts, truncate(e.Body, maxBodyLogLen))
}

func (e *ExhaustedError) Error() string {
	return "retries exhausted: " + e.Message()
}

// Is reports whether target is ErrRetriesExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Transport is an http.RoundTripper that retries transient failures.
type Transport struct {
	base   http.RoundTripper
	cfg    Config
	logger *slog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wraps base with the retry policy. A nil base uses http.DefaultTransport
// and a nil logger uses slog.Default().
func New(base http.RoundTripper, cfg Config, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		base:   base,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepContext,
	}
}

// Config returns the effective policy.
func (t *Transport) Config() Config {
	return t.cfg
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	b := t.cfg.newBackOff(ctx)

	var last ExhaustedError
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		r, err := t.prepare(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := t.base.RoundTrip(r)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !IsRetryableError(err) {
				return nil, err
			}
			last = ExhaustedError{Reason: err.Error(), Err: err}
			t.logger.Warn(fmt.Sprintf("Error %s received (Attempt %d/%d)", err, attempt, t.cfg.MaxAttempts),
				"attempt", attempt,
				"max_attempts", t.cfg.MaxAttempts,
				"error", err.Error(),
			)

		case t.retryableStatus(resp.StatusCode):
			body := drain(resp)
			last = ExhaustedError{
				Reason: fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
				Status: resp.StatusCode,
				Body:   body,
			}
			logged := truncate(body, maxBodyLogLen)
			t.logger.Warn(fmt.Sprintf("Error %d received (Attempt %d/%d): %s", resp.StatusCode, attempt, t.cfg.MaxAttempts, logged),
				"attempt", attempt,
				"max_attempts", t.cfg.MaxAttempts,
				"status", resp.StatusCode,
				"body", logged,
			)

		default:
			return resp, nil
		}

		if attempt == t.cfg.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		if err := t.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	last.Attempts = t.cfg.MaxAttempts
	return nil, &last
}

// prepare returns the request for the given attempt, rewinding the body on
// every attempt after the first.
func (t *Transport) prepare(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 {
		return req, nil
	}
	r := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("retry attempt %d: request body cannot be replayed", attempt)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("retry attempt %d: rewind body: %w", attempt, err)
	}
	r.Body = body
	return r, nil
}

func (t *Transport) retryableStatus(code int) bool {
	return slices.Contains(t.cfg.StatusCodes, code)
}

// IsRetryableError reports whether err is a transient network failure:
// connection refused or reset, DNS failure, TLS handshake failure or a
// timeout.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tls: handshake") ||
		strings.Contains(msg, "handshake failure") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

// drain reads and closes the response body.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(data)
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

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
