// Package remote is the outbound call policy shared by the timestamp and
// ledger clients: a per-attempt timeout, bounded retries with exponential
// backoff, a rate limit and a circuit breaker.
//
// Only network conditions are retried. A response that answers the question
// (any 4xx, or a decoded body) is returned as is.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// ErrUnreachable marks a call that exhausted its attempts without an answer.
var ErrUnreachable = errors.New("remote service unreachable")

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Body)
}

// Policy bounds one logical call.
type Policy struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    uint          `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

// DefaultPolicy is used for zero fields.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		RatePerSecond:  10,
		Burst:          5,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.RatePerSecond <= 0 {
		p.RatePerSecond = d.RatePerSecond
	}
	if p.Burst <= 0 {
		p.Burst = d.Burst
	}
	return p
}

// Budget is the longest one logical call can take under p: every attempt
// running to its timeout plus the widest randomized backoff between them.
// Rate limiter waits are not included.
func (p Policy) Budget() time.Duration {
	p = p.withDefaults()
	attempts := time.Duration(p.MaxAttempts)
	return attempts*p.Timeout + (attempts-1)*p.MaxBackoff*3/2
}

// Client performs JSON calls under a Policy.
type Client struct {
	name    string
	http    *http.Client
	policy  Policy
	limiter *rate.Limiter
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client named after the service it calls.
func New(name string, p Policy, opts ...Option) *Client {
	p = p.withDefaults()
	c := &Client{
		name:    name,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		policy:  p,
		limiter: rate.NewLimiter(rate.Limit(p.RatePerSecond), p.Burst),
		breaker: NewCircuitBreaker(name, 5, 30*time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "remote", "service", name)
	}
	return c
}

// PostJSON sends in as JSON and decodes the 2xx answer into out.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.name, err)
	}
	return c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

// GetJSON fetches url and decodes the 2xx answer into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, out)
}

// PostRaw sends body with contentType and returns the raw 2xx answer.
func (c *Client) PostRaw(ctx context.Context, url, contentType string, body []byte) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, &out)
	return out, err
}

const maxResponseBody = 4 << 20

func (c *Client) do(ctx context.Context, build func(context.Context) (*http.Request, error), out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%s: %w: %w", c.name, ErrUnreachable, ErrCircuitOpen)
	}

	op := func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()

		req, err := build(attemptCtx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return struct{}{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(data)}
		}
		if resp.StatusCode >= 300 {
			return struct{}{}, backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(data)})
		}
		if raw, ok := out.(*[]byte); ok {
			*raw = data
			return struct{}{}, nil
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return struct{}{}, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.policy.InitialBackoff
	eb.MaxInterval = c.policy.MaxBackoff

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("remote call failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err == nil {
		c.breaker.Success()
		return nil
	}
	if ctx.Err() != nil {
		c.breaker.Abandon()
		return ctx.Err()
	}

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
		// The service answered; it is reachable.
		c.breaker.Success()
		return fmt.Errorf("%s: %w", c.name, err)
	}
	if isDecodeError(err) {
		c.breaker.Success()
		return fmt.Errorf("%s: %w", c.name, err)
	}
	c.breaker.Failure()
	return fmt.Errorf("%s: %w: %w", c.name, ErrUnreachable, err)
}

func isDecodeError(err error) bool {
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	return errors.As(err, &se) || errors.As(err, &te)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
