package httpclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"fathom/internal/logger"
)

// ErrCircuitOpen is returned when the client's circuit breaker is open and
// calls are failing fast.
var ErrCircuitOpen = errors.New("httpclient: circuit open")

const (
	breakerWindow      = 30 * time.Second
	breakerOpenFor     = 30 * time.Second
	breakerMinRequests = 5
	breakerFailRatio   = 0.5
	initialRetryDelay  = 1 * time.Second
)

// Config controls timeout and retry behavior for a resilient client.
type Config struct {
	Timeout    time.Duration // Per-request timeout
	MaxRetries int           // Retry attempts after the first try
	Name       string        // Breaker name, usually the provider id
}

// Client wraps http.Client with retry, exponential backoff with jitter, and
// a per-client circuit breaker. One Client is intended per upstream host.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	timeout    time.Duration
}

// New creates a resilient client for a single upstream.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     cfg.Name,
		Interval: breakerWindow,
		Timeout:  breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= breakerFailRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "client", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
	}
}

// Do executes the request through the breaker with retries. Only transport
// errors and retryable status codes (408, 429, 5xx) are retried. The whole
// call, retries included, is bounded by twice the per-request timeout.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doOnce(ctx, req)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, ErrCircuitOpen
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("httpclient: retryable status %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("httpclient: all %d attempts failed: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("httpclient: rewinding request body: %w", err)
		}
		attempt.Body = body
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(attempt)
		if err != nil {
			return nil, err
		}
		// Server-side failures count against the breaker even though the
		// transport succeeded.
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("httpclient: upstream status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if resp, ok := result.(*http.Response); ok && resp != nil {
			return resp, nil // 5xx: hand the response back for retry accounting
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// backoffDelay returns the exponential backoff delay with jitter for the
// given 1-based retry attempt.
func backoffDelay(attempt int) time.Duration {
	base := float64(initialRetryDelay) * math.Pow(2, float64(attempt-1))
	jitter := rand.Float64() * 0.3 * base
	return time.Duration(base + jitter)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
