// Package runner is the anti-corruption layer between the scheduling engine
// and the automation-runner fleet that drives the actual Snapchat clients.
// All outbound calls go through Client, which enforces circuit breaking,
// retries with exponential backoff, trace propagation, and error mapping.
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"snapfarm/internal/config"
	"snapfarm/internal/types"
)

// Client wraps an *http.Client and a circuit breaker for calls against the
// runner API. A single breaker is shared across all operations because the
// runner is one upstream: if quick-adds calls are failing, bitmoji calls
// will be too.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]

	baseURL    string
	apiToken   config.SecretString
	maxRetries int
	minWait    time.Duration
	maxWait    time.Duration

	sleepFn func(time.Duration)
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithSleepFunc overrides the sleep between retries. For tests.
func WithSleepFunc(fn func(time.Duration)) ClientOption {
	return func(c *Client) {
		c.sleepFn = fn
	}
}

// WithHTTPClient overrides the underlying HTTP client. For tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a runner client from configuration.
func NewClient(cfg config.RunnerConfig, opts ...ClientOption) *Client {
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "runner",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	c := &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		breaker:    cb,
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
		maxRetries: cfg.MaxRetries,
		minWait:    cfg.RetryBaseDelay,
		maxWait:    10 * time.Second,
		sleepFn:    time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do executes the HTTP request with trace injection, auth, circuit breaking,
// and retry on 429/5xx. On success the response is returned as-is and the
// caller closes the body. Non-retryable 4xx responses are also returned
// as-is for the caller to map.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken.Unmask())
	req.Header.Set("Content-Type", "application/json")

	// Snapshot the body so retries can replay it.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.maxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.http.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("runner returned %d", r.StatusCode)
			}
			if r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("runner returned 429")
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if resp != nil && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff respects a Retry-After header when present, otherwise uses
// exponential backoff with full jitter clamped to [minWait, maxWait].
func (c *Client) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.maxWait {
					wait = c.maxWait
				}
				return wait
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.minWait
				}
				if wait > c.maxWait {
					wait = c.maxWait
				}
				return wait
			}
		}
	}

	base := float64(c.minWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.maxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(c.minWait)
	if base <= minWait {
		return c.minWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

// mapError translates HTTP-level failures into domain-level AppErrors.
func (c *Client) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamRunner,
			"runner circuit breaker is open",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"runner rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamRunner,
				fmt.Sprintf("runner returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	return types.NewAppError(
		types.ErrCodeUpstreamRunner,
		"runner request failed",
		err,
	)
}
