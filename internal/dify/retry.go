package dify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const (
	defaultRetryMaxElapsed = 60 * time.Second
	retryInitialBackoff    = 500 * time.Millisecond
	retryMaxBackoff        = 15 * time.Second
	maxErrorBodyBytes      = 4096
)

// StatusError is a non-2xx response from the agent service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// backoffFor returns the wait before the given retry attempt (1-based):
// exponential growth from retryInitialBackoff, capped, plus up to 50% jitter.
func backoffFor(attempt int) time.Duration {
	base := retryInitialBackoff << (attempt - 1)
	if base <= 0 || base > retryMaxBackoff {
		base = retryMaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(base/2) + 1))
	return base + jitter
}

// doWithRetry executes an HTTP request, retrying network failures, 5xx, 408
// and 429 with exponential backoff until maxElapsed has been spent. Any other
// non-2xx status fails at once. On success the caller owns resp.Body.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), maxElapsed time.Duration, logger *slog.Logger) (*http.Response, error) {
	if maxElapsed <= 0 {
		maxElapsed = defaultRetryMaxElapsed
	}
	start := time.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(attempt)
			if time.Since(start)+backoff > maxElapsed {
				return nil, fmt.Errorf("giving up after %d attempts in %s: %w", attempt, time.Since(start).Round(time.Millisecond), lastErr)
			}
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if !statusErr.Retryable() {
			return nil, statusErr
		}
		lastErr = statusErr
	}
}
