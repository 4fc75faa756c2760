// Package httpretry provides an HTTP client with automatic retries
// for resilient calls against the relay's log API.
package httpretry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/delivery-sync/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with exponential backoff and jitter.
type RetryClient struct {
	client     HTTPDoer
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryClient creates a RetryClient wrapping the given HTTPDoer.
// If client is nil, a default http.Client with a 30s timeout is used.
// maxRetries is the number of retry attempts after the initial
// request (default 3).
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{
		client:     client,
		maxRetries: uint64(maxRetries),
		baseDelay:  1 * time.Second,
		maxDelay:   30 * time.Second,
	}
}

// retryable reports whether a response status warrants another attempt.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do executes the request, retrying on transient network errors and
// retryable status codes (429, 5xx). Client errors are returned as-is
// so the caller can inspect the status and body. Context cancellation
// stops the retry loop.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.baseDelay
	bo.MaxInterval = rc.maxDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, rc.maxRetries), req.Context())

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					return backoff.Permanent(fmt.Errorf("httpretry: reset request body: %w", berr))
				}
				req.Body = body
			}
			logger.Debug("httpretry: retrying request",
				"attempt", attempt, "method", req.Method, "host", req.URL.Host, "path", req.URL.Path)
		}

		r, derr := rc.client.Do(req)
		if derr != nil {
			return derr
		}
		if retryable(r.StatusCode) {
			r.Body.Close()
			return fmt.Errorf("httpretry: server returned %d", r.StatusCode)
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
