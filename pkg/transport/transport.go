// Package transport performs the outbound HTTP calls for the API client.
//
// The client core makes exactly one dispatch per request. Whatever retry policy
// exists lives here and is off unless configured.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/scalr-api-client/pkg/logging"
	"github.com/Sternrassler/scalr-api-client/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Dispatcher performs a single HTTP call. *http.Client satisfies it.
type Dispatcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the HTTP transport configuration.
type Config struct {
	// Timeout bounds one HTTP exchange (0 = no timeout)
	Timeout time.Duration

	// Retry policy; the zero value means a single attempt
	Retry RetryConfig

	// Client overrides the underlying HTTP client
	Client *http.Client

	// Observer sees every retriable response that is about to be retried.
	// The final response is left to the caller.
	Observer Observer
}

// Observer receives intermediate responses, typically to record push-back.
type Observer func(ctx context.Context, statusCode int, header http.Header)

// DefaultConfig returns a single-attempt transport with a 30s timeout.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry:   SingleAttempt(),
	}
}

// HTTPDispatcher sends requests through net/http with an optional retry policy.
type HTTPDispatcher struct {
	client   *http.Client
	retry    RetryConfig
	observer Observer
	logger   zerolog.Logger
}

// New creates an HTTPDispatcher.
func New(cfg Config) *HTTPDispatcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = SingleAttempt()
	}

	return &HTTPDispatcher{
		client:   client,
		retry:    retry,
		observer: cfg.Observer,
		logger:   logging.NewLogger(logging.ComponentTransport),
	}
}

// Do sends req. Network errors, 429 and 5xx responses of idempotent requests
// are retried only when the retry policy allows more than one attempt; POST and
// PATCH are always sent once. A Retry-After on the response stretches the
// backoff. The last response or error is returned.
func (d *HTTPDispatcher) Do(req *http.Request) (*http.Response, error) {
	if d.retry.MaxAttempts <= 1 || !idempotent(req.Method) {
		return d.client.Do(req)
	}

	var resp *http.Response
	attempt := 0

	err := retryWithBackoff(req.Context(), d.retry, func() (ErrorClass, error) {
		attempt++
		try := req
		if attempt > 1 {
			if resp != nil {
				resp.Body.Close()
				resp = nil
			}
			var err error
			if try, err = rewind(req); err != nil {
				return "", err
			}
		}

		var err error
		resp, err = d.client.Do(try)
		if err != nil {
			return ErrorClassNetwork, err
		}

		class := ClassifyStatus(resp.StatusCode)
		if shouldRetry(class) {
			d.logger.Debug().
				Str("path", req.URL.Path).
				Int("status", resp.StatusCode).
				Str("error_class", string(class)).
				Msg("Retriable response")
			if d.observer != nil && attempt < d.retry.MaxAttempts {
				d.observer(req.Context(), resp.StatusCode, resp.Header)
			}
			return class, &StatusError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				RetryAfter: retryAfter(resp, time.Now()),
				resp:       resp,
			}
		}
		return "", nil
	})

	if err != nil {
		// The last retriable HTTP response is handed to the caller as-is so the
		// API error body stays readable.
		if se, ok := lastStatusError(err); ok && se.resp == resp {
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

// idempotent reports whether req may be sent again without changing the outcome.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// retryAfter is the server's requested delay on a 429 or 503, or 0.
func retryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	d, ok := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	if !ok {
		return 0
	}
	return d
}

// rewind produces a fresh copy of req for a retry.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("transport: request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("transport: replay body: %w", err)
	}
	clone.Body = body
	return clone, nil
}
