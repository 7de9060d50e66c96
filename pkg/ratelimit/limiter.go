package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scalr_rate_limit_waits_total",
	Help: "Total number of requests delayed by the client-side limiter",
}, []string{"reason"}) // "retry_after", "token_bucket"

// DefaultRetryAfter is used when a 429/503 carries no usable Retry-After.
const DefaultRetryAfter = time.Second

// Config holds limiter configuration.
type Config struct {
	// RequestsPerSecond for the token bucket; 0 disables it
	RequestsPerSecond float64

	// Burst size of the token bucket (minimum 1)
	Burst int
}

// Limiter gates requests on the server's push-back window and a local token bucket.
type Limiter struct {
	bucket *rate.Limiter
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewLimiter creates a Limiter. A nil store falls back to an in-memory one.
func NewLimiter(cfg Config, store Store, logger zerolog.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}

	var bucket *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		bucket = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Limiter{
		bucket: bucket,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	state, err := l.store.Get(ctx)
	if err != nil {
		// Losing shared state must not stop traffic; the token bucket still applies.
		l.logger.Warn().Err(err).Msg("Failed to read rate limit state")
	} else if wait := state.TimeUntilUnblocked(l.now()); wait > 0 {
		l.logger.Warn().
			Dur("wait_duration", wait).
			Time("blocked_until", state.BlockedUntil).
			Msg("Server requested back-off - delaying request")
		rateLimitWaitsTotal.WithLabelValues("retry_after").Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if l.bucket == nil {
		return nil
	}
	if l.bucket.Tokens() < 1 {
		rateLimitWaitsTotal.WithLabelValues("token_bucket").Inc()
	}
	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Observe records the back-off window announced by a 429 or 503 response.
func (l *Limiter) Observe(ctx context.Context, statusCode int, header http.Header) error {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		return nil
	}

	now := l.now()
	wait, ok := ParseRetryAfter(header.Get("Retry-After"), now)
	if !ok {
		if statusCode != http.StatusTooManyRequests {
			return nil
		}
		wait = DefaultRetryAfter
	}

	state := State{BlockedUntil: now.Add(wait), LastUpdate: now}
	if err := l.store.Set(ctx, state); err != nil {
		return fmt.Errorf("record rate limit state: %w", err)
	}

	l.logger.Warn().
		Int("status", statusCode).
		Dur("retry_after", wait).
		Msg("Server push-back recorded")
	return nil
}

// ParseRetryAfter accepts delay-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
