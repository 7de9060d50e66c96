// Package client provides the signed HTTP client for the Scalr API with
// optional response caching and client-side rate limiting.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/scalr-api-client/pkg/cache"
	"github.com/Sternrassler/scalr-api-client/pkg/logging"
	"github.com/Sternrassler/scalr-api-client/pkg/ratelimit"
	"github.com/Sternrassler/scalr-api-client/pkg/signer"
	"github.com/Sternrassler/scalr-api-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalr_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scalr_request_duration_seconds",
		Help:    "API request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalr_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "scalr-api-client-go/1.0"

// Client is a signed API client. It is safe for concurrent use; its
// configuration is fixed at construction.
type Client struct {
	baseURL    string
	signer     *signer.Signer
	dispatcher transport.Dispatcher
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Base address, e.g. "https://my.scalr.com" (REQUIRED)
	APIURL string

	// Credentials (REQUIRED)
	KeyID     string
	SecretKey string

	// Vendor segment of the auth header names (default "Scalr")
	Vendor string

	// User-Agent header
	UserAgent string

	// Optional HTTP basic auth in front of the API
	BasicAuthUser     string
	BasicAuthPassword string

	// Transport; ignored when Dispatcher is set
	Timeout time.Duration
	Retry   transport.RetryConfig

	// Client-side rate limiting (0 = unlimited)
	RateLimit float64
	Burst     int

	// Redis enables the Fetch response cache and shares push-back state
	// between processes. Optional.
	Redis    *redis.Client
	CacheTTL time.Duration

	// Dispatcher overrides the HTTP transport
	Dispatcher transport.Dispatcher

	// Now stamps requests; defaults to time.Now
	Now func() time.Time
}

// DefaultConfig returns a single-attempt configuration without caching.
func DefaultConfig(apiURL, keyID, secretKey string) Config {
	return Config{
		APIURL:    apiURL,
		KeyID:     keyID,
		SecretKey: secretKey,
		Vendor:    signer.DefaultVendor,
		UserAgent: DefaultUserAgent,
		Timeout:   30 * time.Second,
		Retry:     transport.SingleAttempt(),
		CacheTTL:  60 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, fmt.Errorf("%w: api url is required", ErrConfig)
	}

	u, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("%w: api url: %v", ErrConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: api url must be an absolute http(s) URL, got %q", ErrConfig, cfg.APIURL)
	}

	s, err := signer.New(
		signer.Credentials{KeyID: cfg.KeyID, SecretKey: cfg.SecretKey},
		signer.WithVendor(cfg.Vendor),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := logging.NewLogger(logging.ComponentClient)

	var store ratelimit.Store
	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		store = ratelimit.NewRedisStore(cfg.Redis)
		if cfg.CacheTTL > 0 {
			cacheManager = cache.NewManager(cfg.Redis)
		}
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit,
		Burst:             cfg.Burst,
	}, store, logger)

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = transport.New(transport.Config{
			Timeout: cfg.Timeout,
			Retry:   cfg.Retry,
			// Push-back seen between retries is shared like a final response's
			Observer: func(ctx context.Context, status int, header http.Header) {
				if err := limiter.Observe(ctx, status, header); err != nil {
					logger.Warn().Err(err).Msg("Failed to record rate limit state")
				}
			},
		})
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.APIURL, "/"),
		signer:     s,
		dispatcher: dispatcher,
		limiter:    limiter,
		cache:      cacheManager,
		config:     cfg,
		logger:     logger,
	}, nil
}

// KeyID returns the key identifier requests are signed with.
func (c *Client) KeyID() string {
	return c.signer.KeyID()
}

// Do signs and sends one request. Statuses >= 400 are returned as *APIError,
// failures below HTTP as *TransportError.
func (c *Client) Do(ctx context.Context, method, path string, query signer.Query, body string) (*Response, error) {
	method = strings.ToUpper(method)
	if !allowedMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}

	req, err := c.newRequest(ctx, method, path, signer.Canonicalize(query), body)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}

	startTime := time.Now()
	resp, err := c.dispatcher.Do(req)
	requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(method, "network_error").Inc()
		errorsTotal.WithLabelValues(string(transport.ErrorClassNetwork)).Inc()
		c.logger.Error().Err(err).
			Str("method", method).
			Str("path", path).
			Msg("Request failed")
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(transport.ErrorClassNetwork)).Inc()
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("read response body: %w", err)}
	}

	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Info().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msgf("%s %s - %d", method, path, resp.StatusCode)

	if err := c.limiter.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record rate limit state")
	}

	details := c.logErrorEnvelope(data)

	if resp.StatusCode >= 400 {
		class := transport.ClassifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			ErrorClass: class,
			Errors:     details,
			Body:       data,
		}
	}

	if len(data) > 0 && !json.Valid(data) {
		c.logger.Error().
			Str("path", path).
			Str("content_type", resp.Header.Get("Content-Type")).
			Msg("Received non-JSON response from API")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// Get sends an uncached GET.
func (c *Client) Get(ctx context.Context, path string, query signer.Query) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, "")
}

// Fetch sends a GET through the response cache when one is configured.
func (c *Client) Fetch(ctx context.Context, path string, query signer.Query) (*Response, error) {
	if c.cache == nil {
		return c.Get(ctx, path, query)
	}

	key := cache.Key{KeyID: c.signer.KeyID(), Path: path, Query: signer.Canonicalize(query)}
	entry, err := c.cache.Get(ctx, key)
	if err == nil {
		c.logger.Debug().Str("key", key.String()).Msg("Cache hit")
		return &Response{
			StatusCode: entry.StatusCode,
			Header:     entry.Header,
			Body:       entry.Body,
			Cached:     true,
		}, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed")
	}

	resp, err := c.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		entry := cache.NewEntry(resp.StatusCode, resp.Header, resp.Body, c.config.CacheTTL)
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache write failed")
		}
	}
	return resp, nil
}

// Create sends a POST with a pre-serialized body.
func (c *Client) Create(ctx context.Context, path, body string) (*Response, error) {
	return c.write(ctx, http.MethodPost, path, body)
}

// Edit sends a PATCH with a pre-serialized body.
func (c *Client) Edit(ctx context.Context, path, body string) (*Response, error) {
	return c.write(ctx, http.MethodPatch, path, body)
}

// Delete sends a DELETE.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.write(ctx, http.MethodDelete, path, "")
}

// CreateJSON marshals v and POSTs it.
func (c *Client) CreateJSON(ctx context.Context, path string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return c.Create(ctx, path, string(body))
}

// EditJSON marshals v and PATCHes it.
func (c *Client) EditJSON(ctx context.Context, path string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return c.Edit(ctx, path, string(body))
}

func (c *Client) write(ctx context.Context, method, path, body string) (*Response, error) {
	resp, err := c.Do(ctx, method, path, nil, body)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, path)
	return resp, nil
}

// invalidate drops cached reads of path and of its parent collection.
func (c *Client) invalidate(ctx context.Context, path string) {
	if c.cache == nil {
		return
	}
	for _, p := range []string{path, parentPath(path)} {
		if p == "" {
			continue
		}
		n, err := c.cache.InvalidatePath(ctx, cache.Key{KeyID: c.signer.KeyID(), Path: p})
		if err != nil {
			c.logger.Warn().Err(err).Str("path", p).Msg("Cache invalidation failed")
			continue
		}
		if n > 0 {
			c.logger.Debug().Str("path", p).Int("removed", n).Msg("Cache invalidated")
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path, queryString, body string) (*http.Request, error) {
	fullURL := c.baseURL + path
	if queryString != "" {
		fullURL += "?" + queryString
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	// The signed path is the one on the wire, including any base URL prefix.
	signedPath := req.URL.EscapedPath()
	timestamp := signer.FormatTime(c.config.Now())
	headers := c.signer.Sign(method, timestamp, signedPath, queryString, body)

	if e := c.logger.Debug(); e.Enabled() {
		e.Str("url", fullURL).
			Str("string_to_sign", signer.StringToSign(method, timestamp, signedPath, queryString, body)).
			Str("signature", headers.Signature).
			Msg("Signing request")
	}

	headers.Apply(req.Header)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.BasicAuthUser != "" {
		req.SetBasicAuth(c.config.BasicAuthUser, c.config.BasicAuthPassword)
	}
	return req, nil
}

// logErrorEnvelope logs each entry of an {"errors": [...]} body at warn.
func (c *Client) logErrorEnvelope(data []byte) []ErrorDetail {
	details := parseErrorEnvelope(data)
	for _, d := range details {
		c.logger.Warn().
			Str("code", d.Code).
			Str("message", d.Message).
			Msgf("API Error (%s): %s", d.Code, d.Message)
	}
	return details
}

func allowedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// parentPath returns the collection containing path:
// "/api/x/images/abc/" -> "/api/x/images/".
func parentPath(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	i := strings.LastIndex(trimmed, "/")
	if i <= 0 {
		return ""
	}
	return trimmed[:i+1]
}
