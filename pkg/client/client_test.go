package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/scalr-api-client/internal/testutil"
	"github.com/Sternrassler/scalr-api-client/pkg/signer"
	"github.com/Sternrassler/scalr-api-client/pkg/transport"
	"github.com/redis/go-redis/v9"
)

const (
	testKeyID  = "APIKEY0123"
	testSecret = "s3cr3t/key+value=="
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type dispatcherFunc func(*http.Request) (*http.Response, error)

func (f dispatcherFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func newTestClient(t *testing.T, apiURL string, mutate ...func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(apiURL, testKeyID, testSecret)
	cfg.Now = func() time.Time { return fixedNow }
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://my.scalr.com", testKeyID, testSecret),
		},
		{
			name:        "missing api url",
			config:      DefaultConfig("", testKeyID, testSecret),
			expectError: true,
			errorMsg:    "api url is required",
		},
		{
			name:        "relative api url",
			config:      DefaultConfig("my.scalr.com/api", testKeyID, testSecret),
			expectError: true,
			errorMsg:    "absolute http(s) URL",
		},
		{
			name:        "missing key id",
			config:      DefaultConfig("https://my.scalr.com", "", testSecret),
			expectError: true,
			errorMsg:    "key id is required",
		},
		{
			name:        "missing secret",
			config:      DefaultConfig("https://my.scalr.com", testKeyID, ""),
			expectError: true,
			errorMsg:    "secret key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !errors.Is(err, ErrConfig) {
					t.Errorf("Expected ErrConfig, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Error = %q, want it to contain %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDo_SignsRequest(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	mock.SetJSON("/api/user/v1beta0/os/", http.StatusOK, `{"data":[]}`)

	c := newTestClient(t, mock.URL())
	_, err := c.Get(context.Background(), "/api/user/v1beta0/os/", signer.Params{
		"version": "14.04",
		"family":  "ubuntu",
		"name":    "Ubuntu 14.04",
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("request count = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if !req.SignatureValid {
		t.Error("mock server rejected the signature")
	}
	if want := "family=ubuntu&name=Ubuntu%2014.04&version=14.04"; req.RawQuery != want {
		t.Errorf("RawQuery = %q, want %q", req.RawQuery, want)
	}
	if got := req.Header.Get("X-Scalr-Date"); got != "2026-10-14T12:00:00.000Z" {
		t.Errorf("X-Scalr-Date = %q", got)
	}
	if got := req.Header.Get("X-Scalr-Debug"); got != "1" {
		t.Errorf("X-Scalr-Debug = %q, want 1", got)
	}
	if got := req.Header.Get("X-Scalr-Key-Id"); got != testKeyID {
		t.Errorf("X-Scalr-Key-Id = %q, want %q", got, testKeyID)
	}
	if got := req.Header.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("User-Agent = %q, want %q", got, DefaultUserAgent)
	}
}

func TestDo_TrailingSlashStripped(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	mock.SetJSON("/api/user/v1beta0/os/", http.StatusOK, `{"data":[]}`)

	c := newTestClient(t, mock.URL()+"/")
	if _, err := c.Get(context.Background(), "/api/user/v1beta0/os/", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got := mock.Requests()[0].Path; got != "/api/user/v1beta0/os/" {
		t.Errorf("Path = %q, want no doubled slash", got)
	}
}

func TestDo_URLShape(t *testing.T) {
	tests := []struct {
		name  string
		query signer.Query
		want  string
	}{
		{"nil query", nil, "https://my.scalr.com/api/x/"},
		{"empty params", signer.Params{}, "https://my.scalr.com/api/x/"},
		{"empty raw", signer.RawQuery(""), "https://my.scalr.com/api/x/"},
		{"params", signer.Params{"b": "2", "a": "1"}, "https://my.scalr.com/api/x/?a=1&b=2"},
		{"raw passthrough", signer.RawQuery("z=1&a=2"), "https://my.scalr.com/api/x/?z=1&a=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			c := newTestClient(t, "https://my.scalr.com/", func(cfg *Config) {
				cfg.Dispatcher = dispatcherFunc(func(r *http.Request) (*http.Response, error) {
					got = r.URL.String()
					return jsonResponse(http.StatusOK, `{}`), nil
				})
			})

			if _, err := c.Get(context.Background(), "/api/x/", tt.query); err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("URL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDo_UnsupportedMethod(t *testing.T) {
	called := false
	c := newTestClient(t, "https://my.scalr.com", func(cfg *Config) {
		cfg.Dispatcher = dispatcherFunc(func(r *http.Request) (*http.Response, error) {
			called = true
			return jsonResponse(http.StatusOK, `{}`), nil
		})
	})

	_, err := c.Do(context.Background(), http.MethodPut, "/api/x/", nil, "")
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("Expected ErrUnsupportedMethod, got %v", err)
	}
	if called {
		t.Error("dispatcher must not be called for unsupported methods")
	}
}

func TestDo_LowercaseMethodAccepted(t *testing.T) {
	var method string
	c := newTestClient(t, "https://my.scalr.com", func(cfg *Config) {
		cfg.Dispatcher = dispatcherFunc(func(r *http.Request) (*http.Response, error) {
			method = r.Method
			return jsonResponse(http.StatusOK, `{}`), nil
		})
	})

	if _, err := c.Do(context.Background(), "patch", "/api/x/", nil, `{}`); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if method != http.MethodPatch {
		t.Errorf("method = %q, want PATCH", method)
	}
}

func TestDo_APIError(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	mock.SetError("/api/user/v1beta0/4/images/missing/", http.StatusNotFound, "ObjectNotFound", "Image not found")

	c := newTestClient(t, mock.URL())
	resp, err := c.Get(context.Background(), "/api/user/v1beta0/4/images/missing/", nil)
	if resp != nil {
		t.Error("Expected nil response on error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
	if apiErr.ErrorClass != "client" {
		t.Errorf("ErrorClass = %q, want client", apiErr.ErrorClass)
	}
	if !apiErr.HasCode("ObjectNotFound") {
		t.Errorf("Errors = %+v, want ObjectNotFound", apiErr.Errors)
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Error("IsStatus(err, 404) = false")
	}
}

func TestDo_BadSignatureIsAPIError(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, "another-secret")
	defer mock.Close()
	mock.SetJSON("/api/x/", http.StatusOK, `{}`)

	c := newTestClient(t, mock.URL())
	_, err := c.Get(context.Background(), "/api/x/", nil)
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Errorf("Expected 401 APIError, got %v", err)
	}
}

func TestDo_SignsEscapedPath(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		path    string
		handled string
	}{
		{"space", "", "/api/user/v1beta0/os/ubuntu 14/", "/api/user/v1beta0/os/ubuntu 14/"},
		{"pre-escaped", "", "/api/user/v1beta0/os/ubuntu%2014/", "/api/user/v1beta0/os/ubuntu 14/"},
		{"base path prefix", "/scalr", "/api/x/", "/scalr/api/x/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockScalr(testKeyID, testSecret)
			defer mock.Close()
			mock.SetJSON(tt.handled, http.StatusOK, `{"data":{}}`)

			c := newTestClient(t, mock.URL()+tt.base)
			if _, err := c.Get(context.Background(), tt.path, nil); err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !mock.Requests()[0].SignatureValid {
				t.Error("mock server rejected the signature")
			}
		})
	}
}

func pushBackOnce(mock *testutil.MockScalr, path string, arrivals *[]time.Time) {
	var mu sync.Mutex
	mock.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*arrivals = append(*arrivals, time.Now())
		n := len(*arrivals)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, testutil.ErrorBody("TooManyRequests", "slow down"))
			return
		}
		io.WriteString(w, `{"data":[]}`)
	})
}

func TestDo_RetryHonorsRetryAfter(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	var arrivals []time.Time
	pushBackOnce(mock, "/api/x/", &arrivals)

	c := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.Retry = transport.RetryConfig{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	})
	resp, err := c.Get(context.Background(), "/api/x/", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if len(arrivals) != 2 {
		t.Fatalf("attempts = %d, want 2", len(arrivals))
	}
	if gap := arrivals[1].Sub(arrivals[0]); gap < 900*time.Millisecond {
		t.Errorf("retried after %v, want the server's 1s Retry-After", gap)
	}
}

func TestDo_RetryPushBackSharedThroughRedis(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	var arrivals []time.Time
	pushBackOnce(mock, "/api/x/", &arrivals)

	var otherArrival time.Time
	mock.SetHandler("/api/other/", func(w http.ResponseWriter, r *http.Request) {
		otherArrival = time.Now()
		io.WriteString(w, `{"data":[]}`)
	})

	retrying := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.Redis = redisClient
		cfg.Now = time.Now
		cfg.Retry = transport.RetryConfig{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	})
	other := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.Redis = redisClient
		cfg.Now = time.Now
	})

	done := make(chan error, 1)
	go func() {
		_, err := retrying.Get(context.Background(), "/api/x/", nil)
		done <- err
	}()

	// Give the first attempt time to get its 429 and record the window.
	time.Sleep(300 * time.Millisecond)
	if _, err := other.Get(context.Background(), "/api/other/", nil); err != nil {
		t.Fatalf("other Get failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("retrying Get failed: %v", err)
	}

	if len(arrivals) != 2 {
		t.Fatalf("attempts = %d, want 2", len(arrivals))
	}
	if gap := otherArrival.Sub(arrivals[0]); gap < 900*time.Millisecond {
		t.Errorf("other client sent after %v, want it held by the shared 1s window", gap)
	}
}

func TestDo_TransportError(t *testing.T) {
	cause := errors.New("connection refused")
	c := newTestClient(t, "https://my.scalr.com", func(cfg *Config) {
		cfg.Dispatcher = dispatcherFunc(func(r *http.Request) (*http.Response, error) {
			return nil, cause
		})
	})

	_, err := c.Get(context.Background(), "/api/x/", nil)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected *TransportError, got %T: %v", err, err)
	}
	if !errors.Is(err, cause) {
		t.Error("TransportError should wrap the dispatcher's error")
	}
	if transportErr.Method != http.MethodGet || transportErr.Path != "/api/x/" {
		t.Errorf("TransportError = %+v", transportErr)
	}
}

func TestDo_SingleDispatch(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	mock.SetError("/api/x/", http.StatusInternalServerError, "InternalError", "boom")

	c := newTestClient(t, mock.URL())
	if _, err := c.Get(context.Background(), "/api/x/", nil); err == nil {
		t.Fatal("Expected error for 500 response")
	}
	if n := mock.RequestCount(); n != 1 {
		t.Errorf("request count = %d, want exactly 1", n)
	}
}

func TestDo_BodyAndHeaders(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	mock.SetJSON("/api/x/images/", http.StatusCreated, `{"data":{"id":"img-1"}}`)

	c := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.BasicAuthUser = "admin"
		cfg.BasicAuthPassword = "hunter2"
	})

	resp, err := c.CreateJSON(context.Background(), "/api/x/images/", map[string]string{"name": "web"})
	if err != nil {
		t.Fatalf("CreateJSON failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}

	req := mock.Requests()[0]
	if req.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", req.Method)
	}
	if req.Body != `{"name":"web"}` {
		t.Errorf("Body = %q", req.Body)
	}
	if !req.SignatureValid {
		t.Error("signature over the body was rejected")
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if !strings.HasPrefix(req.Header.Get("Authorization"), "Basic ") {
		t.Errorf("Authorization = %q, want basic auth", req.Header.Get("Authorization"))
	}
}

func TestDo_NoContentTypeWithoutBody(t *testing.T) {
	var header http.Header
	c := newTestClient(t, "https://my.scalr.com", func(cfg *Config) {
		cfg.Dispatcher = dispatcherFunc(func(r *http.Request) (*http.Response, error) {
			header = r.Header
			return jsonResponse(http.StatusOK, `{}`), nil
		})
	})

	if _, err := c.Delete(context.Background(), "/api/x/1/"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := header.Get("Content-Type"); got != "" {
		t.Errorf("Content-Type = %q, want empty", got)
	}
	if header.Get("Authorization") != "" {
		t.Error("basic auth should not be sent when unset")
	}
}

func TestDo_CustomVendor(t *testing.T) {
	var header http.Header
	c := newTestClient(t, "https://my.scalr.com", func(cfg *Config) {
		cfg.Vendor = "Acme"
		cfg.Dispatcher = dispatcherFunc(func(r *http.Request) (*http.Response, error) {
			header = r.Header
			return jsonResponse(http.StatusOK, `{}`), nil
		})
	})

	if _, err := c.Get(context.Background(), "/api/x/", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !strings.HasPrefix(header.Get("X-Acme-Signature"), signer.SignatureVersion+" ") {
		t.Errorf("X-Acme-Signature = %q", header.Get("X-Acme-Signature"))
	}
	if header.Get("X-Scalr-Signature") != "" {
		t.Error("default vendor header should not be set")
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, "https://my.scalr.com", func(cfg *Config) {
		cfg.Dispatcher = dispatcherFunc(func(r *http.Request) (*http.Response, error) {
			return nil, r.Context().Err()
		})
	})

	_, err := c.Get(ctx, "/api/x/", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFetch_WithoutRedisIsPlainGet(t *testing.T) {
	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	mock.SetJSON("/api/x/1/", http.StatusOK, `{"data":{"id":"1"}}`)

	c := newTestClient(t, mock.URL())
	for i := 0; i < 2; i++ {
		resp, err := c.Fetch(context.Background(), "/api/x/1/", nil)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if resp.Cached {
			t.Error("response should not be cached without Redis")
		}
	}
	if n := mock.RequestCount(); n != 2 {
		t.Errorf("request count = %d, want 2", n)
	}
}

func TestFetch_CachesAndInvalidates(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockScalr(testKeyID, testSecret)
	defer mock.Close()
	mock.SetJSON("/api/x/images/1/", http.StatusOK, `{"data":{"id":"1"}}`)

	c := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.Redis = redisClient
		cfg.CacheTTL = time.Minute
	})
	ctx := context.Background()

	first, err := c.Fetch(ctx, "/api/x/images/1/", nil)
	if err != nil {
		t.Fatalf("first Fetch failed: %v", err)
	}
	if first.Cached {
		t.Error("first Fetch should not be cached")
	}

	second, err := c.Fetch(ctx, "/api/x/images/1/", nil)
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if !second.Cached {
		t.Error("second Fetch should be served from cache")
	}
	if string(second.Body) != string(first.Body) {
		t.Errorf("cached body = %s, want %s", second.Body, first.Body)
	}
	if n := mock.RequestCount(); n != 1 {
		t.Errorf("request count = %d, want 1", n)
	}

	if _, err := c.Edit(ctx, "/api/x/images/1/", `{"name":"renamed"}`); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	third, err := c.Fetch(ctx, "/api/x/images/1/", nil)
	if err != nil {
		t.Fatalf("third Fetch failed: %v", err)
	}
	if third.Cached {
		t.Error("Fetch after Edit should reach the server")
	}
	if n := mock.RequestCount(); n != 3 {
		t.Errorf("request count = %d, want 3", n)
	}
}

func TestResponse_Data(t *testing.T) {
	resp := &Response{Body: []byte(`{"data":{"id":"img-1","name":"web"},"meta":{}}`)}

	var image struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := resp.Data(&image); err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	if image.ID != "img-1" || image.Name != "web" {
		t.Errorf("image = %+v", image)
	}

	empty := &Response{Body: []byte(`{"meta":{}}`)}
	if err := empty.Data(&image); err == nil {
		t.Error("Data should fail when the data member is missing")
	}
}

func TestParentPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/user/v1beta0/4/images/abc/", "/api/user/v1beta0/4/images/"},
		{"/api/user/v1beta0/4/images/abc", "/api/user/v1beta0/4/images/"},
		{"/images/", ""},
		{"/", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := parentPath(tt.path); got != tt.want {
			t.Errorf("parentPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
