// Package testutil provides a mock Scalr API server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/Sternrassler/scalr-api-client/pkg/signer"
)

// RecordedRequest is one request seen by the mock server.
type RecordedRequest struct {
	Method         string
	Path           string
	RawQuery       string
	Header         http.Header
	Body           string
	SignatureValid bool
}

// MockScalr is a configurable mock API server. It verifies every request's
// signature and answers 401 when it does not match.
type MockScalr struct {
	server    *httptest.Server
	keyID     string
	secretKey string
	vendor    string

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests []RecordedRequest
}

// NewMockScalr creates a mock server that accepts requests signed with the
// given credentials.
func NewMockScalr(keyID, secretKey string) *MockScalr {
	mock := &MockScalr{
		keyID:     keyID,
		secretKey: secretKey,
		vendor:    signer.DefaultVendor,
		handlers:  make(map[string]http.HandlerFunc),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockScalr) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockScalr) Close() {
	m.server.Close()
}

// Reset clears recorded requests.
func (m *MockScalr) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// Requests returns a copy of the recorded requests in arrival order.
func (m *MockScalr) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockScalr) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockScalr) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetJSON answers path with a fixed status and body.
func (m *MockScalr) SetJSON(path string, status int, body string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

// SetError answers path with the API's error envelope.
func (m *MockScalr) SetError(path string, status int, code, message string) {
	m.SetJSON(path, status, ErrorBody(code, message))
}

// SetPages serves path as a paginated collection. Page n's pagination.next
// links to page n+1; the last page has a null next. The cursor's query is
// deliberately not in sorted order.
func (m *MockScalr) SetPages(path string, pages ...[]any) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		pageNum := 1
		if v := r.URL.Query().Get("pageNum"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > len(pages) {
				writeJSON(w, http.StatusBadRequest, ErrorBody("InvalidValue", "bad pageNum"))
				return
			}
			pageNum = n
		}

		var next any
		if pageNum < len(pages) {
			next = fmt.Sprintf("%s%s?pageNum=%d&maxResults=%d", m.URL(), path, pageNum+1, len(pages[0]))
		}

		items := pages[pageNum-1]
		if items == nil {
			items = []any{}
		}
		body, _ := json.Marshal(map[string]any{
			"data": items,
			"pagination": map[string]any{
				"first": fmt.Sprintf("%s%s?pageNum=1", m.URL(), path),
				"next":  next,
			},
			"meta": map[string]any{"totalNumber": countItems(pages)},
		})
		writeJSON(w, http.StatusOK, string(body))
	})
}

// ErrorBody renders the API error envelope.
func ErrorBody(code, message string) string {
	body, _ := json.Marshal(map[string]any{
		"errors": []map[string]string{{"code": code, "message": message}},
	})
	return string(body)
}

func (m *MockScalr) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	sts := signer.StringToSign(
		r.Method,
		r.Header.Get(signer.HeaderName(m.vendor, "Date")),
		r.URL.EscapedPath(),
		r.URL.RawQuery,
		string(body),
	)
	valid := r.Header.Get(signer.HeaderName(m.vendor, "Key-Id")) == m.keyID &&
		signer.Verify(m.secretKey, sts, r.Header.Get(signer.HeaderName(m.vendor, "Signature")))

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		RawQuery:       r.URL.RawQuery,
		Header:         r.Header.Clone(),
		Body:           string(body),
		SignatureValid: valid,
	})
	handler, exists := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if !valid {
		writeJSON(w, http.StatusUnauthorized, ErrorBody("InvalidSignature", "signature mismatch"))
		return
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, ErrorBody("ObjectNotFound", "no such endpoint: "+r.URL.Path))
		return
	}
	handler(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func countItems(pages [][]any) int {
	n := 0
	for _, p := range pages {
		n += len(p)
	}
	return n
}
