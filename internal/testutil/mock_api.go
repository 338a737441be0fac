// Package testutil provides testing utilities for the ingestion pipelines.
package testutil

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock statistics API server for testing.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount  int
	pathCounts    map[string]int
	lastRawQuery  string
	lastReqHeader http.Header
}

// NewMockAPI creates a new mock API server. Unconfigured paths answer 404.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastRawQuery = r.URL.RawQuery
		mock.lastReqHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastRawQuery = ""
	m.lastReqHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if len(resp.Body) > 0 {
			w.Write(resp.Body)
		}
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests made to one path.
func (m *MockAPI) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastRawQuery returns the query string of the most recent request.
func (m *MockAPI) LastRawQuery() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRawQuery
}

// LastHeader returns the headers of the most recent request.
func (m *MockAPI) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReqHeader
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewZipResponse creates a 200 OK zip response.
func NewZipResponse(archive []byte) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       archive,
		Headers:    map[string]string{"Content-Type": "application/zip"},
	}
}

// NewErrorResponse creates a JSON error response with the given status.
func NewErrorResponse(status int, body string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       []byte(body),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// ZipFile is one member of an archive built by BuildZip.
type ZipFile struct {
	Name    string
	Content string
}

// BuildZip returns a zip archive holding files in order. It panics on
// write errors, which cannot happen for an in-memory buffer.
func BuildZip(files ...ZipFile) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write([]byte(f.Content)); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
