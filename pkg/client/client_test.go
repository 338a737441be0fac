package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/Sternrassler/statvar-ingest/internal/testutil"
	"github.com/Sternrassler/statvar-ingest/pkg/ratelimit"
)

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return l.err
}

func newTestClient(t *testing.T, mock *testutil.MockAPI, limiter ratelimit.Limiter) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:   mock.URL(),
		Headers:   map[string]string{"Ocp-Apim-Subscription-Key": "secret"},
		UserAgent: "statvar-ingest/test",
		Limiter:   limiter,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_RequiresLimiter(t *testing.T) {
	_, err := New(Config{BaseURL: "http://localhost"})
	if !errors.Is(err, ErrLimiterRequired) {
		t.Errorf("New() error = %v, want ErrLimiterRequired", err)
	}
}

func TestGet_Success(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/api_GET", testutil.NewJSONResponse(`{"data": []}`))

	limiter := &countingLimiter{}
	c := newTestClient(t, mock, limiter)

	result, err := c.Get(context.Background(), Request{
		Dataset: "usda",
		Path:    "/api/api_GET",
		Params:  url.Values{"county_name": []string{"LOS ANGELES"}, "year": []string{"2023"}},
		Expect:  ContentJSON,
	})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !result.OK() {
		t.Fatalf("Get() result error = %v", result.Err)
	}
	if string(result.Body) != `{"data": []}` {
		t.Errorf("Body = %s", result.Body)
	}
	if limiter.calls.Load() != 1 {
		t.Errorf("limiter calls = %d, want 1", limiter.calls.Load())
	}

	q, _ := url.ParseQuery(mock.LastRawQuery())
	if q.Get("county_name") != "LOS ANGELES" || q.Get("year") != "2023" {
		t.Errorf("query = %q", mock.LastRawQuery())
	}
	if got := mock.LastHeader().Get("Ocp-Apim-Subscription-Key"); got != "secret" {
		t.Errorf("auth header = %q, want secret", got)
	}
	if got := mock.LastHeader().Get("User-Agent"); got != "statvar-ingest/test" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestGet_ErrorClassification(t *testing.T) {
	zipBody := testutil.BuildZip(testutil.ZipFile{Name: "a.csv", Content: "x\n1\n"})

	tests := []struct {
		name      string
		resp      testutil.MockResponse
		expect    ContentKind
		wantClass ErrorClass
	}{
		{
			name:      "client error 401",
			resp:      testutil.NewErrorResponse(http.StatusUnauthorized, `{"error":"bad key"}`),
			expect:    ContentJSON,
			wantClass: ErrorClassClient,
		},
		{
			name:      "server error 503",
			resp:      testutil.NewErrorResponse(http.StatusServiceUnavailable, `{}`),
			expect:    ContentJSON,
			wantClass: ErrorClassServer,
		},
		{
			name:      "json where zip expected",
			resp:      testutil.NewJSONResponse(`{"message":"no data"}`),
			expect:    ContentZip,
			wantClass: ErrorClassContentType,
		},
		{
			name: "non-json where json expected",
			resp: testutil.MockResponse{
				StatusCode: http.StatusOK,
				Body:       []byte("<html>maintenance</html>"),
				Headers:    map[string]string{"Content-Type": "text/html"},
			},
			expect:    ContentJSON,
			wantClass: ErrorClassContentType,
		},
		{
			name:   "zip where zip expected",
			resp:   testutil.NewZipResponse(zipBody),
			expect: ContentZip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/data", tt.resp)

			c := newTestClient(t, mock, ratelimit.Unlimited{})
			result, err := c.Get(context.Background(), Request{Dataset: "wto", Path: "/data", Expect: tt.expect})
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}

			if tt.wantClass == "" {
				if !result.OK() {
					t.Errorf("expected success, got %v", result.Err)
				}
				return
			}
			if result.OK() {
				t.Fatalf("expected %s error, got success", tt.wantClass)
			}
			if result.Err.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", result.Err.Class, tt.wantClass)
			}
			if !result.Err.IsPersistable() {
				t.Error("API error responses should be persistable")
			}
		})
	}
}

func TestGet_NetworkError(t *testing.T) {
	mock := testutil.NewMockAPI()
	base := mock.URL()
	mock.Close()

	c, err := New(Config{BaseURL: base, Limiter: ratelimit.Unlimited{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := c.Get(context.Background(), Request{Dataset: "usda", Path: "/x", Expect: ContentJSON})
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Class != ErrorClassNetwork || apiErr.IsPersistable() {
		t.Errorf("network error class = %s persistable = %v", apiErr.Class, apiErr.IsPersistable())
	}
}

func TestGet_LimiterError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	limiter := &countingLimiter{err: context.Canceled}
	c := newTestClient(t, mock, limiter)

	_, err := c.Get(context.Background(), Request{Path: "/x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want Canceled", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want 0 when limiter fails", mock.RequestCount())
	}
}

func TestGet_RequestLimiterOverride(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/x", testutil.NewJSONResponse(`{}`))

	base := &countingLimiter{}
	override := &countingLimiter{}
	c := newTestClient(t, mock, base)

	if _, err := c.Get(context.Background(), Request{Path: "/x", Limiter: override}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if base.calls.Load() != 0 || override.calls.Load() != 1 {
		t.Errorf("base calls = %d, override calls = %d; want 0, 1", base.calls.Load(), override.calls.Load())
	}
}

func TestMatchesContent(t *testing.T) {
	tests := []struct {
		name        string
		expect      ContentKind
		contentType string
		body        string
		want        bool
	}{
		{"zip magic", ContentZip, "application/zip", "PK\x03\x04rest", true},
		{"zip octet stream", ContentZip, "application/octet-stream", "PK\x03\x04rest", true},
		{"empty zip", ContentZip, "application/zip", string(testutil.BuildZip()), true},
		{"zip expected json body", ContentZip, "application/json", `{"a":1}`, false},
		{"json header", ContentJSON, "application/json; charset=utf-8", `{"a":1}`, true},
		{"json body no header", ContentJSON, "", `[1,2]`, true},
		{"json expected html", ContentJSON, "text/html", "<html>", false},
		{"no expectation", "", "text/plain", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesContent(tt.expect, tt.contentType, []byte(tt.body)); got != tt.want {
				t.Errorf("MatchesContent() = %v, want %v", got, tt.want)
			}
		})
	}
}
