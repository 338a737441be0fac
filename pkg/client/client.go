// Package client provides the HTTP transport for the statistics APIs with
// shared rate limiting and response classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/statvar-ingest/pkg/logging"
	"github.com/Sternrassler/statvar-ingest/pkg/ratelimit"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for API calls.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statvar_fetch_requests_total",
		Help: "Total API requests by dataset and status",
	}, []string{"dataset", "status"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "statvar_fetch_duration_seconds",
		Help:    "API request duration in seconds by dataset, excluding rate limiter wait",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"dataset"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statvar_fetch_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// ContentKind is the payload kind a request expects back.
type ContentKind string

const (
	// ContentJSON expects a JSON document.
	ContentJSON ContentKind = "json"

	// ContentZip expects a zip archive.
	ContentZip ContentKind = "zip"
)

var (
	zipMagic = []byte("PK\x03\x04")

	// An archive with no members is only an end of central directory record.
	emptyZipMagic = []byte("PK\x05\x06")
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to relative request paths.
	BaseURL string

	// Headers are sent on every request (e.g. the API key header).
	Headers map[string]string

	// UserAgent header.
	UserAgent string

	// Timeout per request. Zero keeps the transport default (none).
	Timeout time.Duration

	// Limiter is acquired before every network call. Required.
	Limiter ratelimit.Limiter
}

// Request describes one API call.
type Request struct {
	// Dataset labels metrics and logs (usda, wto).
	Dataset string

	// Path is relative to Config.BaseURL, or absolute.
	Path string

	Params url.Values

	// Expect is the payload kind a 200 response must carry.
	Expect ContentKind

	// Limiter overrides Config.Limiter for this call. Pool tasks pass the
	// handle the executor gave them.
	Limiter ratelimit.Limiter
}

// Result is a completed API call. Err is set when the API answered but the
// answer is an error (wrong status or payload kind).
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Err         *APIError
}

// OK reports whether the call succeeded.
func (r *Result) OK() bool {
	return r.Err == nil
}

// Client performs rate-limited GET requests.
type Client struct {
	http    *resty.Client
	limiter ratelimit.Limiter
	logger  zerolog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, ErrLimiterRequired
	}

	rc := resty.New()
	if cfg.BaseURL != "" {
		rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	}
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	rc.SetHeaders(cfg.Headers)

	return &Client{
		http:    rc,
		limiter: cfg.Limiter,
		logger:  logging.NewLogger("client"),
	}, nil
}

// Get waits for the shared limiter, performs the request and classifies
// the response. A transport failure returns a nil Result and an *APIError
// of class network.
func (c *Client) Get(ctx context.Context, req Request) (*Result, error) {
	limiter := c.limiter
	if req.Limiter != nil {
		limiter = req.Limiter
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	defer func() {
		fetchDuration.WithLabelValues(req.Dataset).Observe(time.Since(start).Seconds())
	}()

	c.logger.Debug().
		Str("dataset", req.Dataset).
		Str("path", req.Path).
		Msg("Fetching")

	r := c.http.R().SetContext(ctx)
	if len(req.Params) > 0 {
		r.SetQueryParamsFromValues(req.Params)
	}

	resp, err := r.Get(req.Path)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		fetchRequestsTotal.WithLabelValues(req.Dataset, "network_error").Inc()
		c.logger.Error().Err(err).Str("path", req.Path).Msg("HTTP request failed")
		return nil, &APIError{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}

	result := &Result{
		StatusCode:  resp.StatusCode(),
		ContentType: resp.Header().Get("Content-Type"),
		Body:        resp.Body(),
	}
	fetchRequestsTotal.WithLabelValues(req.Dataset, strconv.Itoa(result.StatusCode)).Inc()

	if apiErr := classify(result, req.Expect); apiErr != nil {
		fetchErrorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
		c.logger.Warn().
			Str("dataset", req.Dataset).
			Str("path", req.Path).
			Int("status", result.StatusCode).
			Str("error_class", string(apiErr.Class)).
			Msg("API error response")
		result.Err = apiErr
	}

	return result, nil
}

// classify returns nil for a 200 response carrying the expected payload.
func classify(r *Result, expect ContentKind) *APIError {
	if r.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode:  r.StatusCode,
			Class:       classifyStatus(r.StatusCode),
			ContentType: r.ContentType,
			Message:     http.StatusText(r.StatusCode),
		}
	}
	if !MatchesContent(expect, r.ContentType, r.Body) {
		return &APIError{
			StatusCode:  r.StatusCode,
			Class:       ErrorClassContentType,
			ContentType: r.ContentType,
			Message:     fmt.Sprintf("expected %s payload, got %q", expect, r.ContentType),
		}
	}
	return nil
}

// MatchesContent reports whether a payload is of the expected kind. Zip
// payloads are recognised by their local file header signature; JSON by
// content type or a syntactically valid body. An empty kind matches anything.
func MatchesContent(expect ContentKind, contentType string, body []byte) bool {
	switch expect {
	case ContentZip:
		return bytes.HasPrefix(body, zipMagic) || bytes.HasPrefix(body, emptyZipMagic)
	case ContentJSON:
		if strings.Contains(strings.ToLower(contentType), "json") {
			return true
		}
		return json.Valid(body)
	default:
		return true
	}
}
