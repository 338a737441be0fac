package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/statvar-ingest/pkg/client"
	"github.com/Sternrassler/statvar-ingest/pkg/logging"
	"github.com/rs/zerolog"
)

var (
	// ErrNotCached indicates neither a success entry nor an error document
	// exists for a key.
	ErrNotCached = errors.New("response not cached")

	// ErrEmptyResult indicates a FetchFunc returned neither a result nor an error.
	ErrEmptyResult = errors.New("fetch returned no result")
)

// FetchFunc performs the network call for a cache miss.
type FetchFunc func(ctx context.Context) (*client.Result, error)

// Response is a cached or freshly fetched API response.
type Response struct {
	Key Key

	// Body is the raw response, or the error document when IsError.
	Body []byte

	// IsError marks an API error response.
	IsError bool

	// FromCache is true when no network call was made.
	FromCache bool
}

// ErrorDocument is the JSON persisted under Key.ErrorName().
type ErrorDocument struct {
	StatusCode  int             `json:"status_code"`
	ErrorClass  string          `json:"error_class"`
	ContentType string          `json:"content_type,omitempty"`
	Message     string          `json:"message"`
	Body        json.RawMessage `json:"body,omitempty"`
	RawBody     string          `json:"raw_body,omitempty"`
}

// NewErrorDocument builds the error document for an API error result. JSON
// bodies are embedded as JSON values (compacted on marshal), anything else
// as a string.
func NewErrorDocument(result *client.Result) ErrorDocument {
	doc := ErrorDocument{
		StatusCode:  result.StatusCode,
		ContentType: result.ContentType,
	}
	if result.Err != nil {
		doc.ErrorClass = string(result.Err.Class)
		doc.Message = result.Err.Message
	}
	if len(result.Body) > 0 {
		if json.Valid(result.Body) {
			doc.Body = json.RawMessage(result.Body)
		} else {
			doc.RawBody = string(result.Body)
		}
	}
	return doc
}

// Store is the fetch-or-read cache front.
type Store struct {
	backend Backend
	logger  zerolog.Logger
}

// NewStore creates a store over backend.
func NewStore(backend Backend) *Store {
	if backend == nil {
		panic("cache backend cannot be nil")
	}
	return &Store{
		backend: backend,
		logger:  logging.NewLogger("cache").With().Str("backend", backend.Kind()).Logger(),
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Lookup returns the cached response for key without fetching. It returns
// ErrNotCached when neither entry exists.
func (s *Store) Lookup(ctx context.Context, key Key) (*Response, error) {
	for _, candidate := range []struct {
		name    string
		isError bool
	}{
		{key.Name(), false},
		{key.ErrorName(), true},
	} {
		ok, err := s.backend.Exists(ctx, candidate.name)
		if err != nil {
			CacheErrors.WithLabelValues("exists").Inc()
			return nil, fmt.Errorf("check cache entry %s: %w", candidate.name, err)
		}
		if !ok {
			continue
		}

		data, err := s.backend.Read(ctx, candidate.name)
		if err != nil {
			CacheErrors.WithLabelValues("read").Inc()
			return nil, fmt.Errorf("read cache entry %s: %w", candidate.name, err)
		}
		CacheHits.WithLabelValues(s.backend.Kind()).Inc()
		s.logger.Debug().
			Str("path", candidate.name).
			Bool("error_entry", candidate.isError).
			Msg("Reading response from cache")

		return &Response{Key: key, Body: data, IsError: candidate.isError, FromCache: true}, nil
	}
	return nil, ErrNotCached
}

// Fetch returns the cached response for key, or calls fetch and persists
// its result. A transport error from fetch is returned and nothing is
// written, so the next run tries again.
func (s *Store) Fetch(ctx context.Context, key Key, fetch FetchFunc) (*Response, error) {
	resp, err := s.Lookup(ctx, key)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, ErrNotCached) {
		return nil, err
	}
	CacheMisses.WithLabelValues(s.backend.Kind()).Inc()

	result, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrEmptyResult
	}

	if result.Err != nil {
		doc, err := json.Marshal(NewErrorDocument(result))
		if err != nil {
			return nil, fmt.Errorf("marshal error document: %w", err)
		}
		if err := s.write(ctx, key.ErrorName(), doc); err != nil {
			return nil, err
		}
		ErrorEntries.Inc()
		s.logger.Warn().
			Str("path", key.ErrorName()).
			Int("status", result.StatusCode).
			Str("error_class", string(result.Err.Class)).
			Msg("Writing error response to cache")
		return &Response{Key: key, Body: doc, IsError: true}, nil
	}

	if err := s.write(ctx, key.Name(), result.Body); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("path", key.Name()).
		Int("bytes", len(result.Body)).
		Msg("Writing response to cache")
	return &Response{Key: key, Body: result.Body}, nil
}

// List returns the keys of success entries with extension ext under dataset.
func (s *Store) List(ctx context.Context, dataset, ext string) ([]Key, error) {
	names, err := s.backend.List(ctx, dataset)
	if err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("list cache entries %s: %w", dataset, err)
	}

	keys := make([]Key, 0, len(names))
	for _, name := range names {
		if partition := partitionFromName(name, ext); partition != "" {
			keys = append(keys, Key{Dataset: dataset, Partition: partition, Ext: ext})
		}
	}
	return keys, nil
}

func (s *Store) write(ctx context.Context, name string, data []byte) error {
	if err := s.backend.Write(ctx, name, data); err != nil {
		CacheErrors.WithLabelValues("write").Inc()
		return fmt.Errorf("write cache entry %s: %w", name, err)
	}
	return nil
}
