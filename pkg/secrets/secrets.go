// Package secrets resolves API keys from flags, the environment or a JSON
// config blob in Cloud Storage.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/Sternrassler/statvar-ingest/pkg/logging"
)

// ErrNotFound is returned when a source does not hold the named secret.
var ErrNotFound = errors.New("secret not found")

// Default location of the shared ingestion config blob.
const (
	DefaultProject = "datcom-204919"
	DefaultBucket  = "datcom-csv"
	DefaultObject  = "usda/agriculture_survey/config.json"
)

// Source looks up a secret by name.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// Static serves secrets from a map. Empty values count as absent.
type Static map[string]string

// Get implements Source.
func (s Static) Get(_ context.Context, name string) (string, error) {
	if v := s[name]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Env serves secrets from environment variables named after the upper-cased
// secret name ("usda_api_key" reads USDA_API_KEY).
type Env struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Get implements Source.
func (e Env) Get(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(strings.ToUpper(name)); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// BlobReader reads one object from a bucket.
type BlobReader interface {
	ReadBlob(ctx context.Context, bucket, object string) ([]byte, error)
}

// GCSReader reads objects through a Cloud Storage client.
type GCSReader struct {
	client *storage.Client
}

// NewGCSReader creates a reader using application default credentials.
func NewGCSReader(ctx context.Context) (*GCSReader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSReader{client: client}, nil
}

// ReadBlob implements BlobReader.
func (r *GCSReader) ReadBlob(ctx context.Context, bucket, object string) ([]byte, error) {
	rc, err := r.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}

// Close releases the storage client.
func (r *GCSReader) Close() error {
	return r.client.Close()
}

// BlobSource serves secrets from the top-level string fields of a JSON
// object. The blob is fetched at most once per successful read.
type BlobSource struct {
	Reader  BlobReader
	Project string
	Bucket  string
	Object  string

	mu     sync.Mutex
	values map[string]any
}

// NewBlobSource creates a source over bucket/object. Empty names select the
// shared ingestion config blob.
func NewBlobSource(reader BlobReader, bucket, object string) *BlobSource {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if object == "" {
		object = DefaultObject
	}
	return &BlobSource{Reader: reader, Project: DefaultProject, Bucket: bucket, Object: object}
}

// Get implements Source.
func (s *BlobSource) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.values == nil {
		logger := logging.NewLogger("secrets")
		logger.Info().
			Str("project", s.Project).
			Str("bucket", s.Bucket).
			Str("object", s.Object).
			Msg("Getting cloud config")

		data, err := s.Reader.ReadBlob(ctx, s.Bucket, s.Object)
		if err != nil {
			return "", err
		}
		var values map[string]any
		if err := json.Unmarshal(data, &values); err != nil {
			return "", fmt.Errorf("decode cloud config: %w", err)
		}
		s.values = values
	}

	if v, ok := s.values[name].(string); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s in gs://%s/%s", ErrNotFound, name, s.Bucket, s.Object)
}

// Chain tries sources in order. ErrNotFound moves on to the next source;
// any other error stops the lookup.
type Chain []Source

// Get implements Source.
func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		v, err := src.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Lazy defers building a source until its first lookup, so credentials are
// only needed when earlier sources in a Chain came up empty.
type Lazy struct {
	New func(ctx context.Context) (Source, error)

	once sync.Once
	src  Source
	err  error
}

// Get implements Source.
func (l *Lazy) Get(ctx context.Context, name string) (string, error) {
	l.once.Do(func() {
		l.src, l.err = l.New(ctx)
	})
	if l.err != nil {
		return "", l.err
	}
	return l.src.Get(ctx, name)
}
