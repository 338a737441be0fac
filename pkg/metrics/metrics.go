// Package metrics provides the shared Prometheus registry and the batch-job
// export used by every ingestion run. Metrics themselves are defined in
// their packages (client, cache, ratelimit, pool, transform) via promauto.
//
// A run has no scrape endpoint, so the gathered state is written once as a
// node_exporter textfile when the run ends.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// WriteTextfile writes all gathered metrics to path in the text exposition
// format. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, Gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - statvar_fetch_requests_total{dataset, status} (Counter)
//   - statvar_fetch_duration_seconds{dataset} (Histogram)
//   - statvar_fetch_errors_total{class} (Counter): client, server, content_type, network
//
// Cache Metrics (pkg/cache):
//   - statvar_cache_hits_total{backend} (Counter)
//   - statvar_cache_misses_total{backend} (Counter)
//   - statvar_cache_error_entries_total (Counter): API errors persisted as .ERROR.json
//   - statvar_cache_errors_total{operation} (Counter)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - statvar_ratelimit_waits_total{backend} (Counter)
//   - statvar_ratelimit_wait_seconds{backend} (Histogram)
//
// Pool Metrics (pkg/pool):
//   - statvar_partitions_total{result} (Counter): ok, failed
//
// Transform Metrics (pkg/transform):
//   - statvar_records_skipped_total{dataset, reason} (Counter)
//   - statvar_rows_emitted_total{dataset} (Counter)
