package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by backend (file, redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statvar_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"backend"},
	)

	// CacheMisses tracks cache misses by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statvar_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"backend"},
	)

	// ErrorEntries tracks API error documents persisted to the cache
	ErrorEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statvar_cache_error_entries_total",
			Help: "Total number of API error responses persisted as error documents",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statvar_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "exists", "read", "write", "list"
	)
)
