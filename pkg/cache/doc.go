// Package cache provides the idempotent fetch-or-read response cache.
//
// The unit of caching is one API call's raw response. Every call is
// identified by a Key derived from the dataset and the partition (county
// name, indicator code). A successful response is stored under Key.Name();
// an API error response is stored as a JSON document under the sibling
// Key.ErrorName() (".ERROR.json").
//
// # Resume semantics
//
// Store.Fetch performs no network call when either name already exists.
// Presence is success: a cached error document is returned as-is on every
// later run until the file is deleted by hand. There is no expiry and no
// content validation.
//
// # Basic Usage
//
//	store := cache.NewStore(cache.NewFileBackend("output"))
//
//	key := cache.Key{Dataset: "response/2023", Partition: "LOS ANGELES", Ext: "json"}
//	resp, err := store.Fetch(ctx, key, func(ctx context.Context) (*client.Result, error) {
//		return apiClient.Get(ctx, req)
//	})
//	if err != nil {
//		// transport failure, nothing persisted
//	}
//	if resp.IsError {
//		// the API answered with an error; resp.Body is the error document
//	}
//
// # Backends
//
//   - FileBackend: files under a root directory. Writes go to a temporary
//     file in the target directory and are renamed into place, so a crash
//     mid-write never leaves a truncated entry under a cache name.
//   - RedisBackend: keys under a prefix, no TTL. Lets several hosts share
//     one cache.
//
// # Metrics
//
//   - statvar_cache_hits_total{backend}
//   - statvar_cache_misses_total{backend}
//   - statvar_cache_error_entries_total
//   - statvar_cache_errors_total{operation}
package cache
