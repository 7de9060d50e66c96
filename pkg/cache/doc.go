// Package cache provides an optional Redis-backed response cache for
// single-resource GET calls.
//
// Only plain fetches are cached. Scroll pages are never stored because each
// pagination cursor is valid for exactly one follow-up request, and signatures
// are never stored because every request carries a fresh timestamp.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{
//		KeyID: "APIKEY123",
//		Path:  "/api/user/v1beta0/4/images/abc/",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then
//		_ = manager.Set(ctx, key, cache.NewEntry(200, header, body, time.Minute))
//	}
//
// After a write to a resource the client drops every cached variant of that
// path with InvalidatePath.
//
// # Metrics
//
//   - scalr_cache_hits_total - Cache hits
//   - scalr_cache_misses_total - Cache misses
//   - scalr_cache_errors_total{operation} - Cache operation errors
package cache
