package cachemanager

import (
	"context"
	"sync"
	"time"
)

// ReadThroughCache computes a value on miss and caches it. Concurrent
// callers with the same key are serialized, so fn runs at most once per key
// while the entry is live. Errors are returned and never cached.
type ReadThroughCache[K ~string, V any, I any] struct {
	cache CacheManager[K, V]
	fn    func(ctx context.Context, input I) (V, error)

	mu    sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewReadThroughCache wraps cache around fn.
func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	fn func(ctx context.Context, input I) (V, error),
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{
		cache: cache,
		fn:    fn,
		locks: make(map[K]*keyLock),
	}
}

// Get returns the cached value for key, or runs fn(input) and caches the
// result for ttl. hit reports whether the value came from the cache.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (value V, hit bool, err error) {
	if value, ok := r.cache.Get(ctx, key); ok {
		return value, true, nil
	}

	unlock := r.lock(key)
	defer unlock()

	// Another caller may have filled the entry while we waited.
	if value, ok := r.cache.Get(ctx, key); ok {
		return value, true, nil
	}

	value, err = r.fn(ctx, input)
	if err != nil {
		return value, false, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, false, nil
}

func (r *ReadThroughCache[K, V, I]) lock(key K) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
