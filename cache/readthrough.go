package cache

import "context"

// FetchOptions controls the read-through helpers.
type FetchOptions struct {
	// ForceRefresh bypasses the cached value and always invokes the
	// fetcher.
	ForceRefresh bool

	// Entry options applied when storing a fetched value.
	Entry []EntryOption
}

// GetOrFetch is a cache-first read-through: it returns the cached value when
// present (and ForceRefresh is off), otherwise calls fetch, stores the
// result, and returns it. Unlike Set and Get, fetch errors propagate to the
// caller: the cache swallows its own failures, not the network's.
func GetOrFetch[T any](ctx context.Context, e *Engine, key string, fetch func(context.Context) (T, error), opts FetchOptions) (T, error) {
	var cached T
	if !opts.ForceRefresh && e.Get(ctx, key, &cached) {
		return cached, nil
	}

	fetched, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	e.Set(ctx, key, fetched, opts.Entry...)
	return fetched, nil
}

// PreloadForOffline warms the cache for key, swallowing fetch errors: a
// failed warm-up leaves the cache as it was and returns the zero value with
// ok=false. Used for best-effort prefetch before connectivity is lost.
func PreloadForOffline[T any](ctx context.Context, e *Engine, key string, fetch func(context.Context) (T, error), opts FetchOptions) (T, bool) {
	v, err := GetOrFetch(ctx, e, key, fetch, opts)
	if err != nil {
		e.log.Debug().Err(err).Str("key", key).Msg("cache: preload fetch failed")
		var zero T
		return zero, false
	}
	return v, true
}
