// Package storage defines the durable key-value contract the resilience
// components persist into, plus memory, file, and SQLite implementations.
//
// The contract is deliberately small: async-shaped (every call takes a
// context and may fail), string-keyed, no multi-key transactions. Callers
// must treat every operation as fallible.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Store is the durable key-value contract consumed by the cache engine and
// the token manager. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveAll deletes every key in keys. Best-effort: a failure on one
	// key does not stop the rest, and the first error is returned.
	RemoveAll(ctx context.Context, keys []string) error

	// Keys returns every key currently stored.
	Keys(ctx context.Context) ([]string, error)
}
