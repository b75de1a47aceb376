// Package cache provides the serve-side response cache. Entries are scoped
// to a repository so that publishing a new repository version can drop every
// response derived from the previous one in a single invalidation.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a cache entry does not exist. Callers fall
// through to the store; a cache miss is never a failure.
var ErrNotFound = errors.New("cache: entry not found")

// Invalidator drops every cached entry of a repository. The sync pipeline
// calls it after publishing a version.
type Invalidator interface {
	Invalidate(ctx context.Context, repository string) error
}

// Cache stores response bytes keyed by repository and entry key.
type Cache interface {
	Invalidator

	// Get returns the cached bytes or ErrNotFound.
	Get(ctx context.Context, repository, key string) ([]byte, error)

	// Set stores the bytes. A zero ttl means no expiry.
	Set(ctx context.Context, repository, key string, value []byte, ttl time.Duration) error
}

type noop struct{}

// NewNoop returns a cache that stores nothing and misses on every lookup.
func NewNoop() Cache {
	return noop{}
}

func (noop) Get(ctx context.Context, repository, key string) ([]byte, error) {
	return nil, ErrNotFound
}

func (noop) Set(ctx context.Context, repository, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (noop) Invalidate(ctx context.Context, repository string) error {
	return nil
}
