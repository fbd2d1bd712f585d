package cache

import (
	"context"
	"time"

	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
)

// FetchFunc loads the authoritative copy of a key from the network.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Result is the outcome of a read-through lookup.
type Result struct {
	Data []byte
	// FromCache is true when the data was served from the store rather
	// than the fetch.
	FromCache bool
	// Stale is true when the served entry had outlived its TTL and was
	// used as a fallback because the fetch failed.
	Stale bool
}

// ReadThrough implements the cache-first read path. Fresh entries are
// served without touching the network. Missing or expired entries are
// fetched and stored. When the fetch fails and any cached copy exists,
// the stale copy is served instead of the error.
func (s *Store) ReadThrough(ctx context.Context, key string, ttl time.Duration, force bool, fetch FetchFunc) (*Result, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	entry, getErr := s.Get(ClassResponse, key)
	if getErr == nil && !force && s.Fresh(entry, ttl) {
		return &Result{Data: entry.Data, FromCache: true}, nil
	}

	data, fetchErr := fetch(ctx)
	if fetchErr == nil {
		if err := s.Put(ClassResponse, key, data); err != nil {
			logging.Warn("failed to cache fetched response", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return &Result{Data: data}, nil
	}

	// Network failed. Any cached copy, fresh or stale, beats an error.
	if getErr == nil {
		logging.Warn("serving stale cache entry after fetch failure", map[string]interface{}{
			"key": key,
			"age": entry.Age(s.now()).String(),
		})
		return &Result{
			Data:      entry.Data,
			FromCache: true,
			Stale:     !s.Fresh(entry, ttl),
		}, nil
	}

	return nil, errors.Wrap(errors.ErrOffline, "fetch failed and no cached copy exists", fetchErr)
}
