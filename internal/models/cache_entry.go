// Package models provides data model definitions for the AgroTour offline core.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a cached read result. Entries are monotonic: a fresher
// write always overwrites an older one, never merges.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"` // unix milliseconds
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (e *CacheEntry) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// Age returns how long ago the entry was written, relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAtTime())
}
