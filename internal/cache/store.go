// Package cache provides the TTL read cache backing offline reads.
// Responses and static assets live in a bbolt file, scoped by cache
// generation so a deploy can invalidate everything at once.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
	"github.com/agrotour/offline/internal/models"
)

// Class separates cached API responses from cached static assets.
type Class string

const (
	ClassResponse Class = "responses"
	ClassAsset    Class = "assets"
)

// DefaultTTL is how long a cached response is considered fresh.
const DefaultTTL = 24 * time.Hour

// Stats reports cache occupancy for the control channel. Requests lists
// the cached response keys so a shell can show what is available
// offline.
type Stats struct {
	Requests  []string `json:"requests"`
	CacheSize int64    `json:"cacheSize"`
}

// Store is the persistent read cache. One bucket per (class, generation)
// pair; bumping the generation orphans the old buckets until
// PurgeOldGenerations removes them.
type Store struct {
	db         *bbolt.DB
	generation string

	now func() time.Time
}

// Open opens (or creates) the cache file and ensures the current
// generation's buckets exist.
func Open(path, generation string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCache, "failed to open cache store", err)
	}

	s := &Store{db: db, generation: generation, now: time.Now}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, class := range []Class{ClassResponse, ClassAsset} {
			if _, err := tx.CreateBucketIfNotExists(s.bucketName(class)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", class, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCache, "failed to initialize cache buckets", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Generation returns the active cache generation.
func (s *Store) Generation() string {
	return s.generation
}

func (s *Store) bucketName(class Class) []byte {
	return []byte(string(class) + "#" + s.generation)
}

// Put stores data under key with the current timestamp. Last write wins.
func (s *Store) Put(class Class, key string, data []byte) error {
	entry := models.CacheEntry{
		Key:       key,
		Data:      data,
		UpdatedAt: s.now().UnixMilli(),
	}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return errors.Wrap(errors.ErrCache, "failed to encode cache entry", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucketName(class))
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", s.bucketName(class))
		}
		return bucket.Put([]byte(key), raw)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCache, "failed to write cache entry", err)
	}
	return nil
}

// Get retrieves a cache entry regardless of freshness. Callers decide
// whether a stale entry is acceptable.
func (s *Store) Get(class Class, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucketName(class))
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", s.bucketName(class))
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return errors.New(errors.ErrNotFound, fmt.Sprintf("cache miss for %s", key))
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrCache, "failed to read cache entry", err)
	}
	return &entry, nil
}

// Fresh reports whether an entry is within its TTL. An entry exactly at
// the TTL boundary has expired.
func (s *Store) Fresh(entry *models.CacheEntry, ttl time.Duration) bool {
	return entry.Age(s.now()) < ttl
}

// Delete removes a single entry. Deleting a missing key is a no-op.
func (s *Store) Delete(class Class, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucketName(class))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(errors.ErrCache, "failed to delete cache entry", err)
	}
	return nil
}

// Clear wipes the current generation's buckets.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, class := range []Class{ClassResponse, ClassAsset} {
			name := s.bucketName(class)
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrCache, "failed to clear cache", err)
	}
	logging.Info("cache cleared", map[string]interface{}{"generation": s.generation})
	return nil
}

// Stats lists cached response keys and counts total stored bytes across
// both classes of the current generation.
func (s *Store) Stats() (Stats, error) {
	stats := Stats{Requests: []string{}}
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, class := range []Class{ClassResponse, ClassAsset} {
			bucket := tx.Bucket(s.bucketName(class))
			if bucket == nil {
				continue
			}
			c := bucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if class == ClassResponse {
					stats.Requests = append(stats.Requests, string(k))
				}
				stats.CacheSize += int64(len(v))
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, errors.Wrap(errors.ErrCache, "failed to compute cache stats", err)
	}
	return stats, nil
}

// PurgeOldGenerations deletes buckets from previous generations. Called
// after activation so readers of the old generation are never broken
// mid-flight.
func (s *Store) PurgeOldGenerations() (int, error) {
	suffix := []byte("#" + s.generation)
	var purged int

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var stale [][]byte
		err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !hasSuffix(name, suffix) {
				stale = append(stale, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrCache, "failed to purge old generations", err)
	}

	if purged > 0 {
		logging.Info("purged old cache generations", map[string]interface{}{
			"count":      purged,
			"generation": s.generation,
		})
	}
	return purged, nil
}

func hasSuffix(b, suffix []byte) bool {
	if len(b) < len(suffix) {
		return false
	}
	return string(b[len(b)-len(suffix):]) == string(suffix)
}
