// Package cache holds serialized results of terminal jobs in memory.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Results caches encoded result documents keyed by job ID. Terminal jobs never
// change, so an entry stays valid until it expires or is evicted.
type Results struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
}

// New creates a results cache holding roughly maxEntries documents.
func New(maxEntries int64, ttl time.Duration) (*Results, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxEntries * 10, // ~10x expected items
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create results cache: %w", err)
	}
	return &Results{c: c, ttl: ttl}, nil
}

// Get returns the cached document for id.
func (r *Results) Get(id string) ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	return r.c.Get(id)
}

// Set stores doc under id. Each entry costs one unit.
func (r *Results) Set(id string, doc []byte) {
	if r == nil {
		return
	}
	if r.ttl > 0 {
		r.c.SetWithTTL(id, doc, 1, r.ttl)
		return
	}
	r.c.Set(id, doc, 1)
}

// Delete drops the entry for id.
func (r *Results) Delete(id string) {
	if r == nil {
		return
	}
	r.c.Del(id)
}

// Wait blocks until buffered writes are applied.
func (r *Results) Wait() {
	if r == nil {
		return
	}
	r.c.Wait()
}

// Close releases the cache.
func (r *Results) Close() {
	if r == nil {
		return
	}
	r.c.Close()
}
