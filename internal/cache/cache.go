// Package cache implements the file-set cache described in §5: a small LRU
// of parsed log state per table, read under a shared lock, invalidated on
// every successful local commit and on a revalidation interval. It is
// advisory only — the table log itself is always the source of truth.
//
// Grounded on original_source's storage/cache.rs (an in-memory LRU over
// parsed RecordBatch state with hit/miss accounting), adapted to Go's
// idiomatic LRU library instead of hand-rolling the eviction policy.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/tablelog"
)

// entry pairs a cached State with the time it was computed, so a caller can
// enforce a revalidation interval even between invalidations.
type entry struct {
	state    tablelog.State
	cachedAt time.Time
}

// FileSetCache caches the resolved head State of each table.
type FileSetCache struct {
	mu                  sync.RWMutex
	lru                 *lru.Cache
	revalidateInterval time.Duration
}

// New returns a FileSetCache holding up to size table states.
func New(size int, revalidateInterval time.Duration) (*FileSetCache, error) {
	if size <= 0 {
		size = 128
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &FileSetCache{lru: c, revalidateInterval: revalidateInterval}, nil
}

// Get returns the cached head state for table, if present and not due for
// revalidation.
func (c *FileSetCache) Get(table string) (tablelog.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.lru.Get(table)
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return tablelog.State{}, false
	}
	e := v.(entry)
	if c.revalidateInterval > 0 && time.Since(e.cachedAt) > c.revalidateInterval {
		metrics.CacheMissesTotal.Inc()
		return tablelog.State{}, false
	}
	metrics.CacheHitsTotal.Inc()
	return e.state, true
}

// Put stores the resolved head state for table.
func (c *FileSetCache) Put(table string, st tablelog.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(table, entry{state: st, cachedAt: time.Now()})
}

// Invalidate drops the cached state for table. Called after every
// successful local commit, per §5.
func (c *FileSetCache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(table)
}
