package tile

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrPermanentFailure marks a tile that exhausted its retries this session.
var ErrPermanentFailure = errors.New("tile permanently failed")

// Cache holds decoded tiles with a fixed capacity and remembers tiles
// that failed for the rest of the session.
//
// By default lookups use Peek, so eviction follows insertion order.
// With recency enabled lookups refresh the entry and eviction is true LRU.
type Cache struct {
	mu      sync.Mutex
	tiles   *lru.Cache[Key, *Raster]
	failed  map[Key]error
	recency bool
	evicted int64
}

// NewCache creates a cache holding at most size tiles.
func NewCache(size int, recency bool) (*Cache, error) {
	c := &Cache{
		failed:  make(map[Key]error),
		recency: recency,
	}
	tiles, err := lru.NewWithEvict[Key, *Raster](size, func(Key, *Raster) {
		c.evicted++
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	c.tiles = tiles
	return c, nil
}

// Get is a synchronous lookup.
func (c *Cache) Get(k Key) (*Raster, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recency {
		return c.tiles.Get(k)
	}
	return c.tiles.Peek(k)
}

// Put stores a decoded tile and reports whether an older entry was evicted.
func (c *Cache) Put(k Key, r *Raster) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failed, k)
	return c.tiles.Add(k, r)
}

// MarkFailed remembers k as failed until Clear.
func (c *Cache) MarkFailed(k Key, cause error) {
	if cause == nil {
		cause = ErrPermanentFailure
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[k] = cause
}

// Failure returns the cause if k failed earlier in this session, nil otherwise.
func (c *Cache) Failure(k Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[k]
}

// Clear drops every tile and forgets failures.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.evicted
	c.tiles.Purge()
	c.evicted = n
	c.failed = make(map[Key]error)
}

// Len returns the number of cached tiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tiles.Len()
}

// FailedCount returns the number of tiles marked failed.
func (c *Cache) FailedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failed)
}

// Evictions returns the number of capacity evictions so far.
func (c *Cache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Snapshot collects the cached rasters for keys at zoom into a Set. Rasters are
// immutable, so the set stays valid even if the cache later evicts them.
func (c *Cache) Snapshot(zoom int, keys []Key) *Set {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := NewSet(zoom)
	for _, k := range keys {
		if r, ok := c.tiles.Peek(k); ok {
			s.tiles[k] = r
		}
	}
	return s
}
