package objectstore

import (
	"sync"
	"time"

	"chronoshare/internal/core"
)

// cacheEvictionAge is how long an unused sub-store connection is kept
// open before the periodic eviction pass closes it (§4.2).
const cacheEvictionAge = 60 * time.Second

// DbCache keeps a bounded set of open sub-store connections, keyed by
// content hash, and evicts entries idle for more than 60 seconds. It is
// the one piece of ObjectStore state that needs its own lock: unlike
// the rest of the sync engine, the object store is read from
// content-server response paths that may run concurrently with the
// executor goroutine.
type DbCache struct {
	mu    sync.Mutex
	open  map[core.Hash]*subStore
	open2 func(core.Hash) (*subStore, error)
	clock core.Clock
}

// NewDbCache creates a DbCache that opens misses via open.
func NewDbCache(open func(core.Hash) (*subStore, error), clock core.Clock) *DbCache {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &DbCache{
		open:  make(map[core.Hash]*subStore),
		open2: open,
		clock: clock,
	}
}

// Get returns the open sub-store for hash, opening it if necessary.
func (c *DbCache) Get(hash core.Hash) (*subStore, error) {
	c.mu.Lock()
	if sub, ok := c.open[hash]; ok {
		sub.lastUsed = c.clock.Now()
		c.mu.Unlock()
		return sub, nil
	}
	c.mu.Unlock()

	sub, err := c.open2(hash)
	if err != nil {
		return nil, err
	}
	sub.lastUsed = c.clock.Now()

	c.mu.Lock()
	if existing, ok := c.open[hash]; ok {
		c.mu.Unlock()
		sub.Close()
		return existing, nil
	}
	c.open[hash] = sub
	c.mu.Unlock()
	return sub, nil
}

// EvictStale closes every sub-store whose lastUsed is older than
// cacheEvictionAge. It is meant to be driven by a periodic scheduler
// task (§4.2's "periodic task does the eviction pass").
func (c *DbCache) EvictStale() {
	cutoff := c.clock.Now().Add(-cacheEvictionAge)

	c.mu.Lock()
	var stale []*subStore
	for hash, sub := range c.open {
		if sub.lastUsed.Before(cutoff) {
			stale = append(stale, sub)
			delete(c.open, hash)
		}
	}
	c.mu.Unlock()

	for _, sub := range stale {
		sub.Close()
	}
}

// CloseAll closes every currently-open sub-store.
func (c *DbCache) CloseAll() error {
	c.mu.Lock()
	all := c.open
	c.open = make(map[core.Hash]*subStore)
	c.mu.Unlock()

	var firstErr error
	for _, sub := range all {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports how many sub-stores are currently open (for tests).
func (c *DbCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
