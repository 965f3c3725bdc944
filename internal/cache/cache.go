// Package cache provides the bounded, TTL'd, single-flight decision cache.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/authzd/authzd/pkg/types"
)

// Config configures the decision cache.
type Config struct {
	// Capacity is the maximum number of entries. Eviction removes a batch
	// (EvictBatchPercent of capacity) when full, to amortize the cost.
	Capacity int
	// TTL is the time-to-live from insertion.
	TTL time.Duration
	// EvictBatchPercent is the share of capacity removed per eviction.
	EvictBatchPercent int
	// SweepInterval is the period of the background sweep that removes
	// expired entries eagerly. Zero disables the sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:          10_000,
		TTL:               time.Hour,
		EvictBatchPercent: 10,
		SweepInterval:     time.Minute,
	}
}

// Stats contains cache statistics.
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// DecisionCache maps request fingerprints to responses. Entries are never
// mutated in place; they expire by TTL (lazily on lookup, eagerly by the
// sweep) or get evicted LRU in batches. Builds for the same missing
// fingerprint coalesce onto a single flight; different keys build in
// parallel. An optional L2 mirrors entries to Redis.
type DecisionCache struct {
	cfg Config

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used

	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	l2 *RedisCache

	stopOnce sync.Once
	stopChan chan struct{}
}

type entry struct {
	key       string
	response  *types.CheckResponse
	expiresAt time.Time
}

// New creates a decision cache and starts its background sweep.
func New(cfg Config) *DecisionCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.EvictBatchPercent <= 0 {
		cfg.EvictBatchPercent = DefaultConfig().EvictBatchPercent
	}

	c := &DecisionCache{
		cfg:      cfg,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stopChan: make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// WithL2 attaches a Redis L2 mirror. The in-process L1 stays authoritative
// for single-flight; the L2 only serves L1 misses and receives writes.
func (c *DecisionCache) WithL2(l2 *RedisCache) *DecisionCache {
	c.l2 = l2
	return c
}

// Get returns the cached response for a fingerprint, if present and fresh.
func (c *DecisionCache) Get(ctx context.Context, key string) (*types.CheckResponse, bool) {
	if resp, ok := c.getL1(key); ok {
		c.hits.Add(1)
		return resp, true
	}

	if c.l2 != nil {
		if resp, ok := c.l2.Get(ctx, key); ok {
			c.setL1(key, resp)
			c.hits.Add(1)
			return resp, true
		}
	}

	c.misses.Add(1)
	return nil, false
}

// GetOrBuild returns the cached response or builds it exactly once per
// fingerprint. Concurrent callers for the same missing key wait for the
// in-progress build; its result is shared verbatim. Build errors are not
// cached. The hit flag is true only for callers served without running
// build: a cache hit, or waiting on a peer's in-flight build. The caller
// that ran build gets hit=false.
func (c *DecisionCache) GetOrBuild(ctx context.Context, key string, build func() (*types.CheckResponse, error)) (*types.CheckResponse, bool, error) {
	if resp, ok := c.Get(ctx, key); ok {
		return resp, true, nil
	}

	// built is written only when this caller's closure runs, which
	// single-flight does synchronously in this goroutine; waiters never
	// execute theirs.
	built := false
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: a peer may have completed between Get and Do.
		if resp, ok := c.getL1(key); ok {
			return resp, nil
		}

		resp, err := build()
		if err != nil {
			return nil, err
		}
		built = true
		c.Set(ctx, key, resp)
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*types.CheckResponse), !built, nil
}

// Set inserts a response under a fingerprint.
func (c *DecisionCache) Set(ctx context.Context, key string, resp *types.CheckResponse) {
	c.setL1(key, resp)
	if c.l2 != nil {
		c.l2.Set(ctx, key, resp)
	}
}

// Invalidate drops all entries. Called on catalog replacement.
func (c *DecisionCache) Invalidate() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	if c.l2 != nil {
		c.l2.Flush(context.Background())
	}
}

// Stats returns cache statistics.
func (c *DecisionCache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{Size: size, Hits: hits, Misses: misses, HitRate: hitRate}
}

// Close stops the background sweep.
func (c *DecisionCache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *DecisionCache) getL1(key string) (*types.CheckResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	ent := elem.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.removeLocked(elem)
		return nil, false
	}

	c.order.MoveToFront(elem)
	return ent.response, true
}

func (c *DecisionCache) setL1(key string, resp *types.CheckResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		// Replace rather than mutate: readers may hold the old entry.
		c.removeLocked(elem)
	}

	if c.order.Len() >= c.cfg.Capacity {
		c.evictBatchLocked()
	}

	elem := c.order.PushFront(&entry{
		key:       key,
		response:  resp,
		expiresAt: time.Now().Add(c.cfg.TTL),
	})
	c.items[key] = elem
}

// evictBatchLocked removes the oldest EvictBatchPercent of capacity.
func (c *DecisionCache) evictBatchLocked() {
	batch := c.cfg.Capacity * c.cfg.EvictBatchPercent / 100
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < batch; i++ {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		c.removeLocked(elem)
	}
}

func (c *DecisionCache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(c.items, ent.key)
	c.order.Remove(elem)
}

func (c *DecisionCache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired entries eagerly, oldest first.
func (c *DecisionCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := time.Now()

	var prev *list.Element
	for elem := c.order.Back(); elem != nil; elem = prev {
		prev = elem.Prev()
		if now.After(elem.Value.(*entry).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}
