// Package cache implements the bounded LRU result cache.
package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// Config controls cache capacity and the negative-cache window.
type Config struct {
	// Capacity is the maximum number of cached results.
	Capacity int `mapstructure:"capacity"`
	// NegativeTTL bounds how long failed or timed-out results are served
	// before the fingerprint becomes eligible for re-execution.
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
}

// ResultCache maps fingerprints to terminal job results. Least-recently-used
// entries are evicted when capacity is exceeded, releasing their artifact
// references. The lock guards only map/list mutation, never I/O.
type ResultCache struct {
	cfg    Config
	clock  capture.Clock
	store  capture.ArtifactStore
	logger *zap.Logger

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

type item struct {
	fingerprint string
	result      capture.JobResult
	// expires is non-zero only for negative entries.
	expires time.Time
}

// New creates a ResultCache. The store is used to release artifact
// references when entries are evicted or expire.
func New(cfg Config, clock capture.Clock, store capture.ArtifactStore, logger *zap.Logger) *ResultCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 128
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 30 * time.Second
	}
	return &ResultCache{
		cfg:    cfg,
		clock:  clock,
		store:  store,
		logger: logger,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

// Get returns the cached result for the fingerprint. Expired negative
// entries are dropped and reported as a miss.
func (c *ResultCache) Get(fingerprint string) (capture.JobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return capture.JobResult{}, false
	}
	it := el.Value.(*item)
	if !it.expires.IsZero() && c.clock.Now().After(it.expires) {
		c.removeLocked(el)
		return capture.JobResult{}, false
	}
	c.ll.MoveToFront(el)
	return it.result, true
}

// Put inserts a terminal result, replacing any previous entry for the same
// fingerprint and evicting the least-recently-used entries beyond capacity.
func (c *ResultCache) Put(fingerprint string, result capture.JobResult) {
	it := &item{fingerprint: fingerprint, result: result}
	if result.Status != capture.StatusSucceeded {
		it.expires = c.clock.Now().Add(c.cfg.NegativeTTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fingerprint]; ok {
		c.removeLocked(el)
	}
	el := c.ll.PushFront(it)
	c.items[fingerprint] = el

	for c.ll.Len() > c.cfg.Capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*item)
		c.removeLocked(oldest)
		c.logger.Debug("cache entry evicted",
			zap.String("fingerprint", evicted.fingerprint))
	}
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *ResultCache) removeLocked(el *list.Element) {
	it := el.Value.(*item)
	c.ll.Remove(el)
	delete(c.items, it.fingerprint)
	for _, id := range it.result.ArtifactIDs() {
		c.store.Release(id)
	}
}
