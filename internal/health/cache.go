// Package health caches per-model provider health signals so the selector
// can gate routing without probing the network on every call.
package health

import (
	"context"
	"sync"
	"time"
)

// Status classifies a model's last observed health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Record is one cached health observation for a model.
type Record struct {
	Model     string
	Status    Status
	HTTPCode  int
	CheckedAt time.Time
}

// Prober performs a live health check against the provider.
type Prober interface {
	Probe(ctx context.Context, model string) (Record, error)
}

// CacheConfig holds the two freshness windows explicitly. SelectionTTL
// governs how long a record may drive live provider selection; ProbeTTL is
// the longer "has this model been probed recently" gate that decides whether
// a fresh probe is required before permitting live calls at all. They are one
// cache with two read policies, not two caches.
type CacheConfig struct {
	SelectionTTL time.Duration
	ProbeTTL     time.Duration
}

// DefaultCacheConfig mirrors the production defaults: selections trust a
// record for 30s, probes are considered recent for 10 minutes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		SelectionTTL: 30 * time.Second,
		ProbeTTL:     10 * time.Minute,
	}
}

// Cache is a TTL'd map of per-model health records. Expired entries read as
// missing, which callers treat as healthy-unknown.
type Cache struct {
	mu      sync.RWMutex
	cfg     CacheConfig
	records map[string]Record
	now     func() time.Time
}

// NewCache creates a cache with the given freshness windows.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.SelectionTTL <= 0 {
		cfg.SelectionTTL = DefaultCacheConfig().SelectionTTL
	}
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = DefaultCacheConfig().ProbeTTL
	}
	return &Cache{
		cfg:     cfg,
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Put stores a fresh observation for a model.
func (c *Cache) Put(record Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if record.CheckedAt.IsZero() {
		record.CheckedAt = c.now()
	}
	c.records[record.Model] = record
}

// Fresh returns the record for a model when it is still within the selection
// window. Expired or missing records return ok=false.
func (c *Cache) Fresh(model string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[model]
	if !ok {
		return Record{}, false
	}
	if c.now().Sub(record.CheckedAt) > c.cfg.SelectionTTL {
		return Record{}, false
	}
	return record, true
}

// ProbedRecently reports whether the model has any observation within the
// probe window, regardless of its status.
func (c *Cache) ProbedRecently(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[model]
	if !ok {
		return false
	}
	return c.now().Sub(record.CheckedAt) <= c.cfg.ProbeTTL
}
