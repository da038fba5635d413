// Package cache is a small in-process read-through cache with TTL,
// stale-while-revalidate, optional negative caching, and singleflight
// loads. It backs snapshot-style lookups such as the pricing registry.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	NegativeTTL          time.Duration
	MaxEntries           int
}

// MetricsHooks let the owner count cache traffic without this package
// depending on a metrics registry.
type MetricsHooks struct {
	OnHit   func(labels map[string]string)
	OnMiss  func(labels map[string]string)
	OnStale func(labels map[string]string)
	OnStore func(labels map[string]string)
	OnError func(labels map[string]string)
}

// Loader fetches the value for key on a miss. ok=false with a nil or
// non-nil err produces a negative entry when NegativeTTL is set.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type record struct {
	value     interface{}
	err       error
	negative  bool
	expiresAt time.Time
	staleAt   time.Time
}

type Cache struct {
	mu      sync.RWMutex
	records map[string]*record
	fifo    []string
	opts    Options
	hooks   MetricsHooks
	group   singleflight.Group
}

func New(opts Options, hooks MetricsHooks) *Cache {
	return &Cache{
		records: make(map[string]*record),
		opts:    opts,
		hooks:   hooks,
	}
}

type loadOutcome struct {
	value interface{}
	ok    bool
	err   error
}

// Get returns the cached value for key, loading it through loader on a
// miss. Within the stale window it serves the old value and refreshes in
// the background; concurrent misses share one loader call.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()

	c.mu.RLock()
	rec, found := c.records[key]
	if found && now.Before(rec.expiresAt) {
		c.mu.RUnlock()
		c.emit(c.hooks.OnHit, key)
		if rec.negative {
			return nil, false, rec.err
		}
		return rec.value, true, nil
	}
	if found && now.Before(rec.staleAt) {
		value, negative, err := rec.value, rec.negative, rec.err
		c.mu.RUnlock()
		c.emit(c.hooks.OnStale, key)
		go func() {
			_, _, _ = c.group.Do("refresh:"+key, func() (interface{}, error) {
				v, ok, loadErr := loader(ctx, key)
				c.store(key, v, ok, loadErr)
				return nil, nil
			})
		}()
		if negative {
			return nil, false, err
		}
		return value, true, nil
	}
	c.mu.RUnlock()

	if found {
		c.Delete(key)
	}
	c.emit(c.hooks.OnMiss, key)

	result, _, _ := c.group.Do(key, func() (interface{}, error) {
		value, ok, err := loader(ctx, key)
		c.store(key, value, ok, err)
		return loadOutcome{value: value, ok: ok, err: err}, nil
	})
	outcome := result.(loadOutcome)
	if !outcome.ok {
		return nil, false, outcome.err
	}
	return outcome.value, true, nil
}

// Set inserts value with an explicit TTL, bypassing the loader path.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	now := time.Now()
	rec := &record{
		value:     value,
		expiresAt: now.Add(ttl),
		staleAt:   now.Add(ttl + c.opts.StaleWhileRevalidate),
	}
	c.mu.Lock()
	c.insert(key, rec)
	c.mu.Unlock()
}

// Peek returns a cached value without loading. Entries past their stale
// window and negative entries read as absent.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	if !ok || rec.negative || time.Now().After(rec.staleAt) {
		return nil, false
	}
	return rec.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[key]; !ok {
		return
	}
	delete(c.records, key)
	for i, k := range c.fifo {
		if k == key {
			c.fifo = append(c.fifo[:i], c.fifo[i+1:]...)
			break
		}
	}
}

func (c *Cache) store(key string, value interface{}, ok bool, err error) {
	now := time.Now()
	rec := &record{}
	if ok {
		rec.value = value
		rec.expiresAt = now.Add(c.opts.TTL)
		rec.staleAt = rec.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			c.emit(c.hooks.OnError, key)
			return
		}
		rec.err = err
		rec.negative = true
		rec.expiresAt = now.Add(c.opts.NegativeTTL)
		rec.staleAt = rec.expiresAt
	}

	c.mu.Lock()
	c.insert(key, rec)
	c.mu.Unlock()
	if c.hooks.OnStore != nil {
		c.hooks.OnStore(map[string]string{"key": key, "ok": boolLabel(ok)})
	}
}

// insert assumes c.mu is held for writing.
func (c *Cache) insert(key string, rec *record) {
	if _, exists := c.records[key]; !exists {
		c.fifo = append(c.fifo, key)
	}
	c.records[key] = rec

	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.records) > c.opts.MaxEntries && len(c.fifo) > 0 {
		victim := c.fifo[0]
		c.fifo = c.fifo[1:]
		delete(c.records, victim)
	}
}

func (c *Cache) emit(hook func(map[string]string), key string) {
	if hook != nil {
		hook(map[string]string{"key": key})
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
