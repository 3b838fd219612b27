// Package idempotency provides a bounded, time-expiring key/value store used to
// replay responses for redelivered commands without repeating their side effects.
package idempotency

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidConfig is returned when a cache is constructed with a non-positive TTL or size
var ErrInvalidConfig = errors.New("idempotency: invalid cache configuration")

// ConfigError describes a rejected cache configuration
type ConfigError struct {
	Field string
	Value any
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("idempotency: %s must be positive, got %v", e.Field, e.Value)
}

// Unwrap lets errors.Is match ErrInvalidConfig
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe LRU cache whose entries also expire after a fixed TTL.
//
// Every Get, Set and Len first drops all expired entries, so Len always counts live
// entries. Set evicts least-recently-used entries after inserting until the size is
// back within capacity. Values are copied on the way in and out through the clone
// function.
type Cache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
	clone   func(V) V
	metrics *Metrics
}

// Option configures a Cache
type Option[V any] func(*Cache[V])

// WithCloneFunc sets the function used to copy values in and out of the cache
func WithCloneFunc[V any](fn func(V) V) Option[V] {
	return func(c *Cache[V]) {
		if fn != nil {
			c.clone = fn
		}
	}
}

// WithClock overrides the time source. The default is time.Now, whose readings
// carry the monotonic clock.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics records hits, misses, evictions and size
func WithMetrics[V any](m *Metrics) Option[V] {
	return func(c *Cache[V]) {
		c.metrics = m
	}
}

// New creates a cache holding at most maxSize entries, each living for ttl
func New[V any](ttl time.Duration, maxSize int, opts ...Option[V]) (*Cache[V], error) {
	if ttl <= 0 {
		return nil, &ConfigError{Field: "ttl", Value: ttl}
	}
	if maxSize <= 0 {
		return nil, &ConfigError{Field: "max_size", Value: maxSize}
	}

	c := &Cache[V]{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
		clone:   func(v V) V { return v },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns a copy of the live value stored under key and marks it most recently used
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()

	element, ok := c.items[key]
	if !ok {
		c.metrics.miss()
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.metrics.hit()
	return c.clone(element.Value.(*entry[V]).value), true
}

// Set stores a copy of value under key, refreshing its position and expiry
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()

	expiresAt := c.now().Add(c.ttl)
	if element, ok := c.items[key]; ok {
		e := element.Value.(*entry[V])
		e.value = c.clone(value)
		e.expiresAt = expiresAt
		c.order.MoveToFront(element)
	} else {
		e := &entry[V]{key: key, value: c.clone(value), expiresAt: expiresAt}
		c.items[key] = c.order.PushFront(e)
	}

	for c.order.Len() > c.maxSize {
		c.removeElement(c.order.Back())
		c.metrics.evicted(1)
	}
	c.metrics.size(len(c.items))
}

// Clear removes every entry
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.metrics.size(0)
}

// Len returns the number of live entries
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()
	return len(c.items)
}

// purgeExpired drops every entry whose expiry has passed. Expiry times are not
// ordered by recency (Set refreshes them), so the whole list is scanned.
func (c *Cache[V]) purgeExpired() {
	now := c.now()
	removed := 0
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		if !element.Value.(*entry[V]).expiresAt.After(now) {
			c.removeElement(element)
			removed++
		}
		element = next
	}
	if removed > 0 {
		c.metrics.expired(removed)
		c.metrics.size(len(c.items))
	}
}

func (c *Cache[V]) removeElement(element *list.Element) {
	c.order.Remove(element)
	delete(c.items, element.Value.(*entry[V]).key)
}
