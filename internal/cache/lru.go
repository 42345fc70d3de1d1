// Package cache holds the small in-process caches used in front of the node
// and the nonce store.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a bounded cache with expiring entries. Entries carry their own
// deadline, so short-lived negatives can sit next to long-lived positives.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	nowFn    func() time.Time

	hits   int64
	misses int64
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	deadline time.Time
}

// NewLRU returns a cache holding at most capacity entries, each kept for ttl
// unless stored with PutFor.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *LRU[K, V]) getLocked(key K) (V, bool) {
	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := elem.Value.(*entry[K, V])
	if !c.nowFn().Before(e.deadline) {
		c.drop(elem)
		c.misses++
		return zero, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return e.value, true
}

func (c *LRU[K, V]) Put(key K, value V) {
	c.PutFor(key, value, c.ttl)
}

// PutFor stores value for ttl instead of the cache default.
func (c *LRU[K, V]) PutFor(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, ttl)
}

func (c *LRU[K, V]) putLocked(key K, value V, ttl time.Duration) {
	deadline := c.nowFn().Add(ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value, e.deadline = value, deadline
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		c.drop(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, deadline: deadline})
}

// Load returns the cached value of key or stores what fill returns. The lock
// is held across fill, so concurrent callers wait for one fill instead of
// all hitting the backend. A fill error is returned and nothing is cached.
func (c *LRU[K, V]) Load(key K, fill func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.getLocked(key); ok {
		return v, nil
	}
	v, err := fill()
	if err != nil {
		return v, err
	}
	c.putLocked(key, v, c.ttl)
	return v, nil
}

// Len includes expired entries that were not looked at since expiring.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) drop(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
