package relevo

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memoryStorage struct {
	budget budgetFunc
	warn   *rateLimitedLogger

	mu     sync.Mutex
	caches map[string]*ramCache
}

func newMemoryStorage(budget budgetFunc, log *zap.Logger) *memoryStorage {
	if budget == nil {
		budget = runtimeBudget(0)
	}
	return &memoryStorage{
		budget: budget,
		warn:   newRateLimitedLogger(log, time.Minute),
		caches: map[string]*ramCache{},
	}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = newRAMCache(name, s.budget(name), s.warn)
		s.caches[name] = c
	}
	return c, nil
}

func (s *memoryStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caches))
	for k := range s.caches {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

func (s *memoryStorage) Close() error { return nil }

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is an LRU list; with maxBytes 0 it never evicts.
type ramCache struct {
	name     string
	maxBytes int64
	warn     *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(name string, maxBytes int64, warn *rateLimitedLogger) *ramCache {
	return &ramCache{name: name, maxBytes: maxBytes, warn: warn, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *ramCache) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent, true, nil
}

func (c *ramCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
	return nil
}

func (c *ramCache) Put(_ context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	sz := int64(len(b))

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return nil
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
	return nil
}

// evictLocked drops 10% of the least recently used items per round until the
// generation fits its budget. The newest item is kept even if it alone
// exceeds the budget.
func (c *ramCache) evictLocked() {
	if c.maxBytes <= 0 || c.total <= c.maxBytes {
		return
	}
	c.warn.Warn("cache over budget, evicting",
		zap.String("cache", c.name),
		zap.Int64("total", c.total),
		zap.Int64("max", c.maxBytes),
	)
	for c.total > c.maxBytes && len(c.items) > 1 {
		n := len(c.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n && len(c.items) > 1; i++ {
			it := c.tail
			c.remove(it)
			delete(c.items, it.key)
			c.total -= it.size
		}
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
