package thumbs

import (
	"container/list"
	"sync"

	"media-indexer/internal/metrics"
)

const (
	// DefaultMemoryBudget bounds the in-memory tier when no override is
	// configured.
	DefaultMemoryBudget = 192 << 20

	// MinMemoryBudget and MaxMemoryBudget clamp configured budgets to a
	// range that keeps the tier useful without starving the decoders.
	MinMemoryBudget = 64 << 20
	MaxMemoryBudget = 512 << 20

	// shedWatermark is the fraction of the budget kept after an external
	// memory-pressure signal.
	shedWatermark = 0.5
)

type lruEntry struct {
	key  ContentKey
	data []byte
}

// memCache is a byte-budget LRU over encoded thumbnails. Eviction is by
// aggregate size, not entry count, since decoded images vary widely.
type memCache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	order  *list.List // front = most recent
	items  map[ContentKey]*list.Element
}

func newMemCache(budget int64) *memCache {
	if budget < MinMemoryBudget {
		budget = MinMemoryBudget
	} else if budget > MaxMemoryBudget {
		budget = MaxMemoryBudget
	}
	return &memCache{
		budget: budget,
		order:  list.New(),
		items:  make(map[ContentKey]*list.Element),
	}
}

// Get returns the cached bytes for key and marks the entry recent.
func (c *memCache) Get(key ContentKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

// Put stores data under key, evicting least-recently-used entries until
// the aggregate size fits the budget again. Entries larger than the
// whole budget are not cached.
func (c *memCache) Put(key ContentKey, data []byte) {
	size := int64(len(data))
	if size == 0 || size > c.budget {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		c.used += size - int64(len(entry.data))
		entry.data = data
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&lruEntry{key: key, data: data})
		c.used += size
	}
	c.evictTo(c.budget, "budget")
	c.publish()
}

// Remove drops one entry, if present.
func (c *memCache) Remove(key ContentKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
		metrics.ThumbEvictions.WithLabelValues("invalidate").Inc()
		c.publish()
	}
}

// Shed reacts to a memory-pressure signal by evicting down to the
// watermark, well below the normal budget.
func (c *memCache) Shed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictTo(int64(float64(c.budget)*shedWatermark), "pressure")
	c.publish()
}

// Clear empties the cache.
func (c *memCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[ContentKey]*list.Element)
	c.used = 0
	c.publish()
}

// Used returns the current aggregate size in bytes.
func (c *memCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the entry count.
func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *memCache) evictTo(limit int64, cause string) {
	for c.used > limit {
		el := c.order.Back()
		if el == nil {
			return
		}
		c.removeElement(el)
		metrics.ThumbEvictions.WithLabelValues(cause).Inc()
	}
}

func (c *memCache) removeElement(el *list.Element) {
	entry := el.Value.(*lruEntry)
	c.order.Remove(el)
	delete(c.items, entry.key)
	c.used -= int64(len(entry.data))
}

func (c *memCache) publish() {
	metrics.ThumbMemoryBytes.Set(float64(c.used))
	metrics.ThumbMemoryEntries.Set(float64(len(c.items)))
}
