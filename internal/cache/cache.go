package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry is a memoized translation of one source line.
type Entry struct {
	Tokens []int
	Score  float32
}

// Memo caches finished translations by source line.
type Memo interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
	Size() int
}

type memoSlot struct {
	key   string
	entry Entry
}

// MapCache is a bounded in-memory Memo keyed by the xxhash of the line.
// When full, the oldest inserted entry is evicted.
type MapCache struct {
	data     map[uint64]memoSlot
	order    []uint64
	capacity int
	mu       sync.RWMutex
}

// NewMapCache returns a memo holding at most capacity entries; zero or less
// means unbounded.
func NewMapCache(capacity int) *MapCache {
	return &MapCache{
		data:     make(map[uint64]memoSlot),
		capacity: capacity,
	}
}

func (c *MapCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slot, ok := c.data[xxhash.Sum64String(key)]
	if !ok || slot.key != key {
		memoMisses.Inc()
		return Entry{}, false
	}
	memoHits.Inc()
	return copyEntry(slot.entry), true
}

func (c *MapCache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := xxhash.Sum64String(key)
	if _, exists := c.data[h]; !exists {
		if c.capacity > 0 && len(c.data) >= c.capacity {
			victim := c.order[0]
			c.order = c.order[1:]
			delete(c.data, victim)
			memoEvictions.Inc()
		}
		c.order = append(c.order, h)
	}
	c.data[h] = memoSlot{key: key, entry: copyEntry(e)}
	memoEntries.Set(float64(len(c.data)))
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func copyEntry(e Entry) Entry {
	tokens := make([]int, len(e.Tokens))
	copy(tokens, e.Tokens)
	return Entry{Tokens: tokens, Score: e.Score}
}
