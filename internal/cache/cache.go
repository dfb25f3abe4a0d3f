package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// EntryOverhead is the fixed cost charged for every entry on top of its key
// and payload.
const EntryOverhead = 64

// ErrEntryTooLarge is returned by Put when a single entry could never fit.
var ErrEntryTooLarge = errors.New("cache entry too large")

// cacheEntry is a cached origin response. The key is the raw client request.
type cacheEntry struct {
	key        string
	payload    []byte
	footprint  int64
	lastAccess time.Time
}

// Stats are running totals since the cache was created.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Rejected  uint64
}

// LRU cache stores the map of cache [key]:[cacheEntry](pointer to list.Element).
// The list keeps entries in insertion order, newest at the front; recency is
// tracked by each entry's last access time, and eviction always removes the
// entry with the oldest one.
// Capacity bounds the sum of all footprints, maxEntry the footprint of one entry.
type LRUcache struct {
	cache      map[string]*list.Element
	linkedlist *list.List
	capacity   int64
	maxEntry   int64
	occupied   int64
	stats      Stats
	now        func() time.Time
	mu         sync.Mutex
}

// Option configures an LRUcache.
type Option func(*LRUcache)

// WithClock replaces time.Now as the source of access times.
func WithClock(now func() time.Time) Option {
	return func(c *LRUcache) { c.now = now }
}

func NewLRUCache(capacity, maxEntry int64, opts ...Option) *LRUcache {
	c := &LRUcache{
		cache:      make(map[string]*list.Element),
		linkedlist: list.New(),
		capacity:   capacity,
		maxEntry:   maxEntry,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Footprint is what an entry with this key and payload costs against the
// capacity.
func Footprint(key string, payloadLen int) int64 {
	return int64(payloadLen) + int64(len(key)) + EntryOverhead
}

// Get looks up the raw request k. On a hit the entry becomes the most
// recently used and a copy of its payload is returned.
func (c *LRUcache) Get(k string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[k]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	entry.lastAccess = c.now()
	c.stats.Hits++

	payload := make([]byte, len(entry.payload))
	copy(payload, entry.payload)
	return payload, true
}

// Put stores a copy of payload under k, replacing any previous entry for k and
// evicting least recently used entries until it fits. Entries larger than the
// per-entry bound are refused with ErrEntryTooLarge.
func (c *LRUcache) Put(k string, payload []byte) error {
	footprint := Footprint(k, len(payload))

	c.mu.Lock()
	defer c.mu.Unlock()

	if footprint > c.maxEntry || footprint > c.capacity {
		c.stats.Rejected++
		return errors.Wrapf(ErrEntryTooLarge, "%d bytes", footprint)
	}

	if elem, ok := c.cache[k]; ok {
		c.remove(elem)
	}
	for c.occupied+footprint > c.capacity {
		if !c.evictOne() {
			break
		}
	}

	entry := &cacheEntry{
		key:        k,
		payload:    append([]byte(nil), payload...),
		footprint:  footprint,
		lastAccess: c.now(),
	}
	// Push the stored element to the insertion anchor
	c.cache[k] = c.linkedlist.PushFront(entry)
	c.occupied += footprint
	return nil
}

// Delete drops the entry for k, if any.
func (c *LRUcache) Delete(k string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[k]
	if ok {
		c.remove(elem)
	}
	return ok
}

// evictOne removes the entry with the oldest access time. Equal times go to
// the entry closest to the front. It reports false only on an empty cache.
func (c *LRUcache) evictOne() bool {
	victim := c.linkedlist.Front()
	if victim == nil {
		return false
	}
	oldest := victim.Value.(*cacheEntry).lastAccess
	for e := victim.Next(); e != nil; e = e.Next() {
		if t := e.Value.(*cacheEntry).lastAccess; t.Before(oldest) {
			victim, oldest = e, t
		}
	}
	c.remove(victim)
	c.stats.Evictions++
	return true
}

func (c *LRUcache) remove(elem *list.Element) {
	entry := c.linkedlist.Remove(elem).(*cacheEntry)
	delete(c.cache, entry.key)
	c.occupied -= entry.footprint
}

// Len is the number of cached entries.
func (c *LRUcache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkedlist.Len()
}

// Size is the total footprint of all cached entries.
func (c *LRUcache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.occupied
}

func (c *LRUcache) Capacity() int64 { return c.capacity }

func (c *LRUcache) MaxEntry() int64 { return c.maxEntry }

func (c *LRUcache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
