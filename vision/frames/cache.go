package frames

import (
	"container/list"
	"fmt"
	"sync"
)

// Cache keeps recently decoded frames keyed by file path, evicting the least recently
// used entry once it holds maxFrames.
type Cache struct {
	mu        sync.Mutex
	frames    map[string]*list.Element
	lru       *list.List
	maxFrames int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key   string
	frame *Frame
}

// NewCache creates a cache holding at most maxFrames frames.
func NewCache(maxFrames int) *Cache {
	return &Cache{
		frames:    make(map[string]*list.Element),
		lru:       list.New(),
		maxFrames: maxFrames,
	}
}

// Get returns the cached frame for key.
func (c *Cache) Get(key string) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.frames[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).frame, true
	}
	c.misses++
	return nil, false
}

// Put stores frame under key. Frames are shared, callers must not modify them.
func (c *Cache) Put(key string, frame *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.frames[key]; ok {
		elem.Value.(*cacheEntry).frame = frame
		c.lru.MoveToFront(elem)
		return
	}
	c.frames[key] = c.lru.PushFront(&cacheEntry{key: key, frame: frame})
	for c.lru.Len() > c.maxFrames {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.frames, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.lru.Len(), MaxSize: c.maxFrames, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d frames, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
