/* Copyright (c) 2016-2017 Gregor Riepl
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package cache implements the proxy's shared, bounded, thread-safe LRU
// object cache: a mapping from request URI to cached response bytes, with
// move-to-front on hit and tail-eviction on admit.
//
// The recency list uses container/list with a key-to-element index map in
// place of the intrusive prev/next pointers a C cache implementation would
// use; raw pointers into a slab aren't idiomatic here. Promotion always
// happens under the write lock, trading a little concurrency for a
// straightforward implementation with no read-then-upgrade race window.
package cache

import (
	"container/list"
	"sync"

	"github.com/onitake/cacheproxy/internal/logging"
)

const (
	moduleCache = "cache"
	//
	eventCacheHit      = "hit"
	eventCacheMiss     = "miss"
	eventCacheAdmit    = "admit"
	eventCacheReplace  = "replace"
	eventCacheEvict    = "evict"
	eventCacheTooLarge = "toolarge"
)

var logger = logging.NewGlobalModuleLogger(moduleCache, nil)

// MaxCacheSize is the maximum total size, in bytes, the cache will hold
// across all entries.
const MaxCacheSize = 1049000

// MaxObjectSize is the largest single response the cache will admit.
// Admit silently no-ops for anything bigger.
const MaxObjectSize = 102400

// entry is one node of the recency list.
type entry struct {
	key   string
	bytes []byte
}

// Recorder receives notifications of cache activity. It lets a metrics
// package observe hits, misses, admissions and evictions without the
// cache depending on any particular metrics backend, the same pattern
// metrics.Collectors uses to satisfy it by duck typing.
type Recorder interface {
	CacheHit()
	CacheMiss()
	CacheAdmit()
	CacheEvict()
}

// dummyRecorder discards every event; it is the default Recorder.
type dummyRecorder struct{}

func (dummyRecorder) CacheHit()   {}
func (dummyRecorder) CacheMiss()  {}
func (dummyRecorder) CacheAdmit() {}
func (dummyRecorder) CacheEvict() {}

// Cache is a bounded, concurrency-safe LRU cache from request URI to
// response bytes. The zero value is not usable; construct with New.
//
// At every point the lock is not held for writing: total size never
// exceeds MaxCacheSize, no entry exceeds MaxObjectSize, keys are unique,
// the list is a valid doubly-linked list (guaranteed here by
// container/list), and size equals the sum of all entry sizes.
//
// Lookup and Admit both take the write lock and are mutually exclusive
// with every other operation, so lookups do not run in parallel with each
// other; Len and Size take the read lock and may run in parallel.
type Cache struct {
	mu       sync.RWMutex
	list     *list.List
	index    map[string]*list.Element
	size     int64
	recorder Recorder
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		list:     list.New(),
		index:    make(map[string]*list.Element),
		recorder: dummyRecorder{},
	}
}

// SetRecorder assigns the Recorder notified of cache activity.
func (c *Cache) SetRecorder(r Recorder) {
	c.recorder = r
}

// Lookup returns a copy of the cached bytes for key and true, or nil and
// false if key is not present. A hit promotes the entry to the front of
// the recency list.
//
// The search itself happens under the write lock, trading a little
// concurrency for a straightforward, unconditionally correct promotion
// that sidesteps the raced-eviction window a two-phase read-then-upgrade
// version would have to special-case.
func (c *Cache) Lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		c.recorder.CacheMiss()
		logger.Logkv(
			"event", eventCacheMiss,
			"key", key,
		)
		return nil, false
	}

	c.list.MoveToFront(elem)
	e := elem.Value.(*entry)
	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)

	c.recorder.CacheHit()
	logger.Logkv(
		"event", eventCacheHit,
		"key", key,
		"size", len(e.bytes),
	)
	return out, true
}

// Admit inserts bytes under key, evicting least-recently-used entries from
// the tail until the new entry fits within MaxCacheSize. If bytes is
// larger than MaxObjectSize, Admit does nothing. If key is already
// present (two concurrent misses raced), the existing entry is replaced
// in place and moved to the front.
func (c *Cache) Admit(key string, data []byte) {
	if len(data) > MaxObjectSize {
		logger.Logkv(
			"event", eventCacheTooLarge,
			"key", key,
			"size", len(data),
		)
		return
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict LRU entries, oldest first, until the new object fits. This can
	// evict any entry, including (in the rare concurrent-miss race) the one
	// about to be replaced below; eviction always runs before the
	// existing-key check.
	for c.size+int64(len(stored)) > MaxCacheSize && c.list.Len() > 0 {
		c.evictTail()
	}

	if elem, ok := c.index[key]; ok {
		old := elem.Value.(*entry)
		c.size += int64(len(stored)) - int64(len(old.bytes))
		old.bytes = stored
		c.list.MoveToFront(elem)
		c.recorder.CacheAdmit()
		logger.Logkv(
			"event", eventCacheReplace,
			"key", key,
			"size", len(stored),
		)
		return
	}

	elem := c.list.PushFront(&entry{key: key, bytes: stored})
	c.index[key] = elem
	c.size += int64(len(stored))

	c.recorder.CacheAdmit()
	logger.Logkv(
		"event", eventCacheAdmit,
		"key", key,
		"size", len(stored),
	)
}

// evictTail removes the least-recently-used entry. Caller must hold mu.
func (c *Cache) evictTail() {
	back := c.list.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	c.list.Remove(back)
	delete(c.index, e.key)
	c.size -= int64(len(e.bytes))

	c.recorder.CacheEvict()
	logger.Logkv(
		"event", eventCacheEvict,
		"key", e.key,
		"size", len(e.bytes),
	)
}

// Len returns the current number of entries in the cache.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// Size returns the current total size, in bytes, of cached responses
// (status line and headers included).
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}
