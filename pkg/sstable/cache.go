package sstable

import (
	"sync"
	"sync/atomic"
)

type cacheKey struct {
	table  uint64
	offset uint64
}

// BlockCache is an LRU cache of decoded blocks shared by every open table.
// Capacity is in bytes.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	used     int
	items    map[cacheKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheItem struct {
	key   cacheKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates a cache holding up to capacity bytes. A
// non-positive capacity disables caching.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[cacheKey]*cacheItem),
	}
}

func (bc *BlockCache) get(table, offset uint64) ([]byte, bool) {
	if bc == nil || bc.capacity <= 0 {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[cacheKey{table, offset}]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) set(table, offset uint64, value []byte) {
	if bc == nil || bc.capacity <= 0 || len(value) > bc.capacity {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	key := cacheKey{table, offset}
	if item, found := bc.items[key]; found {
		bc.used += len(value) - len(item.value)
		item.value = value
		bc.moveToHead(item)
	} else {
		item := &cacheItem{key: key, value: value}
		bc.addToHead(item)
		bc.items[key] = item
		bc.used += len(value)
	}

	for bc.used > bc.capacity && bc.tail != nil {
		bc.evict(bc.tail)
	}
}

// EvictTable drops every block of a table. Called when the table file is removed.
func (bc *BlockCache) EvictTable(table uint64) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.table == table {
			bc.evict(item)
		}
	}
}

// Stats returns hit and miss counts.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return bc.hits.Load(), bc.misses.Load()
}

// Len returns the number of cached blocks.
func (bc *BlockCache) Len() int {
	if bc == nil {
		return 0
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evict(item *cacheItem) {
	bc.unlink(item)
	delete(bc.items, item.key)
	bc.used -= len(item.value)
}
