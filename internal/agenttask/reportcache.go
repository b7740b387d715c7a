package agenttask

import (
	"container/list"
	"sync"
)

// ReportCache is a bounded FIFO cache of completed reports, keyed by
// taskId, used as a hot-path fast return for waitForAgentReport. When
// the cache overflows, the *oldest-inserted* entry is evicted
// regardless of how recently it was read — disk remains the source of
// truth, so eviction never loses data, only a shortcut.
//
// `github.com/hashicorp/golang-lru/v2/simplelru` was considered and
// rejected for this (see DESIGN.md): it promotes an entry on Get,
// which is LRU, not FIFO, and would violate the oldest-inserted
// eviction contract this cache is required to honor. This uses stdlib
// `container/list` as an insertion-order ring plus a lookup map —
// a heap plus lookup-map pairing, just with a doubly-linked list
// standing in for the heap since strict insertion order, not priority
// order, is what's needed.
type ReportCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = oldest, back = newest
	elems    map[string]*list.Element
}

type reportCacheNode struct {
	taskID string
	entry  ReportCacheEntry
}

// NewReportCache constructs a cache bounded at capacity entries.
func NewReportCache(capacity int) *ReportCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &ReportCache{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Put inserts or updates the entry for taskID. An update does not
// move the entry to the back — FIFO is by first insertion, and a
// report is finalized exactly once, so
// updates after insertion shouldn't occur in practice; this only
// exists to make Put idempotent under retry.
func (c *ReportCache) Put(taskID string, entry ReportCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elems[taskID]; ok {
		elem.Value.(*reportCacheNode).entry = entry
		return
	}

	elem := c.order.PushBack(&reportCacheNode{taskID: taskID, entry: entry})
	c.elems[taskID] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.elems, oldest.Value.(*reportCacheNode).taskID)
	}
}

// Get returns the cached entry for taskID, if present. It does not
// affect eviction order.
func (c *ReportCache) Get(taskID string) (ReportCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.elems[taskID]
	if !ok {
		return ReportCacheEntry{}, false
	}
	return elem.Value.(*reportCacheNode).entry, true
}

// Len returns the number of entries currently cached.
func (c *ReportCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
