package ledger

import (
	"container/list"

	"quorumcore/types"
)

// lruCache is a fixed-capacity least-recently-used cache keyed by
// content hash, built on container/list (see DESIGN.md) rather than the
// standard map-only approach that can't express eviction order.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[types.Hash]*list.Element
}

type lruEntry struct {
	key   types.Hash
	value interface{}
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[types.Hash]*list.Element),
	}
}

func (c *lruCache) Get(key types.Hash) (interface{}, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) Put(key types.Hash, value interface{}) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lruCache) Remove(key types.Hash) {
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Purge empties the cache wholesale (used for the entry cache's flush
// on commit failure).
func (c *lruCache) Purge() {
	c.ll = list.New()
	c.items = make(map[types.Hash]*list.Element)
}

func (c *lruCache) Len() int {
	return c.ll.Len()
}
