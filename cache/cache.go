// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package cache provides an LRU of recently fetched pages in front of
// a block store whose requests are expensive. Pages are immutable and
// content-addressed, so the cache never needs invalidation beyond
// deletes passing through it.
package cache

import (
	"container/list"

	"github.com/dacapoday/bruce"
)

// Cache wraps a BlockStore and is itself one. Access is expected from
// a single tree's thread at a time.
type Cache struct {
	store    bruce.BlockStore
	maxBytes int
	size     int
	order    *list.List // front is most recently used
	entries  map[bruce.NodeID]*list.Element
}

type entry struct {
	id   bruce.NodeID
	page []byte
}

var _ bruce.BlockStore = (*Cache)(nil)

// New wraps store with an LRU that evicts the least recently used
// pages while the cached bytes exceed maxBytes. The most recent page
// always stays, even when it alone is larger than maxBytes.
func New(store bruce.BlockStore, maxBytes uint32) *Cache {
	return &Cache{
		store:    store,
		maxBytes: int(maxBytes),
		order:    list.New(),
		entries:  make(map[bruce.NodeID]*list.Element),
	}
}

func (c *Cache) ID(page []byte) bruce.NodeID {
	return c.store.ID(page)
}

func (c *Cache) Get(id bruce.NodeID) ([]byte, error) {
	if el, ok := c.entries[id]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*entry).page, nil
	}
	page, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	c.insert(id, page)
	return page, nil
}

func (c *Cache) GetAll(ids []bruce.NodeID) map[bruce.NodeID]bruce.GetResult {
	result := make(map[bruce.NodeID]bruce.GetResult, len(ids))
	var misses []bruce.NodeID
	for _, id := range ids {
		if el, ok := c.entries[id]; ok {
			c.order.MoveToFront(el)
			result[id] = bruce.GetResult{Page: el.Value.(*entry).page}
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return result
	}
	for id, r := range c.store.GetAll(misses) {
		if r.Err == nil {
			c.insert(id, r.Page)
		}
		result[id] = r
	}
	return result
}

func (c *Cache) PutAll(blocks []bruce.PutBlock) error {
	err := c.store.PutAll(blocks)
	for i := range blocks {
		if blocks[i].Success {
			c.insert(blocks[i].ID, blocks[i].Page)
		}
	}
	return err
}

func (c *Cache) DelAll(dels []bruce.DelBlock) error {
	err := c.store.DelAll(dels)
	for i := range dels {
		if dels[i].Success {
			c.remove(dels[i].ID)
		}
	}
	return err
}

func (c *Cache) MaxBlockSize() uint32 {
	return c.store.MaxBlockSize()
}

func (c *Cache) EditQueueSize() uint32 {
	return c.store.EditQueueSize()
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	return c.order.Len()
}

func (c *Cache) insert(id bruce.NodeID, page []byte) {
	if el, ok := c.entries[id]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.entries[id] = c.order.PushFront(&entry{id: id, page: page})
	c.size += len(page)
	for c.size > c.maxBytes && c.order.Len() > 1 {
		last := c.order.Back()
		c.remove(last.Value.(*entry).id)
	}
}

func (c *Cache) remove(id bruce.NodeID) {
	el, ok := c.entries[id]
	if !ok {
		return
	}
	c.size -= len(el.Value.(*entry).page)
	c.order.Remove(el)
	delete(c.entries, id)
}
