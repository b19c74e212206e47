// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements a byte-size-bounded, in-memory LRU response
// cache keyed by the absolute request URL a client sent on the wire.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultMaxTotalBytes is the default ceiling on the sum of all
	// entry sizes currently held by the cache.
	DefaultMaxTotalBytes = 200 * 1024 * 1024

	// DefaultMaxEntryBytes is the largest single response the cache
	// will ever store; larger responses are silently dropped.
	DefaultMaxEntryBytes = 10 * 1024 * 1024
)

// entry is a node in the recency-ordered doubly linked list. head and
// tail are permanent sentinels; head.next is the most-recently-used
// entry and tail.prev is the least-recently-used one, mirroring the
// sentinel-list shape used for DNS answer caching elsewhere in this
// module's lineage.
type entry struct {
	key        string
	value      []byte
	prev, next *entry
}

// Cache is a concurrent, byte-bounded LRU cache. The zero value is not
// usable; construct one with New.
type Cache struct {
	mu sync.Mutex

	maxTotalBytes int64
	maxEntryBytes int64
	currentBytes  int64

	items      map[string]*entry
	head, tail *entry

	hits, misses, evictions, oversizeDrops uint64
}

// Options configures a Cache. A zero Options uses the package defaults.
type Options struct {
	// MaxTotalBytes bounds current_bytes (spec §3). Zero means
	// DefaultMaxTotalBytes.
	MaxTotalBytes int64

	// MaxEntryBytes rejects any put whose value exceeds it. Zero means
	// DefaultMaxEntryBytes.
	MaxEntryBytes int64
}

// New builds an empty Cache ready for concurrent use.
func New(opt Options) *Cache {
	if opt.MaxTotalBytes <= 0 {
		opt.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if opt.MaxEntryBytes <= 0 {
		opt.MaxEntryBytes = DefaultMaxEntryBytes
	}

	head := new(entry)
	tail := new(entry)
	head.next = tail
	tail.prev = head

	return &Cache{
		maxTotalBytes: opt.MaxTotalBytes,
		maxEntryBytes: opt.MaxEntryBytes,
		items:         make(map[string]*entry),
		head:          head,
		tail:          tail,
	}
}

// Get returns a previously-stored value and true on a hit, promoting the
// entry to most-recently-used. On a miss it returns (nil, false); the
// cache never fails, so every other outcome is reported this way.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.moveToFront(e)
	c.hits++
	return e.value, true
}

// Put inserts or replaces the value for key. A value larger than the
// configured per-entry bound is silently dropped — a subsequent Get for
// the same key is a guaranteed miss, per the cache's failure semantics.
func (c *Cache) Put(key string, value []byte) {
	size := int64(len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxEntryBytes {
		c.oversizeDrops++
		// If a stale, smaller copy of this key already exists, an
		// oversize replacement must still result in a miss.
		if old, ok := c.items[key]; ok {
			c.removeEntry(old)
		}
		return
	}

	if old, ok := c.items[key]; ok {
		c.currentBytes -= int64(len(old.value))
		old.value = value
		c.currentBytes += size
		c.moveToFront(old)
	} else {
		e := &entry{key: key, value: value}
		c.items[key] = e
		c.pushFront(e)
		c.currentBytes += size
	}

	c.evictUntilWithinBudget()
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CurrentBytes reports current_bytes, the invariant-1 quantity from
// spec §3/§8.
func (c *Cache) CurrentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBytes
}

// Stats is a point-in-time snapshot used by the admin console's "stats"
// command and by the metrics collector.
type Stats struct {
	Entries       int
	CurrentBytes  int64
	MaxTotalBytes int64
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	OversizeDrops uint64
}

// Stats returns a snapshot of cache bookkeeping counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:       len(c.items),
		CurrentBytes:  c.currentBytes,
		MaxTotalBytes: c.maxTotalBytes,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		OversizeDrops: c.oversizeDrops,
	}
}

// KeyDigest returns a compact, non-cryptographic digest of key, used
// only to make structured log lines readable without spilling whole
// URLs into every line.
func KeyDigest(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (c *Cache) pushFront(e *entry) {
	e.next = c.head.next
	e.prev = c.head
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *Cache) moveToFront(e *entry) {
	if c.head.next == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *Cache) removeEntry(e *entry) {
	c.unlink(e)
	delete(c.items, e.key)
	c.currentBytes -= int64(len(e.value))
}

// evictUntilWithinBudget discards entries from the least-recent end
// until current_bytes <= maxTotalBytes, enforcing invariant 1 from
// spec §3 on every return path of Put.
func (c *Cache) evictUntilWithinBudget() {
	for c.currentBytes > c.maxTotalBytes {
		lru := c.tail.prev
		if lru == c.head {
			// Cache is empty; nothing left to evict. With correct
			// bookkeeping currentBytes is 0 here and the loop has
			// already ended, so this check only keeps the loop from
			// spinning on a bookkeeping bug.
			break
		}
		c.removeEntry(lru)
		c.evictions++
	}
}
