// Copyright 2024 The Blobcore Authors
// This file is part of Blobcore.
//
// Blobcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Blobcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Blobcore. If not, see <http://www.gnu.org/licenses/>.

// Package blob implements the blob data cache: a mapping from byte
// sources (memory spans, byte-string arrays, interpreter streams, or
// named device files) to cached, aligned read/write regions, with
// content-identity deduplication and a soft memory budget enforced by
// LRU eviction of closed entries.
package blob

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/corerip/blobcore/errs"
	"github.com/corerip/blobcore/internal/obs"
)

// Options configures a Cache at construction time, mirroring the
// per-cache tunables named in §4.2/§4.4.
type Options struct {
	Name           string
	Limit          int64 // soft byte budget
	ReadQuantum    int32 // block size for sequential fills
	AllocQuantum   int32 // pool allocation granularity
	TrimLimit      int   // max closed entries retained for reuse
	AllocationCost float64
}

// Cache is the cache described by §3/§4: one per named blob-cache
// instance (e.g. separate caches for font data vs. image data), backed
// by a single Pool and guarded by one mutex, per §5's "single
// cache-wide mutex, held only for pointer bookkeeping" concurrency
// model.
type Cache struct {
	opts Options
	pool *Pool
	log  *zap.SugaredLogger
	met  *obs.Metrics

	mu      sync.Mutex
	entries map[Identity]*Entry
	// closed tracks entries with handleCount==0, evicting the
	// least-recently-closed once len(closed) exceeds TrimLimit. The
	// eviction callback destroys the adapter and frees its blocks.
	closed *lru.Cache[Identity, *Entry]
}

// New constructs a Cache. log and met may be nil, in which case a
// no-op logger and unregistered metrics are used.
func New(opts Options, log *zap.SugaredLogger, met *obs.Metrics) (*Cache, error) {
	if opts.TrimLimit <= 0 {
		opts.TrimLimit = 32
	}
	if opts.ReadQuantum <= 0 {
		opts.ReadQuantum = 4096
	}
	if opts.AllocQuantum <= 0 {
		opts.AllocQuantum = 1024
	}
	if log == nil {
		log = obs.NewNop()
	}
	c := &Cache{
		opts:    opts,
		pool:    NewPool(opts.AllocQuantum),
		log:     log.With("cache", opts.Name),
		met:     met,
		entries: make(map[Identity]*Entry),
	}
	evict := func(id Identity, e *Entry) {
		// closed.Remove also lands here when OpenFromSource revives a
		// closed entry; a revived entry has a handle again and is kept.
		if e.handleCount > 0 {
			return
		}
		e.adapter.Destroy()
		for _, b := range e.blocks {
			c.pool.Free(b)
		}
		delete(c.entries, id)
		if c.met != nil {
			c.met.BlobEntriesTrimmed.WithLabelValues(opts.Name).Inc()
		}
	}
	closedLRU, err := lru.NewWithEvict(opts.TrimLimit, evict)
	if err != nil {
		return nil, fmt.Errorf("blob: new cache %q: %w", opts.Name, err)
	}
	c.closed = closedLRU
	return c, nil
}

// OpenFromSource looks up or creates the entry for adapter's identity
// and returns a new handle onto it (§4.1 lookup_or_create_blob). If an
// entry for this identity already exists — open or recently closed — it
// is reused without calling adapter.Create, which is the dedup path
// §8's "cache hit without create" property exercises.
func (c *Cache) OpenFromSource(adapter Adapter, mode Mode, flags Flags, saveLevel int64) (*Blob, error) {
	id := adapter.Identity()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		if !mode.Subset(e.mode) {
			return nil, errs.ErrAccessDenied
		}
		e.handleCount++
		c.closed.Remove(id)
		if c.met != nil {
			c.met.BlobCacheHits.WithLabelValues(c.opts.Name).Inc()
		}
		return newBlob(c, e), nil
	}

	if e, ok := c.closed.Get(id); ok {
		if err := e.adapter.Open(mode); err != nil {
			return nil, err
		}
		e.handleCount = 1
		e.mode = mode
		c.entries[id] = e
		c.closed.Remove(id)
		if c.met != nil {
			c.met.BlobCacheHits.WithLabelValues(c.opts.Name).Inc()
		}
		return newBlob(c, e), nil
	}

	if err := adapter.Create(); err != nil {
		return nil, fmt.Errorf("blob: create source: %w", err)
	}
	if err := adapter.Open(mode); err != nil {
		adapter.Destroy()
		return nil, fmt.Errorf("blob: open source: %w", err)
	}
	e := newEntry(id, adapter, mode, flags, saveLevel)
	e.handleCount = 1
	c.entries[id] = e
	if c.met != nil {
		c.met.BlobCacheMisses.WithLabelValues(c.opts.Name).Inc()
	}
	return newBlob(c, e), nil
}

// closeHandle decrements e's handle count and, once it reaches zero,
// parks the entry in the closed LRU instead of destroying it
// immediately — a later OpenFromSource against the same identity can
// still reuse its resident blocks (§4.2's motivation for keeping
// closed entries around up to trim_limit).
func (c *Cache) closeHandle(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.handleCount--
	if e.handleCount > 0 {
		return
	}
	if err := e.adapter.Close(); err != nil {
		c.log.Warnw("adapter close failed", "identity", e.identity, "error", err)
	}
	delete(c.entries, e.identity)
	c.closed.Add(e.identity, e)
}

// SetLimit updates the cache's soft memory budget.
func (c *Cache) SetLimit(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Limit = n
}

// GetLimit returns the cache's current soft memory budget.
func (c *Cache) GetLimit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Limit
}

// Committed returns the pool's current committed bytes, summed across
// all entries whether open or closed-but-retained.
func (c *Cache) Committed() int64 {
	return c.pool.Committed()
}

// RestoreCommit applies a save-level restore (§4.1 restore_commit):
// every entry, open or closed-but-retained, created at a save level
// deeper than the target is either switched to its Restored()
// substitute at the target level or marked expired in place. No entry
// is removed from the cache here.
func (c *Cache) RestoreCommit(targetSaveLevel int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		c.restoreEntry(id, e, targetSaveLevel)
	}
	for _, id := range c.closed.Keys() {
		e, ok := c.closed.Peek(id)
		if !ok {
			continue
		}
		c.restoreEntry(id, e, targetSaveLevel)
	}
}

func (c *Cache) restoreEntry(id Identity, e *Entry, targetSaveLevel int64) {
	if e.saveLevel <= targetSaveLevel {
		return
	}
	repl, ok := e.adapter.Restored(targetSaveLevel)
	if !ok {
		e.expired = true
		return
	}
	e.adapter = repl
	e.saveLevel = targetSaveLevel
}

// GcScan releases unpinned blocks across all entries until the pool's
// committed bytes drops at or below the cache's soft limit, oldest
// entry first (§4.3's low-memory eviction policy). The memctl
// blob-block-recycle handler does not call this; it uses
// ReclaimOneBlock.
func (c *Cache) GcScan() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var freed int64
	over := c.pool.Committed() - c.opts.Limit
	if over <= 0 {
		return 0
	}
	visit := func(e *Entry) {
		if freed >= over {
			return
		}
		freed += e.evictFrom(c.pool, over-freed)
	}
	for _, id := range c.closed.Keys() {
		if e, ok := c.closed.Peek(id); ok {
			visit(e)
		}
	}
	for _, e := range c.entries {
		visit(e)
	}
	if c.met != nil {
		c.met.BlobBytesEvicted.WithLabelValues(c.opts.Name).Add(float64(freed))
	}
	return freed
}

// ReclaimOneBlock offers to recycle a single unpinned block from any
// entry in this cache (the blob-block-recycle handler of §4.7). When
// noWrite is true it only probes eligibility without actually freeing
// anything, matching the handler discipline's solicit/release split.
func (c *Cache) ReclaimOneBlock(noWrite bool) (int64, bool) {
	if !c.mu.TryLock() {
		return 0, false
	}
	defer c.mu.Unlock()

	find := func(e *Entry) (int64, bool) {
		for _, b := range e.blocks {
			if b.data == nil || b.Pinned() {
				continue
			}
			return int64(b.capacity), true
		}
		return 0, false
	}
	for _, id := range c.closed.Keys() {
		if e, ok := c.closed.Peek(id); ok {
			if n, ok := find(e); ok {
				if noWrite {
					return n, true
				}
				e.evictFrom(c.pool, n)
				return n, true
			}
		}
	}
	for _, e := range c.entries {
		if n, ok := find(e); ok {
			if noWrite {
				return n, true
			}
			e.evictFrom(c.pool, n)
			return n, true
		}
	}
	return 0, false
}

// Len reports the number of distinct identities the cache currently
// tracks, open plus closed-but-retained.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) + c.closed.Len()
}
