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

package blob

import (
	"sync"

	"github.com/corerip/blobcore/errs"
)

// Blob is a handle onto a cache Entry (§3). Multiple Blob handles may
// share one Entry; each handle has its own read/write cursor but all
// see the same underlying blocks.
type Blob struct {
	cache *Cache
	entry *Entry

	mu     sync.Mutex
	cursor int64
	closed bool
}

func newBlob(c *Cache, e *Entry) *Blob {
	return &Blob{cache: c, entry: e}
}

// Read copies up to len(buf) bytes starting at offset, filling any
// blocks that cover the range on demand.
func (blob *Blob) Read(buf []byte, offset int64) (int, error) {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	if blob.closed || blob.entry.expired {
		return 0, errs.ErrExpired
	}
	e := blob.entry
	quantum := blob.cache.opts.ReadQuantum
	var total int
	for total < len(buf) {
		pos := offset + int64(total)
		idx := int(pos / int64(quantum))
		within := pos % int64(quantum)
		b, err := e.blockAt(idx, quantum, blob.cache.pool, blob.cache.opts.AllocationCost)
		if err != nil {
			return total, err
		}
		avail := b.Valid() - int(within)
		if avail <= 0 {
			break
		}
		n := copy(buf[total:], b.data[within:b.Valid()])
		total += n
		if n < avail {
			break
		}
	}
	return total, nil
}

// Write stores buf at offset, filling intervening blocks first so a
// sparse write never leaves a block half-populated with stale data.
func (blob *Blob) Write(buf []byte, offset int64) (int, error) {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	if blob.closed || blob.entry.expired {
		return 0, errs.ErrExpired
	}
	if blob.entry.mode&ModeWrite == 0 {
		return 0, errs.ErrAccessDenied
	}
	e := blob.entry
	quantum := blob.cache.opts.ReadQuantum
	var total int
	for total < len(buf) {
		pos := offset + int64(total)
		idx := int(pos / int64(quantum))
		within := pos % int64(quantum)
		b, err := e.blockAt(idx, quantum, blob.cache.pool, blob.cache.opts.AllocationCost)
		if err != nil {
			return total, err
		}
		n := copy(b.data[within:], buf[total:])
		total += n
		if newValid := int32(within) + int32(n); newValid > b.valid {
			b.valid = newValid
		}
		if int64(n) < int64(len(b.data))-within {
			break
		}
	}
	if total > 0 {
		n, err := e.adapter.Write(buf[:total], offset)
		if err != nil {
			return n, err
		}
	}
	return total, nil
}

// Seek repositions the handle's cursor, used by Read/WriteAt-style
// callers that prefer a stateful stream interface over explicit
// offsets.
func (blob *Blob) Seek(offset int64, whence int) (int64, error) {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	switch whence {
	case 0:
		blob.cursor = offset
	case 1:
		blob.cursor += offset
	case 2:
		length, err := blob.entry.adapter.Length()
		if err != nil {
			return 0, err
		}
		blob.cursor = length + offset
	}
	if blob.cursor < 0 {
		blob.cursor = 0
	}
	return blob.cursor, nil
}

// Tell returns the handle's current cursor position.
func (blob *Blob) Tell() int64 {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	return blob.cursor
}

// Length reports the source's total byte length, if known.
func (blob *Blob) Length() (int64, error) {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	if blob.entry.expired {
		return 0, errs.ErrExpired
	}
	return blob.entry.adapter.Length()
}

// Close releases this handle. Once every handle on an entry has
// closed, the entry itself is parked in the cache's closed LRU rather
// than destroyed outright (§4.2).
func (blob *Blob) Close() error {
	blob.mu.Lock()
	if blob.closed {
		blob.mu.Unlock()
		return nil
	}
	blob.closed = true
	blob.mu.Unlock()
	blob.cache.closeHandle(blob.entry)
	return nil
}

// MapOpen returns a Map over [offset, offset+length) (§4.4), choosing
// the cheapest strategy available: a zero-copy borrow from the
// adapter, a single resident block borrowed directly, or a transient
// copy spanning multiple blocks.
func (blob *Blob) MapOpen(offset, length int64, writable bool) (*Map, error) {
	blob.mu.Lock()
	if blob.closed || blob.entry.expired {
		blob.mu.Unlock()
		return nil, errs.ErrExpired
	}
	blob.mu.Unlock()
	// newMap's transient-copy strategy reads through blob.Read, which
	// takes blob.mu itself, so the lock is not held across it.
	return newMap(blob, offset, length, writable)
}
