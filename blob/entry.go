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
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is a BlobEntry (§3): the cache's per-identity record, shared by
// every open Blob handle on the same source.
type Entry struct {
	identity Identity
	adapter  Adapter
	mode     Mode
	flags    Flags

	length      int64
	lengthKnown bool

	blocks []*Block // ordered, monotonic offsets (§3 Block invariant)

	handleCount int32
	saveLevel   int64
	protection  Protection
	lastUse     time.Time
	expired     bool

	// fill serialises population of a given block index across
	// concurrent readers so at most one goroutine ever calls
	// adapter.Read for a given block at a time (§4.3 "at-most-one-
	// builder"); other readers wait and observe the populated block.
	fill singleflight.Group
}

func newEntry(identity Identity, adapter Adapter, mode Mode, flags Flags, saveLevel int64) *Entry {
	return &Entry{
		identity:   identity,
		adapter:    adapter,
		mode:       mode,
		flags:      flags,
		saveLevel:  saveLevel,
		protection: adapter.Protection(),
		lastUse:    time.Now(),
	}
}

// blockAt returns the block covering logical chunk index idx, extending
// the block list and filling it (under singleflight) if necessary.
// quantum is the cache's read quantum, used as the default block size.
func (e *Entry) blockAt(idx int, quantum int32, pool *Pool, cost float64) (*Block, error) {
	for len(e.blocks) <= idx {
		next := int64(len(e.blocks)) * int64(quantum)
		b, err := pool.Allocate(quantum, cost)
		if err != nil {
			return nil, err
		}
		b.offset = next
		b.idx = len(e.blocks)
		e.blocks = append(e.blocks, b)
	}
	b := e.blocks[idx]
	if b.data == nil {
		// Was evicted; re-acquire capacity before refilling.
		nb, err := pool.Allocate(quantum, cost)
		if err != nil {
			return nil, err
		}
		nb.offset = b.offset
		nb.idx = b.idx
		e.blocks[idx] = nb
		b = nb
	}
	if b.Valid() > 0 || e.blockKnownShort(idx, quantum) {
		return b, nil
	}
	_, err, _ := e.fill.Do(blockKey(idx), func() (any, error) {
		cur := e.blocks[idx]
		if cur.Valid() > 0 {
			return nil, nil
		}
		n, err := e.adapter.Read(cur.data, cur.offset)
		if err != nil {
			return nil, err
		}
		cur.valid = int32(n)
		if int64(n) < int64(quantum) {
			e.lengthKnown = true
			e.length = cur.offset + int64(n)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return e.blocks[idx], nil
}

func (e *Entry) blockKnownShort(idx int, quantum int32) bool {
	return e.lengthKnown && int64(idx)*int64(quantum) >= e.length
}

func blockKey(idx int) string {
	// decimal is plenty; block counts never approach the width where a
	// faster formatter would matter.
	return "blk:" + itoa(idx)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// evictFrom releases unpinned blocks from idx 0 upward (oldest to
// newest, §4.3 eviction policy) until freed >= want bytes or only pinned
// blocks remain. It returns the number of bytes actually freed.
func (e *Entry) evictFrom(pool *Pool, want int64) int64 {
	var freed int64
	for _, b := range e.blocks {
		if freed >= want {
			break
		}
		if b.data == nil || b.Pinned() {
			continue
		}
		n := int64(b.capacity)
		pool.Free(b)
		freed += n
	}
	return freed
}

// heldBytes sums the capacity of every block this entry currently holds
// resident. The cache's soft-budget checks use Pool.Committed, not this.
func (e *Entry) heldBytes() int64 {
	var total int64
	for _, b := range e.blocks {
		if b.data != nil {
			total += int64(b.capacity)
		}
	}
	return total
}
