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

import "sync/atomic"

// Block is a fixed-capacity aligned byte region owned by one BlobEntry
// (§3 Block). Capacity is always a power-of-two multiple of the owning
// cache's allocation quantum.
type Block struct {
	offset   int64 // absolute offset in the source this block covers
	valid    int32 // valid (stored) byte count, <= capacity
	capacity int32
	data     []byte // len(data) == capacity; backed by the pool's mmap arena

	onDisk  bool
	pinned  int32 // pin count; >0 means ineligible for eviction (§3 Map invariant)
	idx     int   // this block's index in the entry's ordered block list
}

// Pin marks this block as depended on by an active Map. Pins are counted,
// not boolean, per §9's "Block eviction with pinning" guidance: multiple
// short-lived exclusions of the same block must compose.
func (b *Block) Pin() { atomic.AddInt32(&b.pinned, 1) }

// Unpin releases one pin. Panics if called more times than Pin, which
// would indicate a structural bug in Map bookkeeping.
func (b *Block) Unpin() {
	if atomic.AddInt32(&b.pinned, -1) < 0 {
		panic("blob: block unpinned more times than pinned")
	}
}

// Pinned reports whether this block currently has at least one pin.
func (b *Block) Pinned() bool { return atomic.LoadInt32(&b.pinned) > 0 }

// Valid returns the number of valid bytes currently stored in this block.
func (b *Block) Valid() int { return int(atomic.LoadInt32(&b.valid)) }

// Bytes returns the valid prefix of this block's data.
func (b *Block) Bytes() []byte { return b.data[:b.Valid()] }

// Offset returns this block's absolute offset in its source.
func (b *Block) Offset() int64 { return b.offset }
