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

// Package rsd implements the reusable-stream-decode store: unbounded
// seek and reread over a possibly non-seekable or compressed stream,
// backed by a block list that spills to scratch files under memory
// pressure.
package rsd

import "github.com/corerip/blobcore/internal/numeric"

// Hint is the RSD list's access pattern hint, which determines block
// capacity (§4.5: "sequential = 16 KiB blocks, random = 1 KiB blocks").
type Hint uint8

const (
	HintSequential Hint = iota
	HintRandom
)

func (h Hint) blockSize() int64 {
	if h == HintRandom {
		return 1 << 10
	}
	return 16 << 10
}

// fileRef identifies a block's backing scratch file by id, per §9's
// "Cyclic references among RSD entities" guidance: blocks hold only the
// file id plus offset, and the store's file table owns the actual file,
// closing and deleting it when the store is closed.
type fileRef struct {
	id     uint32
	offset int64
}

// block is one RsdBlock (§4.5): a fixed window of the logical stream,
// resident in memory, spilled to a scratch file, or (transiently, mid
// refill) neither.
type block struct {
	offset      int64 // offset of this block's first byte in the logical stream
	stored      int64 // valid byte count (<= capacity)
	capacity    int64
	data        []byte // nil when not RAM-resident
	file        *fileRef
	lock        bool // the active "do not release" block (§4.5 nomination rules)
}

// newBlock allocates an unfilled block descriptor; data stays nil until
// fillFromSourceLocked or reloadFromDiskLocked first populates it, so
// ramResident correctly reports false for a block nobody has filled yet.
func newBlock(offset, capacity int64) *block {
	return &block{offset: offset, capacity: capacity}
}

func (b *block) ramResident() bool { return b.data != nil }
func (b *block) diskBacked() bool  { return b.file != nil }

// end returns the offset one past this block's last stored byte. A
// store_length overflow here would mean a logical stream longer than
// 2^63 bytes, which §3's RsdFile invariant (max 2^31-1 bytes per scratch
// file) makes unreachable in practice. If the unsigned sum overflows,
// end returns b.offset instead of a wrapped value and reports no error.
func (b *block) end() int64 {
	sum, overflow := numeric.SafeAdd(uint64(b.offset), uint64(b.stored))
	if overflow {
		return b.offset
	}
	return int64(sum)
}
