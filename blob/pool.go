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
	"fmt"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/corerip/blobcore/internal/numeric"
)

// Pool is the single block allocator per cache instance (§4.2). It hands
// out blocks whose capacity is rounded up to the allocation quantum and
// backed by an anonymous mmap region, which gives every block a stable,
// page-aligned address for free — exactly the alignment guarantee
// map_region (§4.4) must provide, without a hand-rolled aligned
// allocator.
type Pool struct {
	quantum int32

	allocated int64 // lifetime bytes handed out via Allocate
	freed     int64 // lifetime bytes returned via Free
}

// NewPool constructs a pool quantising allocations to allocQuantum, which
// must be a power of two.
func NewPool(allocQuantum int32) *Pool {
	if allocQuantum <= 0 || allocQuantum&(allocQuantum-1) != 0 {
		panic(fmt.Sprintf("blob: allocation quantum %d is not a power of two", allocQuantum))
	}
	return &Pool{quantum: allocQuantum}
}

func roundUpPow2Multiple(size, quantum int32) int32 {
	if size <= 0 {
		return quantum
	}
	return int32(numeric.CeilDiv(int(size), int(quantum))) * quantum
}

// Allocate returns a block of capacity at least size, rounded up to the
// pool's allocation quantum. cost is a scalar passed through to the
// underlying allocator (here: it only affects accounting, since mmap has
// no notion of cost); the pool never reserves headroom on cost's behalf.
func (p *Pool) Allocate(size int32, cost float64) (*Block, error) {
	capacity := roundUpPow2Multiple(size, p.quantum)
	region, err := mmap.MapRegion(nil, int(capacity), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("blob: pool allocate %d bytes: %w", capacity, err)
	}
	atomic.AddInt64(&p.allocated, int64(capacity))
	return &Block{capacity: capacity, data: []byte(region)}, nil
}

// Free releases b's capacity immediately back to the OS.
func (p *Pool) Free(b *Block) {
	if b == nil || b.data == nil {
		return
	}
	region := mmap.MMap(b.data)
	_ = region.Unmap()
	atomic.AddInt64(&p.freed, int64(b.capacity))
	b.data = nil
	b.capacity = 0
}

// Committed returns the pool's net bytes currently held out (allocated
// minus freed), the signal the low-memory broker's offers_limited latch
// watches to decide "committed memory grew" (§4.7).
func (p *Pool) Committed() int64 {
	return atomic.LoadInt64(&p.allocated) - atomic.LoadInt64(&p.freed)
}

// Quantum returns the pool's allocation quantum.
func (p *Pool) Quantum() int32 { return p.quantum }
