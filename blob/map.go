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
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/corerip/blobcore/errs"
)

// mapStrategy records which of the three map_region strategies (§4.4)
// a given Map ended up using, purely for diagnostics.
type mapStrategy uint8

const (
	strategyZeroCopy mapStrategy = iota
	strategySingleBlock
	strategyTransientCopy
)

// Map is a contiguous view onto a Blob's byte range (§4.4 map_region).
// Its lifetime pins every Block it touches so concurrent cache eviction
// cannot reclaim them out from under a live view; Close releases the
// pins.
type Map struct {
	blob     *Blob
	offset   int64
	length   int64
	writable bool
	strategy mapStrategy
	pinned   mapset.Set[*Block]
	data     []byte
	copied   bool
}

func newMap(blob *Blob, offset, length int64, writable bool) (*Map, error) {
	m := &Map{blob: blob, offset: offset, length: length, writable: writable, pinned: mapset.NewSet[*Block]()}

	// Strategy 1: the adapter offers a zero-copy borrow directly (only
	// ever true for read-only spans backed by already-resident memory,
	// e.g. SpanAdapter).
	if !writable {
		if data, ok := blob.entry.adapter.Available(offset); ok && int64(len(data)) >= length {
			m.data = data[:length]
			m.strategy = strategyZeroCopy
			return m, nil
		}
	}

	quantum := blob.cache.opts.ReadQuantum
	firstIdx := int(offset / int64(quantum))
	lastIdx := int((offset + length - 1) / int64(quantum))

	// Strategy 2: the whole range fits within one already-resident
	// block; borrow it directly instead of copying.
	if firstIdx == lastIdx {
		b, err := blob.entry.blockAt(firstIdx, quantum, blob.cache.pool, blob.cache.opts.AllocationCost)
		if err != nil {
			return nil, err
		}
		within := offset - int64(firstIdx)*int64(quantum)
		if within+length <= int64(b.Valid()) || writable {
			b.Pin()
			m.pinned.Add(b)
			end := within + length
			if end > int64(len(b.data)) {
				end = int64(len(b.data))
			}
			m.data = b.data[within:end]
			m.strategy = strategySingleBlock
			return m, nil
		}
	}

	// Strategy 3: the range spans multiple blocks; pin them all and
	// assemble a transient copy. Writable maps are copy-back: Close
	// writes the buffer through the Blob before unpinning.
	buf := make([]byte, length)
	n, err := blob.Read(buf, offset)
	if err != nil && err != errs.ErrEndOfData {
		return nil, err
	}
	for idx := firstIdx; idx <= lastIdx; idx++ {
		b, err := blob.entry.blockAt(idx, quantum, blob.cache.pool, blob.cache.opts.AllocationCost)
		if err != nil {
			continue
		}
		b.Pin()
		m.pinned.Add(b)
	}
	m.data = buf[:n]
	if writable {
		m.data = buf
	}
	m.strategy = strategyTransientCopy
	m.copied = true
	return m, nil
}

// Bytes returns the view's backing slice. Callers must not retain it
// past Close.
func (m *Map) Bytes() []byte { return m.data }

// Close releases every pin this Map holds, writing back through the
// Blob first if the view was both writable and a transient copy.
func (m *Map) Close() error {
	if m.copied && m.writable {
		if _, err := m.blob.Write(m.data, m.offset); err != nil {
			m.releasePins()
			return err
		}
	}
	m.releasePins()
	return nil
}

func (m *Map) releasePins() {
	for b := range m.pinned.Iter() {
		b.Unpin()
	}
	m.pinned.Clear()
}
