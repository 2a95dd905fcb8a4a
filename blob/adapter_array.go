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
	"unsafe"

	"github.com/corerip/blobcore/errs"
)

// ArrayAdapter backs the byte-string-array and sfnts-array variants of
// §4.1. Both present a logical contiguous stream over an array of byte
// strings; they differ only in how much of each element contributes to
// that stream (§4.1: "byte-string-array ... concatenates the full length
// of each element"; sfnts "the even-lengthed prefix of each element —
// the last byte of an odd-length element is ignored").
type ArrayAdapter struct {
	kind  Kind
	elems [][]byte
	// contrib[i] is the number of leading bytes of elems[i] that count
	// toward the logical stream; precomputed at Create so Length and
	// offset translation never need to recompute the sfnts truncation.
	contrib []int64
	offsets []int64 // offsets[i] = sum(contrib[:i]); offsets[len(elems)] = total
}

// NewArrayAdapter wraps elems as the given array Kind (KindByteStringArray
// or KindSfntsArray).
func NewArrayAdapter(kind Kind, elems [][]byte) *ArrayAdapter {
	return &ArrayAdapter{kind: kind, elems: elems}
}

func (a *ArrayAdapter) Create() error {
	a.contrib = make([]int64, len(a.elems))
	a.offsets = make([]int64, len(a.elems)+1)
	var total int64
	for i, e := range a.elems {
		n := int64(len(e))
		if a.kind == KindSfntsArray && n%2 != 0 {
			n--
		}
		a.contrib[i] = n
		a.offsets[i] = total
		total += n
	}
	a.offsets[len(a.elems)] = total
	return nil
}

func (a *ArrayAdapter) Destroy() {}

func (a *ArrayAdapter) Identity() Identity {
	var ptr uintptr
	if len(a.elems) > 0 {
		ptr = uintptr(unsafe.Pointer(&a.elems[0]))
	}
	return Identity{Kind: a.kind, Ptr: ptr, Len: int64(len(a.elems))}
}

func (a *ArrayAdapter) Open(Mode) error { return nil }
func (a *ArrayAdapter) Close() error    { return nil }

// locate returns the element index containing logical offset, and the
// byte offset within that element.
func (a *ArrayAdapter) locate(offset int64) (idx int, within int64, ok bool) {
	if offset < 0 || offset >= a.total() {
		return 0, 0, false
	}
	// Linear scan: element counts are small (typically <16 for sfnts
	// table directories), so this never justifies a binary search.
	for i, start := range a.offsets[:len(a.offsets)-1] {
		end := a.offsets[i+1]
		if offset >= start && offset < end {
			return i, offset - start, true
		}
	}
	return 0, 0, false
}

func (a *ArrayAdapter) total() int64 { return a.offsets[len(a.offsets)-1] }

func (a *ArrayAdapter) Available(offset int64) ([]byte, bool) {
	if offset == a.total() {
		return nil, true
	}
	idx, within, ok := a.locate(offset)
	if !ok {
		return nil, false
	}
	limit := a.contrib[idx]
	return a.elems[idx][within:limit], true
}

func (a *ArrayAdapter) Read(buf []byte, offset int64) (int, error) {
	written := 0
	for written < len(buf) {
		idx, within, ok := a.locate(offset + int64(written))
		if !ok {
			break
		}
		limit := a.contrib[idx]
		chunk := a.elems[idx][within:limit]
		n := copy(buf[written:], chunk)
		written += n
		if int64(n) < int64(len(chunk)) {
			break
		}
	}
	return written, nil
}

func (a *ArrayAdapter) Write(buf []byte, offset int64) (int, error) {
	return 0, errs.ErrAccessDenied
}

func (a *ArrayAdapter) Length() (int64, error) { return a.total(), nil }

func (a *ArrayAdapter) Restored(int64) (Adapter, bool) { return nil, false }

func (a *ArrayAdapter) Protection() Protection { return ProtectionNone }
