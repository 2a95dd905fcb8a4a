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
	"io"
	"unsafe"

	"github.com/corerip/blobcore/errs"
	"github.com/corerip/blobcore/streamio"
)

// RestoreFunc is the callback a caller installs when constructing a
// StreamAdapter so the core never calls back into the interpreter
// directly (§9 "Interpreter callback for restored objects" — "this is a
// callback the client installs when constructing the adapter; the core
// calls it only with the save level as data").
type RestoreFunc func(saveLevel int64) (Adapter, bool)

// StreamAdapter backs the stream variant of §4.1: an already-open
// interpreter stream object reference. Its identity is the stream's
// address, since two Blob opens against the same live stream object
// should collapse onto one BlobEntry.
type StreamAdapter struct {
	stream     streamio.Stream
	onRestore  RestoreFunc
	protection Protection
	fixedSize  bool
	opened     bool
}

// NewStreamAdapter wraps an open stream. onRestore may be nil, in which
// case restore always expires the entry.
func NewStreamAdapter(s streamio.Stream, protection Protection, onRestore RestoreFunc) *StreamAdapter {
	return &StreamAdapter{stream: s, onRestore: onRestore, protection: protection}
}

func (a *StreamAdapter) Identity() Identity {
	return Identity{Kind: KindStream, Ptr: streamPtr(a.stream)}
}

// streamPtr extracts a stable comparable address for an arbitrary Stream
// implementation via its interface data pointer. This is the Go analogue
// of spec.md's "stream object reference" identity key: two Identity
// values compare equal iff they wrap the exact same stream instance.
func streamPtr(s streamio.Stream) uintptr {
	type iface struct {
		_    uintptr
		data unsafe.Pointer
	}
	return uintptr((*iface)(unsafe.Pointer(&s)).data)
}

func (a *StreamAdapter) Create() error { return nil }
func (a *StreamAdapter) Destroy()      {}

func (a *StreamAdapter) Open(mode Mode) error {
	a.opened = true
	return nil
}

func (a *StreamAdapter) Close() error {
	a.opened = false
	return nil
}

// Available never offers a zero-copy borrow for a generic stream: unlike
// a memory span, nothing guarantees the stream's internal buffer (if any)
// stays stable across the next Read, so every byte must be copied through
// Read instead (§4.1: "returns none when the source does not [support
// zero-copy]").
func (a *StreamAdapter) Available(offset int64) ([]byte, bool) { return nil, false }

func (a *StreamAdapter) Read(buf []byte, offset int64) (int, error) {
	if !a.opened {
		return 0, errs.ErrExpired
	}
	if _, err := a.stream.Seek(offset, streamio.OriginStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(a.stream, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return n, err
}

func (a *StreamAdapter) Write(buf []byte, offset int64) (int, error) {
	if !a.opened {
		return 0, errs.ErrExpired
	}
	if a.protection != ProtectionNone {
		return 0, errs.ErrAccessDenied
	}
	if _, err := a.stream.Seek(offset, streamio.OriginStart); err != nil {
		return 0, err
	}
	n, err := a.stream.Write(buf)
	if err != nil {
		return n, errs.ErrWrite
	}
	return n, nil
}

func (a *StreamAdapter) Length() (int64, error) {
	return a.stream.Length()
}

func (a *StreamAdapter) Restored(saveLevel int64) (Adapter, bool) {
	if a.onRestore == nil {
		return nil, false
	}
	return a.onRestore(saveLevel)
}

func (a *StreamAdapter) Protection() Protection { return a.protection }
