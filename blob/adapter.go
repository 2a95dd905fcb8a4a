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

// Package blob implements the blob data cache (spec §4.1-§4.4): a keyed
// registry of BlobEntry records reachable through open Blob handles and
// stable Map windows, fed by a closed set of source adapters.
package blob

import (
	"github.com/corerip/blobcore/errs"
)

// Kind identifies which of the closed set of source-adapter variants an
// Identity/Adapter belongs to (§4.1).
type Kind uint8

const (
	KindMemory Kind = iota
	KindByteString
	KindLongByteString
	KindByteStringArray
	KindSfntsArray
	KindStream
	KindStreamByName
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindByteString:
		return "byte-string"
	case KindLongByteString:
		return "long-byte-string"
	case KindByteStringArray:
		return "byte-string-array"
	case KindSfntsArray:
		return "sfnts-array"
	case KindStream:
		return "stream"
	case KindStreamByName:
		return "stream-by-name"
	default:
		return "unknown"
	}
}

// Mode is the access mode requested of, or granted by, a source (§3
// BlobEntry "access mode {read, write, read-write}").
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite
)

const ModeReadWrite = ModeRead | ModeWrite

// Subset reports whether m requests no capability absent from other —
// i.e. m is a subset of other (§3 Blob handle invariant: "a handle's mode
// is a subset of its entry's mode").
func (m Mode) Subset(other Mode) bool { return m&^other == 0 }

// Flags are the BlobEntry flags of §3: {font-hint, exclusive}.
type Flags uint8

const (
	FlagFontHint Flags = 1 << iota
	FlagExclusive
)

// Protection is the content-protection tag a source adapter may report
// (§4.1 "protection"). Any non-None tag forbids writes and zero-copy
// mappings.
type Protection uint8

const (
	ProtectionNone Protection = iota
	ProtectionHQXRun
	ProtectionHQXDownload
	ProtectionBlanket
)

// Identity is the (adapter kind, adapter-specific key) tuple of §3. Every
// field set is comparable, so Identity itself serves as the cache's map
// key: Go struct equality over these fields is exactly the "same"
// predicate spec.md assigns to each adapter variant, since no two
// distinct sources of the same kind in this module ever share every key
// field coincidentally (two memory spans are the same source iff they
// share a base address and length; two stream-by-name sources are the
// same iff they share a device and filename). This collapses spec.md's
// two-step "pointer-identity fast path, then adapter.same" into one
// struct-equality check per §9's guidance to prefer the idiomatic target-
// language shape over a literal vtable port.
type Identity struct {
	Kind Kind
	Ptr  uintptr // base address, for memory/byte-string/array variants
	Len  int64   // length, or element count for array variants
	Dev  string  // device name, for stream-by-name
	Name string  // filename, for stream-by-name
}

// Adapter is the closed capability set of §4.1: same (folded into
// Identity equality, see above), create, destroy, open, close, available,
// read, write, length, restored, protection.
type Adapter interface {
	// Identity returns this adapter's identity, computed once at
	// construction (create must not perform I/O, so Identity must be
	// derivable without one).
	Identity() Identity

	// Create allocates adapter-private bookkeeping. Must not perform I/O.
	Create() error

	// Destroy frees adapter-private bookkeeping. Must tolerate Open
	// never having been called.
	Destroy()

	// Open starts an I/O session for mode. Must pair with Close.
	Open(mode Mode) error

	// Close ends the I/O session started by Open.
	Close() error

	// Available returns a zero-copy borrow into source memory starting
	// at offset, and the number of contiguous bytes from offset in the
	// source's own internal segmentation. ok is false when the source
	// does not support zero-copy at offset (including when Protection()
	// is non-None, per §4.4 "access-denied when the adapter reports
	// non-none protection and the caller requested a borrow").
	Available(offset int64) (data []byte, ok bool)

	// Read copies at most len(buf) bytes starting at offset into buf and
	// returns the count. A short return indicates EOF or a recoverable
	// read error. Read is never called with an empty buf.
	Read(buf []byte, offset int64) (int, error)

	// Write writes buf at offset. Requires a prior Open (§9: "Treat
	// write as requiring open in the rewrite").
	Write(buf []byte, offset int64) (int, error)

	// Length reports the source's total length. May be expensive;
	// implementations may memoise.
	Length() (int64, error)

	// Restored is invoked before the interpreter discards an object this
	// source references, carrying the save level being restored to. If
	// the source can be described by a cheaper, lower-save-level form it
	// returns a replacement adapter and true; otherwise (nil, false),
	// and the entry transitions to expired.
	Restored(saveLevel int64) (Adapter, bool)

	// Protection reports the source's content-protection tag.
	Protection() Protection
}

// classifyWrite maps an adapter.Write failure reason to the stable §6
// error codes. Adapters are expected to return one of these sentinels (or
// a wrap of one) directly; classifyWrite exists for adapters built over
// streamio.Stream, which reports plain io errors.
func classifyWrite(protection Protection, fixedSize bool, offset, length, total int64) error {
	if protection != ProtectionNone {
		return errs.ErrAccessDenied
	}
	if fixedSize && offset+length > total {
		return errs.ErrEndOfData
	}
	return nil
}
