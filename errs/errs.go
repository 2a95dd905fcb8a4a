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

// Package errs carries the stable error codes exposed at the blob/RSD/ICC
// boundary (spec §6, §7). Every code is a sentinel so callers can use
// errors.Is instead of string matching, and every code survives wrapping
// with fmt.Errorf("...: %w", ...) or github.com/pkg/errors.Wrap.
package errs

import (
	"errors"
	"io"
)

// Surfaced-to-caller codes (§6, §7 "Surfaced to caller").
var (
	// ErrInvalid marks an ill-formed argument, or a structural invariant
	// violation folded down to a generic error in release builds (§7
	// "fatal only if structural").
	ErrInvalid = errors.New("blobcore: invalid")

	// ErrAccessDenied marks a mode or content-protection conflict.
	ErrAccessDenied = errors.New("blobcore: access denied")

	// ErrInvalidFilename marks a named stream that could not be located.
	ErrInvalidFilename = errors.New("blobcore: invalid filename")

	// ErrExpired marks a source torn down by a save-restore that has not
	// been reopened (§4.1 "restored", §4.3 "restore_commit").
	ErrExpired = errors.New("blobcore: expired")

	// ErrWrite marks a device-level write failure.
	ErrWrite = errors.New("blobcore: write error")

	// ErrEndOfData marks a read or write past the end of a fixed-size
	// source that cannot grow.
	ErrEndOfData = errors.New("blobcore: end of data")

	// ErrOutOfMemory marks an allocation failure with no handler offer
	// able to satisfy it.
	ErrOutOfMemory = errors.New("blobcore: out of memory")
)

// IsRecoverable reports whether err belongs to the "local and recoverable"
// class (§7): short reads, transient scratch-device errors during purge,
// and protection mismatches on a zero-copy attempt. These never escalate to
// a caller-visible failure; they are folded into a boolean/latch instead.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	// Protection mismatch on a zero-copy attempt (§4.4 map_region falling
	// back to a copy instead of failing outright).
	if errors.Is(err, ErrAccessDenied) {
		return true
	}
	// Short reads: a fixed-size source or scratch block yielding fewer
	// bytes than requested rather than a hard device failure.
	if errors.Is(err, ErrEndOfData) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// Transient scratch-device errors surfaced to a purge path: OpenFile
	// already retries transient I/O with bounded backoff before wrapping
	// the final failure with github.com/pkg/errors (§6/§7), so a
	// pkg/errors-wrapped error reaching here is the same class of local,
	// already-exhausted-retry scratch failure on which FindReclaim gives
	// up the reclaim and reports nothing freed rather than propagate.
	var causer interface{ Cause() error }
	return errors.As(err, &causer)
}
