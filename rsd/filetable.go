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

package rsd

import (
	"context"
	"fmt"
	"sync"

	"github.com/corerip/blobcore/scratch"
)

// maxScratchFileSize is the 2^31-1 per-file cap of §4.5's on-disk tier.
const maxScratchFileSize int64 = (1 << 31) - 1

// scratchFile is one backing RSD scratch file, reference-counted by the
// blocks currently pointing into it (§9 "Cyclic references among RSD
// entities": the store owns the file table). Files are closed and
// deleted by closeAll when the store is closed, not when their last
// block is gone.
type scratchFile struct {
	id       uint32
	name     string
	size     int64
	refcount int
}

// fileTable owns every scratch file a store's block lists spill to.
type fileTable struct {
	dev scratch.Device

	mu      sync.Mutex
	current *scratchFile
	handles map[uint32]*scratch.Handle
	names   map[uint32]string
}

func newFileTable(dev scratch.Device) *fileTable {
	return &fileTable{dev: dev, handles: make(map[uint32]*scratch.Handle), names: make(map[uint32]string)}
}

// append writes data to the current scratch file (opening a new one if
// it would overflow the per-file cap or none exists yet) and returns the
// file reference the block should remember.
func (t *fileTable) append(ctx context.Context, data []byte) (*fileRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.size+int64(len(data)) > maxScratchFileSize {
		if err := t.openNewLocked(ctx); err != nil {
			return nil, err
		}
	}
	h := t.handles[t.current.id]
	offset := t.current.size
	if err := t.dev.Seek(h, offset); err != nil {
		return nil, fmt.Errorf("rsd: seek scratch file: %w", err)
	}
	if _, err := t.dev.Write(h, data); err != nil {
		return nil, fmt.Errorf("rsd: write scratch file: %w", err)
	}
	t.current.size += int64(len(data))
	t.current.refcount++
	return &fileRef{id: t.current.id, offset: offset}, nil
}

func (t *fileTable) openNewLocked(ctx context.Context) error {
	id, name := t.dev.NextID()
	h, err := t.dev.OpenFile(ctx, name, true)
	if err != nil {
		return fmt.Errorf("rsd: open scratch file: %w", err)
	}
	t.handles[uint32(id)] = h
	t.names[uint32(id)] = name
	t.current = &scratchFile{id: uint32(id), name: name}
	return nil
}

// read reopens (or reuses) the reader for ref.id, seeks to ref.offset
// and reads len(dst) bytes.
func (t *fileTable) read(ctx context.Context, ref *fileRef, dst []byte) (int, error) {
	t.mu.Lock()
	h, ok := t.handles[ref.id]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("rsd: scratch file %d not open", ref.id)
	}
	if err := t.dev.Seek(h, ref.offset); err != nil {
		return 0, fmt.Errorf("rsd: seek scratch file: %w", err)
	}
	return t.dev.Read(h, dst)
}

// release decrements the refcount of file id when id is the current
// file, and ignores any other id. It never closes or deletes a file,
// even at refcount zero; closeAll does that.
func (t *fileTable) release(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.id == id {
		t.current.refcount--
		if t.current.refcount <= 0 && t.current != nil {
			// Keep the current file open for further appends even at
			// refcount zero; it is reclaimed at Close.
		}
		return
	}
}

// closeAll closes and deletes every scratch file this table opened,
// called when the owning store is torn down.
func (t *fileTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, h := range t.handles {
		_ = t.dev.CloseFile(h)
		_ = t.dev.DeleteFile(t.names[id])
		delete(t.handles, id)
		delete(t.names, id)
	}
	t.current = nil
}

// hasScratchFiles reports whether this table has ever opened a scratch
// file, used by tests to observe the disk-spill transition (S4).
func (t *fileTable) hasScratchFiles() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles) > 0
}
