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
	"io"
	"sync"

	"github.com/corerip/blobcore/errs"
	"github.com/corerip/blobcore/streamio"
)

// List is an RsdBlockList (§4.5): the unbounded sequence of blocks that
// gives unbounded rewind/reread over source, which may be non-seekable
// and/or sit above a decoding filter chain.
type List struct {
	source     streamio.Stream
	original   bool
	seekable   bool
	encoded    bool
	hint       Hint
	files      *fileTable

	// reopen rebuilds the decode filter chain from offset zero when a
	// non-seekable source must be repositioned backward (§4.5 fill path
	// step 3). It is nil for lists with no way to replay (no compressed
	// boundary behind them), in which case a backward reposition fails.
	reopen func(ctx context.Context) (streamio.Stream, error)

	mu           sync.Mutex
	blocks       []*block
	rewindOffset int64 // lowest source offset known unaffected by the store
	blockOffset  int64 // source offset of the next byte never yet seen
	fillIdx      int   // index of the block the next read will fill/return
	eof          bool
	length       int64
	lengthKnown  bool
}

// NewList constructs a block list over source with the given
// construction parameters (§4.5).
func NewList(source streamio.Stream, original, seekable, encoded bool, hint Hint, files *fileTable) *List {
	return &List{source: source, original: original, seekable: seekable, encoded: encoded, hint: hint, files: files}
}

// SetReopen installs the chain-rewind callback used by
// repositionSourceLocked when a non-seekable source needs to go
// backward. Passing nil (the default) means a backward reposition on a
// non-seekable source is impossible, matching a list with no seekable
// boundary to replay from.
func (l *List) SetReopen(reopen func(ctx context.Context) (streamio.Stream, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reopen = reopen
}

// Hint returns the list's current access hint.
func (l *List) Hint() Hint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hint
}

// Length returns the list's total stored bytes, valid once EOF has been
// reached (§8 "RSD length conservation").
func (l *List) Length() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length, l.lengthKnown
}

// Read implements the fill path of §4.5: returns the next block's
// bytes. save_restore_file_position is honoured by the caller never
// re-entering Read concurrently with a rewind; List itself is
// single-threaded per store mutex (§5).
func (l *List) Read(ctx context.Context) (data []byte, last bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(ctx)
}

func (l *List) readLocked(ctx context.Context) ([]byte, bool, error) {
	if l.eof && l.fillIdx >= len(l.blocks) {
		return nil, true, nil
	}

	b, err := l.ensureBlockLocked(l.fillIdx)
	if err != nil {
		return nil, false, err
	}

	if b.stored == 0 && !b.ramResident() && !b.diskBacked() {
		if err := l.fillFromSourceLocked(ctx, b); err != nil {
			return nil, false, err
		}
	} else if !b.ramResident() && b.diskBacked() {
		if err := l.reloadFromDiskLocked(ctx, b); err != nil {
			return nil, false, err
		}
	}

	if b.stored == 0 {
		// Just-filled block came back empty: drop it entirely (§4.5 EOF
		// handling).
		l.blocks = l.blocks[:l.fillIdx]
		return nil, true, nil
	}

	l.fillIdx++
	last := l.eof && l.fillIdx >= len(l.blocks)
	return b.data[:b.stored], last, nil
}

// ensureBlockLocked returns the block at idx, allocating a fresh tail
// block if the fill pointer has advanced past the current tail (§4.5
// block allocation).
func (l *List) ensureBlockLocked(idx int) (*block, error) {
	for len(l.blocks) <= idx {
		var offset int64
		if len(l.blocks) > 0 {
			prev := l.blocks[len(l.blocks)-1]
			offset = prev.end()
		} else {
			offset = l.rewindOffset
		}
		l.blocks = append(l.blocks, newBlock(offset, l.hint.blockSize()))
	}
	b := l.blocks[idx]
	if !b.ramResident() && !b.diskBacked() && b.stored > 0 {
		// evicted without a backing file: re-acquire memory for refill
		b.data = make([]byte, b.capacity)
	}
	return b, nil
}

func (l *List) fillFromSourceLocked(ctx context.Context, b *block) error {
	if l.blockOffset != b.offset {
		if err := l.repositionSourceLocked(ctx, b.offset); err != nil {
			return err
		}
	}
	if b.data == nil {
		b.data = make([]byte, b.capacity)
	}
	n, err := l.source.Read(b.data)
	if err != nil && err != io.EOF {
		return fmt.Errorf("rsd: source read: %w", err)
	}
	b.stored = int64(n)
	l.blockOffset = b.offset + int64(n)
	if int64(n) < b.capacity {
		l.eof = true
		l.length = b.end()
		l.lengthKnown = true
		if !l.seekable {
			_ = l.source.Close()
		}
	}
	return nil
}

// repositionSourceLocked moves the source to target, either by seeking
// directly (seekable case) or by rewinding the whole chain to zero and
// replaying forward (non-seekable, encoded case, §4.5 fill path step 3:
// "rewind the entire filter chain to offset zero and replay up to the
// block's position"). The rewind itself is grounded on the original
// store's %rsdstore synthetic filter, whose setfilepos only ever resets
// to zero by resetting the compressed block list's read pointer
// (rsd_storefiltersetfilepos / rsd_blistreset in rsdstore.c) — here that
// is l.reopen, supplied by the store when a seekable boundary exists to
// rebuild the decode chain from.
func (l *List) repositionSourceLocked(ctx context.Context, target int64) error {
	if l.seekable {
		_, err := l.source.Seek(target, streamio.OriginStart)
		if err != nil {
			return fmt.Errorf("rsd: seek source: %w", err)
		}
		l.blockOffset = target
		return nil
	}
	if target < l.blockOffset {
		if l.reopen == nil {
			return fmt.Errorf("rsd: %w: cannot rewind non-seekable source from %d to %d", errs.ErrInvalid, l.blockOffset, target)
		}
		fresh, err := l.reopen(ctx)
		if err != nil {
			return fmt.Errorf("rsd: reopen decode chain: %w", err)
		}
		_ = l.source.Close()
		l.source = fresh
		l.blockOffset = 0
	}
	// Replay: discard bytes up to target without storing them. This runs
	// both for a genuinely forward reposition and for the tail of a
	// rewind-then-replay above.
	discard := target - l.blockOffset
	buf := make([]byte, 32*1024)
	for discard > 0 {
		n := int64(len(buf))
		if discard < n {
			n = discard
		}
		read, err := l.source.Read(buf[:n])
		if err != nil && err != io.EOF {
			return fmt.Errorf("rsd: replay discard: %w", err)
		}
		discard -= int64(read)
		if read == 0 {
			break
		}
	}
	l.blockOffset = target
	return nil
}

func (l *List) reloadFromDiskLocked(ctx context.Context, b *block) error {
	b.data = make([]byte, b.capacity)
	n, err := l.files.read(ctx, b.file, b.data[:b.stored])
	if err != nil {
		return fmt.Errorf("rsd: reload block from scratch: %w", err)
	}
	if int64(n) != b.stored {
		return fmt.Errorf("rsd: %w: short scratch read for block at %d", errs.ErrInvalid, b.offset)
	}
	return nil
}

// Rewind resets the fill pointer to the start of the list, replaying
// through however many blocks are needed to reach target — avoiding an
// actual source read for every block whose buffer or backing file is
// still resident (§4.5 "Rewind, reread, and reposition").
func (l *List) Rewind(ctx context.Context, target int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if target < l.rewindOffset {
		return fmt.Errorf("rsd: %w: rewind target %d below rewind offset %d", errs.ErrInvalid, target, l.rewindOffset)
	}
	idx := 0
	for idx < len(l.blocks) && l.blocks[idx].offset < target {
		idx++
	}
	l.fillIdx = idx
	return nil
}

// Seek scans from the head summing stored bytes until it finds the
// block containing offset (§4.6 store_seek). It returns the realised
// (block-start) offset. A seek from the middle of a sequential list to
// a non-adjacent block promotes the hint to random.
func (l *List) Seek(offset int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := -1
	for i, b := range l.blocks {
		if offset >= b.offset && offset < b.end() {
			target = i
			break
		}
	}
	if target < 0 {
		if l.eof && offset >= l.length {
			l.fillIdx = len(l.blocks)
			return l.length, nil
		}
		return 0, fmt.Errorf("rsd: %w: seek target %d not yet materialised", errs.ErrInvalid, offset)
	}

	// A seek lands "adjacent" only when it resumes exactly where the
	// fill pointer already sits; anything else — including a jump into
	// the middle of the very block about to be read — is a real jump
	// (§4.5/§4.6: "a seek from the middle of a sequential-hint list to
	// any non-adjacent block promotes the access hint to random").
	expectedNext := l.blockOffset
	if l.fillIdx < len(l.blocks) {
		expectedNext = l.blocks[l.fillIdx].offset
	}
	if l.hint == HintSequential && offset != expectedNext {
		l.hint = HintRandom
	}
	l.fillIdx = target
	return l.blocks[target].offset, nil
}

// markLock marks the block currently at the fill pointer as the active
// lock block (never released, §4.5 nomination rules), clearing any
// previous lock.
func (l *List) markLock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.blocks {
		b.lock = false
	}
	if l.fillIdx < len(l.blocks) {
		l.blocks[l.fillIdx].lock = true
	}
}

// reclaimAction is one escalation step of §4.5's purge ordering.
type reclaimAction struct {
	exactBytes    bool
	fromFillBlock bool
	allowDiskWrite bool
}

// actionsFor returns the ordered escalation list for hint (§4.5
// "Actions form an ordered list ... Random-access lists try a shorter
// list that omits from_fill_block variants").
func actionsFor(hint Hint) []reclaimAction {
	if hint == HintRandom {
		return []reclaimAction{
			{exactBytes: true, fromFillBlock: false, allowDiskWrite: false},
			{exactBytes: false, fromFillBlock: false, allowDiskWrite: false},
			{exactBytes: true, fromFillBlock: false, allowDiskWrite: true},
			{exactBytes: false, fromFillBlock: false, allowDiskWrite: true},
		}
	}
	return []reclaimAction{
		{exactBytes: true, fromFillBlock: true, allowDiskWrite: false},
		{exactBytes: false, fromFillBlock: true, allowDiskWrite: false},
		{exactBytes: true, fromFillBlock: false, allowDiskWrite: false},
		{exactBytes: false, fromFillBlock: false, allowDiskWrite: false},
		{exactBytes: true, fromFillBlock: true, allowDiskWrite: true},
		{exactBytes: false, fromFillBlock: true, allowDiskWrite: true},
		{exactBytes: true, fromFillBlock: false, allowDiskWrite: true},
		{exactBytes: false, fromFillBlock: false, allowDiskWrite: true},
	}
}

// FindReclaim implements find_reclaim(tbytes, access_type, action_flags)
// (§4.5): it tries each escalation action in turn and nominates (and,
// unless noWrite, actually releases) one block. It returns the number
// of bytes freed.
func (l *List) FindReclaim(ctx context.Context, tbytes int64, noWrite bool) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, action := range actionsFor(l.hint) {
		start := 0
		if action.fromFillBlock {
			start = l.fillIdx
		}
		for i := start; i < len(l.blocks); i++ {
			b := l.blocks[i]
			if b.lock || !b.ramResident() {
				continue
			}
			if action.exactBytes && b.capacity != tbytes {
				continue
			}
			if !action.exactBytes && b.capacity < tbytes {
				continue
			}
			if noWrite {
				return b.capacity, nil
			}
			if !b.diskBacked() {
				if !action.allowDiskWrite {
					continue
				}
				ref, err := l.files.append(ctx, b.data[:b.stored])
				if err != nil {
					// Scratch-device errors during purge are local and
					// recoverable (§7): report nothing freed rather than
					// propagating.
					return 0, nil
				}
				b.file = ref
			}
			freed := b.capacity
			b.data = nil
			return freed, nil
		}
	}
	return 0, nil
}

// TotalStored sums stored bytes across every block, the definition of
// store_length once EOF is reached (§8 "RSD length conservation").
func (l *List) TotalStored() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, b := range l.blocks {
		total += b.stored
	}
	return total
}

// EOF reports whether the list has observed source exhaustion.
func (l *List) EOF() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eof
}
