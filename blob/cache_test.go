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
	"testing"

	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Options{Name: "t", Limit: 1 << 20, ReadQuantum: 16, AllocQuantum: 16, TrimLimit: 4}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestOpenFromSourceDedupesByIdentity(t *testing.T) {
	c := testCache(t)
	data := []byte("hello world, this is a test span")

	a1 := NewSpanAdapter(KindMemory, data, false)
	b1, err := c.OpenFromSource(a1, ModeRead, 0, 0)
	require.NoError(t, err)

	a2 := NewSpanAdapter(KindMemory, data, false)
	b2, err := c.OpenFromSource(a2, ModeRead, 0, 0)
	require.NoError(t, err)

	require.Same(t, b1.entry, b2.entry, "same identity must resolve to the same entry (cache hit without create)")
	require.Equal(t, 1, c.Len())

	require.NoError(t, b1.Close())
	require.NoError(t, b2.Close())
}

func TestReadRoundTripAcrossBlocks(t *testing.T) {
	c := testCache(t)
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	a := NewSpanAdapter(KindMemory, data, false)
	b, err := c.OpenFromSource(a, ModeRead, 0, 0)
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, 100)
	n, err := b.Read(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data, buf)
}

func TestWriteRejectedOnReadOnlyEntry(t *testing.T) {
	c := testCache(t)
	data := make([]byte, 32)
	a := NewSpanAdapter(KindMemory, data, false)
	b, err := c.OpenFromSource(a, ModeRead, 0, 0)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Write([]byte("x"), 0)
	require.Error(t, err)
}

func TestClosedEntryReusedWithinTrimLimit(t *testing.T) {
	c := testCache(t)
	data := make([]byte, 32)
	id := Identity{}
	a := NewSpanAdapter(KindMemory, data, true)
	id = a.Identity()

	b, err := c.OpenFromSource(a, ModeReadWrite, 0, 0)
	require.NoError(t, err)
	_, err = b.Write([]byte("hi"), 0)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.Equal(t, 1, c.Len())

	a2 := NewSpanAdapter(KindMemory, data, true)
	require.Equal(t, id, a2.Identity())
	b2, err := c.OpenFromSource(a2, ModeReadWrite, 0, 0)
	require.NoError(t, err)
	defer b2.Close()

	buf := make([]byte, 2)
	n, err := b2.Read(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("hi"), buf)
}

func TestGcScanReclaimsUnpinnedBlocksOverLimit(t *testing.T) {
	c, err := New(Options{Name: "t", Limit: 16, ReadQuantum: 16, AllocQuantum: 16, TrimLimit: 4}, nil, nil)
	require.NoError(t, err)

	data := make([]byte, 64)
	a := NewSpanAdapter(KindMemory, data, false)
	b, err := c.OpenFromSource(a, ModeRead, 0, 0)
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, 64)
	_, err = b.Read(buf, 0)
	require.NoError(t, err)
	require.Greater(t, c.Committed(), int64(16))

	freed := c.GcScan()
	require.Greater(t, freed, int64(0))
}

func TestMapOpenZeroCopyBorrowForReadOnlySpan(t *testing.T) {
	c := testCache(t)
	data := []byte("0123456789abcdef")
	a := NewSpanAdapter(KindMemory, data, false)
	b, err := c.OpenFromSource(a, ModeRead, 0, 0)
	require.NoError(t, err)
	defer b.Close()

	m, err := b.MapOpen(4, 4, false)
	require.NoError(t, err)
	require.Equal(t, strategyZeroCopy, m.strategy)
	require.Equal(t, []byte("4567"), m.Bytes())
	require.NoError(t, m.Close())
}
