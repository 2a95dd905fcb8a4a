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
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

// TestMemoryBlobReadWriteRoundTrip is §8's "writing bytes B to a
// memory-backed blob at offset o, then reading |B| bytes from o,
// returns B" round-trip property, checked against randomised inputs.
func TestMemoryBlobReadWriteRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 4096).Draw(rt, "size")
		quantum := int32(rapid.SampledFrom([]int{16, 64, 256}).Draw(rt, "quantum"))
		back := make([]byte, size)
		body := rapid.SliceOfN(rapid.Byte(), 1, size).Draw(rt, "body")
		offset := rapid.IntRange(0, size-len(body)).Draw(rt, "offset")

		c, err := New(Options{Name: "prop", Limit: 1 << 20, ReadQuantum: quantum, AllocQuantum: quantum, TrimLimit: 4}, nil, nil)
		require.NoError(rt, err)

		a := NewSpanAdapter(KindMemory, back, true)
		h, err := c.OpenFromSource(a, ModeReadWrite, 0, 0)
		require.NoError(rt, err)
		defer h.Close()

		_, err = h.Write(body, int64(offset))
		require.NoError(rt, err)

		got := make([]byte, len(body))
		_, err = h.Read(got, int64(offset))
		require.NoError(rt, err)
		require.Equal(rt, body, got)
	})
}

// TestIdentityUniquenessAcrossConcurrentOpens is §8's "identity
// uniqueness" quantified invariant: however many goroutines race to
// open the same identity concurrently, the cache never ends up with
// two distinct entries for it.
func TestIdentityUniquenessAcrossConcurrentOpens(t *testing.T) {
	c, err := New(Options{Name: "race", Limit: 1 << 20, ReadQuantum: 16, AllocQuantum: 16, TrimLimit: 8}, nil, nil)
	require.NoError(t, err)

	data := make([]byte, 64)
	var g errgroup.Group
	handles := make([]*Blob, 16)
	for i := range handles {
		i := i
		g.Go(func() error {
			a := NewSpanAdapter(KindMemory, data, false)
			h, err := c.OpenFromSource(a, ModeRead, 0, 0)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	require.NoError(t, g.Wait())

	first := handles[0].entry
	for _, h := range handles[1:] {
		require.Same(t, first, h.entry)
	}
	require.Equal(t, 1, c.Len())

	for _, h := range handles {
		require.NoError(t, h.Close())
	}
}
