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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/corerip/blobcore/scratch"
	"github.com/corerip/blobcore/streamio"
)

func ascendingBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func testDevice(t *testing.T) scratch.Device {
	t.Helper()
	fs := afero.NewMemMapFs()
	dev := scratch.NewLocal(fs, "/scratch", nil)
	_, err := dev.CleanStart()
	require.NoError(t, err)
	return dev
}

func readAllSequential(t *testing.T, s *Store) []byte {
	t.Helper()
	var out []byte
	ctx := context.Background()
	for {
		data, last, err := s.Read(ctx)
		require.NoError(t, err)
		out = append(out, data...)
		if last {
			break
		}
	}
	return out
}

// S4 — RSD rewind over non-seekable source.
func TestStoreRewindOverNonSeekableSource(t *testing.T) {
	ctx := context.Background()
	want := ascendingBytes(50_000)
	source := streamio.NewMemory(append([]byte(nil), want...), false)
	dev := testDevice(t)

	store, err := NewStore(ctx, source, Options{Seekable: false, Hint: HintSequential}, dev)
	require.NoError(t, err)
	defer store.Close()

	first := readAllSequential(t, store)
	require.Equal(t, want, first)

	require.NoError(t, store.Rewind(ctx, 0))
	second := readAllSequential(t, store)
	require.Equal(t, want, second)

	freed, ok := store.ReclaimDisk(ctx, store.decoded.hint.blockSize(), false)
	if ok {
		require.Greater(t, freed, int64(0))
		require.True(t, store.HasScratchFiles())
	}

	require.NoError(t, store.Rewind(ctx, 0))
	third := readAllSequential(t, store)
	require.Equal(t, want, third)
}

// S5 — RSD random-access promotion.
func TestStoreSeekPromotesToRandomHint(t *testing.T) {
	ctx := context.Background()
	want := ascendingBytes(64 * 1024)
	source := streamio.NewMemory(append([]byte(nil), want...), false)
	dev := testDevice(t)

	store, err := NewStore(ctx, source, Options{Seekable: true, Hint: HintSequential}, dev)
	require.NoError(t, err)
	defer store.Close()

	_, _, err = store.Read(ctx)
	require.NoError(t, err)

	_, err = store.Seek(24 * 1024)
	require.NoError(t, err)

	require.Equal(t, HintRandom, store.decoded.Hint())
}

func TestStoreLengthAfterWrapIsInvalid(t *testing.T) {
	ctx := context.Background()
	want := ascendingBytes(100)
	source := streamio.NewMemory(append([]byte(nil), want...), false)
	dev := testDevice(t)

	store, err := NewStore(ctx, source, Options{Seekable: true, Hint: HintSequential, EnableWrap: true}, dev)
	require.NoError(t, err)
	defer store.Close()

	_, last, err := store.Read(ctx)
	require.NoError(t, err)
	require.False(t, last) // wrap means the caller never observes a final block

	_, err = store.Length(ctx)
	require.Error(t, err)
}
