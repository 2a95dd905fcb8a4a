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

package scratch

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLocalWriteReadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev := NewLocal(fs, "/scratch", nil)
	ctx := context.Background()

	_, name := dev.NextID()
	h, err := dev.OpenFile(ctx, name, true)
	require.NoError(t, err)

	payload := []byte("reusable stream decode scratch bytes")
	n, err := dev.Write(h, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.NoError(t, dev.Seek(h, 0))
	got := make([]byte, len(payload))
	n, err = dev.Read(h, got)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)

	total, err := dev.BytesTotal(h)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), total)

	require.NoError(t, dev.CloseFile(h))
}

func TestNextIDMonotonicAndFilenamePattern(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev := NewLocal(fs, "/scratch", nil)

	id0, name0 := dev.NextID()
	id1, name1 := dev.NextID()
	require.Equal(t, id0+1, id1)
	require.True(t, matchesRSDPattern(name0[len(scratchSubdir)+1:]))
	require.True(t, matchesRSDPattern(name1[len(scratchSubdir)+1:]))
}

func TestCleanStartDeletesStaleFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/scratch/RSD", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/scratch/RSD/0001.RSD", []byte("stale"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/scratch/RSD/keepme.txt", []byte("not ours"), 0o644))

	dev := NewLocal(fs, "/scratch", nil)
	n, err := dev.CleanStart()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	exists, err := afero.Exists(fs, "/scratch/RSD/0001.RSD")
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = afero.Exists(fs, "/scratch/RSD/keepme.txt")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStartListNextListEndList(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev := NewLocal(fs, "/scratch", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, name := dev.NextID()
		h, err := dev.OpenFile(ctx, name, true)
		require.NoError(t, err)
		_, err = dev.Write(h, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, dev.CloseFile(h))
	}

	it, err := dev.StartList("RSD/*.RSD")
	require.NoError(t, err)
	count := 0
	for {
		_, ok := dev.NextList(it)
		if !ok {
			break
		}
		count++
	}
	dev.EndList(it)
	require.Equal(t, 3, count)
}
