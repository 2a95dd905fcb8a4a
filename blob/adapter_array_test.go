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

func TestArrayAdapterConcatenatesElements(t *testing.T) {
	elems := [][]byte{[]byte("abc"), []byte("de"), []byte("fghi")}
	a := NewArrayAdapter(KindByteStringArray, elems)
	require.NoError(t, a.Create())

	length, err := a.Length()
	require.NoError(t, err)
	require.EqualValues(t, 9, length)

	buf := make([]byte, 9)
	n, err := a.Read(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, "abcdefghi", string(buf))
}

func TestArrayAdapterSfntsTruncatesOddElement(t *testing.T) {
	elems := [][]byte{[]byte("abc"), []byte("de")}
	a := NewArrayAdapter(KindSfntsArray, elems)
	require.NoError(t, a.Create())

	length, err := a.Length()
	require.NoError(t, err)
	// "abc" truncates to 2 even bytes, "de" stays 2: total 4.
	require.EqualValues(t, 4, length)

	buf := make([]byte, 4)
	n, err := a.Read(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "abde", string(buf))
}

func TestArrayAdapterWriteAlwaysDenied(t *testing.T) {
	a := NewArrayAdapter(KindByteStringArray, [][]byte{[]byte("x")})
	_, err := a.Write([]byte("y"), 0)
	require.Error(t, err)
}

func TestArrayAdapterReadMidElementBoundary(t *testing.T) {
	elems := [][]byte{[]byte("abc"), []byte("de"), []byte("fghi")}
	a := NewArrayAdapter(KindByteStringArray, elems)
	require.NoError(t, a.Create())

	buf := make([]byte, 4)
	n, err := a.Read(buf, 2)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "cdef", string(buf))
}
