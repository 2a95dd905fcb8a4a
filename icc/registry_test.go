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

package icc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corerip/blobcore/streamio"
)

// minimalProfile builds a syntactically valid 132-byte ICC header
// (display/XYZ) plus trailing padding, with renderIntent set to
// distinguish two otherwise-identical profiles.
func minimalProfile(renderIntent byte) []byte {
	buf := make([]byte, 200)
	copy(buf[8:10], []byte{2, 0x40}) // major 2, minor 4.0
	copy(buf[12:16], []byte("mntr"))
	copy(buf[20:24], []byte("XYZ "))
	copy(buf[36:40], []byte(iccMagic))
	buf[67] = renderIntent
	return buf
}

func TestRegistryLookupOrLoadDedupesStream(t *testing.T) {
	r := New(Options{Name: "t"}, nil, nil)
	data := minimalProfile(0)

	s1 := streamio.NewMemory(append([]byte(nil), data...), false)
	p1, err := r.LookupOrLoad(s1, "", 0)
	require.NoError(t, err)

	p2, err := r.LookupOrLoad(s1, "", 0)
	require.NoError(t, err)
	require.Same(t, p1, p2, "same stream must resolve to the same profile")
	require.Equal(t, 1, r.Len())
}

// S6 — ICC dedup by MD5.
func TestRegistryDedupsByMD5AcrossDistinctStreams(t *testing.T) {
	r := New(Options{Name: "t"}, nil, nil)
	b1 := minimalProfile(0)

	s1 := streamio.NewMemory(append([]byte(nil), b1...), false)
	p1, err := r.LookupOrLoad(s1, "", 0)
	require.NoError(t, err)

	s2 := streamio.NewMemory(append([]byte(nil), b1...), false)
	p2, err := r.LookupOrLoad(s2, "", 0)
	require.NoError(t, err)

	require.Same(t, p1, p2, "identical profile bytes from a distinct stream must dedup to the same profile")
	require.Equal(t, 1, r.Len())

	// b2 differs from b1 only in the rendering-intent header field,
	// which must be zeroed before hashing (§4.8 step 3): header MD5s
	// must still match.
	b2 := minimalProfile(3)
	require.NotEqual(t, b1, b2)
	require.Equal(t, headerMD5(b1), headerMD5(b2))

	s3 := streamio.NewMemory(append([]byte(nil), b2...), false)
	p3, err := r.LookupOrLoad(s3, "", 0)
	require.NoError(t, err)
	require.Same(t, p1, p3, "profiles differing only in rendering intent must dedup via full MD5")
	require.Equal(t, 1, r.Len())
}

func TestRegistryDistinctProfilesDoNotDedup(t *testing.T) {
	r := New(Options{Name: "t"}, nil, nil)
	b1 := minimalProfile(0)
	b2 := make([]byte, len(b1))
	copy(b2, b1)
	b2[150] = 0xFF // differs outside the zeroed header fields

	s1 := streamio.NewMemory(append([]byte(nil), b1...), false)
	p1, err := r.LookupOrLoad(s1, "", 0)
	require.NoError(t, err)

	s2 := streamio.NewMemory(append([]byte(nil), b2...), false)
	p2, err := r.LookupOrLoad(s2, "", 0)
	require.NoError(t, err)

	require.NotSame(t, p1, p2)
	require.Equal(t, 2, r.Len())
}

func TestCloseBindingDetachesProfileWithValidMD5(t *testing.T) {
	r := New(Options{Name: "t"}, nil, nil)
	data := minimalProfile(0)
	s1 := streamio.NewMemory(append([]byte(nil), data...), false)
	p1, err := r.LookupOrLoad(s1, "unique-1", 0)
	require.NoError(t, err)

	p1.FullMD5() // force a valid MD5 before detaching
	r.CloseBinding(p1, s1)
	require.True(t, p1.detached)
	require.Equal(t, 1, r.Len(), "detached profile with valid MD5 is retained as dedup metadata")

	s2 := streamio.NewMemory(append([]byte(nil), data...), false)
	p2, err := r.LookupOrLoad(s2, "unique-1", 0)
	require.NoError(t, err)
	require.Same(t, p1, p2, "reattach via uniqueIDHint must reuse the detached profile")
}
