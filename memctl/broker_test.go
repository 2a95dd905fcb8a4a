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

package memctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corerip/blobcore/blob"
)

func TestLatchClearsOnCommittedGrowth(t *testing.T) {
	l := newLatch(0)
	l.trip()
	require.True(t, l.isSet())

	l.observeCommitted(100)
	require.True(t, l.isSet(), "first observation only records a baseline")

	l.observeCommitted(200)
	require.False(t, l.isSet(), "latch clears once committed memory grows")
}

// §9 open question: "the latch cannot permanently disable the handler".
func TestLatchSafetyNetClearsWithoutCommittedGrowth(t *testing.T) {
	l := newLatch(10 * time.Millisecond)
	l.trip()
	require.True(t, l.isSet())

	time.Sleep(20 * time.Millisecond)
	l.observeCommitted(0) // no growth at all
	require.False(t, l.isSet(), "safety net clears the latch even without observed growth")
}

func TestBlobBlockRecycleHandlerReleasesOnceThenDeclines(t *testing.T) {
	cache, err := blob.New(blob.Options{Name: "t", Limit: 1 << 20, ReadQuantum: 16, AllocQuantum: 16, TrimLimit: 4}, nil, nil)
	require.NoError(t, err)

	data := make([]byte, 32)
	a := blob.NewSpanAdapter(blob.KindMemory, data, false)
	h, err := cache.OpenFromSource(a, blob.ModeRead, 0, 0)
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, 32)
	_, err = h.Read(buf, 0)
	require.NoError(t, err)

	handler := NewBlobBlockRecycleHandler(cache, 0)
	offer := handler.Solicit(16)
	require.True(t, offer.OK)
	require.True(t, handler.Release(offer))

	// Invoking the block-recycle handler twice on an idle cache releases
	// memory only on the first call (§8 round-trip property).
	offer2 := handler.Solicit(16)
	require.False(t, offer2.OK)
}
