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
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/go-test/deep"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"

	"github.com/corerip/blobcore/streamio"
)

// inflateStream is a non-seekable, length-unknown Stream that decodes a
// flate-compressed byte string on the fly, standing in for a PDF/
// PostScript decoding filter chain's top (§4.6 "a non-seekable or
// compressed stream"). It never reports Available or Length and cannot
// seek; the tests build their stores with Seekable false, so any
// reposition of the RSD list takes the replay-discard path rather than a
// direct seek.
type inflateStream struct {
	mu sync.Mutex
	r  io.ReadCloser
}

func newInflateStream(compressed []byte) *inflateStream {
	return &inflateStream{r: flate.NewReader(bytes.NewReader(compressed))}
}

func (s *inflateStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Read(p)
}

func (s *inflateStream) Write(p []byte) (int, error) { return 0, os.ErrInvalid }

func (s *inflateStream) Seek(offset int64, whence int) (int64, error) {
	return 0, os.ErrInvalid
}

func (s *inflateStream) Available() (int64, error) { return -1, nil }

func (s *inflateStream) Length() (int64, error) { return 0, os.ErrInvalid }

func (s *inflateStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Close()
}

func newInflateStreamReader(r io.Reader) *inflateStream {
	return &inflateStream{r: flate.NewReader(r)}
}

func deflate(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// TestStoreReplaysCompressedNonSeekableSource exercises §4.6's Encoded
// option over a genuinely non-seekable, decompressing source: a
// rewind-reread must reproduce the exact decoded bytes. Every block stays
// resident after the preload, so the reread is served from the block
// list and the flate reader is read once, in order.
func TestStoreReplaysCompressedNonSeekableSource(t *testing.T) {
	ctx := context.Background()
	want := ascendingBytes(20_000)
	compressed := deflate(t, want)

	source := newInflateStream(compressed)
	dev := testDevice(t)

	store, err := NewStore(ctx, source, Options{Seekable: false, Encoded: true, Hint: HintSequential}, dev)
	require.NoError(t, err)
	defer store.Close()

	first := readAllSequential(t, store)
	if diff := deep.Equal(want, first); diff != nil {
		t.Fatalf("first read diverged from source: %v", diff)
	}

	require.NoError(t, store.Rewind(ctx, 0))
	second := readAllSequential(t, store)
	if diff := deep.Equal(want, second); diff != nil {
		t.Fatalf("reread after rewind diverged from source: %v", diff)
	}
}

// TestStoreWithSeekableBoundaryWiresCompressedReplay exercises §4.6's
// synthetic inner stream end to end: with a seekable compressed
// boundary and a DecodeFactory supplied, the store can reopen its
// decode chain from scratch for any non-seekable source, not just the
// degenerate in-order replay TestStoreReplaysCompressedNonSeekableSource
// already covers.
func TestStoreWithSeekableBoundaryWiresCompressedReplay(t *testing.T) {
	ctx := context.Background()
	want := ascendingBytes(20_000)
	compressed := deflate(t, want)

	source := newInflateStream(compressed)
	boundary := streamio.NewMemory(append([]byte(nil), compressed...), false)
	dev := testDevice(t)

	opts := Options{
		Seekable:         false,
		Encoded:          true,
		Hint:             HintSequential,
		SeekableBoundary: boundary,
		DecodeFactory: func(raw io.Reader) (streamio.Stream, error) {
			return newInflateStreamReader(raw), nil
		},
	}
	store, err := NewStore(ctx, source, opts, dev)
	require.NoError(t, err)
	defer store.Close()

	require.NotNil(t, store.decoded.reopen)

	first := readAllSequential(t, store)
	if diff := deep.Equal(want, first); diff != nil {
		t.Fatalf("first read diverged from source: %v", diff)
	}

	// Directly drive the chain-to-zero replay this mechanism exists for:
	// a block well past offset zero asks to reposition backward on a
	// source that cannot seek.
	store.mu.Lock()
	store.decoded.blockOffset = int64(len(want))
	err = store.decoded.repositionSourceLocked(ctx, 0)
	store.mu.Unlock()
	require.NoError(t, err)

	replayed := make([]byte, 4096)
	n, err := store.decoded.source.Read(replayed)
	require.NoError(t, err)
	if diff := deep.Equal(want[:n], replayed[:n]); diff != nil {
		t.Fatalf("chain replay after rewind diverged from source start: %v", diff)
	}
}
