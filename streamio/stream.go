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

// Package streamio defines the byte-oriented Stream abstraction that the
// core consumes from the (out of scope, per spec §1) interpreter and
// device layer. It also provides two concrete streams — a memory buffer
// and a file — for callers and this module's own tests, since the
// real interpreter/device layer is an external collaborator this module
// does not implement.
package streamio

import (
	"io"
	"os"
	"sync"
)

// Origin mirrors io.Seeker's whence values so callers don't need to import
// io just to call Seek.
type Origin = int

const (
	OriginStart   Origin = io.SeekStart
	OriginCurrent Origin = io.SeekCurrent
	OriginEnd     Origin = io.SeekEnd
)

// Stream is the minimal byte-oriented surface §1 requires of every source:
// seek/read/write/bytes-available/length/close. It extends
// io.ReadWriteSeeker with Available, Length and a Close whose contract is
// stricter than io.Closer's (Close here is idempotent, matching §4.1's
// open/close pairing discipline).
type Stream interface {
	io.Reader
	io.Writer
	io.Seeker

	// Available reports how many bytes can be read right now without
	// blocking, or -1 if the stream cannot answer cheaply.
	Available() (int64, error)

	// Length reports the total stream length, or an error if unknown
	// (e.g. an unbounded pipe).
	Length() (int64, error)

	// Close ends the session. Calling Close twice is a no-op.
	Close() error
}

// Memory is a Stream backed by an in-process byte slice. This module's
// tests use it as a source stream.
type Memory struct {
	mu   sync.Mutex
	buf  []byte
	pos  int64
	grow bool
}

// NewMemory wraps buf. If growable is true, writes past the end extend
// buf (matching a resizable in-process buffer); otherwise writes past the
// end fail with io.ErrShortWrite, mirroring a fixed-size source (§4.1
// write: "end-of-data when offset+length exceeds a fixed-size source that
// cannot grow").
func NewMemory(buf []byte, growable bool) *Memory {
	return &Memory{buf: buf, grow: growable}
}

func (m *Memory) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		if !m.grow {
			return 0, io.ErrShortWrite
		}
		nb := make([]byte, end)
		copy(nb, m.buf)
		m.buf = nb
	}
	n := copy(m.buf[m.pos:end], p)
	m.pos = end
	return n, nil
}

func (m *Memory) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var base int64
	switch whence {
	case OriginStart:
		base = 0
	case OriginCurrent:
		base = m.pos
	case OriginEnd:
		base = int64(len(m.buf))
	}
	np := base + offset
	if np < 0 {
		return 0, os.ErrInvalid
	}
	m.pos = np
	return np, nil
}

func (m *Memory) Available() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= int64(len(m.buf)) {
		return 0, nil
	}
	return int64(len(m.buf)) - m.pos, nil
}

func (m *Memory) Length() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.buf)), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a snapshot copy of the current backing buffer.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}

// File is a Stream backed by an *os.File. Nothing in this module
// constructs one; the RSD scratch files go through scratch.Device.
type File struct {
	mu sync.Mutex
	f  *os.File
}

// NewFile wraps an already-open file.
func NewFile(f *os.File) *File { return &File{f: f} }

func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Read(p)
}

func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Write(p)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Seek(offset, whence)
}

func (f *File) Available() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, err := f.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1, err
	}
	info, err := f.f.Stat()
	if err != nil {
		return -1, err
	}
	return info.Size() - pos, nil
}

func (f *File) Length() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}
