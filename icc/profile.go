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

// Package icc implements the ICC profile registry (§4.8): a
// content-addressed (by header and full MD5) cache of profile headers
// and their lazily-built transform chains, reference-counted and
// save-level scoped.
package icc

import (
	"crypto/md5"
	"fmt"

	"github.com/corerip/blobcore/streamio"
)

// DeviceClass is the ICC device class of §4.8 step 3's validation.
type DeviceClass uint8

const (
	DeviceInput DeviceClass = iota
	DeviceDisplay
	DeviceOutput
	DeviceColorSpace
	DeviceLink
)

// PCS is the profile connection space.
type PCS uint8

const (
	PCSXYZ PCS = iota
	PCSLab
	PCSNone // devicelink profiles carry no PCS
)

// Header is the subset of an ICC profile header the registry validates
// and hashes (§4.8 step 3).
type Header struct {
	Magic         [4]byte
	MajorVersion  uint8
	MinorVersion  uint8
	DeviceClass   DeviceClass
	PCS           PCS
	Flags         uint32
	RenderIntent  uint32
	ProfileID     [16]byte
	HasProfileID  bool
}

const iccMagic = "acsp"

// ParseHeader reads and validates the 128-byte ICC profile header from
// data (§4.8 step 3: "magic, version >= 2.0, device class in {...}, PCS
// in {...} or devicelink with matching device/PCS semantics").
func ParseHeader(data []byte) (Header, error) {
	if len(data) < 132 {
		return Header{}, fmt.Errorf("icc: header too short: %d bytes", len(data))
	}
	var h Header
	copy(h.Magic[:], data[36:40])
	if string(h.Magic[:]) != iccMagic {
		return Header{}, fmt.Errorf("icc: bad magic %q", h.Magic[:])
	}
	h.MajorVersion = data[8]
	h.MinorVersion = data[9] >> 4
	if h.MajorVersion < 2 {
		return Header{}, fmt.Errorf("icc: version %d.%d below minimum 2.0", h.MajorVersion, h.MinorVersion)
	}
	class, err := parseDeviceClass(data[12:16])
	if err != nil {
		return Header{}, err
	}
	h.DeviceClass = class
	pcs, err := parsePCS(data[20:24], class)
	if err != nil {
		return Header{}, err
	}
	h.PCS = pcs
	h.Flags = be32(data[44:48])
	h.RenderIntent = be32(data[64:68])
	copy(h.ProfileID[:], data[84:100])
	for _, b := range h.ProfileID {
		if b != 0 {
			h.HasProfileID = true
			break
		}
	}
	return h, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func parseDeviceClass(sig []byte) (DeviceClass, error) {
	switch string(sig) {
	case "scnr":
		return DeviceInput, nil
	case "mntr":
		return DeviceDisplay, nil
	case "prtr":
		return DeviceOutput, nil
	case "spac":
		return DeviceColorSpace, nil
	case "link":
		return DeviceLink, nil
	default:
		return 0, fmt.Errorf("icc: unrecognised device class %q", sig)
	}
}

func parsePCS(sig []byte, class DeviceClass) (PCS, error) {
	switch string(sig) {
	case "XYZ ":
		return PCSXYZ, nil
	case "Lab ":
		return PCSLab, nil
	default:
		if class == DeviceLink {
			return PCSNone, nil
		}
		return 0, fmt.Errorf("icc: unrecognised PCS %q", sig)
	}
}

// headerMD5 computes the header MD5 with flags, rendering intent and
// profileID zeroed, per the ICC specification's dedup convention (§4.8
// step 3: "Compute the header MD5 with the three header fields {flags,
// rendering intent, profileID} zeroed").
func headerMD5(data []byte) [16]byte {
	buf := make([]byte, 132)
	copy(buf, data[:132])
	for i := 44; i < 48; i++ {
		buf[i] = 0
	}
	for i := 64; i < 68; i++ {
		buf[i] = 0
	}
	for i := 84; i < 100; i++ {
		buf[i] = 0
	}
	return md5.Sum(buf)
}

// fullMD5 computes the whole-profile MD5 under the same zeroing
// convention as headerMD5, used to confirm a header-MD5 collision
// really is the same profile (§4.8 step 4).
func fullMD5(data []byte) [16]byte {
	buf := append([]byte(nil), data...)
	if len(buf) >= 132 {
		for i := 44; i < 48; i++ {
			buf[i] = 0
		}
		for i := 64; i < 68; i++ {
			buf[i] = 0
		}
		for i := 84; i < 100; i++ {
			buf[i] = 0
		}
	}
	return md5.Sum(buf)
}

// binding is one open stream reference to a Profile (§4.8 "bindings").
type binding struct {
	stream     streamio.Stream
	uniqueID   string
	saveLevel  int64
	open       bool
}

// Profile is an IccProfileInfo (§4.8): a parsed, reference-counted
// profile with its header, hashes, stream bindings and lazily built
// transform chains.
type Profile struct {
	header  Header
	raw     []byte
	hMD5    [16]byte
	fMD5    [16]byte
	fMD5Ok  bool

	bindings []*binding
	chains   map[chainKey]*Chain
	mruTick  int64

	detached bool // no open bindings, retained only as dedup metadata

	tags    map[string]tagEntry // parsed once on first use; nil if absent/unparseable
	tagsTry bool
	luts    map[string]*lutTable // cache of parsed lut8Type/lut16Type tags, by tag signature

	// The following override or stand in for the 'A2B*'/'B2A*' lut table
	// transform_for (§4.8) would otherwise parse straight out of the
	// profile's tag table via parseTagTable/parseLUT (see lut.go,
	// grounded on gscicc.c's read_lut_heading/construct_lut8_16_invoke).
	// They only take effect when no lut tag for the requested direction
	// and intent can be parsed out of the profile (e.g. a profile built
	// directly from header bytes in tests, with no real tag data) —
	// SetLUTMetadata is the fallback path, not the primary one.
	lutTable              lutKind
	legacyLab             bool
	legacyLabAllChannels  bool
	lut8WhitepointNode    int
}

func newProfile(data []byte, header Header) *Profile {
	return &Profile{
		header:             header,
		raw:                append([]byte(nil), data...),
		hMD5:               headerMD5(data),
		chains:             make(map[chainKey]*Chain),
		lut8WhitepointNode: -1,
	}
}

// SetLUTMetadata installs the tag-table-derived metadata transform_for
// needs (see the lutTable field group's doc comment). Call before the
// profile's first TransformFor.
func (p *Profile) SetLUTMetadata(kind lutKind, legacyLab, legacyLabAllChannels bool, whitepointNode int) {
	p.lutTable = kind
	p.legacyLab = legacyLab
	p.legacyLabAllChannels = legacyLabAllChannels
	p.lut8WhitepointNode = whitepointNode
}

// tagTable lazily parses and memoises the profile's ICC tag table.
func (p *Profile) tagTable() map[string]tagEntry {
	if p.tagsTry {
		return p.tags
	}
	p.tagsTry = true
	tags, err := parseTagTable(p.raw)
	if err != nil {
		return nil
	}
	p.tags = tags
	return tags
}

// lutFor lazily parses and memoises the lut8Type/lut16Type tag named sig,
// returning nil if the tag is absent or not a lut8Type/lut16Type (§4.8
// transform_for's table lookup, grounded on gscicc.c's
// read_lut_heading/construct_lut8_16_invoke).
func (p *Profile) lutFor(sig string) *lutTable {
	if p.luts == nil {
		p.luts = make(map[string]*lutTable)
	}
	if t, ok := p.luts[sig]; ok {
		return t
	}
	tags := p.tagTable()
	entry, ok := tags[sig]
	if !ok {
		p.luts[sig] = nil
		return nil
	}
	start, end := int(entry.offset), int(entry.offset+entry.size)
	if start < 0 || end > len(p.raw) || start >= end {
		p.luts[sig] = nil
		return nil
	}
	table, err := parseLUT(p.raw[start:end])
	if err != nil {
		p.luts[sig] = nil
		return nil
	}
	p.luts[sig] = table
	return table
}

// FullMD5 forces (and memoises) the full-profile MD5.
func (p *Profile) FullMD5() [16]byte {
	if !p.fMD5Ok {
		p.fMD5 = fullMD5(p.raw)
		p.fMD5Ok = true
	}
	return p.fMD5
}

// openBindingCount reports how many of this profile's bindings are
// still open, used by the lifetime rules of §4.8.
func (p *Profile) openBindingCount() int {
	n := 0
	for _, b := range p.bindings {
		if b.open {
			n++
		}
	}
	return n
}
