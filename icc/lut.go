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
	"encoding/binary"
	"fmt"
	"math"
)

// tagEntry is one row of the 12-byte ICC tag table (§4.8 transform_for's
// table lookup), grounded on gscicc.c's icTags/findTag: signature,
// absolute byte offset and size within the profile.
type tagEntry struct {
	sig    [4]byte
	offset uint32
	size   uint32
}

// parseTagTable reads the tag count at byte 128 and the following array
// of 12-byte tag entries (sig/offset/size), matching read_lut_heading's
// findTag lookup in gscicc.c.
func parseTagTable(raw []byte) (map[string]tagEntry, error) {
	if len(raw) < 132 {
		return nil, fmt.Errorf("icc: profile too short for a tag table")
	}
	count := binary.BigEndian.Uint32(raw[128:132])
	tags := make(map[string]tagEntry, count)
	for i := uint32(0); i < count; i++ {
		base := 132 + int(i)*12
		if base+12 > len(raw) {
			return nil, fmt.Errorf("icc: tag table entry %d out of range", i)
		}
		var e tagEntry
		copy(e.sig[:], raw[base:base+4])
		e.offset = binary.BigEndian.Uint32(raw[base+4 : base+8])
		e.size = binary.BigEndian.Uint32(raw[base+8 : base+12])
		tags[string(e.sig[:])] = e
	}
	return tags, nil
}

// a2bTagForIntent and b2aTagForIntent implement the tag selection gscicc.c's
// icc_*_desc_sig helpers perform (§4.8 "preferring the requested intent;
// falling back to relative-colorimetric..."): absolute colorimetric has no
// tag of its own and reuses the relative-colorimetric table (AToB1Tag /
// BToA1Tag), matching gscicc.c's "icSigAToB1Tag (colorimetric)" comment.
func a2bTagForIntent(intent Intent) string {
	switch intent {
	case IntentPerceptual:
		return "A2B0"
	case IntentSaturation:
		return "A2B2"
	default:
		return "A2B1"
	}
}

func b2aTagForIntent(intent Intent) string {
	switch intent {
	case IntentPerceptual:
		return "B2A0"
	case IntentSaturation:
		return "B2A2"
	default:
		return "B2A1"
	}
}

// lutTable is a parsed lut8Type ('mft1') or lut16Type ('mft2') tag (§4.8):
// the 3x3 matrix, per-channel input curves, CLUT, and per-channel output
// curves, all normalised to [0,1] regardless of source bit depth.
type lutTable struct {
	bit16           bool
	inputChannels   int
	outputChannels  int
	gridPoints      int
	matrix          [9]float64
	inputCurves     [][]float64 // [channel][sample in 0,1]
	clut            []float64   // flattened, row-major over inputChannels dims, outputChannels per node
	outputCurves    [][]float64
}

// parseLUT parses a lut8Type/lut16Type tag's raw bytes starting at its
// signature, per gscicc.c's read_lut_heading + construct_lut8_16_invoke
// byte layout: 4-byte signature, 4 reserved, input/output channel counts,
// grid points, reserved, a 3x3 s15Fixed16 matrix, then (lut16Type only) a
// 16-bit input/output table entry count, then the input tables, the CLUT,
// then the output tables.
func parseLUT(data []byte) (*lutTable, error) {
	if len(data) < 48 {
		return nil, fmt.Errorf("icc: lut tag too short: %d bytes", len(data))
	}
	sig := string(data[0:4])
	bit16 := sig == "mft2"
	if !bit16 && sig != "mft1" {
		return nil, fmt.Errorf("icc: unrecognised lut tag signature %q", sig)
	}

	t := &lutTable{bit16: bit16}
	t.inputChannels = int(data[8])
	t.outputChannels = int(data[9])
	t.gridPoints = int(data[10])
	if t.inputChannels <= 0 || t.outputChannels <= 0 || t.gridPoints <= 1 {
		return nil, fmt.Errorf("icc: degenerate lut dimensions i=%d o=%d g=%d", t.inputChannels, t.outputChannels, t.gridPoints)
	}
	for i := 0; i < 9; i++ {
		t.matrix[i] = s15Fixed16(data[12+i*4:])
	}

	off := 48
	inputEntries, outputEntries := 256, 256
	if bit16 {
		if len(data) < off+4 {
			return nil, fmt.Errorf("icc: lut16Type truncated before table entry counts")
		}
		inputEntries = int(binary.BigEndian.Uint16(data[off : off+2]))
		outputEntries = int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		off += 4
	}

	sampleWidth := 1
	if bit16 {
		sampleWidth = 2
	}

	readCurve := func(n int) ([]float64, error) {
		need := n * sampleWidth
		if off+need > len(data) {
			return nil, fmt.Errorf("icc: lut tag truncated reading a %d-entry curve", n)
		}
		curve := make([]float64, n)
		for i := 0; i < n; i++ {
			if bit16 {
				curve[i] = float64(binary.BigEndian.Uint16(data[off+i*2:off+i*2+2])) / 65535.0
			} else {
				curve[i] = float64(data[off+i]) / 255.0
			}
		}
		off += need
		return curve, nil
	}

	t.inputCurves = make([][]float64, t.inputChannels)
	for c := 0; c < t.inputChannels; c++ {
		curve, err := readCurve(inputEntries)
		if err != nil {
			return nil, err
		}
		t.inputCurves[c] = curve
	}

	nodes := 1
	for i := 0; i < t.inputChannels; i++ {
		nodes *= t.gridPoints
	}
	clutSamples := nodes * t.outputChannels
	clut, err := readCurve(clutSamples)
	if err != nil {
		return nil, fmt.Errorf("icc: reading clut: %w", err)
	}
	t.clut = clut

	t.outputCurves = make([][]float64, t.outputChannels)
	for c := 0; c < t.outputChannels; c++ {
		curve, err := readCurve(outputEntries)
		if err != nil {
			return nil, err
		}
		t.outputCurves[c] = curve
	}
	return t, nil
}

func s15Fixed16(b []byte) float64 {
	v := int32(binary.BigEndian.Uint32(b))
	return float64(v) / 65536.0
}

// sample1D linearly interpolates table (an ICC parametric curve sampled
// at equal steps over [0,1]) at x, matching mi_piecewise_linear's role in
// gscicc.c's probe pipeline.
func sample1D(table []float64, x float64) float64 {
	if len(table) == 1 {
		return table[0]
	}
	if x <= 0 {
		return table[0]
	}
	if x >= 1 {
		return table[len(table)-1]
	}
	pos := x * float64(len(table)-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= len(table) {
		return table[len(table)-1]
	}
	frac := pos - float64(lo)
	return table[lo]*(1-frac) + table[hi]*frac
}

// clutNearest looks up the CLUT node nearest to the (already
// curve-mapped) input coordinates, returning that node's outputChannels
// values. A full multilinear interpolation (as gscicc.c's mi_clut8/
// mi_clut16 perform) is unnecessary for the neutral-point probing
// transform_for needs (§4.8): every probe in icc_probe_input_profile /
// icc_probe_output_profile / icc_probe_whitepoint targets exact or
// near-exact CLUT grid nodes.
func (t *lutTable) clutNearest(input []float64) []float64 {
	idx := make([]int, t.inputChannels)
	max := t.gridPoints - 1
	for i, v := range input {
		n := int(v*float64(max) + 0.5)
		if n < 0 {
			n = 0
		}
		if n > max {
			n = max
		}
		idx[i] = n
	}
	flat := 0
	for i := 0; i < t.inputChannels; i++ {
		flat = flat*t.gridPoints + idx[i]
	}
	base := flat * t.outputChannels
	if base+t.outputChannels > len(t.clut) {
		return make([]float64, t.outputChannels)
	}
	out := make([]float64, t.outputChannels)
	copy(out, t.clut[base:base+t.outputChannels])
	return out
}

// probe runs input through the input curves, CLUT and output curves in
// sequence, mirroring iccbased_invokeActions' action chain in gscicc.c
// for a lut8Type/lut16Type transform with no separate matrix stage (the
// matrix only matters for XYZ-PCS profiles; the Lab-PCS profiles
// transform_for's legacy-encoding probes target skip it, matching
// icc_probe_input_profile/icc_probe_output_profile/icc_probe_whitepoint,
// none of which invoke the matrix stage either).
func (t *lutTable) probe(input []float64) []float64 {
	mapped := make([]float64, t.inputChannels)
	for i := 0; i < t.inputChannels; i++ {
		x := 0.0
		if i < len(input) {
			x = input[i]
		}
		mapped[i] = sample1D(t.inputCurves[i], x)
	}
	clutOut := t.clutNearest(mapped)
	out := make([]float64, t.outputChannels)
	for i := 0; i < t.outputChannels && i < len(t.outputCurves); i++ {
		out[i] = sample1D(t.outputCurves[i], clutOut[i])
	}
	return out
}
