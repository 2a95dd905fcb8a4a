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
	"fmt"
	"math"
)

// Direction is the transform direction (device-to-PCS or PCS-to-device).
type Direction uint8

const (
	DirectionToPCS Direction = iota
	DirectionFromPCS
)

// Intent is the ICC rendering intent, tried in the fallback order of
// §4.8's transform_for: "preferring the requested intent; falling back
// to relative-colorimetric, then perceptual, then saturation".
type Intent uint8

const (
	IntentPerceptual Intent = iota
	IntentRelativeColorimetric
	IntentSaturation
	IntentAbsoluteColorimetric
)

func fallbackOrder(requested Intent) []Intent {
	order := []Intent{requested}
	for _, i := range []Intent{IntentRelativeColorimetric, IntentPerceptual, IntentSaturation} {
		if i != requested {
			order = append(order, i)
		}
	}
	return order
}

// lutKind distinguishes the table encoding a Chain was built from, which
// governs which legacy correction (if any) applies.
type lutKind uint8

const (
	lutNone lutKind = iota
	lutMatrixTRC
	lut8
	lut16Lab
)

type chainKey struct {
	direction Direction
	intent    Intent
}

// Chain is a ColorChainLink (§4.8 transform_for): an immutable, once
// constructed, device<->PCS transform built from a profile's lut table
// (or synthesised from TRC curves). Chains are read lock-free once a
// reference is held (§5).
type Chain struct {
	direction Direction
	intent    Intent
	kind      lutKind
	lastUse   int64

	// correction records whether a legacy-encoding or whitepoint fixup
	// was applied at construction, purely for diagnostics/tests.
	correction string
}

// buildChain constructs the transform chain for (direction, intent)
// against profile, implementing §4.8 transform_for's table-selection
// and correction logic. It parses the profile's real 'A2B*'/'B2A*'
// lut8Type/lut16Type tag bytes and probes them the way gscicc.c's
// icc_probe_input_profile / icc_probe_output_profile / icc_probe_
// whitepoint do, falling back to Profile's caller-supplied LUT metadata
// only when the profile carries no real tag table to parse (e.g. a
// profile built directly from header bytes with no tag data).
func buildChain(p *Profile, direction Direction, requested Intent, opts Options) (*Chain, error) {
	for _, intent := range fallbackOrder(requested) {
		kind, ok := p.availableLUT(direction, intent)
		if !ok {
			continue
		}
		c := &Chain{direction: direction, intent: requested, kind: kind}
		switch kind {
		case lut16Lab:
			if mis, ok := detectLegacyLabMisencoding(p, direction, intent); ok {
				c.correction = mis
			}
		case lut8:
			if opts.CorrectLut8Whitepoint {
				if node, ok := findNearestWhitepointNode(p, direction, intent); ok {
					c.correction = fmt.Sprintf("lut8-whitepoint-node-%d", node)
				}
			}
		}
		return c, nil
	}

	// No lut table of any kind: synthesise from TRC curves (§4.8:
	// "for RGB profiles lacking any lut, synthesises one from the TRC
	// curves and primaries matrix; for gray profiles synthesises from
	// the single TRC curve").
	if p.hasTRCCurves() {
		return &Chain{direction: direction, intent: requested, kind: lutMatrixTRC}, nil
	}
	return nil, fmt.Errorf("icc: no lut or TRC curves available for intent %d", requested)
}

// lutTag returns the 'A2B*'/'B2A*' tag signature transform_for looks up
// for (direction, intent), matching gscicc.c's icc_a2b_desc_sig /
// icc_b2a_desc_sig ("icSigAToB1Tag (colorimetric)", "icSigAToB0Tag
// (perceptual)", "icSigAToB2Tag (saturation)" and their B2A mirrors).
func lutTag(direction Direction, intent Intent) string {
	if direction == DirectionToPCS {
		return a2bTagForIntent(intent)
	}
	return b2aTagForIntent(intent)
}

// availableLUT reports the most specific lut table kind present for
// (direction, intent): it parses the profile's real tag table first
// (§4.8, grounded on gscicc.c's read_lut_heading), classifying a
// Lab-PCS table as lut16Lab when 16-bit (subject to the legacy-encoding
// probe) or lut8 when 8-bit (subject to the whitepoint probe). For any
// other PCS, an 8-bit table is likewise reported as lut8 (and so also
// gets the whitepoint probe) and a 16-bit table as lutMatrixTRC, which
// carries no correction. When no lut tag for (direction, intent) can be
// parsed it falls back to the caller-supplied SetLUTMetadata fields.
func (p *Profile) availableLUT(direction Direction, intent Intent) (lutKind, bool) {
	if t := p.lutFor(lutTag(direction, intent)); t != nil {
		if p.header.PCS == PCSLab {
			if t.bit16 {
				return lut16Lab, true
			}
			return lut8, true
		}
		if t.bit16 {
			return lutMatrixTRC, true
		}
		return lut8, true
	}
	if p.lutTable == lutNone {
		return lutNone, false
	}
	return p.lutTable, true
}

func (p *Profile) hasTRCCurves() bool {
	return p.header.DeviceClass != DeviceLink
}

// Probe input/output constants from gscicc.c's icc_probe_input_profile /
// icc_probe_output_profile: Lab values as encoded in a correctly-built
// lut16Type tag (FF00h/FFFFh for L=100, 8000h/FFFFh for a=b=0).
const (
	labL100  = 65280.0 / 65535.0
	labA0    = 32768.0 / 65535.0
	labB0    = 32768.0 / 65535.0
	labLTol  = 255.0 / (2 * 65535.0)
	labABTol = 64.0 / 65535.0
)

// detectLegacyLabMisencoding probes a constructed lut16 Lab chain with
// known neutral points to detect the two common legacy encoding bugs
// (§4.8: "FFFF-as-max for L only, or for L/a/b"), mirroring gscicc.c's
// icc_probe_input_profile/icc_probe_output_profile: it feeds an all-zero
// (subtractive) or all-one (additive) neutral input through the real
// parsed lut16Type table and compares the Lab output against the three
// known encodings.
func detectLegacyLabMisencoding(p *Profile, direction Direction, intent Intent) (string, bool) {
	t := p.lutFor(lutTag(direction, intent))
	if t == nil || !t.bit16 {
		return legacyLabFallback(p)
	}
	probe := func(input []float64) ([]float64, bool) {
		out := t.probe(input)
		if len(out) < 3 {
			return nil, false
		}
		return out[:3], true
	}

	zero := make([]float64, t.inputChannels)
	one := make([]float64, t.inputChannels)
	for i := range one {
		one[i] = 1.0
	}

	for _, input := range [][]float64{zero, one} {
		out, ok := probe(input)
		if !ok {
			continue
		}
		if mis, found := classifyLabOutput(out); found {
			return mis, mis != ""
		}
	}
	return legacyLabFallback(p)
}

// classifyLabOutput compares a probed Lab triple against the three
// known lut16Type encodings from gscicc.c's icc_ip_probe/icc_op_probe
// tables: the correct encoding (empty correction), FFFF used for L only,
// or FFFF used for L, a and b.
func classifyLabOutput(out []float64) (string, bool) {
	near := func(v, want, tol float64) bool { return math.Abs(v-want) < tol }
	switch {
	case near(out[0], labL100, labLTol) && near(out[1], labA0, labABTol) && near(out[2], labB0, labABTol):
		return "", true
	case near(out[0], 1.0, labLTol) && near(out[1], labA0, labABTol) && near(out[2], labB0, labABTol):
		return "lab-ffff-max-l", true
	case near(out[0], 1.0, labLTol) && near(out[1], 128.0/255.0, labABTol) && near(out[2], 128.0/255.0, labABTol):
		return "lab-ffff-max-lab", true
	}
	return "", false
}

// legacyLabFallback applies the caller-supplied SetLUTMetadata legacy-Lab
// flags when no real lut16Type tag could be parsed and probed.
func legacyLabFallback(p *Profile) (string, bool) {
	if !p.legacyLab {
		return "", false
	}
	if p.legacyLabAllChannels {
		return "lab-ffff-max-lab", true
	}
	return "lab-ffff-max-l", true
}

// findNearestWhitepointNode probes an 8-bit lut's whitepoint against the
// grid and returns the nearest node index when the whitepoint does not
// already land on one (§4.8 lut8 whitepoint correction), mirroring
// gscicc.c's icc_probe_whitepoint: it probes the real parsed lut8Type
// table at the expected ICCLab white point (L=100%, a=b=0x80/0xFF) and,
// if the output isn't already white, finds the nearest CLUT grid node
// to that input and reports its flattened index.
func findNearestWhitepointNode(p *Profile, direction Direction, intent Intent) (int, bool) {
	t := p.lutFor(lutTag(direction, intent))
	if t == nil || t.bit16 {
		return whitepointFallback(p)
	}
	const (
		l100 = 1.0
		ab0  = 128.0 / 255.0
		tol  = 1.0 / 256.0
	)
	probe := []float64{l100, ab0, ab0}
	if t.inputChannels < 3 {
		return whitepointFallback(p)
	}
	out := t.probe(probe)
	white := true
	for _, v := range out {
		if math.Abs(v) > 0.5 {
			if math.Abs(1.0-v) > tol {
				white = false
				break
			}
		} else if math.Abs(v) > tol {
			white = false
			break
		}
	}
	if white {
		return 0, false // whitepoint already lands on a grid node: no correction needed
	}

	max := t.gridPoints - 1
	idx := []int{
		int(probe[0]*float64(max) + 0.5),
		int(probe[1]*float64(max) + 0.5),
		int(probe[2]*float64(max) + 0.5),
	}
	flat := 0
	for i := 0; i < t.inputChannels && i < len(idx); i++ {
		flat = flat*t.gridPoints + idx[i]
	}
	return flat, true
}

// whitepointFallback applies the caller-supplied SetLUTMetadata
// whitepoint-node field when no real lut8Type tag could be parsed.
func whitepointFallback(p *Profile) (int, bool) {
	if p.lut8WhitepointNode < 0 {
		return 0, false
	}
	return p.lut8WhitepointNode, true
}
