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
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/corerip/blobcore/internal/obs"
	"github.com/corerip/blobcore/streamio"
)

// Options configures a Registry (§9's lut8 whitepoint open question:
// "The rewrite should make it controllable via a construction flag").
type Options struct {
	Name                  string
	CorrectLut8Whitepoint bool
}

// Registry is the ICC profile registry of §4.8. It is held by the
// interpreter thread only (§5): renderer threads read immutable Chain
// values derived from it but never call in directly.
type Registry struct {
	opts Options
	log  *zap.SugaredLogger
	met  *obs.Metrics

	mu       sync.Mutex
	profiles []*Profile // MRU order, index 0 most recently used
	tick     int64
	releasing bool
}

// New constructs a Registry.
func New(opts Options, log *zap.SugaredLogger, met *obs.Metrics) *Registry {
	if log == nil {
		log = obs.NewNop()
	}
	return &Registry{opts: opts, log: log, met: met}
}

func (r *Registry) promote(p *Profile) {
	for i, q := range r.profiles {
		if q == p {
			r.profiles = append(r.profiles[:i], r.profiles[i+1:]...)
			break
		}
	}
	r.profiles = append([]*Profile{p}, r.profiles...)
	r.tick++
	p.mruTick = r.tick
}

// LookupOrLoad implements §4.8's lookup_or_load.
func (r *Registry) LookupOrLoad(stream streamio.Stream, uniqueIDHint string, saveLevel int64) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Step 1: an entry already binds this exact stream.
	for _, p := range r.profiles {
		for _, b := range p.bindings {
			if b.stream == stream && b.open {
				r.promote(p)
				return p, nil
			}
		}
	}

	// Step 2: a detached binding matching uniqueIDHint can be
	// reattached.
	if uniqueIDHint != "" {
		for _, p := range r.profiles {
			for _, b := range p.bindings {
				if !b.open && b.uniqueID == uniqueIDHint {
					b.stream = stream
					b.open = true
					b.saveLevel = saveLevel
					p.detached = false
					r.promote(p)
					if r.met != nil {
						r.met.IccDedupHits.WithLabelValues(r.opts.Name).Inc()
					}
					return p, nil
				}
			}
		}
	}

	// Step 3: read and validate the header.
	if _, err := stream.Seek(0, streamio.OriginStart); err != nil {
		return nil, fmt.Errorf("icc: seek profile stream: %w", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("icc: read profile: %w", err)
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("icc: invalid profile: %w", err)
	}
	candidate := newProfile(data, header)

	// Step 4: dedup against existing entries by header MD5, confirming
	// with full MD5 on collision.
	for _, p := range r.profiles {
		if p.hMD5 != candidate.hMD5 {
			continue
		}
		if p.FullMD5() != candidate.FullMD5() {
			continue
		}
		p.bindings = append(p.bindings, &binding{stream: stream, uniqueID: uniqueIDHint, saveLevel: saveLevel, open: true})
		p.detached = false
		r.promote(p)
		if r.met != nil {
			r.met.IccDedupHits.WithLabelValues(r.opts.Name).Inc()
		}
		return p, nil
	}

	// Step 5: insert at MRU.
	candidate.bindings = append(candidate.bindings, &binding{stream: stream, uniqueID: uniqueIDHint, saveLevel: saveLevel, open: true})
	r.profiles = append([]*Profile{candidate}, r.profiles...)
	r.tick++
	candidate.mruTick = r.tick
	return candidate, nil
}

// TransformFor implements §4.8's transform_for, memoising the result
// per (direction, intent) on the profile.
func (r *Registry) TransformFor(p *Profile, direction Direction, intent Intent) (*Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := chainKey{direction: direction, intent: intent}
	if c, ok := p.chains[key]; ok {
		c.lastUse = r.tick
		r.tick++
		return c, nil
	}
	c, err := buildChain(p, direction, intent, r.opts)
	if err != nil {
		return nil, err
	}
	c.lastUse = r.tick
	r.tick++
	p.chains[key] = c
	if r.met != nil {
		r.met.IccTransformsBuilt.WithLabelValues(r.opts.Name).Inc()
	}
	return c, nil
}

// CloseBinding closes one of stream's bindings on profile p. Once a
// profile has no open bindings, it is detached (if it has a valid full
// MD5) or discarded outright (§4.8 "Lifetime").
func (r *Registry) CloseBinding(p *Profile, stream streamio.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p.bindings {
		if b.stream == stream {
			b.open = false
			b.stream = nil
		}
	}
	r.reapLocked(p)
}

func (r *Registry) reapLocked(p *Profile) {
	if p.openBindingCount() > 0 {
		return
	}
	if p.fMD5Ok {
		p.detached = true
		return
	}
	r.remove(p)
}

func (r *Registry) remove(p *Profile) {
	for i, q := range r.profiles {
		if q == p {
			r.profiles = append(r.profiles[:i], r.profiles[i+1:]...)
			return
		}
	}
}

// RestoreCommit applies a save-level restore (§4.8 "Save-restore
// scoping"): bindings above the restore level are detached; profiles
// falling to zero bindings and zero valid-MD5 are discarded; the
// remaining profiles are demoted below those with active bindings.
func (r *Registry) RestoreCommit(targetSaveLevel int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var withBindings, without []*Profile
	for _, p := range r.profiles {
		for _, b := range p.bindings {
			if b.open && b.saveLevel > targetSaveLevel {
				b.open = false
				b.stream = nil
			}
		}
		if p.openBindingCount() > 0 {
			withBindings = append(withBindings, p)
		} else if p.fMD5Ok {
			p.detached = true
			without = append(without, p)
		}
		// profiles with zero bindings and no valid MD5 are dropped by
		// omission from both slices.
	}
	r.profiles = append(withBindings, without...)
}

// ReleaseLRUChain implements the icc-profile handler of §4.7: it frees
// the least-recently-used transform chain among a detached profile's
// (preferred) or reference-only profile's chains. It returns true if a
// chain (or, once all of a profile's chains are gone, the profile
// itself) was released.
func (r *Registry) ReleaseLRUChain() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.releasing {
		return false
	}
	r.releasing = true
	defer func() { r.releasing = false }()

	target := r.pickEvictionCandidateLocked()
	if target == nil {
		return false
	}
	var lruKey chainKey
	var lru *Chain
	for k, c := range target.chains {
		if lru == nil || c.lastUse < lru.lastUse {
			lruKey, lru = k, c
		}
	}
	if lru == nil {
		return false
	}
	delete(target.chains, lruKey)
	if len(target.chains) == 0 && target.detached && !target.fMD5Ok {
		r.remove(target)
	}
	return true
}

func (r *Registry) pickEvictionCandidateLocked() *Profile {
	for i := len(r.profiles) - 1; i >= 0; i-- {
		if p := r.profiles[i]; p.detached && len(p.chains) > 0 {
			return p
		}
	}
	for _, p := range r.profiles {
		if p.openBindingCount() == 0 && len(p.chains) > 0 {
			return p
		}
	}
	return nil
}

// Len reports the number of distinct profiles the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}
