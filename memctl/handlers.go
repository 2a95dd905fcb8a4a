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
	"context"
	"time"

	"github.com/corerip/blobcore/blob"
	"github.com/corerip/blobcore/icc"
	"github.com/corerip/blobcore/rsd"
)

// BlobBlockRecycleHandler is the blob-block-recycle handler of §4.7:
// offers to recycle a single unpinned block from any entry in one
// cache.
type BlobBlockRecycleHandler struct {
	cache *blob.Cache
	guard releasingGuard
	l     *latch
}

// NewBlobBlockRecycleHandler wraps cache. maxLatchDuration may be zero
// to disable the offers_limited safety net.
func NewBlobBlockRecycleHandler(cache *blob.Cache, maxLatchDuration time.Duration) *BlobBlockRecycleHandler {
	return &BlobBlockRecycleHandler{cache: cache, l: newLatch(maxLatchDuration)}
}

func (h *BlobBlockRecycleHandler) Name() string  { return "blob-block-recycle" }
func (h *BlobBlockRecycleHandler) Cost() float64 { return 1.0 }

func (h *BlobBlockRecycleHandler) Solicit(tbytes int64) Offer {
	h.l.observeCommitted(h.cache.Committed())
	if h.l.isSet() {
		return Offer{}
	}
	if !h.guard.tryEnter() {
		return Offer{}
	}
	defer h.guard.leave()
	n, ok := h.cache.ReclaimOneBlock(true)
	return Offer{Bytes: n, OK: ok}
}

func (h *BlobBlockRecycleHandler) Release(offer Offer) bool {
	if !h.guard.tryEnter() {
		return false
	}
	defer h.guard.leave()
	n, ok := h.cache.ReclaimOneBlock(false)
	if !ok || n == 0 {
		h.l.trip()
		return false
	}
	return true
}

// rsdReclaimFunc matches the shape of Store's four Reclaim* methods.
type rsdReclaimFunc func(ctx context.Context, tbytes int64, noWrite bool) (int64, bool)

// rsdHandler implements the four rsd-*-ram/disk handlers of §4.7; they
// differ only in name, cost and which Store method they call.
type rsdHandler struct {
	name    string
	cost    float64
	reclaim rsdReclaimFunc
	guard   releasingGuard
	l       *latch
}

func newRsdHandler(name string, cost float64, reclaim rsdReclaimFunc, maxLatchDuration time.Duration) *rsdHandler {
	return &rsdHandler{name: name, cost: cost, reclaim: reclaim, l: newLatch(maxLatchDuration)}
}

func (h *rsdHandler) Name() string  { return h.name }
func (h *rsdHandler) Cost() float64 { return h.cost }

func (h *rsdHandler) Solicit(tbytes int64) Offer {
	if h.l.isSet() {
		return Offer{}
	}
	if !h.guard.tryEnter() {
		return Offer{}
	}
	defer h.guard.leave()
	n, ok := h.reclaim(context.Background(), tbytes, true)
	return Offer{Bytes: n, OK: ok}
}

func (h *rsdHandler) Release(offer Offer) bool {
	if !h.guard.tryEnter() {
		return false
	}
	defer h.guard.leave()
	n, ok := h.reclaim(context.Background(), offer.Bytes, false)
	if !ok || n == 0 {
		h.l.trip()
		return false
	}
	return true
}

// NewRsdSeqRAMHandler is the rsd-seq-ram handler of §4.7 (cost 1.0:
// "random is preferred to keep").
func NewRsdSeqRAMHandler(store *rsd.Store, maxLatchDuration time.Duration) Handler {
	return newRsdHandler("rsd-seq-ram", 1.0, store.ReclaimSequentialRAM, maxLatchDuration)
}

// NewRsdRandRAMHandler is the rsd-rand-ram handler of §4.7 (cost 32.0).
func NewRsdRandRAMHandler(store *rsd.Store, maxLatchDuration time.Duration) Handler {
	return newRsdHandler("rsd-rand-ram", 32.0, store.ReclaimRandomRAM, maxLatchDuration)
}

// NewRsdSeqDiskHandler is the rsd-seq-disk handler of §4.7: the same
// offer as rsd-seq-ram, which also permits a preceding disk write, but
// without the sequential-hint check.
func NewRsdSeqDiskHandler(store *rsd.Store, maxLatchDuration time.Duration) Handler {
	return newRsdHandler("rsd-seq-disk", 1.0, store.ReclaimDisk, maxLatchDuration)
}

// NewRsdRandDiskHandler is the rsd-rand-disk handler of §4.7.
func NewRsdRandDiskHandler(store *rsd.Store, maxLatchDuration time.Duration) Handler {
	return newRsdHandler("rsd-rand-disk", 32.0, store.ReclaimDisk, maxLatchDuration)
}

// IccProfileHandler is the icc-profile handler of §4.7: offers to
// release one transform chain of the least-used detached profile, or
// any reference-only profile if none is detached.
type IccProfileHandler struct {
	registry *icc.Registry
	guard    releasingGuard
	l        *latch
}

// NewIccProfileHandler wraps registry.
func NewIccProfileHandler(registry *icc.Registry, maxLatchDuration time.Duration) *IccProfileHandler {
	return &IccProfileHandler{registry: registry, l: newLatch(maxLatchDuration)}
}

func (h *IccProfileHandler) Name() string  { return "icc-profile" }
func (h *IccProfileHandler) Cost() float64 { return 8.0 }

func (h *IccProfileHandler) Solicit(tbytes int64) Offer {
	if h.l.isSet() {
		return Offer{}
	}
	// The registry's ReleaseLRUChain already folds solicit+release into
	// one call (ICC chains have no meaningful "probe only" size, unlike
	// a fixed-capacity blob/RSD block), so Solicit offers one byte
	// whenever the latch is clear. It neither checks whether the registry
	// holds a candidate nor takes the releasing guard; Release reports
	// whether a chain was actually freed.
	return Offer{Bytes: 1, OK: true}
}

func (h *IccProfileHandler) Release(offer Offer) bool {
	if !h.guard.tryEnter() {
		return false
	}
	defer h.guard.leave()
	ok := h.registry.ReleaseLRUChain()
	if !ok {
		h.l.trip()
	}
	return ok
}

// PfinModuleHandler is the pfin-module handler of §4.7: offers to
// suspend one unthreaded pluggable-font module. Pluggable-font modules
// are out of this module's scope (§1 non-goal), so Suspend is a
// caller-supplied callback; without one, the handler always declines.
type PfinModuleHandler struct {
	suspend func() bool
	guard   releasingGuard
	l       *latch
}

// NewPfinModuleHandler wraps an optional suspend callback.
func NewPfinModuleHandler(suspend func() bool, maxLatchDuration time.Duration) *PfinModuleHandler {
	return &PfinModuleHandler{suspend: suspend, l: newLatch(maxLatchDuration)}
}

func (h *PfinModuleHandler) Name() string  { return "pfin-module" }
func (h *PfinModuleHandler) Cost() float64 { return 4.0 }

func (h *PfinModuleHandler) Solicit(tbytes int64) Offer {
	if h.suspend == nil || h.l.isSet() {
		return Offer{}
	}
	if !h.guard.tryEnter() {
		return Offer{}
	}
	defer h.guard.leave()
	return Offer{Bytes: 1, OK: true}
}

func (h *PfinModuleHandler) Release(offer Offer) bool {
	if h.suspend == nil || !h.guard.tryEnter() {
		return false
	}
	defer h.guard.leave()
	if !h.suspend() {
		h.l.trip()
		return false
	}
	return true
}
