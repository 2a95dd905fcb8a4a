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

// Package memctl implements the low-memory handler family of §4.7: a
// set of named offer/release handlers the core registers with an
// (out-of-module, per §1/§9) memory broker, each wrapping an
// offers_limited latch that the broker honours but never drives
// directly.
package memctl

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corerip/blobcore/internal/obs"
)

// Offer is what a handler's Solicit returns: the number of bytes it is
// prepared to release, and whether it offered anything at all.
type Offer struct {
	Bytes int64
	OK    bool
}

// Handler is the solicit/release contract of §4.7. Name matches one of
// the handler names called out in §4.7 ("blob-block-recycle",
// "rsd-seq-ram", etc.) for metrics and logging.
type Handler interface {
	Name() string
	Cost() float64
	Solicit(tbytes int64) Offer
	Release(offer Offer) bool
}

// latch is the offers_limited bookkeeping of §4.7/§9: "cleared the next
// time the cache observes an increase in committed memory". §9's open
// question ("a test should ensure the latch cannot permanently disable
// the handler") is resolved by maxDuration: an optional safety net that
// force-clears the latch after the given duration regardless of
// whether committed memory has grown, so a handler that never sees a
// committed-memory increase cannot be disabled forever.
type latch struct {
	mu          sync.Mutex
	set         bool
	setAt       time.Time
	lastCommit  int64         // -1 until the first observation sets a baseline
	maxDuration time.Duration // zero disables the safety net
}

func newLatch(maxDuration time.Duration) *latch {
	return &latch{maxDuration: maxDuration, lastCommit: -1}
}

func (l *latch) trip() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set = true
	l.setAt = time.Now()
}

// observeCommitted clears the latch if committed has grown since the
// last observation, or if the safety-net duration has elapsed.
func (l *latch) observeCommitted(committed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastCommit >= 0 && committed > l.lastCommit {
		l.set = false
	}
	l.lastCommit = committed
	if l.set && l.maxDuration > 0 && time.Since(l.setAt) >= l.maxDuration {
		l.set = false
	}
}

func (l *latch) isSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// releasingGuard implements the per-handler "releasing" flag of §4.7's
// handler discipline and §5's reentrancy rule: a handler invoked while
// it is already releasing (even by the same thread, via recursive
// broker calls) must report no offer rather than deadlock or recurse.
type releasingGuard struct {
	mu        sync.Mutex
	releasing bool
}

// tryEnter returns false if already releasing; otherwise marks
// releasing and returns true. Callers must call leave via defer.
func (g *releasingGuard) tryEnter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.releasing {
		return false
	}
	g.releasing = true
	return true
}

func (g *releasingGuard) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releasing = false
}

// Broker is a minimal in-module stand-in for the interpreter's memory
// broker (§9 "Low-memory broker integration": "the core does not
// schedule memory pressure; it responds. Model handlers as owned
// objects held by the core and registered with the broker at
// startup"). Tests and blobcore.Instance use it to drive handlers the way
// a real broker would, without this module needing to implement the
// broker's own pressure-detection policy.
type Broker struct {
	log      *zap.SugaredLogger
	met      *obs.Metrics
	mu       sync.Mutex
	handlers []Handler
}

// NewBroker constructs a Broker.
func NewBroker(log *zap.SugaredLogger, met *obs.Metrics) *Broker {
	if log == nil {
		log = obs.NewNop()
	}
	return &Broker{log: log, met: met}
}

// Register adds h to the broker's handler list (§9: "each store
// registers and deregisters itself" generalised to every handler kind).
func (b *Broker) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Deregister removes h from the broker's handler list.
func (b *Broker) Deregister(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.handlers {
		if x == h {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Reclaim walks registered handlers in ascending cost order (cheapest
// to release first), soliciting and releasing offers until want bytes
// have been freed or every handler has declined (§4.7 "the broker may
// invoke handlers in any order and may stop early when enough memory
// has been reclaimed"). It returns the total bytes actually freed.
func (b *Broker) Reclaim(want int64) int64 {
	b.mu.Lock()
	ordered := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()

	sortByCost(ordered)

	var freed int64
	for _, h := range ordered {
		if freed >= want {
			break
		}
		offer := h.Solicit(want - freed)
		if !offer.OK {
			continue
		}
		if h.Release(offer) {
			freed += offer.Bytes
			if b.met != nil {
				b.met.HandlerOffersMade.WithLabelValues(h.Name()).Inc()
			}
		}
	}
	return freed
}

func sortByCost(hs []Handler) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j].Cost() < hs[j-1].Cost(); j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}
}
