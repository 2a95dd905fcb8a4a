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

// Package obs carries the ambient logging and metrics wiring shared by
// blob, rsd, icc and memctl. Nothing here is spec-mandated; it is the
// observability surface a production cache of this shape always grows.
package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Logger is the sugared zap logger threaded explicitly into every
// component at construction time. Components never reach for a package
// global logger.
type Logger = zap.SugaredLogger

// NewNop returns a logger that discards everything, used as the default
// when a caller does not supply one.
func NewNop() *Logger {
	return zap.NewNop().Sugar()
}

// NewDevelopment returns a human-readable logger suitable for CLI tools
// and tests that want to see what the cache is doing.
func NewDevelopment() *Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return NewNop()
	}
	return l.Sugar()
}

// Metrics is the Prometheus surface for the whole module. One instance is
// created per process (via NewMetrics) and shared by every Cache/Store/
// Registry the caller constructs; all series carry a "cache"/"store"/
// "registry"/"handler" label so multiple instances remain distinguishable.
type Metrics struct {
	once sync.Once

	BlobCacheHits      *prometheus.CounterVec
	BlobCacheMisses     *prometheus.CounterVec
	BlobBytesEvicted    *prometheus.CounterVec
	BlobEntriesTrimmed  *prometheus.CounterVec
	RsdBlocksSpilled    *prometheus.CounterVec
	RsdBlocksReloaded   *prometheus.CounterVec
	IccDedupHits        *prometheus.CounterVec
	IccTransformsBuilt  *prometheus.CounterVec
	HandlerOffersMade   *prometheus.CounterVec
	HandlerOffersLimited *prometheus.GaugeVec
}

// NewMetrics builds and registers (against reg) the counters used across
// the module. reg may be prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlobCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_blob_cache_hits_total",
			Help: "Identity lookups that found an existing BlobEntry.",
		}, []string{"cache"}),
		BlobCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_blob_cache_misses_total",
			Help: "Identity lookups that constructed a new BlobEntry.",
		}, []string{"cache"}),
		BlobBytesEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_blob_bytes_evicted_total",
			Help: "Bytes released back to the block pool by eviction.",
		}, []string{"cache"}),
		BlobEntriesTrimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_blob_entries_trimmed_total",
			Help: "Closed entries destroyed past the trim limit.",
		}, []string{"cache"}),
		RsdBlocksSpilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_rsd_blocks_spilled_total",
			Help: "RSD blocks written to scratch during a purge.",
		}, []string{"store"}),
		RsdBlocksReloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_rsd_blocks_reloaded_total",
			Help: "RSD blocks re-read from a scratch file.",
		}, []string{"store"}),
		IccDedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_icc_dedup_hits_total",
			Help: "ICC profile loads resolved to an existing profile by MD5.",
		}, []string{"registry"}),
		IccTransformsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_icc_transforms_built_total",
			Help: "Transform chains constructed lazily per direction/intent.",
		}, []string{"registry"}),
		HandlerOffersMade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobcore_memctl_offers_total",
			Help: "Low-memory offers accepted by the broker, by handler name.",
		}, []string{"handler"}),
		HandlerOffersLimited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blobcore_memctl_offers_limited",
			Help: "1 while a handler's offers_limited latch is set.",
		}, []string{"handler"}),
	}
	for _, c := range []prometheus.Collector{
		m.BlobCacheHits, m.BlobCacheMisses, m.BlobBytesEvicted, m.BlobEntriesTrimmed,
		m.RsdBlocksSpilled, m.RsdBlocksReloaded, m.IccDedupHits, m.IccTransformsBuilt,
		m.HandlerOffersMade, m.HandlerOffersLimited,
	} {
		if reg != nil {
			_ = reg.Register(c)
		}
	}
	return m
}
