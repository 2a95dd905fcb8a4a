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

// Package blobcore wires the blob cache, RSD store family, ICC registry
// and low-memory broker into one instance from a single Config, the way
// the teacher's backend constructs its subsystems from one ethconfig.Config
// at node startup.
package blobcore

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/corerip/blobcore/blob"
	"github.com/corerip/blobcore/config"
	"github.com/corerip/blobcore/icc"
	"github.com/corerip/blobcore/internal/obs"
	"github.com/corerip/blobcore/memctl"
	"github.com/corerip/blobcore/rsd"
	"github.com/corerip/blobcore/scratch"
	"github.com/corerip/blobcore/streamio"
)

// Instance bundles one of each subsystem, constructed from a single
// Config and sharing one logger and one metrics registry.
type Instance struct {
	Config  config.Config
	Log     *zap.SugaredLogger
	Metrics *obs.Metrics

	Blob    *blob.Cache
	Icc     *icc.Registry
	Scratch scratch.Device
	Broker  *memctl.Broker
}

// New constructs an Instance from cfg, registering the blob-block-recycle
// and icc-profile low-memory handlers with the broker up front (§4.7:
// "each store registers and deregisters itself" generalised to every
// handler kind). RSD-family handlers are registered per store by
// OpenRSDStore, since each RSD store is short-lived (one per open
// stream) while the blob cache and ICC registry live for the process.
func New(cfg config.Config, fsys afero.Fs, reg prometheus.Registerer) *Instance {
	log := obs.NewNop()
	met := obs.NewMetrics(reg)

	cache, err := blob.New(blob.Options{
		Name:           cfg.BlobCache.Name,
		Limit:          int64(cfg.BlobCache.Limit.Bytes()),
		ReadQuantum:    int32(cfg.BlobCache.ReadQuantum.Bytes()),
		AllocQuantum:   int32(cfg.BlobCache.AllocQuantum.Bytes()),
		TrimLimit:      cfg.BlobCache.TrimLimit,
		AllocationCost: cfg.BlobCache.AllocationCost,
	}, log, met)
	if err != nil {
		// blob.New replaces a non-positive TrimLimit with its default
		// before building the LRU, so no Config value is expected to
		// reach here; if one does, the caller should fail fast on it,
		// matching the teacher's node.New panicking on an invalid config
		// rather than returning a half-built node.
		panic(err)
	}

	registry := icc.New(icc.Options{
		Name:                  cfg.BlobCache.Name,
		CorrectLut8Whitepoint: cfg.Icc.CorrectLut8Whitepoint,
	}, log, met)

	dev := scratch.NewLocal(fsys, cfg.Scratch.Dir, log)

	broker := memctl.NewBroker(log, met)
	broker.Register(memctl.NewBlobBlockRecycleHandler(cache, cfg.Memctl.MaxLatchDuration))
	broker.Register(memctl.NewIccProfileHandler(registry, cfg.Memctl.MaxLatchDuration))

	return &Instance{
		Config:  cfg,
		Log:     log,
		Metrics: met,
		Blob:    cache,
		Icc:     registry,
		Scratch: dev,
		Broker:  broker,
	}
}

// OpenRSDStore builds an RSD store over source using this instance's
// scratch device and RSD tuning, and registers its four reclaim handlers
// with the broker. The caller must call the returned deregister
// function once the store itself is closed, mirroring §9's "each store
// registers and deregisters itself".
func (inst *Instance) OpenRSDStore(ctx context.Context, source streamio.Stream, opts rsd.Options) (*rsd.Store, func(), error) {
	store, err := rsd.NewStore(ctx, source, opts, inst.Scratch)
	if err != nil {
		return nil, nil, err
	}

	handlers := []memctl.Handler{
		memctl.NewRsdSeqRAMHandler(store, inst.Config.Memctl.MaxLatchDuration),
		memctl.NewRsdRandRAMHandler(store, inst.Config.Memctl.MaxLatchDuration),
		memctl.NewRsdSeqDiskHandler(store, inst.Config.Memctl.MaxLatchDuration),
		memctl.NewRsdRandDiskHandler(store, inst.Config.Memctl.MaxLatchDuration),
	}
	for _, h := range handlers {
		inst.Broker.Register(h)
	}
	deregister := func() {
		for _, h := range handlers {
			inst.Broker.Deregister(h)
		}
	}
	return store, deregister, nil
}

// CleanStart runs the scratch device's startup cleanup (§6), which the
// caller must do once before opening the first RSD store in a process.
func (inst *Instance) CleanStart() (int, error) {
	local, ok := inst.Scratch.(*scratch.Local)
	if !ok {
		return 0, nil
	}
	return local.CleanStart()
}
