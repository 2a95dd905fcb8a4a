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

package blobcore

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/corerip/blobcore/blob"
	"github.com/corerip/blobcore/config"
	"github.com/corerip/blobcore/rsd"
	"github.com/corerip/blobcore/streamio"
)

func TestNewWiresSubsystemsAndBroker(t *testing.T) {
	cfg := config.Default()
	inst := New(cfg, afero.NewMemMapFs(), prometheus.NewRegistry())

	require.NotNil(t, inst.Blob)
	require.NotNil(t, inst.Icc)
	require.NotNil(t, inst.Scratch)
	require.NotNil(t, inst.Broker)

	n, err := inst.CleanStart()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	data := make([]byte, 64)
	a := blob.NewSpanAdapter(blob.KindMemory, data, false)
	h, err := inst.Blob.OpenFromSource(a, blob.ModeRead, 0, 0)
	require.NoError(t, err)
	defer h.Close()

	freed := inst.Broker.Reclaim(16)
	require.GreaterOrEqual(t, freed, int64(0))
}

func TestOpenRSDStoreRegistersAndDeregistersHandlers(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	inst := New(cfg, afero.NewMemMapFs(), prometheus.NewRegistry())

	source := streamio.NewMemory([]byte("hello blobcore"), false)
	store, deregister, err := inst.OpenRSDStore(ctx, source, rsd.Options{Seekable: true, Hint: rsd.HintSequential})
	require.NoError(t, err)
	defer store.Close()
	defer deregister()

	_, _, err = store.Read(ctx)
	require.NoError(t, err)
}
