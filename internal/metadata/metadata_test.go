// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package metadata

import (
	"context"
	"testing"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/coordinatortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedArray1(t *testing.T, ctx context.Context, r *Resolver) {
	t.Helper()
	store := r.store
	require.NoError(t, store.Set(ctx, "array_1:antennas", `["m000","m001","m002"]`, 0))
	require.NoError(t, store.Set(ctx, "array_1:n_channels", "4096", 0))
	require.NoError(t, store.Set(ctx, "array_1:cbf_prefix", "wide", 0))
	require.NoError(t, store.Set(ctx, "array_1:cbf_name", "band0", 0))
	require.NoError(t, store.Set(ctx, "array_1:wide_band0_sync_time", "1700000000", 0))
	require.NoError(t, store.Set(ctx, "array_1:wide_band0_antenna_channelised_voltage_bandwidth", "856000000", 0))
	require.NoError(t, store.Set(ctx, "array_1:wide_band0_antenna_channelised_voltage_n_chans_per_substream", "4", 0))
	require.NoError(t, store.Set(ctx, "array_1:wide_band0_tied_array_channelised_voltage_0x_spectra_per_heap", "4", 0))
	require.NoError(t, store.Set(ctx, "array_1:wide_band0_antenna_channelised_voltage_n_samples_between_spectra", "2048", 0))
	require.NoError(t, store.Set(ctx, "array_1:streams", `{"s0":"239.1.2.0+7:7148"}`, 0))
	require.NoError(t, store.Set(ctx, "array_1:target", "3C286,radec,13:31:08.29,+30:30:33.0", 0))
	require.NoError(t, store.Set(ctx, "array_1:last-target", "100.0", 0))
	require.NoError(t, store.Set(ctx, "array_1:last-track-end", "90.0", 0))
	require.NoError(t, store.Set(ctx, "array_1:sched_observation_schedule_1", "20260731-0001, some other field", 0))
}

func TestResolverReadsSensorKeys(t *testing.T) {
	store := coordinatortest.NewStore(t)
	r := New(store, "array_1")
	ctx := context.Background()
	seedArray1(t, ctx, r)

	ants, err := r.Antennas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m000", "m001", "m002"}, ants)

	n, err := r.NumAntennas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	nchan, err := r.NChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4096, nchan)

	sync, err := r.SyncTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.7e9, sync)

	bw, err := r.ChanBW(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 856000000.0/4096, bw, 1e-6)
}

func TestResolverHeapGeometry(t *testing.T) {
	store := coordinatortest.NewStore(t)
	r := New(store, "array_1")
	ctx := context.Background()
	seedArray1(t, ctx, r)

	hnchan, err := r.ChanPerSubstream(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, hnchan)

	hntime, err := r.SpectraPerHeap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, hntime)

	hclocks, err := r.SamplesPerHeap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2048*4, hclocks)
}

func TestResolverMissingKeyErrors(t *testing.T) {
	store := coordinatortest.NewStore(t)
	r := New(store, "array_1")
	_, err := r.NChannels(context.Background())
	assert.Error(t, err)
}

func TestResolverAntennasFallsBackToCSV(t *testing.T) {
	store := coordinatortest.NewStore(t)
	r := New(store, "array_1")
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "array_1:antennas", "m000, m001", 0))

	ants, err := r.Antennas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m000", "m001"}, ants)
}

func TestResolverTarget(t *testing.T) {
	store := coordinatortest.NewStore(t)
	r := New(store, "array_1")
	ctx := context.Background()
	seedArray1(t, ctx, r)

	tgt, updatedAt, lastTrackEnd, err := r.Target(ctx)
	require.NoError(t, err)
	assert.Contains(t, tgt, "3C286")
	assert.Equal(t, 100.0, updatedAt)
	assert.Equal(t, 90.0, lastTrackEnd)
}

func TestResolverScheduleBlockID(t *testing.T) {
	store := coordinatortest.NewStore(t)
	r := New(store, "array_1")
	ctx := context.Background()
	seedArray1(t, ctx, r)

	sbID, err := r.ScheduleBlockID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20260731-0001", sbID)
}

func TestResolverLastCalAbsentIsNotAnError(t *testing.T) {
	store := coordinatortest.NewStore(t)
	r := New(store, "array_1")

	_, hadPrior, err := r.LastCal(context.Background())
	require.NoError(t, err)
	assert.False(t, hadPrior)
}
