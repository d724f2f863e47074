// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package freesub

import (
	"context"
	"testing"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/alerting"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/coordinatortest"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/events"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/gateway"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/instancepool"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/metadata"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedAck pre-seeds the gateway's ack counter for one published KEY=VAL
// so publishWithRetry's first attempt succeeds instead of burning
// through retries (each retry sleeps its full wait duration).
func seedAck(t *testing.T, ctx context.Context, store *kvstore.Client, channel, key, val string, count int) {
	t.Helper()
	require.NoError(t, store.Set(ctx, ackCacheKey(channel, key, val), itoa(count), 0))
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	out := make([]byte, 0, 4)
	for n > 0 {
		out = append([]byte{digits[n%10]}, out...)
		n /= 10
	}
	return string(out)
}

// ackCacheKey mirrors gateway's unexported ackKey format so tests in
// this package (not gateway's) can pre-seed acks without exporting it.
func ackCacheKey(channel, key, val string) string {
	return channel + ":acks:" + key + "=" + val
}

func seedMetadata(t *testing.T, ctx context.Context, store *kvstore.Client, array string) {
	t.Helper()
	require.NoError(t, store.Set(ctx, array+":streams", `{"s0":"239.1.2.0+3:7148"}`, 0))
	require.NoError(t, store.Set(ctx, array+":antennas", `["m000","m001","m002"]`, 0))
	require.NoError(t, store.Set(ctx, array+":n_channels", "4096", 0))
	require.NoError(t, store.Set(ctx, array+":cbf_prefix", "wide", 0))
	require.NoError(t, store.Set(ctx, array+":cbf_name", "band0", 0))
	require.NoError(t, store.Set(ctx, array+":wide_band0_sync_time", "1700000000", 0))
	require.NoError(t, store.Set(ctx, array+":wide_band0_antenna_channelised_voltage_bandwidth", "856000000", 0))
	require.NoError(t, store.Set(ctx, array+":subarray_1_streams__antenna_channelised_voltage_centre_frequency", "1284.000", 0))
	require.NoError(t, store.Set(ctx, array+":wide_band0_antenna_channelised_voltage_n_chans_per_substream", "4", 0))
	require.NoError(t, store.Set(ctx, array+":wide_band0_tied_array_channelised_voltage_0x_spectra_per_heap", "4", 0))
	require.NoError(t, store.Set(ctx, array+":wide_band0_antenna_channelised_voltage_n_samples_between_spectra", "2048", 0))
}

func newTestFSM(t *testing.T, store *kvstore.Client, array string, instances ...schema.Instance) *FSM {
	t.Helper()
	deps := Deps{
		Pool:               instancepool.New(instances...),
		Gateway:            gateway.New(store, "hpguppi"),
		Metadata:           metadata.New(store, array),
		Alerter:            alerting.New(store, "#ops", "coordinator", "", ""),
		StreamsPerInstance: 2,
		GatewayProcName:    "hashpipe",
	}
	return New(array, deps)
}

// seedAllAcks pre-seeds the group acks plus one instance's acks. schan
// is the caller-computed expected SCHAN for that instance's position
// in the allocated set (spec.md §4.1 step 6: i*streamsPerInstance*hnchan).
func seedAllAcks(t *testing.T, ctx context.Context, store *kvstore.Client, gw *gateway.Gateway, array string, inst schema.Instance, destIP string, schan int) {
	t.Helper()
	groupChan := gw.GroupChannel(array)
	groupKV := map[string]string{
		"SUBARRAY": array,
		"BINDPORT": "7148",
		"FENSTRM":  "4",
		"SYNCTIME": "1700000000",
		"FECENTER": "1284.000",
		"FENCHAN":  "4096",
		"CHAN_BW":  "208984.375000",
		"HNCHAN":   "4",
		"HNTIME":   "4",
		"HCLOCKS":  "8192",
		"NANTS":    "3",
		"DWELL":    "0",
		"PKTSTART": "0",
	}
	for k, v := range groupKV {
		seedAck(t, ctx, store, groupChan, k, v, 1)
	}

	instChan := gw.InstanceChannel(inst)
	instKV := map[string]string{
		"NSTRM":  "2",
		"SCHAN":  itoa(schan),
		"DESTIP": destIP,
	}
	for k, v := range instKV {
		seedAck(t, ctx, store, instChan, k, v, 1)
	}
}

func TestEnterConfiguredSubscribesAllocatedInstance(t *testing.T) {
	store := coordinatortest.NewStore(t)
	ctx := context.Background()
	array := "array_1"
	inst0 := schema.Instance{Host: "blpn0", Index: 1}
	inst1 := schema.Instance{Host: "blpn1", Index: 2}

	seedMetadata(t, ctx, store, array)
	fsm := newTestFSM(t, store, array, inst0, inst1)
	// hnchan=4, streamsPerInstance=2: instance 0 -> SCHAN=0, instance 1 -> SCHAN=1*2*4=8.
	seedAllAcks(t, ctx, store, fsm.gw, array, inst0, "239.1.2.0+1", 0)
	seedAllAcks(t, ctx, store, fsm.gw, array, inst1, "239.1.2.2+1", 8)

	sets := schema.NewInstanceSets()
	fsm.State = StateConfiguring

	err := fsm.HandleEvent(ctx, events.Event{Kind: events.KindConfigured}, sets)
	require.NoError(t, err)

	assert.Equal(t, StateSubscribed, fsm.State)
	assert.True(t, sets.Subscribed.Contains(inst0))
	assert.True(t, sets.Subscribed.Contains(inst1))
	assert.True(t, sets.Ready.Contains(inst0))
	assert.True(t, sets.Ready.Contains(inst1))
	assert.Equal(t, 0, fsm.pool.Len(), "both free instances should have been allocated")
}

func TestConfigureFromFreeEntersConfiguring(t *testing.T) {
	store := coordinatortest.NewStore(t)
	fsm := newTestFSM(t, store, "array_1")
	sets := schema.NewInstanceSets()

	err := fsm.HandleEvent(context.Background(), events.Event{Kind: events.KindConfigure}, sets)
	require.NoError(t, err)
	assert.Equal(t, StateConfiguring, fsm.State)
}

func TestDeconfigureFromConfiguringReturnsToFree(t *testing.T) {
	store := coordinatortest.NewStore(t)
	fsm := newTestFSM(t, store, "array_1")
	fsm.State = StateConfiguring
	sets := schema.NewInstanceSets()

	err := fsm.HandleEvent(context.Background(), events.Event{Kind: events.KindDeconfigure}, sets)
	require.NoError(t, err)
	assert.Equal(t, StateFree, fsm.State)
}

func TestEnterConfiguredWithNoFreeInstancesFallsBackToFree(t *testing.T) {
	store := coordinatortest.NewStore(t)
	ctx := context.Background()
	array := "array_1"
	seedMetadata(t, ctx, store, array)

	fsm := newTestFSM(t, store, array) // no instances in the pool
	fsm.State = StateConfiguring
	sets := schema.NewInstanceSets()

	err := fsm.HandleEvent(ctx, events.Event{Kind: events.KindConfigured}, sets)
	require.NoError(t, err)
	assert.Equal(t, StateFree, fsm.State)
	assert.Equal(t, 0, sets.Subscribed.Len())
}

func TestRestoreSetsStateWithoutSideEffects(t *testing.T) {
	store := coordinatortest.NewStore(t)
	fsm := newTestFSM(t, store, "array_1")
	fsm.Restore(StateSubscribed)
	assert.Equal(t, StateSubscribed, fsm.State)
}
