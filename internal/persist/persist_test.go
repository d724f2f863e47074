// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package persist

import (
	"context"
	"testing"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/coordinatortest"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadSnapshot(t *testing.T) {
	store := coordinatortest.NewStore(t)
	p := New(store)
	ctx := context.Background()

	_, ok, err := p.LoadSnapshot(ctx, "array_1")
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot should exist yet")

	snap := schema.Snapshot{
		RecProcState: "RECORD",
		FreeSubState: "SUBSCRIBED",
		Subscribed:   []string{"blpn0/1"},
	}
	p.SaveSnapshot(ctx, "array_1", snap)

	loaded, ok, err := p.LoadSnapshot(ctx, "array_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, loaded)
}

func TestDeleteSnapshot(t *testing.T) {
	store := coordinatortest.NewStore(t)
	p := New(store)
	ctx := context.Background()

	p.SaveSnapshot(ctx, "array_1", schema.Snapshot{RecProcState: "ERROR"})
	require.NoError(t, p.DeleteSnapshot(ctx, "array_1"))

	_, ok, err := p.LoadSnapshot(ctx, "array_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoadFreeInstances(t *testing.T) {
	store := coordinatortest.NewStore(t)
	p := New(store)
	ctx := context.Background()

	instances := []schema.Instance{{Host: "blpn0", Index: 1}, {Host: "blpn1", Index: 2}}
	p.SaveFreeInstances(ctx, instances)

	loaded, ok, err := p.LoadFreeInstances(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, instances, loaded)
}

func TestLoadFreeInstancesSkipsMalformed(t *testing.T) {
	store := coordinatortest.NewStore(t)
	p := New(store)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "free_instances", `["blpn0/1","not-an-instance"]`, 0))

	loaded, ok, err := p.LoadFreeInstances(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []schema.Instance{{Host: "blpn0", Index: 1}}, loaded)
}
