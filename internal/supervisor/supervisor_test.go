// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package supervisor

import (
	"context"
	"testing"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/alerting"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/coordinatortest"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/freesub"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/instancepool"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/persist"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/recproc"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSupervisor wires a Supervisor whose FSMs have just enough
// collaborators to handle CONFIGURE/DECONFIGURE events (which never
// touch the gateway, metadata, or analyzer client), keeping the fixture
// free of any live-NATS or timed-ack dependency.
func newTestSupervisor(t *testing.T, store *kvstore.Client, pool *instancepool.Pool) (*Supervisor, *persist.Persister) {
	t.Helper()
	alerter := alerting.New(store, "#ops", "coordinator", "", "")
	persister := persist.New(store)

	factory := func(array string) (*freesub.FSM, *recproc.FSM) {
		fs := freesub.New(array, freesub.Deps{Pool: pool, Alerter: alerter})
		rp := recproc.New(array, recproc.Deps{Store: store, Alerter: alerter})
		return fs, rp
	}

	return New(store, persister, pool, factory), persister
}

func TestDispatchConfigurePersistsSnapshot(t *testing.T) {
	store := coordinatortest.NewStore(t)
	pool := instancepool.New()
	sup, persister := newTestSupervisor(t, store, pool)
	ctx := context.Background()

	sup.dispatch(ctx, "configure:array_1")

	sa := sup.getOrCreate("array_1")
	assert.Equal(t, freesub.StateConfiguring, sa.freesub.State)

	snap, ok, err := persister.LoadSnapshot(ctx, "array_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "CONFIGURING", snap.FreeSubState)
}

func TestDispatchDeconfigureReturnsToFree(t *testing.T) {
	store := coordinatortest.NewStore(t)
	pool := instancepool.New()
	sup, _ := newTestSupervisor(t, store, pool)
	ctx := context.Background()

	sup.dispatch(ctx, "configure:array_1")
	sup.dispatch(ctx, "deconfigure:array_1")

	sa := sup.getOrCreate("array_1")
	assert.Equal(t, freesub.StateFree, sa.freesub.State)
}

func TestRecoverRestoresPersistedState(t *testing.T) {
	store := coordinatortest.NewStore(t)
	pool := instancepool.New()
	sup, persister := newTestSupervisor(t, store, pool)
	ctx := context.Background()

	inst := schema.Instance{Host: "blpn0", Index: 1}
	persister.SaveSnapshot(ctx, "array_1", schema.Snapshot{
		FreeSubState: "SUBSCRIBED",
		RecProcState: "READY",
		Subscribed:   []string{inst.String()},
		Ready:        []string{inst.String()},
	})

	sup.Recover(ctx, []string{"array_1"})

	sa := sup.getOrCreate("array_1")
	assert.Equal(t, freesub.StateSubscribed, sa.freesub.State)
	assert.Equal(t, recproc.StateReady, sa.recproc.State)
	assert.True(t, sa.sets.Subscribed.Contains(inst))
	assert.True(t, sa.sets.Ready.Contains(inst))
}

func TestRecoverWithNoPersistedStateStartsFresh(t *testing.T) {
	store := coordinatortest.NewStore(t)
	pool := instancepool.New()
	sup, _ := newTestSupervisor(t, store, pool)

	sup.Recover(context.Background(), []string{"array_1"})

	sa := sup.getOrCreate("array_1")
	assert.Equal(t, freesub.StateFree, sa.freesub.State)
	assert.Equal(t, recproc.StateReady, sa.recproc.State)
}

func TestResetDeletesSnapshot(t *testing.T) {
	store := coordinatortest.NewStore(t)
	pool := instancepool.New()
	sup, persister := newTestSupervisor(t, store, pool)
	ctx := context.Background()

	persister.SaveSnapshot(ctx, "array_1", schema.Snapshot{RecProcState: "ERROR"})
	require.NoError(t, sup.Reset(ctx, "array_1"))

	_, ok, err := persister.LoadSnapshot(ctx, "array_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishEventRepublishesOntoEventChannel(t *testing.T) {
	store := coordinatortest.NewStore(t)
	pool := instancepool.New()
	sup, _ := newTestSupervisor(t, store, pool)
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, store.Subscribe(ctx, eventChannel, func(_ string, payload []byte) {
		received <- string(payload)
	}))

	require.NoError(t, sup.PublishEvent(ctx, "rec-timeout:array_1"))
	assert.Equal(t, "rec-timeout:array_1", <-received)
}
