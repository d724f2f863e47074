// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceSetsCheckInvariantsHolds(t *testing.T) {
	sets := NewInstanceSets()
	a := Instance{Host: "a", Index: 0}
	b := Instance{Host: "b", Index: 0}
	sets.Subscribed.Add(a)
	sets.Subscribed.Add(b)
	sets.Ready.Add(a)
	sets.Recording.Add(b)

	assert.NoError(t, sets.CheckInvariants())
}

func TestInstanceSetsCheckInvariantsCatchesOverlap(t *testing.T) {
	sets := NewInstanceSets()
	a := Instance{Host: "a", Index: 0}
	sets.Subscribed.Add(a)
	sets.Ready.Add(a)
	sets.Recording.Add(a)

	assert.Error(t, sets.CheckInvariants())
}

func TestInstanceSetsCheckInvariantsCatchesNonSubset(t *testing.T) {
	sets := NewInstanceSets()
	a := Instance{Host: "a", Index: 0}
	sets.Ready.Add(a) // never subscribed

	assert.Error(t, sets.CheckInvariants())
}

func TestSnapshotRoundTrip(t *testing.T) {
	sets := NewInstanceSets()
	a := Instance{Host: "a", Index: 0}
	b := Instance{Host: "b", Index: 1}
	sets.Subscribed.Add(a)
	sets.Subscribed.Add(b)
	sets.Ready.Add(a)
	sets.Processing.Add(b)

	snap := sets.ToSnapshot("RECORD", "SUBSCRIBED")
	assert.Equal(t, "RECORD", snap.RecProcState)
	assert.Equal(t, "SUBSCRIBED", snap.FreeSubState)

	restored, errs := FromSnapshot(snap)
	require.Empty(t, errs)
	assert.ElementsMatch(t, []Instance{a, b}, restored.Subscribed.Slice())
	assert.ElementsMatch(t, []Instance{a}, restored.Ready.Slice())
	assert.ElementsMatch(t, []Instance{b}, restored.Processing.Slice())
}

func TestFromSnapshotSkipsMalformedNames(t *testing.T) {
	snap := Snapshot{Subscribed: []string{"good/1", "bad-instance"}}
	restored, errs := FromSnapshot(snap)
	assert.Len(t, errs, 1)
	assert.Equal(t, 1, restored.Subscribed.Len())
}
