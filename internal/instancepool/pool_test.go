// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package instancepool

import (
	"testing"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestAllocateAndRelease(t *testing.T) {
	a := schema.Instance{Host: "a", Index: 0}
	b := schema.Instance{Host: "b", Index: 0}
	p := New(a, b)

	assert.Equal(t, 2, p.Len())

	got := p.Allocate(1)
	assert.Equal(t, []schema.Instance{a}, got)
	assert.Equal(t, 1, p.Len())

	p.Release(got...)
	assert.Equal(t, 2, p.Len())
}

func TestAllocateShortfallReturnsWhatItHas(t *testing.T) {
	a := schema.Instance{Host: "a", Index: 0}
	p := New(a)

	got := p.Allocate(5)
	assert.Len(t, got, 1, "a short allocation should return the available instances, not fail")
	assert.Equal(t, 0, p.Len())
}

func TestSnapshotRestore(t *testing.T) {
	a := schema.Instance{Host: "a", Index: 0}
	b := schema.Instance{Host: "b", Index: 1}
	p := New(a, b)
	p.Allocate(1)

	snap := p.Snapshot()
	assert.Len(t, snap, 1)

	restored := New()
	restored.Restore([]schema.Instance{a, b})
	assert.Equal(t, 2, restored.Len())
}
