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

func TestInstanceStringRoundTrip(t *testing.T) {
	inst := Instance{Host: "blpn0", Index: 3}
	assert.Equal(t, "blpn0/3", inst.String())

	parsed, err := ParseInstance("blpn0/3")
	require.NoError(t, err)
	assert.Equal(t, inst, parsed)
}

func TestParseInstanceRejectsMalformed(t *testing.T) {
	_, err := ParseInstance("blpn0")
	assert.Error(t, err)
}

func TestInstanceSetDeduplicatesAndPreservesOrder(t *testing.T) {
	s := NewInstanceSet()
	a := Instance{Host: "a", Index: 0}
	b := Instance{Host: "b", Index: 0}

	assert.True(t, s.Add(a))
	assert.True(t, s.Add(b))
	assert.False(t, s.Add(a), "re-adding an existing member should report false")

	assert.Equal(t, []Instance{a, b}, s.Slice())
	assert.Equal(t, 2, s.Len())
}

func TestInstanceSetRemove(t *testing.T) {
	a := Instance{Host: "a", Index: 0}
	s := NewInstanceSet(a)

	assert.True(t, s.Remove(a))
	assert.False(t, s.Contains(a))
	assert.False(t, s.Remove(a), "removing twice should report false the second time")
}

func TestInstanceSetPopN(t *testing.T) {
	a := Instance{Host: "a", Index: 0}
	b := Instance{Host: "b", Index: 0}
	s := NewInstanceSet(a, b)

	got := s.PopN(1)
	assert.Equal(t, []Instance{a}, got)
	assert.Equal(t, 1, s.Len())

	got = s.PopN(5)
	assert.Equal(t, []Instance{b}, got, "PopN should not over-request beyond available members")
	assert.Equal(t, 0, s.Len())
}

func TestUnionDisjointSubset(t *testing.T) {
	a := Instance{Host: "a", Index: 0}
	b := Instance{Host: "b", Index: 0}
	c := Instance{Host: "c", Index: 0}

	s1 := NewInstanceSet(a, b)
	s2 := NewInstanceSet(b, c)

	assert.False(t, Disjoint(s1, s2), "s1 and s2 share b")
	assert.True(t, Disjoint(NewInstanceSet(a), NewInstanceSet(c)))

	u := Union(s1, s2)
	assert.Equal(t, 3, u.Len())

	assert.True(t, Subset(NewInstanceSet(a), s1))
	assert.False(t, Subset(NewInstanceSet(c), s1))
}
