// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema holds the shared data-model types for the commensal
// coordinator: DAQ instances, subarrays, instance sets, recording
// records, and the FSM snapshot that gets persisted between
// transitions.
package schema

import "fmt"

// Instance identifies one DAQ process on one host. Identity is
// immutable; the same host may expose multiple indices.
type Instance struct {
	Host  string `json:"host"`
	Index int    `json:"index"`
}

// String renders an Instance as "host/index", the canonical form used
// in gateway channel names and log messages.
func (i Instance) String() string {
	return fmt.Sprintf("%s/%d", i.Host, i.Index)
}

// ParseInstance parses the canonical "host/index" form produced by
// String. It is the inverse used when reading instance names back out
// of RETURN events or persisted snapshots.
func ParseInstance(s string) (Instance, error) {
	var host string
	var index int
	n, err := fmt.Sscanf(s, "%[^/]/%d", &host, &index)
	if err != nil || n != 2 {
		return Instance{}, fmt.Errorf("invalid instance identifier %q", s)
	}
	return Instance{Host: host, Index: index}, nil
}

// InstanceSet is an ordered, duplicate-free collection of instances.
// Order is preserved from insertion so that channel/group allocation
// (which depends on instance ordering) is deterministic.
type InstanceSet struct {
	order []Instance
	have  map[Instance]bool
}

// NewInstanceSet builds an InstanceSet from zero or more instances,
// de-duplicating and preserving first-seen order.
func NewInstanceSet(instances ...Instance) *InstanceSet {
	s := &InstanceSet{have: make(map[Instance]bool)}
	for _, inst := range instances {
		s.Add(inst)
	}
	return s
}

// Add inserts inst if not already present. Returns true if it was
// newly added.
func (s *InstanceSet) Add(inst Instance) bool {
	if s.have[inst] {
		return false
	}
	s.have[inst] = true
	s.order = append(s.order, inst)
	return true
}

// Remove deletes inst if present. Returns true if it was present.
func (s *InstanceSet) Remove(inst Instance) bool {
	if !s.have[inst] {
		return false
	}
	delete(s.have, inst)
	for idx, v := range s.order {
		if v == inst {
			s.order = append(s.order[:idx], s.order[idx+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether inst is a member of the set.
func (s *InstanceSet) Contains(inst Instance) bool {
	return s.have[inst]
}

// Len returns the number of members.
func (s *InstanceSet) Len() int {
	return len(s.order)
}

// Slice returns a copy of the members in insertion order.
func (s *InstanceSet) Slice() []Instance {
	out := make([]Instance, len(s.order))
	copy(out, s.order)
	return out
}

// Clone returns an independent copy of the set.
func (s *InstanceSet) Clone() *InstanceSet {
	return NewInstanceSet(s.order...)
}

// PopN removes up to n arbitrary members (in insertion order) and
// returns them. Used by the free pool to hand out instances.
func (s *InstanceSet) PopN(n int) []Instance {
	if n > len(s.order) {
		n = len(s.order)
	}
	taken := make([]Instance, n)
	copy(taken, s.order[:n])
	for _, inst := range taken {
		s.Remove(inst)
	}
	return taken
}

// Union returns the set of instances that are members of any operand.
func Union(sets ...*InstanceSet) *InstanceSet {
	out := NewInstanceSet()
	for _, s := range sets {
		for _, inst := range s.Slice() {
			out.Add(inst)
		}
	}
	return out
}

// Disjoint reports whether no instance is a member of more than one
// of the given sets.
func Disjoint(sets ...*InstanceSet) bool {
	seen := make(map[Instance]bool)
	for _, s := range sets {
		for _, inst := range s.Slice() {
			if seen[inst] {
				return false
			}
			seen[inst] = true
		}
	}
	return true
}

// Subset reports whether every member of a is also a member of b.
func Subset(a, b *InstanceSet) bool {
	for _, inst := range a.Slice() {
		if !b.Contains(inst) {
			return false
		}
	}
	return true
}
