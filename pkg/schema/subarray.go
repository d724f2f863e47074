// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

// SubarrayID names one active telescope sub-array, e.g. "array_1".
type SubarrayID string

// RecordingRecord is written to the KV store when a recording starts,
// keyed by the output directory path (see Snapshot / metadata:<dir>).
type RecordingRecord struct {
	Band     string `json:"band"`
	StartTS  int64  `json:"start_ts"`
	NAnts    int    `json:"nants"`
	ObsID    string `json:"obsid"`
}

// Snapshot is the per-subarray FSM state persisted after every
// transition (spec.md §3, §4.6).
type Snapshot struct {
	RecProcState  string   `json:"recproc_state"`
	FreeSubState  string   `json:"freesub_state"`
	Subscribed    []string `json:"subscribed"`
	Ready         []string `json:"ready"`
	Recording     []string `json:"recording"`
	Processing    []string `json:"processing"`
}

// InstanceSets bundles the four disjoint role sets a subarray owns.
// Invariant (spec.md §3): ready ∪ recording ∪ processing ⊆ subscribed,
// and the three are pairwise disjoint.
type InstanceSets struct {
	Subscribed *InstanceSet
	Ready      *InstanceSet
	Recording  *InstanceSet
	Processing *InstanceSet
}

// NewInstanceSets returns an empty InstanceSets.
func NewInstanceSets() *InstanceSets {
	return &InstanceSets{
		Subscribed: NewInstanceSet(),
		Ready:      NewInstanceSet(),
		Recording:  NewInstanceSet(),
		Processing: NewInstanceSet(),
	}
}

// CheckInvariants validates the disjointness/subset invariants from
// spec.md §8. It never mutates state; callers should treat a non-nil
// error as a programming bug, not a runtime condition to recover from.
func (s *InstanceSets) CheckInvariants() error {
	if !Disjoint(s.Ready, s.Recording, s.Processing) {
		return errInvariant("ready/recording/processing are not pairwise disjoint")
	}
	union := Union(s.Ready, s.Recording, s.Processing)
	if !Subset(union, s.Subscribed) {
		return errInvariant("ready ∪ recording ∪ processing is not a subset of subscribed")
	}
	return nil
}

// ToSnapshot renders the current sets into their persisted string form.
func (s *InstanceSets) ToSnapshot(recProcState, freeSubState string) Snapshot {
	return Snapshot{
		RecProcState: recProcState,
		FreeSubState: freeSubState,
		Subscribed:   instanceStrings(s.Subscribed),
		Ready:        instanceStrings(s.Ready),
		Recording:    instanceStrings(s.Recording),
		Processing:   instanceStrings(s.Processing),
	}
}

func instanceStrings(s *InstanceSet) []string {
	slice := s.Slice()
	out := make([]string, len(slice))
	for i, inst := range slice {
		out[i] = inst.String()
	}
	return out
}

// FromSnapshot reconstructs InstanceSets from their persisted string
// form. Malformed instance identifiers are skipped with the caller
// expected to log; restoring must never abort startup.
func FromSnapshot(snap Snapshot) (*InstanceSets, []error) {
	sets := NewInstanceSets()
	var errs []error
	load := func(dst *InstanceSet, names []string) {
		for _, name := range names {
			inst, err := ParseInstance(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			dst.Add(inst)
		}
	}
	load(sets.Subscribed, snap.Subscribed)
	load(sets.Ready, snap.Ready)
	load(sets.Recording, snap.Recording)
	load(sets.Processing, snap.Processing)
	return sets, errs
}

type invariantError string

func (e invariantError) Error() string { return "invariant violated: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
