// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package persist is the coordinator's C11 component: it serializes
// FSM snapshots and the free-instance pool to the shared store after
// every transition, and reloads them at startup (spec.md §4.6).
// Persistence is best-effort: a write failure is logged but never
// rolls back the in-memory transition that already happened (spec.md
// §7), the same "log only, state in memory stays authoritative"
// discipline the teacher applies around its own read-modify-write
// repository transactions (internal/repository/transaction.go).
package persist

import (
	"context"
	"encoding/json"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
)

const freeInstancesKey = "free_instances"

// Persister writes/reads coordinator state to/from the shared store.
type Persister struct {
	store *kvstore.Client
}

// New returns a Persister backed by store.
func New(store *kvstore.Client) *Persister {
	return &Persister{store: store}
}

func stateKey(array string) string { return array + ":state" }

// SaveSnapshot writes a subarray's FSM snapshot. Failure is logged and
// swallowed: the in-memory FSM state remains authoritative either way.
func (p *Persister) SaveSnapshot(ctx context.Context, array string, snap schema.Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		log.Errorf("persist: could not encode snapshot for %s: %v", array, err)
		return
	}
	if err := p.store.Set(ctx, stateKey(array), string(raw), 0); err != nil {
		log.Errorf("persist: could not write snapshot for %s: %v", array, err)
	}
}

// LoadSnapshot reads a subarray's persisted FSM snapshot. ok is false
// if no snapshot exists yet (first configure, or a reset wiped it).
func (p *Persister) LoadSnapshot(ctx context.Context, array string) (snap schema.Snapshot, ok bool, err error) {
	raw, found, err := p.store.Get(ctx, stateKey(array))
	if err != nil || !found {
		return schema.Snapshot{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return schema.Snapshot{}, false, err
	}
	return snap, true, nil
}

// DeleteSnapshot clears a subarray's persisted state — the
// administrative reset operation that lets ERROR/WAITING be cleared
// (spec.md §7).
func (p *Persister) DeleteSnapshot(ctx context.Context, array string) error {
	return p.store.Del(ctx, stateKey(array))
}

// SaveFreeInstances writes the process-wide free pool.
func (p *Persister) SaveFreeInstances(ctx context.Context, instances []schema.Instance) {
	raw, err := json.Marshal(instanceStrings(instances))
	if err != nil {
		log.Errorf("persist: could not encode free instances: %v", err)
		return
	}
	if err := p.store.Set(ctx, freeInstancesKey, string(raw), 0); err != nil {
		log.Errorf("persist: could not write free instances: %v", err)
	}
}

// LoadFreeInstances reads the persisted free pool.
func (p *Persister) LoadFreeInstances(ctx context.Context) ([]schema.Instance, bool, error) {
	raw, ok, err := p.store.Get(ctx, freeInstancesKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, false, err
	}
	out := make([]schema.Instance, 0, len(names))
	for _, name := range names {
		inst, err := schema.ParseInstance(name)
		if err != nil {
			log.Warnf("persist: skipping malformed free instance %q: %v", name, err)
			continue
		}
		out = append(out, inst)
	}
	return out, true, nil
}

func instanceStrings(instances []schema.Instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.String()
	}
	return out
}
