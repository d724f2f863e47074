// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package instancepool is the coordinator's C3 component: a
// process-wide set of DAQ instances not currently subscribed to any
// subarray, shared across per-subarray FSMs under a single mutex
// (spec.md §3, §5, §9 — "named top-level records with explicit
// init/teardown", avoiding hidden module-level singletons).
package instancepool

import (
	"sync"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
)

// Pool is the free-instance pool. Only Free/Subscribed FSM entry
// actions (FREE→CONFIGURING→SUBSCRIBED allocation, SUBSCRIBED→FREE
// release) may mutate it.
type Pool struct {
	mu   sync.Mutex
	free *schema.InstanceSet
}

// New creates a pool seeded with the given instances.
func New(instances ...schema.Instance) *Pool {
	return &Pool{free: schema.NewInstanceSet(instances...)}
}

// Len returns the number of free instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// Allocate removes up to n instances from the pool and returns them.
// If fewer than n are available, it returns as many as it can; the
// caller (Free/Subscribed FSM) is responsible for the "got/requested"
// alert spec.md §4.1 requires in that case.
func (p *Pool) Allocate(n int) []schema.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	got := p.free.PopN(n)
	if len(got) < n {
		log.Warnf("instancepool: requested %d instances, only %d available", n, len(got))
	}
	return got
}

// Release returns instances to the pool. It is a no-op for any
// instance already present (defensive against double-release bugs).
func (p *Pool) Release(instances ...schema.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range instances {
		if !p.free.Add(inst) {
			log.Warnf("instancepool: instance %s released twice", inst)
		}
	}
}

// Snapshot returns a copy of the current free set, suitable for
// persistence (C11) under the "free_instances" key.
func (p *Pool) Snapshot() []schema.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Slice()
}

// Restore replaces the pool contents wholesale. Used only at startup
// when reloading the persisted free_instances key.
func (p *Pool) Restore(instances []schema.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = schema.NewInstanceSet(instances...)
}
