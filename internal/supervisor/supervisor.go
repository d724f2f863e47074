// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package supervisor is the coordinator's C8 component: it recovers
// per-subarray state at startup, subscribes to the event channel,
// routes events to both FSMs under a per-subarray lock, and
// re-persists a snapshot after every dispatch (spec.md §4.3, §4.6).
package supervisor

import (
	"context"
	"sync"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/events"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/freesub"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/instancepool"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/persist"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/recproc"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
)

const eventChannel = "coordinator-events"

// subarray bundles one subarray's FSM pair, shared instance sets, and
// the lock that serializes dispatch to it (spec.md §5: "events for a
// given subarray are processed in FIFO order... achieved with one lock
// per subarray").
type subarray struct {
	mu       sync.Mutex
	freesub  *freesub.FSM
	recproc  *recproc.FSM
	sets     *schema.InstanceSets
}

// FSMFactory builds the Free/Subscribed and Rec/Proc FSMs for one
// newly-seen subarray. The supervisor owns nothing about their
// dependencies; it only drives HandleEvent and persistence.
type FSMFactory func(array string) (*freesub.FSM, *recproc.FSM)

// Supervisor owns the set of live per-subarray FSM pairs and the
// top-level event loop.
type Supervisor struct {
	store     *kvstore.Client
	persister *persist.Persister
	pool      *instancepool.Pool
	factory   FSMFactory

	mu        sync.Mutex
	subarrays map[string]*subarray

	wg sync.WaitGroup
}

// New returns a Supervisor. Subarray FSM pairs are built with factory
// on first use, by Recover or by the first event naming the subarray.
func New(store *kvstore.Client, persister *persist.Persister, pool *instancepool.Pool, factory FSMFactory) *Supervisor {
	return &Supervisor{
		store:     store,
		persister: persister,
		pool:      pool,
		factory:   factory,
		subarrays: make(map[string]*subarray),
	}
}

// Recover reloads the free-instance pool and every named subarray's
// persisted snapshot at startup, reconstructing FSMs via Restore
// without running on-entry side effects (spec.md §4.3, §4.6: "on
// startup, reconstructs both FSMs into their saved states"). Arrays
// with no persisted snapshot start FREE/READY with the subarray's
// instances left in the shared pool.
func (s *Supervisor) Recover(ctx context.Context, arrays []string) {
	if free, ok, err := s.persister.LoadFreeInstances(ctx); err != nil {
		log.Warnf("supervisor: could not load free instances: %v", err)
	} else if ok {
		s.pool.Restore(free)
		log.Infof("supervisor: restored %d free instances", len(free))
	}

	for _, array := range arrays {
		sa := s.getOrCreate(array)

		snap, ok, err := s.persister.LoadSnapshot(ctx, array)
		if err != nil {
			log.Warnf("supervisor: could not load snapshot for %s: %v", array, err)
			continue
		}
		if !ok {
			log.Infof("supervisor: no persisted state for %s, starting fresh", array)
			continue
		}

		sets, parseErrs := schema.FromSnapshot(snap)
		for _, perr := range parseErrs {
			log.Warnf("supervisor: %s: %v", array, perr)
		}
		if err := sets.CheckInvariants(); err != nil {
			log.Errorf("supervisor: %s: restored snapshot violates invariants: %v", array, err)
		}

		sa.mu.Lock()
		sa.sets = sets
		sa.freesub.Restore(freesub.State(snap.FreeSubState))
		sa.recproc.Restore(recproc.State(snap.RecProcState))
		sa.mu.Unlock()

		log.Infof("supervisor: restored %s into freesub=%s recproc=%s",
			array, snap.FreeSubState, snap.RecProcState)
	}
}

// getOrCreate returns the subarray record for array, creating its FSM
// pair via the factory on first use.
func (s *Supervisor) getOrCreate(array string) *subarray {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sa, ok := s.subarrays[array]; ok {
		return sa
	}

	fs, rp := s.factory(array)
	sa := &subarray{
		freesub: fs,
		recproc: rp,
		sets:    schema.NewInstanceSets(),
	}
	s.subarrays[array] = sa
	return sa
}

// Start subscribes to the event channel and begins dispatching. It
// returns once the subscription is registered; delivery continues on
// a background goroutine owned by the underlying store client.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.store.Subscribe(ctx, eventChannel, func(_ string, payload []byte) {
		s.wg.Add(1)
		defer s.wg.Done()
		s.dispatch(ctx, string(payload))
	})
}

// Wait blocks until all in-flight dispatches complete. Used during
// graceful shutdown.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// dispatch parses one wire event and routes it (spec.md §4.3, §9(a)):
// RETURN events broadcast to every subarray's Rec/Proc FSM, filtered
// by instance membership inside handleReturn; all other events route
// to the one named subarray's pair, under that subarray's lock.
func (s *Supervisor) dispatch(ctx context.Context, raw string) {
	ev, err := events.Parse(raw)
	if err != nil {
		log.Warnf("supervisor: dropping unparseable event %q: %v", raw, err)
		return
	}

	if ev.Kind == events.KindReturn {
		s.mu.Lock()
		targets := make([]*subarray, 0, len(s.subarrays))
		for _, sa := range s.subarrays {
			targets = append(targets, sa)
		}
		s.mu.Unlock()

		for _, sa := range targets {
			s.dispatchOne(ctx, sa, ev)
		}
		return
	}

	sa := s.getOrCreate(ev.Subarray)
	s.dispatchOne(ctx, sa, ev)
}

// dispatchOne runs ev through both FSMs for one subarray under its
// lock, then re-persists the resulting snapshot (spec.md §4.6: "after
// every transition").
func (s *Supervisor) dispatchOne(ctx context.Context, sa *subarray, ev events.Event) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	log.Debugf("supervisor: [%s] dispatching %s to %s", ev.CorrelationID, ev.Kind, sa.freesub.Array)

	if err := sa.freesub.HandleEvent(ctx, ev, sa.sets); err != nil {
		log.Errorf("supervisor: [%s] %s: freesub dispatch of %s failed: %v", ev.CorrelationID, sa.freesub.Array, ev.Kind, err)
	}
	if err := sa.recproc.HandleEvent(ctx, ev, sa.sets); err != nil {
		log.Errorf("supervisor: [%s] %s: recproc dispatch of %s failed: %v", ev.CorrelationID, sa.freesub.Array, ev.Kind, err)
	}

	if err := sa.sets.CheckInvariants(); err != nil {
		log.Errorf("supervisor: [%s] %s: invariants violated after dispatching %s: %v", ev.CorrelationID, sa.freesub.Array, ev.Kind, err)
	}

	snap := sa.sets.ToSnapshot(string(sa.recproc.State), string(sa.freesub.State))
	s.persister.SaveSnapshot(ctx, sa.freesub.Array, snap)
	s.persister.SaveFreeInstances(ctx, s.pool.Snapshot())
}

// PublishEvent implements recproc.EventPublisher: it re-injects a
// synthetic wire event (e.g. a fired DWELL timer's "rec-timeout:<array>")
// back onto the same channel the real event source publishes to.
func (s *Supervisor) PublishEvent(ctx context.Context, raw string) error {
	return s.store.Publish(ctx, eventChannel, []byte(raw))
}

// Reset clears a subarray's persisted state, for the administrative
// "stuck in ERROR/WAITING" recovery path (spec.md §7). It does not
// reset in-memory FSM state; the operator is expected to restart the
// coordinator process after a Reset so Recover rebuilds from scratch.
func (s *Supervisor) Reset(ctx context.Context, array string) error {
	return s.persister.DeleteSnapshot(ctx, array)
}
