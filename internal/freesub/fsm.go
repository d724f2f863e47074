// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package freesub is the coordinator's C6 component: the per-subarray
// Free/Subscribed FSM (spec.md §4.1). It owns the subscribe/
// unsubscribe lifecycle against the multicast gateway and the
// process-wide free-instance pool.
package freesub

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/alerting"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/events"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/gateway"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/instancepool"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/mcast"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/metadata"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/analyzerclient"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
)

// State names the Free/Subscribed FSM states (spec.md §4.1).
type State string

const (
	StateFree        State = "FREE"
	StateConfiguring State = "CONFIGURING"
	StateSubscribed  State = "SUBSCRIBED"
)

// FSM is the per-subarray Free/Subscribed state machine.
type FSM struct {
	Array string
	State State

	pool     *instancepool.Pool
	gw       *gateway.Gateway
	meta     *metadata.Resolver
	alerter  *alerting.Alerter
	analyzer *analyzerclient.Client

	streamsPerInstance int
	gwProcName         string
}

// Deps bundles an FSM's external collaborators.
type Deps struct {
	Pool               *instancepool.Pool
	Gateway            *gateway.Gateway
	Metadata           *metadata.Resolver
	Alerter            *alerting.Alerter
	Analyzer           *analyzerclient.Client
	StreamsPerInstance int
	GatewayProcName    string
}

// New returns a Free/Subscribed FSM starting in FREE.
func New(array string, deps Deps) *FSM {
	return &FSM{
		Array:              array,
		State:              StateFree,
		pool:               deps.Pool,
		gw:                 deps.Gateway,
		meta:               deps.Metadata,
		alerter:            deps.Alerter,
		analyzer:           deps.Analyzer,
		streamsPerInstance: deps.StreamsPerInstance,
		gwProcName:         deps.GatewayProcName,
	}
}

// Restore sets the FSM's state directly from a persisted snapshot,
// without running any on-entry side effect (spec.md §4.3: "reconstructs
// both FSMs into their saved states without executing on-entry side
// effects").
func (f *FSM) Restore(state State) {
	f.State = state
}

// HandleEvent advances the FSM in response to ev, mutating sets (the
// subscribed/ready/recording/processing sets shared with the Rec/Proc
// FSM for this subarray) as needed. It is a no-op for events outside
// spec.md §4.1's transition table. The caller is responsible for
// holding the per-subarray lock for the duration of this call (spec.md
// §5).
func (f *FSM) HandleEvent(ctx context.Context, ev events.Event, sets *schema.InstanceSets) error {
	switch f.State {
	case StateFree:
		if ev.Kind == events.KindConfigure {
			f.alerter.Warning(ctx, f.Array, "configuring")
			f.State = StateConfiguring
		}

	case StateConfiguring:
		switch ev.Kind {
		case events.KindConfigured:
			return f.enterConfigured(ctx, sets)
		case events.KindDeconfigure:
			f.State = StateFree
		}

	case StateSubscribed:
		if ev.Kind == events.KindDeconfigure {
			return f.unsubscribe(ctx, sets)
		}
	}
	return nil
}

// enterConfigured implements the CONFIGURED transition out of
// CONFIGURING (spec.md §4.1 rows 2-3).
func (f *FSM) enterConfigured(ctx context.Context, sets *schema.InstanceSets) error {
	n, err := f.requiredInstanceCount(ctx)
	if err != nil {
		f.alerter.Warning(ctx, f.Array, fmt.Sprintf("could not determine required instance count: %v", err))
		f.State = StateFree
		return err
	}

	allocated := f.pool.Allocate(n)
	if len(allocated) == 0 {
		f.alerter.Warning(ctx, f.Array, "no free instances")
		f.State = StateFree
		return nil
	}
	if len(allocated) < n {
		f.alerter.Warning(ctx, f.Array,
			fmt.Sprintf("got %d/%d requested instances", len(allocated), n))
	}

	if err := f.subscribe(ctx, sets, allocated); err != nil {
		// Partial subscribe failures are logged inside subscribe and do
		// not abort state entry (spec.md §4.1 step 5).
		log.Warnf("freesub(%s): subscribe completed with warnings: %v", f.Array, err)
	}

	f.State = StateSubscribed
	return nil
}

// requiredInstanceCount computes N = ceil(total_streams /
// streams_per_instance) (spec.md §4.1 step 1), where total_streams is
// the multicast address count of the subarray's SPEAD endpoint.
func (f *FSM) requiredInstanceCount(ctx context.Context) (int, error) {
	streams, err := f.meta.Streams(ctx)
	if err != nil {
		return 0, err
	}
	if f.streamsPerInstance <= 0 {
		return 0, fmt.Errorf("freesub: streams_per_instance must be positive")
	}
	ep, err := firstEndpoint(streams)
	if err != nil {
		return 0, err
	}
	total := ep.NAddrs
	return int(math.Ceil(float64(total) / float64(f.streamsPerInstance))), nil
}

// subscribe implements spec.md §4.1's subscribe procedure, steps 3-6.
func (f *FSM) subscribe(ctx context.Context, sets *schema.InstanceSets, allocated []schema.Instance) error {
	for _, inst := range allocated {
		sets.Subscribed.Add(inst)
		sets.Ready.Add(inst)

		group := fmt.Sprintf("%s-%d", f.Array, inst.Index)
		if err := f.gw.Join(ctx, inst, group); err != nil {
			log.Warnf("freesub(%s): join failed for %s: %v", f.Array, inst, err)
		}
	}

	streams, err := f.meta.Streams(ctx)
	if err != nil {
		return fmt.Errorf("resolve streams: %w", err)
	}
	ep, err := firstEndpoint(streams)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	nAddrs := ep.NAddrs

	syncTime, err := f.meta.SyncTime(ctx)
	if err != nil {
		return fmt.Errorf("resolve sync time: %w", err)
	}
	fecenter, err := f.meta.FECenter(ctx, 1, "")
	if err != nil {
		log.Warnf("freesub(%s): FECENTER unavailable: %v", f.Array, err)
	}
	fenchan, err := f.meta.NChannels(ctx)
	if err != nil {
		return fmt.Errorf("resolve n_channels: %w", err)
	}
	chanBW, err := f.meta.ChanBW(ctx)
	if err != nil {
		log.Warnf("freesub(%s): CHAN_BW unavailable: %v", f.Array, err)
	}
	nants, err := f.meta.NumAntennas(ctx)
	if err != nil {
		log.Warnf("freesub(%s): NANTS unavailable: %v", f.Array, err)
	}
	hnchan, err := f.meta.ChanPerSubstream(ctx)
	if err != nil {
		return fmt.Errorf("resolve chan per substream: %w", err)
	}
	hntime, err := f.meta.SpectraPerHeap(ctx)
	if err != nil {
		return fmt.Errorf("resolve spectra per heap: %w", err)
	}
	hclocks, err := f.meta.SamplesPerHeap(ctx)
	if err != nil {
		return fmt.Errorf("resolve samples per heap: %w", err)
	}

	group := f.Array
	groupKV := map[string]string{
		"SUBARRAY": f.Array,
		"BINDPORT": "7148",
		"FENSTRM":  fmt.Sprintf("%d", nAddrs),
		"SYNCTIME": fmt.Sprintf("%.0f", syncTime),
		"FECENTER": fmt.Sprintf("%.3f", fecenter),
		"FENCHAN":  fmt.Sprintf("%d", fenchan),
		"CHAN_BW":  fmt.Sprintf("%.6f", chanBW),
		"HNCHAN":   fmt.Sprintf("%d", hnchan),
		"HNTIME":   fmt.Sprintf("%d", hntime),
		"HCLOCKS":  fmt.Sprintf("%d", hclocks),
		"NANTS":    fmt.Sprintf("%d", nants),
		"DWELL":    "0",
		"PKTSTART": "0",
	}
	for key, val := range groupKV {
		if err := f.gw.PublishGroup(ctx, group, key, val, len(allocated)); err != nil {
			log.Warnf("freesub(%s): publish %s=%s failed: %v", f.Array, key, val, err)
		}
	}

	ranges, err := mcast.Allocate(ep, len(allocated), f.streamsPerInstance)
	if err != nil {
		return fmt.Errorf("allocate multicast groups: %w", err)
	}

	for i, inst := range allocated {
		schan := i * f.streamsPerInstance * hnchan
		instKV := map[string]string{
			"NSTRM":  fmt.Sprintf("%d", ranges[i].Count),
			"SCHAN":  fmt.Sprintf("%d", schan),
			"DESTIP": ranges[i].String(),
		}
		for key, val := range instKV {
			if err := f.gw.PublishInstance(ctx, inst, key, val, 1); err != nil {
				log.Warnf("freesub(%s): publish %s=%s to %s failed: %v", f.Array, key, val, inst, err)
			}
		}
	}

	return nil
}

// firstEndpoint picks a representative SPEAD endpoint to compute the
// multicast address range from (spec.md assumes a uniform port/base
// across the stream set for one subarray).
func firstEndpoint(streams map[string]string) (mcast.Endpoint, error) {
	for _, raw := range streams {
		return mcast.ParseEndpoint(raw)
	}
	return mcast.Endpoint{}, fmt.Errorf("no streams available")
}

// unsubscribe implements spec.md §4.1's unsubscribe procedure (SUBSCRIBED→FREE).
func (f *FSM) unsubscribe(ctx context.Context, sets *schema.InstanceSets) error {
	allocated := sets.Subscribed.Slice()

	for _, inst := range allocated {
		if err := f.gw.PublishInstance(ctx, inst, "DESTIP", "0.0.0.0", 1); err != nil {
			log.Warnf("freesub(%s): DESTIP reset failed for %s: %v", f.Array, inst, err)
		}
		if err := f.gw.PublishInstance(ctx, inst, "DWELL", "0", 1); err != nil {
			log.Warnf("freesub(%s): DWELL reset failed for %s: %v", f.Array, inst, err)
		}
	}

	time.Sleep(3 * time.Second)

	for _, inst := range allocated {
		if _, err := f.analyzer.Restart(ctx, inst, f.gwProcName); err != nil {
			log.Warnf("freesub(%s): restart DAQ/gateway failed for %s: %v", f.Array, inst, err)
		}
		group := fmt.Sprintf("%s-%d", f.Array, inst.Index)
		if err := f.gw.DestroyGroup(ctx, group); err != nil {
			log.Warnf("freesub(%s): destroy group failed for %s: %v", f.Array, group, err)
		}
	}

	time.Sleep(20 * time.Second)

	sets.Subscribed = schema.NewInstanceSet()
	sets.Ready = schema.NewInstanceSet()
	sets.Recording = schema.NewInstanceSet()
	sets.Processing = schema.NewInstanceSet()

	f.pool.Release(allocated...)
	f.State = StateFree
	return nil
}
