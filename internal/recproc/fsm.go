// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recproc is the coordinator's C7 component: the per-subarray
// Rec/Proc FSM (spec.md §4.2). It owns target acquisition, PKTSTART
// synchronization, DWELL timing, early-stop handling, processing
// dispatch, and the primary-time "hold for intervention" policy.
package recproc

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/alerting"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/calibration"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/events"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/gateway"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/metadata"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/target"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/analyzerclient"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
	"github.com/go-co-op/gocron/v2"
)

// State names the Rec/Proc FSM states (spec.md §4.2).
type State string

const (
	StateReady   State = "READY"
	StateRecord  State = "RECORD"
	StateProcess State = "PROCESS"
	StateWaiting State = "WAITING"
	StateError   State = "ERROR"
)

const (
	dwellSeconds       = 290
	dwellMarginSeconds = 310 // DWELL + margin + safety (spec.md §4.2 step 9)
	pktstartMargin     = 2048
	staleTargetSeconds = 10
	pktstartSkewLimit  = 2 * time.Minute
	minRecordingLength = 150 * time.Second
	processEveryNth    = 10
)

// EventPublisher injects a synthetic event back onto the coordinator's
// event queue (spec.md §9: "deferred work... maps to timers/tasks that
// publish synthetic events back into the main queue").
type EventPublisher interface {
	PublishEvent(ctx context.Context, raw string) error
}

// Deps bundles an FSM's external collaborators.
type Deps struct {
	Store      *kvstore.Client
	Gateway    *gateway.Gateway
	Metadata   *metadata.Resolver
	Alerter    *alerting.Alerter
	Analyzer   *analyzerclient.Client
	Calib      *calibration.Worker
	Scheduler  gocron.Scheduler
	Publisher  EventPublisher

	Telescope             string
	TelstateEndpoint      string
	PrimaryTimeProposalID string
}

// FSM is the per-subarray Rec/Proc state machine.
type FSM struct {
	Array string
	State State

	store     *kvstore.Client
	gw        *gateway.Gateway
	meta      *metadata.Resolver
	alerter   *alerting.Alerter
	analyzer  *analyzerclient.Client
	calib     *calibration.Worker
	scheduler gocron.Scheduler
	publisher EventPublisher

	telescope             string
	telstateEndpoint      string
	primaryTimeProposalID string

	activeDir     string // logical "<pktstart_str>-<sb_id>" directory suffix
	activeOBSID   string
	recordStart   time.Time
	primaryTime   bool
	dwellTimer    gocron.Job
	cycleCount    int
	pendingCode1  []int
	pendingCode2  []int
}

// New returns a Rec/Proc FSM starting in READY.
func New(array string, deps Deps) *FSM {
	return &FSM{
		Array:                 array,
		State:                 StateReady,
		store:                 deps.Store,
		gw:                    deps.Gateway,
		meta:                  deps.Metadata,
		alerter:               deps.Alerter,
		analyzer:              deps.Analyzer,
		calib:                 deps.Calib,
		scheduler:             deps.Scheduler,
		publisher:             deps.Publisher,
		telescope:             deps.Telescope,
		telstateEndpoint:      deps.TelstateEndpoint,
		primaryTimeProposalID: deps.PrimaryTimeProposalID,
	}
}

// Restore sets the FSM's state directly from a persisted snapshot,
// without running any on-entry side effect.
func (f *FSM) Restore(state State) {
	f.State = state
}

// HandleEvent advances the FSM in response to ev, mutating sets. It is
// a no-op for events outside spec.md §4.2's transition table. The
// caller must hold the per-subarray lock for the duration of this
// call — this is also how the "suggest_recording race" open question
// (spec.md §9(b)) is resolved: a second RECORD trigger for the same
// subarray cannot interleave with an in-flight one because both go
// through the same lock before reaching HandleEvent.
func (f *FSM) HandleEvent(ctx context.Context, ev events.Event, sets *schema.InstanceSets) error {
	switch f.State {
	case StateReady:
		if ev.Kind == events.KindRecord {
			return f.enterRecord(ctx, sets)
		}

	case StateRecord:
		switch ev.Kind {
		case events.KindTrackStop:
			return f.stopRecording(ctx, sets, true)
		case events.KindRecEnd:
			return f.stopRecording(ctx, sets, false)
		}

	case StateProcess:
		if ev.Kind == events.KindReturn {
			return f.handleReturn(ctx, sets, ev)
		}

	case StateWaiting, StateError:
		// Sinks; only administrative Reset leaves these states.
	}
	return nil
}

// enterRecord implements spec.md §4.2's Record entry, steps 1-10.
func (f *FSM) enterRecord(ctx context.Context, sets *schema.InstanceSets) error {
	if sets.Subscribed.Len() == 0 || !schema.Subset(sets.Subscribed, sets.Ready) {
		// "only if ready ⊇ subscribed and subscribed ≠ ∅"
		return nil
	}

	// Step 1: resolve and validate the current target.
	targetStr, updatedAt, lastTrackEnd, err := f.meta.Target(ctx)
	if err != nil {
		f.alerter.Warning(ctx, f.Array, fmt.Sprintf("target metadata unavailable: %v", err))
		return nil
	}
	if lastTrackEnd-updatedAt > staleTargetSeconds {
		f.alerter.Warning(ctx, f.Array, "target is stale, skipping record entry")
		return nil
	}
	tgt, err := target.Parse(targetStr)
	if err != nil {
		f.alerter.Warning(ctx, f.Array, fmt.Sprintf("could not parse target %q: %v", targetStr, err))
		return nil
	}

	// Step 2: launch the deferred calibration-solution fetch.
	f.calib.ScheduleRetrieval(f.Array, f.telstateEndpoint, f.meta)

	// Step 3: publish DWELL=290 to the array group.
	allocated := sets.Subscribed.Slice()
	if err := f.gw.PublishGroup(ctx, f.Array, "DWELL", strconv.Itoa(dwellSeconds), len(allocated)); err != nil {
		log.Warnf("recproc(%s): DWELL publish failed: %v", f.Array, err)
	}

	// Step 4: compute PKTSTART.
	pktstart, pktTimestamp, err := f.computePktstart(ctx, allocated)
	if err != nil {
		f.alerter.Warning(ctx, f.Array, fmt.Sprintf("could not compute PKTSTART: %v", err))
		return nil
	}

	sbID, err := f.meta.ScheduleBlockID(ctx)
	if err != nil {
		log.Warnf("recproc(%s): schedule block id unavailable: %v", f.Array, err)
		sbID = "unknown"
	}
	pktstartStr := pktTimestamp.UTC().Format("20060102T150405Z")
	f.activeDir = fmt.Sprintf("%s-%s", pktstartStr, sbID)
	f.activeOBSID = fmt.Sprintf("%s:%s:%s", f.telescope, f.Array, pktstartStr)

	// Step 5: publish per-instance DATADIR and array-wide target fields.
	for _, inst := range allocated {
		datadir := fmt.Sprintf("/buf%d/%s", inst.Index, f.activeDir)
		if err := f.gw.PublishInstance(ctx, inst, "DATADIR", datadir, 1); err != nil {
			log.Warnf("recproc(%s): DATADIR publish failed for %s: %v", f.Array, inst, err)
		}
	}
	groupFields := map[string]string{
		"SRC_NAME": tgt.Name,
		"RA":       strconv.FormatFloat(tgt.RA, 'f', 6, 64),
		"RA_STR":   target.RAString(tgt.RA),
		"DEC":      strconv.FormatFloat(tgt.Dec, 'f', 6, 64),
		"DEC_STR":  target.DecString(tgt.Dec),
		"OBSID":    f.activeOBSID,
	}
	for key, val := range groupFields {
		if err := f.gw.PublishGroup(ctx, f.Array, key, val, len(allocated)); err != nil {
			log.Warnf("recproc(%s): %s publish failed: %v", f.Array, key, err)
		}
	}

	// Step 6: publish PKTSTART last so DAQs start synchronously.
	if err := f.gw.PublishGroup(ctx, f.Array, "PKTSTART", strconv.FormatInt(pktstart, 10), len(allocated)); err != nil {
		log.Warnf("recproc(%s): PKTSTART publish failed: %v", f.Array, err)
	}

	// Step 7: request a target list from the external target selector.
	f.requestTargetList(ctx)

	// Step 8: primary-time check, gates whether this directory is queued
	// for automatic processing.
	proposalID, err := f.meta.ScriptProposalID(ctx, 1)
	if err != nil {
		log.Warnf("recproc(%s): proposal id unavailable: %v", f.Array, err)
	}
	f.primaryTime = f.primaryTimeProposalID != "" && proposalID == f.primaryTimeProposalID

	nants, _ := f.meta.NumAntennas(ctx)
	band, _ := f.meta.Band(ctx, 1)
	rec := schema.RecordingRecord{
		Band:    band,
		StartTS: pktTimestamp.Unix(),
		NAnts:   nants,
		ObsID:   f.activeOBSID,
	}
	if f.primaryTime {
		f.alerter.Intervention(ctx, f.Array, fmt.Sprintf("primary-time observation %s started: human review required before processing", f.activeOBSID))
	} else {
		for _, inst := range allocated {
			datadir := fmt.Sprintf("/buf%d/%s", inst.Index, f.activeDir)
			if err := f.store.LPush(ctx, inst.String()+":unprocessed", datadir); err != nil {
				log.Warnf("recproc(%s): could not enqueue %s for %s: %v", f.Array, datadir, inst, err)
			}
			f.writeMetadataRecord(ctx, datadir, rec)
		}
	}

	// Step 9: DWELL+margin+safety timer.
	f.scheduleRecTimeout(ctx)

	// Step 10: move ready → recording.
	f.recordStart = pktTimestamp
	for _, inst := range allocated {
		sets.Ready.Remove(inst)
		sets.Recording.Add(inst)
	}

	f.State = StateRecord
	return nil
}

// computePktstart implements spec.md §4.2 step 4.
func (f *FSM) computePktstart(ctx context.Context, allocated []schema.Instance) (int64, time.Time, error) {
	var maxIdx int64 = -1
	for _, inst := range allocated {
		status, err := f.store.HGetAll(ctx, fmt.Sprintf("%s/status", inst))
		if err != nil {
			continue
		}
		if status["NETSTAT"] == "" || strings.EqualFold(status["NETSTAT"], "idle") {
			continue
		}
		raw, ok := status["PKTIDX"]
		if !ok {
			continue
		}
		idx, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	if maxIdx < 0 {
		return 0, time.Time{}, fmt.Errorf("no instance reported a usable PKTIDX")
	}

	pktstart := maxIdx + pktstartMargin

	syncTime, err := f.meta.SyncTime(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	fenchan, err := f.meta.NChannels(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	chanBW, err := f.meta.ChanBW(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	hclocks, err := f.meta.SamplesPerHeap(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	tsSeconds := syncTime + float64(pktstart)*float64(hclocks)/(2e6*float64(fenchan)*math.Abs(chanBW))
	ts := time.Unix(int64(tsSeconds), 0)

	if skew := time.Since(ts); skew > pktstartSkewLimit || skew < -pktstartSkewLimit {
		return 0, time.Time{}, fmt.Errorf("computed PKTSTART timestamp %s deviates from wall clock by %s", ts, skew)
	}

	return pktstart, ts, nil
}

func (f *FSM) requestTargetList(ctx context.Context) {
	if err := f.store.Publish(ctx, "target-selector:requests", []byte(f.Array)); err != nil {
		log.Warnf("recproc(%s): target list request failed: %v", f.Array, err)
	}
}

func (f *FSM) writeMetadataRecord(ctx context.Context, datadir string, rec schema.RecordingRecord) {
	fields := map[string]any{
		"band":     rec.Band,
		"start_ts": rec.StartTS,
		"nants":    rec.NAnts,
		"obsid":    rec.ObsID,
	}
	if err := f.store.HSet(ctx, "metadata:"+datadir, fields); err != nil {
		log.Warnf("recproc(%s): could not write metadata record for %s: %v", f.Array, datadir, err)
	}
	if err := f.store.Set(ctx, f.Array+":datadir", datadir, 0); err != nil {
		log.Warnf("recproc(%s): could not write datadir pointer: %v", f.Array, err)
	}
}

func (f *FSM) scheduleRecTimeout(ctx context.Context) {
	job, err := f.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(dwellMarginSeconds*time.Second))),
		gocron.NewTask(func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := f.publisher.PublishEvent(pubCtx, "rec-timeout:"+f.Array); err != nil {
				log.Warnf("recproc(%s): rec-timeout publish failed: %v", f.Array, err)
			}
		}),
	)
	if err != nil {
		log.Errorf("recproc(%s): could not schedule rec-timeout: %v", f.Array, err)
		return
	}
	f.dwellTimer = job
}

func (f *FSM) cancelDwellTimer() {
	if f.dwellTimer == nil {
		return
	}
	if err := f.scheduler.RemoveJob(f.dwellTimer.ID()); err != nil {
		log.Warnf("recproc(%s): could not cancel DWELL timer: %v", f.Array, err)
	}
	f.dwellTimer = nil
}

// stopRecording implements spec.md §4.2's TRACK_STOP/REC_END handling.
// earlyStop distinguishes an operator-driven not-tracking event (which
// carries the "too short" check) from the DWELL timer firing on its
// own (a natural completion).
func (f *FSM) stopRecording(ctx context.Context, sets *schema.InstanceSets, earlyStop bool) error {
	now := time.Now()
	if err := f.store.Set(ctx, "rec_end:"+f.activeDir, strconv.FormatInt(now.Unix(), 10), 0); err != nil {
		log.Warnf("recproc(%s): could not write rec_end: %v", f.Array, err)
	}

	if earlyStop {
		if now.Sub(f.recordStart) < minRecordingLength {
			f.alerter.Warning(ctx, f.Array, "recording too short, ignored")
		}
	}

	f.cancelDwellTimer()

	allocated := sets.Recording.Slice()
	for _, inst := range allocated {
		if err := f.gw.PublishInstance(ctx, inst, "DWELL", "0", 1); err != nil {
			log.Warnf("recproc(%s): DWELL=0 failed for %s: %v", f.Array, inst, err)
		}
		if err := f.gw.PublishInstance(ctx, inst, "PKTSTART", "0", 1); err != nil {
			log.Warnf("recproc(%s): PKTSTART=0 failed for %s: %v", f.Array, inst, err)
		}
	}
	time.Sleep(1500 * time.Millisecond)
	if err := f.gw.PublishGroup(ctx, f.Array, "DWELL", strconv.Itoa(dwellSeconds), len(allocated)); err != nil {
		log.Warnf("recproc(%s): DWELL re-arm failed: %v", f.Array, err)
	}

	if f.primaryTime {
		for _, inst := range allocated {
			sets.Recording.Remove(inst)
			sets.Ready.Add(inst)
		}
		f.State = StateWaiting
		return nil
	}

	return f.enterProcess(ctx, sets)
}

// enterProcess implements spec.md §4.2's Process entry.
func (f *FSM) enterProcess(ctx context.Context, sets *schema.InstanceSets) error {
	allocated := sets.Recording.Slice()
	for _, inst := range allocated {
		sets.Recording.Remove(inst)
		sets.Processing.Add(inst)
	}

	f.cycleCount++
	persistIntermediate := f.cycleCount%processEveryNth == 0

	for _, inst := range allocated {
		procName := "analyzer"
		if _, err := f.analyzer.Start(ctx, inst, procName); err != nil {
			log.Warnf("recproc(%s): analyzer start failed for %s: %v", f.Array, inst, err)
		}
		if persistIntermediate {
			if _, err := f.analyzer.Start(ctx, inst, "analyzer-persist-beamformer"); err != nil {
				log.Warnf("recproc(%s): beamformer persist command failed for %s: %v", f.Array, inst, err)
			}
		}
	}

	f.pendingCode1 = nil
	f.pendingCode2 = nil
	if err := f.alerter.Annotate(ctx, f.Array, fmt.Sprintf("processing started for %s", f.activeOBSID)); err != nil {
		log.Warnf("recproc(%s): grafana annotate failed: %v", f.Array, err)
	}
	f.alerter.Slack(ctx, fmt.Sprintf("[%s] processing %s", f.Array, f.activeOBSID))

	f.State = StateProcess
	return nil
}

// handleReturn implements spec.md §4.2's Process-event handling.
func (f *FSM) handleReturn(ctx context.Context, sets *schema.InstanceSets, ev events.Event) error {
	inst, err := schema.ParseInstance(ev.ReturnInstance)
	if err != nil {
		log.Warnf("recproc(%s): malformed RETURN instance %q", f.Array, ev.ReturnInstance)
		return nil
	}
	if !sets.Processing.Contains(inst) {
		// Spec.md §8: a RETURN for an instance not in processing is a no-op.
		return nil
	}

	sets.Processing.Remove(inst)
	sets.Ready.Add(inst)
	f.pendingCode1 = append(f.pendingCode1, ev.ReturnCode1)
	f.pendingCode2 = append(f.pendingCode2, ev.ReturnCode2)

	if sets.Processing.Len() > 0 {
		return nil
	}

	maxCode1 := -1
	counts := map[int]int{}
	for _, c := range f.pendingCode1 {
		counts[c]++
		if c > maxCode1 {
			maxCode1 = c
		}
	}

	summary := summarizeCodes(counts)
	hasStage2 := false
	for _, c := range f.pendingCode2 {
		if c >= 0 {
			hasStage2 = true
			break
		}
	}

	switch {
	case maxCode1 <= 0:
		f.alerter.Slack(ctx, fmt.Sprintf("[%s] stage 1 complete ✓ (%s)", f.Array, summary))
		f.completeSuccess(ctx)
		f.State = StateReady
	case maxCode1 == 1:
		f.alerter.Warning(ctx, f.Array, fmt.Sprintf("stage 1 complete with warnings (%s)", summary))
		f.completeSuccess(ctx)
		f.State = StateReady
	default:
		f.alerter.Intervention(ctx, f.Array, fmt.Sprintf("analyzer returned fatal code (%s)", summary))
		f.State = StateError
	}

	if hasStage2 {
		f.alerter.Slack(ctx, fmt.Sprintf("[%s] stage 2 summary: %v", f.Array, f.pendingCode2))
	}

	return nil
}

func (f *FSM) completeSuccess(ctx context.Context) {
	if err := f.store.Raw().Incr(ctx, "automator:n_proc").Err(); err != nil {
		log.Warnf("recproc(%s): could not increment n_proc: %v", f.Array, err)
	}
}

func summarizeCodes(counts map[int]int) string {
	parts := make([]string, 0, len(counts))
	for code := 0; code <= 4; code++ {
		if n, ok := counts[code]; ok {
			parts = append(parts, fmt.Sprintf("%d:%d", code, n))
		}
	}
	return strings.Join(parts, ", ")
}
