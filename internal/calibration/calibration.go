// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package calibration is the coordinator's C10 component: a deferred
// worker that retrieves calibration solutions 60s after a recording
// starts and stores them into the shared store's index (spec.md
// §4.5). Scheduling follows the teacher's internal/taskManager
// pattern (gocron.NewJob/gocron.NewTask), using a one-shot duration
// job instead of the teacher's recurring daily jobs.
package calibration

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/metadata"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/go-co-op/gocron/v2"
)

const deferAfter = 60 * time.Second

// TelstateSource fetches the raw G/B/K and HV gain/delay/bandpass
// products for one subarray from the telescope's calibration-solution
// source (spec.md §1 "out of scope... the calibration-solution
// source"). It is an external collaborator interface, implemented by
// whatever client reaches the telstate endpoint named in the sensor
// keys.
type TelstateSource interface {
	FetchSolutions(ctx context.Context, telstateEndpoint string) (Solutions, error)
}

// Solutions holds the raw per-input calibration products for one
// retrieval.
type Solutions struct {
	RetrievedAt float64 // unix seconds, from the source
	GainByInput map[string]complex128
	DelayByInput map[string]float64
	BandpassByInput map[string][]complex128
}

// Worker schedules and runs deferred calibration retrievals.
type Worker struct {
	scheduler gocron.Scheduler
	store     *kvstore.Client
	source    TelstateSource
}

// New wires a Worker to a running gocron scheduler, the shared store,
// and a calibration-solution source.
func New(scheduler gocron.Scheduler, store *kvstore.Client, source TelstateSource) *Worker {
	return &Worker{scheduler: scheduler, store: store, source: source}
}

// ScheduleRetrieval registers a one-shot job that runs deferAfter
// after a recording's RECORD entry, for the given subarray, telstate
// endpoint, and metadata resolver (spec.md §4.5 step "Scheduled 60s
// after record entry").
func (w *Worker) ScheduleRetrieval(array, telstateEndpoint string, meta *metadata.Resolver) {
	_, err := w.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(deferAfter))),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := w.retrieve(ctx, array, telstateEndpoint, meta); err != nil {
				log.Warnf("calibration: retrieval for %s failed: %v", array, err)
			}
		}),
	)
	if err != nil {
		log.Errorf("calibration: could not schedule retrieval for %s: %v", array, err)
	}
}

func (w *Worker) retrieve(ctx context.Context, array, telstateEndpoint string, meta *metadata.Resolver) error {
	lastConfig, err := meta.LastConfig(ctx)
	if err != nil {
		return fmt.Errorf("read last-config: %w", err)
	}

	sol, err := w.source.FetchSolutions(ctx, telstateEndpoint)
	if err != nil {
		return fmt.Errorf("fetch solutions: %w", err)
	}

	if sol.RetrievedAt < lastConfig {
		log.Infof("calibration: %s solutions predate last configure, skipping", array)
		return nil
	}

	lastCal, hadPrior, err := meta.LastCal(ctx)
	if err != nil {
		return fmt.Errorf("read last-cal: %w", err)
	}
	if hadPrior && sol.RetrievedAt <= lastCal {
		log.Infof("calibration: %s solutions not newer than last retrieved set, skipping", array)
		return nil
	}

	combined := combine(sol)

	ts := sol.RetrievedAt
	key := fmt.Sprintf("%s:cal_solutions:%d", array, int64(ts))
	indexKey := array + ":cal_solutions:index"

	if err := w.store.Set(ctx, key, string(combined), 0); err != nil {
		return fmt.Errorf("store solutions: %w", err)
	}
	if err := w.store.ZAdd(ctx, indexKey, ts, key); err != nil {
		return fmt.Errorf("index solutions: %w", err)
	}

	log.Infof("calibration: stored solutions for %s at %s", array, key)
	return nil
}

// combine serializes one complex gain per input: each gain's magnitude
// is clamped to maxGainMagnitude, then its real and imaginary parts are
// appended as big-endian float64 values. Only GainByInput is used;
// the delay and bandpass products are not combined in, no per-channel
// corrections are produced, and no average gain is computed. Inputs
// are written in map iteration order, so their order in the output is
// not defined.
func combine(sol Solutions) []byte {
	const maxGainMagnitude = 10.0

	buf := make([]byte, 0, len(sol.GainByInput)*16)
	for _, g := range sol.GainByInput {
		mag := math.Hypot(real(g), imag(g))
		if mag > maxGainMagnitude {
			scale := maxGainMagnitude / mag
			g = complex(real(g)*scale, imag(g)*scale)
		}
		var re, im [8]byte
		binary.BigEndian.PutUint64(re[:], math.Float64bits(real(g)))
		binary.BigEndian.PutUint64(im[:], math.Float64bits(imag(g)))
		buf = append(buf, re[:]...)
		buf = append(buf, im[:]...)
	}
	return buf
}
