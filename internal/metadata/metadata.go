// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metadata is the coordinator's C5 component: it reads the
// sensor keys the telescope-metadata forwarder populates (spec.md §6)
// and derives the values the FSMs need — DWELL, PKTSTART inputs,
// FECENTER, band, antenna count, sync time, the SPEAD stream map, and
// the active scheduling-block id.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
)

// Resolver reads sensor keys for one subarray.
type Resolver struct {
	store *kvstore.Client
	array string
}

// New returns a Resolver bound to one subarray's sensor-key namespace.
func New(store *kvstore.Client, array string) *Resolver {
	return &Resolver{store: store, array: array}
}

func (r *Resolver) key(suffix string) string {
	return r.array + ":" + suffix
}

func (r *Resolver) getString(ctx context.Context, suffix string) (string, error) {
	val, ok, err := r.store.Get(ctx, r.key(suffix))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("metadata: missing sensor key %q", r.key(suffix))
	}
	return val, nil
}

func (r *Resolver) getFloat(ctx context.Context, suffix string) (float64, error) {
	val, err := r.getString(ctx, suffix)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata: sensor key %q is not numeric: %w", r.key(suffix), err)
	}
	return f, nil
}

func (r *Resolver) getInt(ctx context.Context, suffix string) (int, error) {
	f, err := r.getFloat(ctx, suffix)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Antennas returns the ordered antenna list (<array>:antennas).
func (r *Resolver) Antennas(ctx context.Context) ([]string, error) {
	raw, err := r.getString(ctx, "antennas")
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// fall back to a comma-separated list, as some forwarders emit it unquoted
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// NumAntennas is len(Antennas()).
func (r *Resolver) NumAntennas(ctx context.Context) (int, error) {
	ants, err := r.Antennas(ctx)
	if err != nil {
		return 0, err
	}
	return len(ants), nil
}

// NChannels returns <array>:n_channels (FENCHAN).
func (r *Resolver) NChannels(ctx context.Context) (int, error) {
	return r.getInt(ctx, "n_channels")
}

// cbfPrefix returns the CBF naming prefix used to build the compound
// sensor keys (<array>:cbf_prefix, :cbf_name).
func (r *Resolver) cbfPrefix(ctx context.Context) (string, error) {
	prefix, err := r.getString(ctx, "cbf_prefix")
	if err != nil {
		return "", err
	}
	name, err := r.getString(ctx, "cbf_name")
	if err != nil {
		return "", err
	}
	return prefix + "_" + name, nil
}

// SyncTime returns the F-engine sync time in UNIX seconds
// (<cbf...>_sync_time).
func (r *Resolver) SyncTime(ctx context.Context) (float64, error) {
	prefix, err := r.cbfPrefix(ctx)
	if err != nil {
		return 0, err
	}
	return r.getFloat(ctx, prefix+"_sync_time")
}

// AdcSampleRate returns <cbf...>_adc_sample_rate.
func (r *Resolver) AdcSampleRate(ctx context.Context) (float64, error) {
	prefix, err := r.cbfPrefix(ctx)
	if err != nil {
		return 0, err
	}
	return r.getFloat(ctx, prefix+"_adc_sample_rate")
}

// ChanBW returns the channel bandwidth (<cbf...>_antenna_channelised_voltage_bandwidth / n_channels).
func (r *Resolver) ChanBW(ctx context.Context) (float64, error) {
	prefix, err := r.cbfPrefix(ctx)
	if err != nil {
		return 0, err
	}
	bw, err := r.getFloat(ctx, prefix+"_antenna_channelised_voltage_bandwidth")
	if err != nil {
		return 0, err
	}
	nchan, err := r.NChannels(ctx)
	if err != nil {
		return 0, err
	}
	if nchan == 0 {
		return 0, fmt.Errorf("metadata: n_channels is zero")
	}
	return bw / float64(nchan), nil
}

// ChanPerSubstream returns the CBF channels-per-substream sensor
// (<cbf...>_antenna_channelised_voltage_n_chans_per_substream), the
// gateway's HNCHAN value and the multiplier for each instance's
// absolute starting channel (SCHAN) — not the total channel count
// (original_source coordinator.py chan_per_substream, sub_util.py
// subscribe()).
func (r *Resolver) ChanPerSubstream(ctx context.Context) (int, error) {
	prefix, err := r.cbfPrefix(ctx)
	if err != nil {
		return 0, err
	}
	return r.getInt(ctx, prefix+"_antenna_channelised_voltage_n_chans_per_substream")
}

// SpectraPerHeap returns the CBF spectra-per-heap sensor (HNTIME)
// (original_source coordinator.py spectra_per_heap).
func (r *Resolver) SpectraPerHeap(ctx context.Context) (int, error) {
	prefix, err := r.cbfPrefix(ctx)
	if err != nil {
		return 0, err
	}
	return r.getInt(ctx, prefix+"_tied_array_channelised_voltage_0x_spectra_per_heap")
}

// SamplesPerHeap returns HCLOCKS: the number of ADC samples per heap,
// the product of the per-spectrum sample count and spectra-per-heap
// (original_source coordinator.py samples_per_heap). This is also the
// value PKTSTART timestamp conversion divides by (redis_util.py
// pktidx_to_timestamp).
func (r *Resolver) SamplesPerHeap(ctx context.Context) (int, error) {
	prefix, err := r.cbfPrefix(ctx)
	if err != nil {
		return 0, err
	}
	samplesBetweenSpectra, err := r.getInt(ctx, prefix+"_antenna_channelised_voltage_n_samples_between_spectra")
	if err != nil {
		return 0, err
	}
	spectraPerHeap, err := r.SpectraPerHeap(ctx)
	if err != nil {
		return 0, err
	}
	return samplesBetweenSpectra * spectraPerHeap, nil
}

// FECenter returns the F-engine centre frequency for subarray index n
// and stream prefix, from
// <array>:subarray_<n>_streams_<prefix>_antenna_channelised_voltage_centre_frequency.
func (r *Resolver) FECenter(ctx context.Context, subarrayIndex int, streamPrefix string) (float64, error) {
	suffix := fmt.Sprintf("subarray_%d_streams_%s_antenna_channelised_voltage_centre_frequency", subarrayIndex, streamPrefix)
	return r.getFloat(ctx, suffix)
}

// Band returns <array>:subarray_<n>_band.
func (r *Resolver) Band(ctx context.Context, subarrayIndex int) (string, error) {
	return r.getString(ctx, fmt.Sprintf("subarray_%d_band", subarrayIndex))
}

// ScriptProposalID returns <array>:subarray_<n>_script_proposal_id,
// used to detect primary-time observations.
func (r *Resolver) ScriptProposalID(ctx context.Context, subarrayIndex int) (string, error) {
	return r.getString(ctx, fmt.Sprintf("subarray_%d_script_proposal_id", subarrayIndex))
}

// Streams returns the SPEAD endpoint map from <array>:streams, keyed
// by stream name (e.g. "cbf_1_antenna_channelised_voltage_0").
func (r *Resolver) Streams(ctx context.Context) (map[string]string, error) {
	raw, err := r.getString(ctx, "streams")
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("metadata: malformed streams sensor value: %w", err)
	}
	return out, nil
}

// Target returns the current target string, its update timestamp, and
// the last-track-end timestamp (spec.md §4.2 step 1).
func (r *Resolver) Target(ctx context.Context) (target string, updatedAt float64, lastTrackEnd float64, err error) {
	target, err = r.getString(ctx, "target")
	if err != nil {
		return "", 0, 0, err
	}
	updatedAt, err = r.getFloat(ctx, "last-target")
	if err != nil {
		return "", 0, 0, err
	}
	lastTrackEnd, err = r.getFloat(ctx, "last-track-end")
	if err != nil {
		return "", 0, 0, err
	}
	return target, updatedAt, lastTrackEnd, nil
}

// LastConfig returns <array>:last-config, the UNIX timestamp of the
// most recent configure event — used by the calibration worker to
// detect stale calibration solutions.
func (r *Resolver) LastConfig(ctx context.Context) (float64, error) {
	return r.getFloat(ctx, "last-config")
}

// LastCal returns <array>:last-cal, the UNIX timestamp of the most
// recently retrieved calibration solution set.
func (r *Resolver) LastCal(ctx context.Context) (float64, bool, error) {
	val, ok, err := r.store.Get(ctx, r.key("last-cal"))
	if err != nil || !ok {
		return 0, ok, err
	}
	f, err := strconv.ParseFloat(val, 64)
	return f, true, err
}

// ScheduleBlockID parses <array>:sched_observation_schedule_1, a CSV
// string whose first token is the sb_id "YYYYMMDD-NNNN".
func (r *Resolver) ScheduleBlockID(ctx context.Context) (string, error) {
	raw, err := r.getString(ctx, "sched_observation_schedule_1")
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(first), nil
}
