// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTelstateSource fetches calibration solutions from the
// telescope's telstate-backed calibration HTTP endpoint, following the
// teacher's bare http.Client outbound-call idiom
// (internal/metricdata/cc-metric-store.go) rather than a third-party
// HTTP client.
type HTTPTelstateSource struct {
	client http.Client
}

// NewHTTPTelstateSource returns a TelstateSource that issues plain GET
// requests against "<telstateEndpoint>/cal_solutions".
func NewHTTPTelstateSource() *HTTPTelstateSource {
	return &HTTPTelstateSource{client: http.Client{Timeout: 20 * time.Second}}
}

type telstateSolutionsWire struct {
	RetrievedAt float64                `json:"retrieved_at"`
	Gain        map[string][2]float64  `json:"gain"`     // [real, imag]
	Delay       map[string]float64     `json:"delay"`
	Bandpass    map[string][][2]float64 `json:"bandpass"` // per-channel [real, imag]
}

// FetchSolutions implements TelstateSource.
func (s *HTTPTelstateSource) FetchSolutions(ctx context.Context, telstateEndpoint string) (Solutions, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, telstateEndpoint+"/cal_solutions", nil)
	if err != nil {
		return Solutions{}, fmt.Errorf("calibration: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Solutions{}, fmt.Errorf("calibration: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Solutions{}, fmt.Errorf("calibration: telstate endpoint returned status %d", resp.StatusCode)
	}

	var wire telstateSolutionsWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Solutions{}, fmt.Errorf("calibration: decode response: %w", err)
	}

	sol := Solutions{
		RetrievedAt:     wire.RetrievedAt,
		GainByInput:     make(map[string]complex128, len(wire.Gain)),
		DelayByInput:    wire.Delay,
		BandpassByInput: make(map[string][]complex128, len(wire.Bandpass)),
	}
	for input, ri := range wire.Gain {
		sol.GainByInput[input] = complex(ri[0], ri[1])
	}
	for input, channels := range wire.Bandpass {
		chans := make([]complex128, len(channels))
		for i, ri := range channels {
			chans[i] = complex(ri[0], ri[1])
		}
		sol.BandpassByInput[input] = chans
	}

	return sol, nil
}
