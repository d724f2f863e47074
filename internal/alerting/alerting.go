// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package alerting sends operator-facing notifications: Slack
// messages over the shared store's pub/sub (spec.md §6
// "slack-messages" channel) and Grafana dashboard annotations over
// HTTP. The HTTP client follows the teacher's own bare http.Client
// idiom (internal/metricdata/cc-metric-store.go) rather than a
// third-party HTTP client — the teacher itself reaches for nothing
// fancier for outbound calls.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
)

const slackChannelKey = "slack-messages"

// Alerter sends Slack and Grafana notifications on behalf of one
// logical source (usually "coordinator").
type Alerter struct {
	store        *kvstore.Client
	slackChannel string
	source       string

	grafanaURL   string
	grafanaToken string
	httpClient   http.Client
}

// New returns an Alerter. grafanaURL may be empty, in which case
// Annotate is a no-op; an empty grafanaToken sends annotations without
// an Authorization header.
func New(store *kvstore.Client, slackChannel, source, grafanaURL, grafanaToken string) *Alerter {
	return &Alerter{
		store:        store,
		slackChannel: slackChannel,
		source:       source,
		grafanaURL:   grafanaURL,
		grafanaToken: grafanaToken,
		httpClient:   http.Client{Timeout: 10 * time.Second},
	}
}

// Slack publishes a Slack message in the form
// "<slack_channel>:[<timestamp> - <source>] <text>" to the
// "slack-messages" channel (spec.md §6).
func (a *Alerter) Slack(ctx context.Context, text string) {
	payload := fmt.Sprintf("%s:[%s - %s] %s",
		a.slackChannel, time.Now().UTC().Format(time.RFC3339), a.source, text)
	if err := a.store.Publish(ctx, slackChannelKey, []byte(payload)); err != nil {
		log.Warnf("alerting: slack publish failed: %v", err)
	}
}

type grafanaAnnotation struct {
	Time     int64    `json:"time"`
	IsRegion bool     `json:"isRegion"`
	Tags     []string `json:"tags"`
	Text     string   `json:"text"`
}

// Annotate POSTs a Grafana annotation JSON payload with bearer auth
// (spec.md §6). A non-configured Alerter silently skips the call.
func (a *Alerter) Annotate(ctx context.Context, tag, text string) error {
	if a.grafanaURL == "" {
		return nil
	}

	body, err := json.Marshal(grafanaAnnotation{
		Time:     time.Now().UnixMilli(),
		IsRegion: false,
		Tags:     []string{tag},
		Text:     text,
	})
	if err != nil {
		return fmt.Errorf("alerting: encode grafana annotation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.grafanaURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: build grafana request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.grafanaToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.grafanaToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: grafana request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: grafana returned status %d", resp.StatusCode)
	}
	return nil
}

// Warning logs and Slacks an operational warning in one call (it
// does not add a Grafana annotation) — the common "emit an alert but keep going" path used
// throughout §7's error taxonomy.
func (a *Alerter) Warning(ctx context.Context, array, text string) {
	msg := fmt.Sprintf("[%s] %s", array, text)
	log.Warn("alerting: " + msg)
	a.Slack(ctx, msg)
}

// Intervention raises a human-intervention alert (primary-time hold,
// fatal analyzer error) with elevated visibility.
func (a *Alerter) Intervention(ctx context.Context, array, text string) {
	msg := fmt.Sprintf("[%s] INTERVENTION REQUIRED: %s", array, text)
	log.Crit("alerting: " + msg)
	a.Slack(ctx, msg)
	if err := a.Annotate(ctx, array, msg); err != nil {
		log.Warnf("alerting: annotate failed: %v", err)
	}
}
