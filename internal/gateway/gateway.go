// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gateway is the coordinator's C2 component: it publishes
// "KEY=VAL" commands to the per-instance and per-group hashpipe
// gateway channels and retries when the gateway's echoed listener
// count falls short (spec.md §4.1 step 5, §6, §7).
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
)

// Gateway publishes commands through the shared store's pub/sub
// channels, in the "<domain>:<group>///set" (group) and
// "<domain>://<instance>/set" (per-instance) forms from spec.md §6.
type Gateway struct {
	store  *kvstore.Client
	domain string
}

// New returns a Gateway bound to one protocol domain (e.g. "hpguppi").
func New(store *kvstore.Client, domain string) *Gateway {
	return &Gateway{store: store, domain: domain}
}

// GroupChannel is the channel name for an array-wide group command.
func (g *Gateway) GroupChannel(group string) string {
	return fmt.Sprintf("%s:%s///set", g.domain, group)
}

// InstanceChannel is the channel name for a per-instance command.
func (g *Gateway) InstanceChannel(inst schema.Instance) string {
	return fmt.Sprintf("%s://%s/set", g.domain, inst)
}

// ackKey is the string key holding the count the gateway increments once per
// listener that received and applied a given publish. In the absence
// of a real gateway process, the coordinator's own expectation of "one
// ack per allocated instance" is tracked here.
func ackKey(channel, kv string) string {
	return fmt.Sprintf("%s:acks:%s", channel, kv)
}

// PublishGroup sends "KEY=VAL" to the array-wide group channel and
// waits up to `wait` for at least `expect` listener acks, retrying
// `retries` times on shortfall (spec.md §4.1 step 5: 2s wait, up to 3
// retries). It does not itself re-join gateway groups; callers that
// need the "re-join gateway groups" retry side effect do so between
// calls using Join/Leave.
func (g *Gateway) PublishGroup(ctx context.Context, group, key, val string, expect int) error {
	return g.publishWithRetry(ctx, g.GroupChannel(group), key, val, expect, 2*time.Second, 3)
}

// PublishInstance sends "KEY=VAL" to one instance's channel, waiting
// up to 0.5s per key for its single ack (spec.md §4.1 step 5).
func (g *Gateway) PublishInstance(ctx context.Context, inst schema.Instance, key, val string, expect int) error {
	return g.publishWithRetry(ctx, g.InstanceChannel(inst), key, val, expect, 500*time.Millisecond, 3)
}

func (g *Gateway) publishWithRetry(ctx context.Context, channel, key, val string, expect int, wait time.Duration, retries int) error {
	payload := fmt.Sprintf("%s=%s", key, val)

	var lastAcked int64
	for attempt := 0; attempt <= retries; attempt++ {
		if err := g.store.Publish(ctx, channel, []byte(payload)); err != nil {
			return fmt.Errorf("gateway: publish to %q failed: %w", channel, err)
		}

		time.Sleep(wait)

		acked, err := g.countAcks(ctx, channel, payload)
		if err != nil {
			log.Warnf("gateway: could not read ack count for %q: %v", channel, err)
		}
		lastAcked = acked
		if acked >= int64(expect) {
			return nil
		}

		log.Warnf("gateway: %q got %d/%d acks (attempt %d/%d), retrying",
			channel, acked, expect, attempt+1, retries+1)
	}

	log.Warnf("gateway: giving up on %q after %d retries, got %d/%d acks; proceeding anyway",
		channel, retries, lastAcked, expect)
	return nil
}

// countAcks reads the relisten counter the gateway increments for a
// given published key/value. Returns 0, nil if the key has never been
// acked.
func (g *Gateway) countAcks(ctx context.Context, channel, payload string) (int64, error) {
	val, ok, err := g.store.Get(ctx, ackKey(channel, payload))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var n int64
	_, err = fmt.Sscanf(val, "%d", &n)
	return n, err
}

// Join asks instance's gateway to subscribe to the given multicast
// group (e.g. "<array>-<instance_index>", spec.md §4.1 step 3).
func (g *Gateway) Join(ctx context.Context, inst schema.Instance, group string) error {
	channel := g.InstanceChannel(inst)
	payload := fmt.Sprintf("join=%s", group)
	if err := g.store.Publish(ctx, channel, []byte(payload)); err != nil {
		return fmt.Errorf("gateway: join %q on %s failed: %w", group, inst, err)
	}
	return nil
}

// Leave asks instance's gateway to unsubscribe from group.
func (g *Gateway) Leave(ctx context.Context, inst schema.Instance, group string) error {
	channel := g.InstanceChannel(inst)
	payload := fmt.Sprintf("leave=%s", group)
	if err := g.store.Publish(ctx, channel, []byte(payload)); err != nil {
		return fmt.Errorf("gateway: leave %q on %s failed: %w", group, inst, err)
	}
	return nil
}

// DestroyGroup tears down a gateway group entirely (spec.md §4.1
// unsubscribe procedure: "destroy gateway groups").
func (g *Gateway) DestroyGroup(ctx context.Context, group string) error {
	channel := g.GroupChannel(group)
	if err := g.store.Publish(ctx, channel, []byte("destroy=1")); err != nil {
		return fmt.Errorf("gateway: destroy group %q failed: %w", group, err)
	}
	return nil
}
