// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package analyzerclient is the coordinator's C9 component: a remote
// control client for the per-host analyzer process (spec.md §4.4).
//
// The spec describes the wire transport as a JSON control message
// sent over a DEALER-style ZeroMQ socket to <host>:5555, expecting a
// single "{"status":"ok"}" reply. No ZeroMQ binding exists anywhere in
// the retrieval pack this coordinator was built from, so the same
// one-shot request/single-reply exchange is carried over NATS request/
// reply instead — the teacher's own messaging client already exposes
// exactly that shape (Client.Request), so this package adapts it
// rather than introducing a new transport idiom.
//
// # Usage
//
//	analyzerclient.Keys = cfg
//	analyzerclient.Connect()
//
//	client := analyzerclient.GetClient()
//	ok, err := client.Start(ctx, instance, "seticore")
package analyzerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
	"github.com/nats-io/nats.go"
)

// Config holds the connection parameters for the analyzer control bus.
type Config struct {
	Address string `yaml:"analyzer_bus_address" json:"analyzer_bus_address"`
}

// Keys holds the global analyzer-bus configuration.
var Keys Config

var (
	clientOnce     sync.Once
	clientInstance *Client
)

// Client wraps a NATS connection used only for analyzer control
// commands.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
}

// Connect initializes the singleton analyzer control client using the
// global Keys config.
func Connect() {
	clientOnce.Do(func() {
		if Keys.Address == "" {
			log.Warn("analyzerclient: no address configured, skipping connection")
			return
		}

		client, err := NewClient(Keys)
		if err != nil {
			log.Warnf("analyzerclient: connection failed: %v", err)
			return
		}

		clientInstance = client
	})
}

// GetClient returns the singleton analyzer control client.
func GetClient() *Client {
	if clientInstance == nil {
		log.Warn("analyzerclient: client not initialized")
	}
	return clientInstance
}

// NewClient creates a new analyzer control client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("analyzer bus address is required")
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("analyzerclient: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("analyzerclient: reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("analyzerclient: connect failed: %w", err)
	}

	log.Infof("analyzerclient: connected to %s", cfg.Address)
	return &Client{conn: nc}, nil
}

// Command names recognized by the analyzer control protocol.
const (
	CommandStart   = "start"
	CommandStop    = "stop"
	CommandRestart = "restart"
)

type controlMessage struct {
	Command    string               `json:"command"`
	Properties controlMessageProps `json:"properties"`
}

type controlMessageProps struct {
	Name    string `json:"name"`
	Waiting bool   `json:"waiting"`
	Match   string `json:"match"`
}

type controlReply struct {
	Status string `json:"status"`
}

// subject returns the per-host control subject the analyzer process
// on inst.Host listens on.
func subject(inst schema.Instance) string {
	return fmt.Sprintf("analyzer.%s.control", inst.Host)
}

// send issues one control command to the analyzer/DAQ process running
// on inst's host and reports whether it replied {"status":"ok"}.
func (c *Client) send(ctx context.Context, inst schema.Instance, command, procName string) (bool, error) {
	msg := controlMessage{
		Command: command,
		Properties: controlMessageProps{
			Name:    procName,
			Waiting: false,
			Match:   "simple",
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("analyzerclient: encode command: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.conn.RequestWithContext(reqCtx, subject(inst), payload)
	if err != nil {
		return false, fmt.Errorf("analyzerclient: request to %s failed: %w", inst, err)
	}

	var reply controlReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return false, fmt.Errorf("analyzerclient: decode reply from %s: %w", inst, err)
	}

	return reply.Status == "ok", nil
}

// Start launches the named analyzer process on inst's host.
func (c *Client) Start(ctx context.Context, inst schema.Instance, procName string) (bool, error) {
	return c.send(ctx, inst, CommandStart, procName)
}

// Stop stops the named process on inst's host.
func (c *Client) Stop(ctx context.Context, inst schema.Instance, procName string) (bool, error) {
	return c.send(ctx, inst, CommandStop, procName)
}

// Restart restarts the named process on inst's host. Used by the
// Free/Subscribed FSM's unsubscribe procedure to restart the DAQ and
// gateway processes.
func (c *Client) Restart(ctx context.Context, inst schema.Instance, procName string) (bool, error) {
	return c.send(ctx, inst, CommandRestart, procName)
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
