// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package kvstore is the coordinator's C1 component: a typed
// read/write/pub-sub facade over the shared key/value + pub/sub store
// described in spec.md (status hashes, gateway channels, sensor keys,
// sorted-set indices, lists). It wraps github.com/redis/go-redis/v9
// with connection management and subscription tracking, the way
// pkg/nats wraps nats.go in the teacher.
//
// # Usage
//
//	kvstore.Keys = cfg
//	kvstore.Connect()
//
//	client := kvstore.GetClient()
//	client.Subscribe(ctx, "events", func(channel string, payload []byte) {
//	    ...
//	})
//
// # Thread safety
//
// All Client methods are safe for concurrent use.
package kvstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/redis/go-redis/v9"
)

var (
	clientOnce     sync.Once
	clientInstance *Client
)

// MessageHandler is a callback for processing a message received on a
// subscribed channel.
type MessageHandler func(channel string, payload []byte)

// Client wraps a store connection with subscription management.
type Client struct {
	rdb  *redis.Client
	subs []*redis.PubSub
	mu   sync.Mutex
}

// Connect initializes the singleton store client using the global
// Keys config, retrying the initial connection with bounded backoff
// (grounded on automator/redis_util.py's retry-on-connect loop).
func Connect() {
	clientOnce.Do(func() {
		client, err := newClientWithRetry(Keys, 5, time.Second)
		if err != nil {
			log.Abortf("kvstore: could not connect to store at %s:%d: %v", Keys.Host, Keys.Port, err)
			return
		}
		clientInstance = client
	})
}

// GetClient returns the singleton store client instance.
func GetClient() *Client {
	if clientInstance == nil {
		log.Warn("kvstore: client not initialized")
	}
	return clientInstance
}

func newClientWithRetry(cfg Config, attempts int, backoff time.Duration) (*Client, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := NewClient(cfg)
		if err == nil {
			return c, nil
		}
		lastErr = err
		log.Warnf("kvstore: connect attempt %d/%d failed: %v", i+1, attempts, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, lastErr
}

// NewClient creates a new store client and verifies connectivity with
// PING.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	log.Infof("kvstore: connected to %s", cfg.Host)
	return &Client{rdb: rdb}, nil
}

// --- strings / hashes ---

// Get reads a single string key. Returns ("", false, nil) if absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes a single string key with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Del removes one or more keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// HGetAll reads an entire hash (used for DAQ instance status hashes).
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HGet reads a single hash field.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// HSet writes one or more hash fields.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]any) error {
	return c.rdb.HSet(ctx, key, fields).Err()
}

// --- lists ---

// LPush prepends one or more values to a list (used for
// <instance>:unprocessed).
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.rdb.LPush(ctx, key, args...).Err()
}

// --- sorted sets ---

// ZAdd adds a member with the given score (used for
// <array>:cal_solutions:index).
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRevRangeWithScores returns the top n members by descending score.
func (c *Client) ZRevRangeWithScores(ctx context.Context, key string, n int64) ([]redis.Z, error) {
	return c.rdb.ZRevRangeWithScores(ctx, key, 0, n-1).Result()
}

// --- pub/sub ---

// Publish sends payload to the given channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe registers handler for messages on the given channel and
// starts a goroutine delivering them until the subscription is
// cancelled via Close.
func (c *Client) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("kvstore: subscribe to %q failed: %w", channel, err)
	}

	c.subs = append(c.subs, ps)
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	log.Infof("kvstore: subscribed to %q", channel)
	return nil
}

// Flush is a no-op retained for API parity with pkg/nats; go-redis
// writes synchronously per command.
func (c *Client) Flush() error { return nil }

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ps := range c.subs {
		if err := ps.Close(); err != nil {
			log.Warnf("kvstore: unsubscribe failed: %v", err)
		}
	}
	c.subs = nil

	if c.rdb != nil {
		c.rdb.Close()
		log.Info("kvstore: connection closed")
	}
}

// Raw returns the underlying redis client for advanced/bulk usage
// (e.g. the automator:n_proc INCR in the Rec/Proc FSM).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}
