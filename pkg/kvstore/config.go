// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package kvstore

// Config holds the connection parameters for the shared key/value +
// pub/sub store (spec.md §6: "redis_host, redis_port").
type Config struct {
	Host     string `yaml:"redis_host" json:"redis_host"`
	Port     int    `yaml:"redis_port" json:"redis_port"`
	Password string `yaml:"redis_password" json:"redis_password,omitempty"`
	DB       int    `yaml:"redis_db" json:"redis_db,omitempty"`
}

// Keys holds the global store configuration, set by internal/config
// before Connect is called.
var Keys Config
