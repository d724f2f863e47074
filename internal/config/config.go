// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the coordinator's YAML startup configuration
// (spec.md §6) and validates it against an embedded JSON Schema,
// following internal/config.Init in the teacher (there: JSON + a
// santhosh-tekuri/jsonschema document; here: YAML decoded, then
// re-marshaled to JSON for the same validator).
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/analyzerclient"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Channel describes one multicast data channel handled by the
// fleet, e.g. a band.
type Channel struct {
	Name string `yaml:"name" json:"name"`
}

// HashpipeInstance describes one configured DAQ instance, initially
// owned by the free pool.
type HashpipeInstance struct {
	Host  string `yaml:"host" json:"host"`
	Index int    `yaml:"index" json:"index"`
}

// ArrayConfig describes one subarray the coordinator is prepared to
// manage.
type ArrayConfig struct {
	Name            string `yaml:"name" json:"name"`
	StreamsPerInstance int `yaml:"streams_per_instance" json:"streams_per_instance"`
	PrimaryTimeProposalID string `yaml:"primary_time_proposal_id" json:"primary_time_proposal_id"`
}

// ProgramConfig is the top-level YAML startup configuration (spec.md
// §6): channels, hashpipe_instances, arrays, redis_host, redis_port,
// plus the ambient additions (analyzer bus address, Slack/Grafana
// endpoints) needed to run a complete coordinator.
type ProgramConfig struct {
	Channels          []Channel          `yaml:"channels" json:"channels"`
	HashpipeInstances []HashpipeInstance `yaml:"hashpipe_instances" json:"hashpipe_instances"`
	Arrays            []ArrayConfig      `yaml:"arrays" json:"arrays"`

	RedisHost string `yaml:"redis_host" json:"redis_host"`
	RedisPort int    `yaml:"redis_port" json:"redis_port"`

	AnalyzerBusAddress string `yaml:"analyzer_bus_address" json:"analyzer_bus_address"`

	SlackChannel   string `yaml:"slack_channel" json:"slack_channel"`
	GrafanaURL     string `yaml:"grafana_url" json:"grafana_url"`
	GrafanaToken   string `yaml:"grafana_token" json:"grafana_token"`

	Telescope string `yaml:"telescope" json:"telescope"`
}

// Keys holds the global coordinator configuration, loaded by Init.
var Keys = ProgramConfig{
	RedisHost: "localhost",
	RedisPort: 6379,
	Telescope: "MeerKAT",
}

//go:generate true
const schemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "channels": {"type": "array"},
    "hashpipe_instances": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["host", "index"],
        "properties": {
          "host": {"type": "string"},
          "index": {"type": "integer"}
        }
      }
    },
    "arrays": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "streams_per_instance": {"type": "integer"},
          "primary_time_proposal_id": {"type": "string"}
        }
      }
    },
    "redis_host": {"type": "string"},
    "redis_port": {"type": "integer"},
    "analyzer_bus_address": {"type": "string"},
    "slack_channel": {"type": "string"},
    "grafana_url": {"type": "string"},
    "grafana_token": {"type": "string"},
    "telescope": {"type": "string"}
  },
  "required": ["hashpipe_instances", "arrays", "redis_host", "redis_port"]
}`

func compiledSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("coordinator-config.json", bytes.NewReader([]byte(schemaDoc))); err != nil {
		return nil, err
	}
	return compiler.Compile("coordinator-config.json")
}

// Init reads the YAML file at path, validates it against the embedded
// schema, and overlays it onto the package defaults in Keys. It also
// propagates the relevant sub-config into pkg/kvstore and
// pkg/analyzerclient, mirroring internal/config.Init's ownership of
// the teacher's dependent package configs.
func Init(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	asJSON, err := json.Marshal(normalizeYAML(generic))
	if err != nil {
		return err
	}

	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	var validated any
	if err := json.Unmarshal(asJSON, &validated); err != nil {
		return err
	}
	if err := schema.Validate(validated); err != nil {
		return err
	}

	if err := yaml.Unmarshal(raw, &Keys); err != nil {
		return err
	}

	if len(Keys.Arrays) < 1 {
		log.Abort("config: at least one array required in configuration")
	}

	kvstore.Keys = kvstore.Config{Host: Keys.RedisHost, Port: Keys.RedisPort}
	analyzerclient.Keys = analyzerclient.Config{Address: Keys.AnalyzerBusAddress}

	return nil
}

// normalizeYAML converts map[any]any nodes (as produced by some YAML
// decoders) into map[string]any so the result marshals cleanly to
// JSON for schema validation.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeYAML(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[keyToString(k)] = normalizeYAML(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeYAML(vv)
		}
		return out
	default:
		return val
	}
}

func keyToString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return ""
}
