// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the director configuration file, applying
// defaults before overlaying the operator-supplied YAML.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/ghodss/yaml"
)

// DefaultYAML is the baseline configuration. The operator file is
// unmarshalled on top of it, so omitted keys keep these values.
var DefaultYAML = []byte(`
Listen: ":25555"
LogLevel: info
LogFormat: text
PostgreSQL:
  ConnectionString: "dbname=director sslmode=disable"
  MaxOpenConns: 16
Blobstore:
  Path: /var/lib/director/blobs
TaskLogs:
  Path: /var/lib/director/tasks
Director:
  Workers: 2
  LockTTL: 30s
  LockTimeout: 5m
Agent:
  SendTimeout: 30s
  TaskPollMax: 4s
Cloud:
  Provider: dummy
`)

// Load reads YAML config from rdr and returns it merged over the
// defaults.
func Load(rdr io.Reader) (*director.Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg director.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading config defaults: %s", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %s", err)
	}
	if cfg.Director.Workers < 1 {
		return nil, fmt.Errorf("config error: Director.Workers must be >= 1")
	}
	return &cfg, nil
}

// LoadFile is Load on the named file.
func LoadFile(path string) (*director.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
