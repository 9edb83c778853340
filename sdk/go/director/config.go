// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package director

import "encoding/json"

// Config is the director's process configuration, loaded from YAML by
// lib/config. Field tags are json because the YAML loader routes
// through JSON.
type Config struct {
	Listen          string `json:"Listen"`
	LogLevel        string `json:"LogLevel"`
	LogFormat       string `json:"LogFormat"`
	ManagementToken string `json:"ManagementToken"`

	PostgreSQL struct {
		ConnectionString string `json:"ConnectionString"`
		MaxOpenConns     int    `json:"MaxOpenConns"`
	} `json:"PostgreSQL"`

	Blobstore struct {
		Path string `json:"Path"`
	} `json:"Blobstore"`

	TaskLogs struct {
		Path string `json:"Path"`
	} `json:"TaskLogs"`

	Director struct {
		Workers     int      `json:"Workers"`
		LockTTL     Duration `json:"LockTTL"`
		LockTimeout Duration `json:"LockTimeout"`
		Admin       User     `json:"Admin"`
	} `json:"Director"`

	Agent struct {
		SendTimeout Duration `json:"SendTimeout"`
		TaskPollMax Duration `json:"TaskPollMax"`
	} `json:"Agent"`

	Cloud struct {
		Provider   string          `json:"Provider"`
		Properties json.RawMessage `json:"Properties"`
	} `json:"Cloud"`
}
