// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package deploy implements the deployment reconciliation engine: the
// manifest/plan model, the binder that reconciles a plan with database
// state, the resource pool / instance / job updaters, and the task
// bodies composing them under the deployment lock.
package deploy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/ghodss/yaml"
)

// Manifest is the YAML document operators submit. Only the fields the
// director consumes are declared; unknown keys are ignored.
type Manifest struct {
	Name    string `json:"name"`
	Release struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"release"`
	Compilation   CompilationManifest    `json:"compilation"`
	Update        UpdateConfig           `json:"update"`
	ResourcePools []ResourcePoolManifest `json:"resource_pools"`
	Networks      []NetworkManifest      `json:"networks"`
	Jobs          []JobManifest          `json:"jobs"`
	Properties    map[string]interface{} `json:"properties"`
}

// CompilationManifest describes the transient VMs used for package
// compilation.
type CompilationManifest struct {
	Workers         int                    `json:"workers"`
	Network         string                 `json:"network"`
	CloudProperties map[string]interface{} `json:"cloud_properties"`
}

// UpdateConfig is the rollout policy, settable deployment-wide and
// overridable per job.
type UpdateConfig struct {
	Canaries        int               `json:"canaries"`
	MaxInFlight     int               `json:"max_in_flight"`
	CanaryWatchTime director.Duration `json:"canary_watch_time"`
	UpdateWatchTime director.Duration `json:"update_watch_time"`
}

// Update policy defaults, applied where the manifest is silent.
const (
	DefaultCanaries    = 1
	DefaultMaxInFlight = 1
)

var (
	DefaultCanaryWatchTime = director.Duration(30 * time.Second)
	DefaultUpdateWatchTime = director.Duration(30 * time.Second)
)

// withDefaults fills unset fields from base, then from the global
// defaults.
func (u UpdateConfig) withDefaults(base UpdateConfig) UpdateConfig {
	if u.Canaries == 0 {
		u.Canaries = base.Canaries
	}
	if u.Canaries == 0 {
		u.Canaries = DefaultCanaries
	}
	if u.MaxInFlight == 0 {
		u.MaxInFlight = base.MaxInFlight
	}
	if u.MaxInFlight == 0 {
		u.MaxInFlight = DefaultMaxInFlight
	}
	u.CanaryWatchTime = u.CanaryWatchTime.Or(base.CanaryWatchTime).Or(DefaultCanaryWatchTime)
	u.UpdateWatchTime = u.UpdateWatchTime.Or(base.UpdateWatchTime).Or(DefaultUpdateWatchTime)
	return u
}

// ResourcePoolManifest declares one pool of interchangeable VMs.
type ResourcePoolManifest struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Stemcell struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"stemcell"`
	Network         string                 `json:"network"`
	CloudProperties map[string]interface{} `json:"cloud_properties"`
	Env             map[string]interface{} `json:"env"`
}

// NetworkManifest declares one network.
type NetworkManifest struct {
	Name            string                 `json:"name"`
	Type            string                 `json:"type"` // manual, dynamic, vip
	Subnets         []SubnetManifest       `json:"subnets"`
	CloudProperties map[string]interface{} `json:"cloud_properties"`
}

// SubnetManifest declares one subnet of a manual network. Static and
// Reserved entries are single IPs or "first - last" ranges.
type SubnetManifest struct {
	Range    string   `json:"range"` // CIDR
	Gateway  string   `json:"gateway"`
	Static   []string `json:"static"`
	Reserved []string `json:"reserved"`
	DNS      []string `json:"dns"`
}

// JobManifest declares one job.
type JobManifest struct {
	Name           string                 `json:"name"`
	Template       TemplateList           `json:"template"`
	Instances      int                    `json:"instances"`
	ResourcePool   string                 `json:"resource_pool"`
	PersistentDisk int                    `json:"persistent_disk"`
	Networks       []JobNetworkManifest   `json:"networks"`
	Update         UpdateConfig           `json:"update"`
	Properties     map[string]interface{} `json:"properties"`
}

// JobNetworkManifest binds a job to a network, optionally pinning
// static IPs (assigned to instances in index order).
type JobNetworkManifest struct {
	Name      string   `json:"name"`
	StaticIPs []string `json:"static_ips"`
}

// TemplateList accepts either a single template name or a list.
type TemplateList []string

// UnmarshalJSON implements json.Unmarshaler.
func (tl *TemplateList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*tl = TemplateList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("template must be a name or a list of names")
	}
	*tl = TemplateList(list)
	return nil
}

// ParseManifest decodes the YAML document. Structural problems are
// reported as bad_manifest; semantic problems are left to plan
// validation.
func ParseManifest(text []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(text, &m); err != nil {
		return m, director.NewBadManifestError(err)
	}
	if m.Name == "" {
		return m, director.NewBadManifestError(fmt.Errorf("manifest has no name"))
	}
	return m, nil
}
