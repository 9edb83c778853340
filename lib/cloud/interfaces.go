// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cloud defines the provider capability set the director
// drives: VM, disk, and stemcell operations, uniform across the
// vsphere, esx, and dummy backends. All operations are synchronous
// from the caller's perspective; drivers translate to their backend's
// async tasks internally.
package cloud

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// NetworkSpec is the per-network slice of the settings handed to
// create_vm / configure_networks.
type NetworkSpec struct {
	Type            string                 `json:"type"`
	IP              string                 `json:"ip,omitempty"`
	Netmask         string                 `json:"netmask,omitempty"`
	Gateway         string                 `json:"gateway,omitempty"`
	DNS             []string               `json:"dns,omitempty"`
	CloudProperties map[string]interface{} `json:"cloud_properties,omitempty"`
}

// NetworksSpec maps network name to settings.
type NetworksSpec map[string]NetworkSpec

// An Interface is one configured cloud backend.
//
// All methods are goroutine safe. Errors are returned raw; callers
// wrap them as cloud_error domain errors.
type Interface interface {
	// CreateStemcell registers the OS image at imagePath with the
	// backend and returns its cloud id.
	CreateStemcell(imagePath string, properties map[string]interface{}) (cid string, err error)

	DeleteStemcell(cid string) error

	// CreateVM boots a VM from the stemcell, configured so its
	// agent comes up with the given id, networks, and env.
	CreateVM(agentID, stemcellCID string, cloudProperties map[string]interface{}, networks NetworksSpec, env map[string]interface{}) (cid string, err error)

	DeleteVM(cid string) error

	RebootVM(cid string) error

	ConfigureNetworks(cid string, networks NetworksSpec) error

	// CreateDisk makes a persistent disk of size MiB placed for
	// attachment to the given VM.
	CreateDisk(size int, vmCID string) (cid string, err error)

	DeleteDisk(cid string) error

	AttachDisk(vmCID, diskCID string) error

	DetachDisk(vmCID, diskCID string) error

	// GetDisks returns the cids of disks attached to the VM.
	GetDisks(vmCID string) ([]string, error)

	// SnapshotDisk takes a point-in-time snapshot and returns its
	// cloud id.
	SnapshotDisk(diskCID string) (cid string, err error)
}

// A Driver returns an Interface from driver-dependent configuration.
type Driver interface {
	New(config json.RawMessage, logger logrus.FieldLogger) (Interface, error)
}

// DriverFunc makes a Driver from a function, like http.HandlerFunc.
type DriverFunc func(config json.RawMessage, logger logrus.FieldLogger) (Interface, error)

// New implements Driver.
func (df DriverFunc) New(config json.RawMessage, logger logrus.FieldLogger) (Interface, error) {
	return df(config, logger)
}

var (
	driversMtx sync.Mutex
	drivers    = map[string]Driver{}
)

// Register adds a named driver. Typically called from a driver
// package's init(); the director binary imports the driver packages
// it ships with for side effects.
func Register(name string, d Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	if _, dup := drivers[name]; dup {
		panic("cloud: duplicate driver " + name)
	}
	drivers[name] = d
}

// New builds the provider named in the config.
func New(provider string, config json.RawMessage, logger logrus.FieldLogger) (Interface, error) {
	driversMtx.Lock()
	d, ok := drivers[provider]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported cloud provider %q (have %v)", provider, driverNames())
	}
	return d.New(config, logger.WithField("CloudProvider", provider))
}

func driverNames() []string {
	var names []string
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
