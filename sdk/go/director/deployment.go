// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package director

// Deployment is the desired-state record for one named deployment:
// the last submitted manifest plus the instances, VMs, and disks that
// realize it.
type Deployment struct {
	ID       int64  `json:"-" db:"id"`
	Name     string `json:"name" db:"name"`
	Manifest string `json:"-" db:"manifest"`
}

// VM is one cloud VM running an agent. A VM bound to an Instance
// belongs to that instance; an unbound VM sits in the idle set of the
// resource pool named by Pool. Network/IP record the reservation made
// when the VM was created, so it can be released on delete.
type VM struct {
	ID           int64  `json:"-" db:"id"`
	DeploymentID int64  `json:"-" db:"deployment_id"`
	AgentID      string `json:"agent_id" db:"agent_id"`
	CID          string `json:"cid" db:"cid"`
	Pool         string `json:"pool" db:"pool"`
	Network      string `json:"network" db:"network"`
	IP           string `json:"ip" db:"ip"`
}

// Instance is one numbered replica of a job within a deployment.
// (DeploymentID, Job, Index) is unique. State is the JSON state blob
// last applied to the instance's agent. VMID and DiskID are zero when
// unbound.
type Instance struct {
	ID           int64  `json:"-" db:"id"`
	DeploymentID int64  `json:"-" db:"deployment_id"`
	Job          string `json:"job" db:"job"`
	Index        int    `json:"index" db:"idx"`
	State        string `json:"-" db:"state"`
	VMID         int64  `json:"-" db:"vm_id"`
	DiskID       int64  `json:"-" db:"disk_id"`
}

// Disk is a persistent disk owned by an Instance. During a disk
// migration two rows exist for the instance; Active marks the one the
// instance should keep.
type Disk struct {
	ID         int64  `json:"-" db:"id"`
	InstanceID int64  `json:"-" db:"instance_id"`
	CID        string `json:"cid" db:"cid"`
	Size       int    `json:"size" db:"size"`
	Active     bool   `json:"active" db:"active"`
}

// IPReservation maps one IP in one network to the instance holding
// it. At most one live reservation exists per (network, ip).
type IPReservation struct {
	ID           int64  `db:"id"`
	DeploymentID int64  `db:"deployment_id"`
	Network      string `db:"network"`
	IP           string `db:"ip"`
	InstanceID   int64  `db:"instance_id"`
}
