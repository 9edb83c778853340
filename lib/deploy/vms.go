// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"net"
	"time"

	"github.com/cloudplane-org/director/lib/agent"
	"github.com/cloudplane-org/director/lib/cloud"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// VMDeployer creates and deletes agent-carrying VMs: the shared
// machinery under the resource pool updater, the instance updater,
// and the package compiler.
type VMDeployer struct {
	Store  Store
	Cloud  cloud.Interface
	Agents *agent.Client
	Logger logrus.FieldLogger

	// WaitForAgent bounds how long a freshly created VM gets to
	// answer its first ping (default 4m).
	WaitForAgent time.Duration
}

// cloudSpec renders the network settings handed to the provider.
func (n *Network) cloudSpec(ip string) cloud.NetworkSpec {
	spec := cloud.NetworkSpec{
		Type:            n.Type,
		CloudProperties: n.CloudProperties,
	}
	if ip == "" {
		return spec
	}
	spec.IP = ip
	addr := net.ParseIP(ip)
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for _, s := range n.subnets {
		if addr != nil && s.ipnet.Contains(addr) {
			spec.Netmask = net.IP(s.ipnet.Mask).String()
			spec.Gateway = s.gateway
			spec.DNS = s.dns
			break
		}
	}
	return spec
}

// CreateVM boots one VM on the network address ip (empty for
// provider-assigned), waits for its agent, applies the empty baseline
// state, and records the VM row. On any failure after the cloud
// create, the VM is deleted again.
func (d *VMDeployer) CreateVM(ctx context.Context, deploymentID int64, pool *ResourcePool, network *Network, ip string) (director.VM, error) {
	agentID := uuid.NewString()
	logger := d.Logger.WithFields(logrus.Fields{
		"Pool":    pool.Name,
		"AgentID": agentID,
	})
	cid, err := d.Cloud.CreateVM(agentID, pool.Stemcell.CID, pool.CloudProperties,
		cloud.NetworksSpec{network.Name: network.cloudSpec(ip)}, pool.Env)
	if err != nil {
		return director.VM{}, director.NewCloudError("create_vm", err)
	}
	logger = logger.WithField("CID", cid)
	logger.Info("created VM")

	unwind := func(cause error) (director.VM, error) {
		if err := d.Cloud.DeleteVM(cid); err != nil {
			logger.WithError(err).Warn("could not delete VM during unwind")
		}
		return director.VM{}, cause
	}

	if err := d.waitForAgent(ctx, agentID); err != nil {
		return unwind(err)
	}
	// Establish the empty baseline configuration so the agent is in a
	// known state before any instance claims the VM.
	if err := d.Agents.Apply(ctx, agentID, map[string]interface{}{}); err != nil {
		return unwind(err)
	}
	vm := director.VM{
		DeploymentID: deploymentID,
		AgentID:      agentID,
		CID:          cid,
		Pool:         pool.Name,
		Network:      network.Name,
		IP:           ip,
	}
	if err := d.Store.InsertVM(ctx, &vm); err != nil {
		return unwind(err)
	}
	return vm, nil
}

// waitForAgent pings until the agent answers or the deadline passes.
// Each ping already retries internally on timeout.
func (d *VMDeployer) waitForAgent(ctx context.Context, agentID string) error {
	wait := d.WaitForAgent
	if wait <= 0 {
		wait = 4 * time.Minute
	}
	deadline := time.Now().Add(wait)
	for {
		err := d.Agents.Ping(ctx, agentID)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return director.Errorf(director.CodeAgentUnreachable, 500,
				"agent %s did not come up within %s", agentID, wait)
		}
		de := director.AsError(err)
		if de == nil || de.Code != director.CodeAgentTimeout {
			return err
		}
	}
}

// DeleteVM destroys the cloud VM, frees its address in the allocator,
// and removes the row.
func (d *VMDeployer) DeleteVM(ctx context.Context, vm director.VM, network *Network) error {
	if err := d.Cloud.DeleteVM(vm.CID); err != nil {
		return director.NewCloudError("delete_vm", err)
	}
	if network != nil && vm.IP != "" {
		network.ReleaseAddr(vm.IP)
	}
	if err := d.Store.DeleteVM(ctx, vm.ID); err != nil {
		return err
	}
	d.Logger.WithField("CID", vm.CID).Info("deleted VM")
	return nil
}
