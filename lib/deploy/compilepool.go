// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudplane-org/director/lib/compiler"
	"github.com/cloudplane-org/director/sdk/go/director"
)

// CompileVMPool implements compiler.VMPool on one plan's compilation
// block: VMs come up on the compilation network with the compilation
// cloud properties, and are destroyed on release. Compilation VMs are
// never added to a resource pool's idle set.
type CompileVMPool struct {
	Deployer *VMDeployer
	Plan     *Plan

	mtx  sync.Mutex
	live map[int64]compileVM // by VM row id
}

type compileVM struct {
	vm      director.VM
	network *Network
}

// Acquire boots a fresh compilation VM from the given stemcell.
func (p *CompileVMPool) Acquire(ctx context.Context, stemcell director.Stemcell) (compiler.CompileVM, error) {
	network, ok := p.Plan.Networks[p.Plan.Compilation.Network]
	if !ok {
		return compiler.CompileVM{}, fmt.Errorf("compilation network %q is not in the plan", p.Plan.Compilation.Network)
	}
	pool := &ResourcePool{
		Name:            "compilation",
		Network:         network.Name,
		CloudProperties: p.Plan.Compilation.CloudProperties,
		Stemcell:        stemcell,
	}
	var ip string
	if network.Type == "manual" {
		var err error
		if ip, err = network.Allocate(); err != nil {
			return compiler.CompileVM{}, err
		}
	}
	vm, err := p.Deployer.CreateVM(ctx, p.Plan.Deployment.ID, pool, network, ip)
	if err != nil {
		if ip != "" {
			network.ReleaseAddr(ip)
		}
		return compiler.CompileVM{}, err
	}
	p.mtx.Lock()
	if p.live == nil {
		p.live = map[int64]compileVM{}
	}
	p.live[vm.ID] = compileVM{vm: vm, network: network}
	p.mtx.Unlock()
	return compiler.CompileVM{ID: vm.ID, AgentID: vm.AgentID, CID: vm.CID}, nil
}

// Release destroys the VM and frees its address.
func (p *CompileVMPool) Release(ctx context.Context, cvm compiler.CompileVM) error {
	p.mtx.Lock()
	entry, ok := p.live[cvm.ID]
	delete(p.live, cvm.ID)
	p.mtx.Unlock()
	if !ok {
		return fmt.Errorf("compile VM %d is not tracked by this pool", cvm.ID)
	}
	return p.Deployer.DeleteVM(ctx, entry.vm, entry.network)
}

// CleanLeftovers destroys any compilation VMs still alive, e.g. after
// a failed compile phase. Errors are collected, not short-circuited.
func (p *CompileVMPool) CleanLeftovers(ctx context.Context) error {
	p.mtx.Lock()
	var entries []compileVM
	for id, entry := range p.live {
		entries = append(entries, entry)
		delete(p.live, id)
	}
	p.mtx.Unlock()
	var firstErr error
	for _, entry := range entries {
		if err := p.Deployer.DeleteVM(ctx, entry.vm, entry.network); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
