// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cloudplane-org/director/sdk/go/director"
)

// A Store is the persistence surface the reconciliation engine needs.
// *pgdb.DB implements it; tests substitute an in-memory double.
type Store interface {
	FindReleaseVersion(ctx context.Context, release, version string) (director.ReleaseVersion, error)
	PackagesForReleaseVersion(ctx context.Context, rvID int64) (map[string]director.Package, error)
	TemplatesForReleaseVersion(ctx context.Context, rvID int64) (map[string]director.Template, error)
	FindStemcell(ctx context.Context, name, version string) (director.Stemcell, error)

	FindDeployment(ctx context.Context, name string) (director.Deployment, error)
	UpsertDeployment(ctx context.Context, d *director.Deployment) error
	BindDeploymentReleaseVersion(ctx context.Context, deploymentID, rvID int64) error
	BindDeploymentStemcell(ctx context.Context, deploymentID, stemcellID int64) error
	DeleteDeployment(ctx context.Context, deploymentID int64) error

	InstancesForDeployment(ctx context.Context, deploymentID int64) ([]director.Instance, error)
	InsertInstance(ctx context.Context, inst *director.Instance) error
	UpdateInstance(ctx context.Context, inst director.Instance) error
	DeleteInstance(ctx context.Context, instanceID int64) error

	InsertVM(ctx context.Context, vm *director.VM) error
	VMByID(ctx context.Context, id int64) (director.VM, error)
	VMsForDeployment(ctx context.Context, deploymentID int64) ([]director.VM, error)
	IdleVMs(ctx context.Context, deploymentID int64, pool string) ([]director.VM, error)
	DeleteVM(ctx context.Context, vmID int64) error

	InsertDisk(ctx context.Context, d *director.Disk) error
	DiskByID(ctx context.Context, id int64) (director.Disk, error)
	DeleteDisk(ctx context.Context, diskID int64) error

	ReserveIP(ctx context.Context, r *director.IPReservation) error
	ReservationsForDeployment(ctx context.Context, deploymentID int64) ([]director.IPReservation, error)
	ReleaseIP(ctx context.Context, network, ip string) error
	ReleaseIPsForInstance(ctx context.Context, instanceID int64) error
}

// Binder reconciles a plan with database state: it adopts existing
// instances, binds IPs, classifies per-instance changes, and computes
// the obsolete set. All decisions land on the plan before any cloud
// call; execution is left to the updaters.
type Binder struct {
	Store Store
}

// Bind runs the single-threaded binding pass. The manifest text is
// persisted on the deployment row as part of binding.
func (b *Binder) Bind(ctx context.Context, plan *Plan, manifestText string) error {
	rv, err := b.Store.FindReleaseVersion(ctx, plan.Manifest.Release.Name, plan.Manifest.Release.Version)
	if err != nil {
		return err
	}
	plan.Release = rv
	if plan.Packages, err = b.Store.PackagesForReleaseVersion(ctx, rv.ID); err != nil {
		return err
	}
	if plan.Templates, err = b.Store.TemplatesForReleaseVersion(ctx, rv.ID); err != nil {
		return err
	}
	if err := b.validateTemplates(plan); err != nil {
		return err
	}

	for _, pool := range plan.Pools {
		sc, err := b.Store.FindStemcell(ctx, pool.StemcellName, pool.StemcellVersion)
		if err != nil {
			return err
		}
		pool.Stemcell = sc
	}

	plan.Deployment = director.Deployment{Name: plan.Name, Manifest: manifestText}
	if err := b.Store.UpsertDeployment(ctx, &plan.Deployment); err != nil {
		return err
	}
	if err := b.Store.BindDeploymentReleaseVersion(ctx, plan.Deployment.ID, rv.ID); err != nil {
		return err
	}
	for _, pool := range plan.Pools {
		if err := b.Store.BindDeploymentStemcell(ctx, plan.Deployment.ID, pool.Stemcell.ID); err != nil {
			return err
		}
	}

	existing, err := b.Store.InstancesForDeployment(ctx, plan.Deployment.ID)
	if err != nil {
		return err
	}
	reservations, err := b.Store.ReservationsForDeployment(ctx, plan.Deployment.ID)
	if err != nil {
		return err
	}
	currentIP := map[int64]string{}
	held := map[string]bool{}
	for _, r := range reservations {
		currentIP[r.InstanceID] = r.IP
		held[r.Network+"/"+r.IP] = true
	}

	// Addresses of idle pool VMs are not instance reservations, but
	// they are still taken: claim them so fresh allocations cannot
	// collide.
	vms, err := b.Store.VMsForDeployment(ctx, plan.Deployment.ID)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if vm.IP == "" || held[vm.Network+"/"+vm.IP] {
			continue
		}
		if n, ok := plan.Networks[vm.Network]; ok {
			n.Reuse(vm.IP)
		}
	}

	byKey := map[string]director.Instance{}
	for _, inst := range existing {
		byKey[fmt.Sprintf("%s/%d", inst.Job, inst.Index)] = inst
	}

	adopted := map[int64]bool{}
	var problems []string
	for _, job := range plan.Jobs {
		for _, ip := range job.Instances {
			row, found := byKey[ip.Name()]
			if found {
				cp := row
				ip.Existing = &cp
				adopted[row.ID] = true
			}
			if err := b.bindIP(ip, currentIP); err != nil {
				problems = append(problems, err.Error())
				continue
			}
			ip.TargetState = targetState(plan, ip)
			b.classify(ip)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return director.NewValidationError(problems)
	}

	for _, inst := range existing {
		if !adopted[inst.ID] {
			plan.Obsolete = append(plan.Obsolete, inst)
		}
	}
	sort.Slice(plan.Obsolete, func(i, j int) bool {
		a, z := plan.Obsolete[i], plan.Obsolete[j]
		return a.Job < z.Job || (a.Job == z.Job && a.Index < z.Index)
	})
	return nil
}

func (b *Binder) validateTemplates(plan *Plan) error {
	var problems []string
	for _, job := range plan.Jobs {
		for _, name := range job.Templates {
			tpl, ok := plan.Templates[name]
			if !ok {
				problems = append(problems, fmt.Sprintf("job %q references template %q not present in release %s/%s",
					job.Name, name, plan.Manifest.Release.Name, plan.Manifest.Release.Version))
				continue
			}
			for _, pkg := range tpl.Packages {
				if _, ok := plan.Packages[pkg]; !ok {
					problems = append(problems, fmt.Sprintf("template %q requires package %q not present in the release", name, pkg))
				}
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return director.NewValidationError(problems)
	}
	return nil
}

func (ip *InstancePlan) currentIP(currentIP map[int64]string) string {
	if ip.Existing == nil {
		return ""
	}
	return currentIP[ip.Existing.ID]
}

// bindIP decides the instance's address: the statically assigned one,
// the one it already holds if still valid, or a fresh allocation.
func (b *Binder) bindIP(ip *InstancePlan, current map[int64]string) error {
	if ip.IP != "" {
		// Static assignment from the manifest, claimed during plan
		// construction.
		return nil
	}
	network := ip.Job.Network
	if held := ip.currentIP(current); held != "" && network.Reuse(held) {
		ip.IP = held
		return nil
	}
	addr, err := network.Allocate()
	if err != nil {
		return fmt.Errorf("instance %s: %s", ip.Name(), err)
	}
	ip.IP = addr
	return nil
}

// classify marks what the instance needs, comparing the state last
// applied to its agent with the target state.
func (b *Binder) classify(ip *InstancePlan) {
	if ip.Existing == nil {
		ip.Change = ChangeNew
		return
	}
	var old map[string]interface{}
	if err := json.Unmarshal([]byte(ip.Existing.State), &old); err != nil || old == nil {
		// Unknown current configuration: re-apply everything.
		ip.Change = ChangeRestart
		return
	}
	target := ip.TargetState

	if !jsonEqual(old["resource_pool"], target["resource_pool"]) ||
		!jsonEqual(old["networks"], target["networks"]) {
		ip.Change = ChangeRecreate
	} else if !jsonEqual(old, target) {
		ip.Change = ChangeRestart
	} else {
		ip.Change = ChangeNone
	}
	if !jsonEqual(old["persistent_disk"], target["persistent_disk"]) {
		ip.DiskChanged = true
		// A disk change alone is handled by migration on the live VM.
		if ip.Change == ChangeNone {
			ip.Change = ChangeRestart
		}
	}
}

// targetState renders the state blob for one instance. It carries
// package identities (name, version, fingerprint), not compiled blob
// references, so it is stable across recompilations.
func targetState(plan *Plan, ip *InstancePlan) map[string]interface{} {
	job := ip.Job
	packages := map[string]interface{}{}
	for _, tname := range job.Templates {
		for _, pname := range plan.Templates[tname].Packages {
			pkg := plan.Packages[pname]
			packages[pname] = map[string]interface{}{
				"name":        pkg.Name,
				"version":     pkg.Version,
				"fingerprint": pkg.Fingerprint,
			}
		}
	}
	state := map[string]interface{}{
		"deployment": plan.Name,
		"release": map[string]interface{}{
			"name":    plan.Manifest.Release.Name,
			"version": plan.Manifest.Release.Version,
		},
		"job": map[string]interface{}{
			"name":      job.Name,
			"templates": append([]string{}, job.Templates...),
		},
		"index": ip.Index,
		"networks": map[string]interface{}{
			job.Network.Name: job.Network.Settings(ip.IP),
		},
		"resource_pool": map[string]interface{}{
			"name": job.Pool.Name,
			"stemcell": map[string]interface{}{
				"name":    job.Pool.StemcellName,
				"version": job.Pool.StemcellVersion,
			},
			"cloud_properties": job.Pool.CloudProperties,
		},
		"packages": packages,
	}
	if job.PersistentDisk > 0 {
		state["persistent_disk"] = job.PersistentDisk
	}
	if job.Properties != nil {
		state["properties"] = job.Properties
	}
	return state
}

// jsonEqual compares two values by canonical JSON encoding, which
// normalizes map ordering and integer/float representations.
func jsonEqual(a, b interface{}) bool {
	ja, erra := json.Marshal(a)
	jb, errb := json.Marshal(b)
	return erra == nil && errb == nil && bytes.Equal(ja, jb)
}
