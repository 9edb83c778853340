// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/sirupsen/logrus"
)

// InstanceUpdater drives one instance from its current configuration
// to the target: the stop → (recreate) → (disk) → apply → start →
// watch state machine. Partial progress is persisted as it happens,
// so a crashed update leaves rows that the next binding pass can
// reconcile.
type InstanceUpdater struct {
	Deployer *VMDeployer
	Logger   logrus.FieldLogger

	// WatchInterval is the agent poll period while waiting for the
	// job to come up (default 1s).
	WatchInterval time.Duration
}

// Update transitions one instance. canary selects the watch deadline.
func (u *InstanceUpdater) Update(ctx context.Context, plan *Plan, ip *InstancePlan, canary bool) error {
	if ip.Change == ChangeNone {
		return nil
	}
	logger := u.Logger.WithFields(logrus.Fields{
		"Instance": ip.Name(),
		"Change":   ip.Change.String(),
	})
	logger.Info("updating instance")
	err := u.update(ctx, plan, ip, canary, logger)
	if err == nil {
		return nil
	}
	if errors.Is(err, director.ErrCancelled) || errors.Is(err, ctx.Err()) {
		return err
	}
	return director.NewInstanceUpdateFailedError(ip.Job.Name, ip.Index, err)
}

func (u *InstanceUpdater) update(ctx context.Context, plan *Plan, ip *InstancePlan, canary bool, logger logrus.FieldLogger) error {
	store := u.Deployer.Store
	network := ip.Job.Network

	// Adopt or create the instance row first, so every later step has
	// a row to hang state off.
	var inst director.Instance
	if ip.Existing != nil {
		inst = *ip.Existing
	} else {
		inst = director.Instance{
			DeploymentID: plan.Deployment.ID,
			Job:          ip.Job.Name,
			Index:        ip.Index,
		}
		if err := store.InsertInstance(ctx, &inst); err != nil {
			return err
		}
		if network.Type == "manual" || network.Type == "vip" {
			if ip.IP == "" {
				return fmt.Errorf("instance %s has no address on network %q", ip.Name(), network.Name)
			}
			err := store.ReserveIP(ctx, &director.IPReservation{
				DeploymentID: plan.Deployment.ID,
				Network:      network.Name,
				IP:           ip.IP,
				InstanceID:   inst.ID,
			})
			if err != nil {
				return err
			}
		}
	}

	var vm director.VM
	if inst.VMID != 0 {
		var err error
		if vm, err = store.VMByID(ctx, inst.VMID); err != nil {
			return err
		}
	}

	var disk director.Disk
	if inst.DiskID != 0 {
		var err error
		if disk, err = store.DiskByID(ctx, inst.DiskID); err != nil {
			return err
		}
	}

	// Stop the running job before touching anything.
	if vm.ID != 0 && (ip.Change == ChangeRestart || ip.Change == ChangeRecreate) {
		if err := u.Deployer.Agents.Stop(ctx, vm.AgentID); err != nil {
			return err
		}
	}

	if ip.Change == ChangeRecreate && vm.ID != 0 {
		if disk.ID != 0 {
			if err := u.Deployer.Agents.UnmountDisk(ctx, vm.AgentID, disk.CID); err != nil {
				return err
			}
			if err := u.Deployer.Cloud.DetachDisk(vm.CID, disk.CID); err != nil {
				return director.NewCloudError("detach_disk", err)
			}
		}
		// The address moves with the instance; only release the VM's
		// address if the instance is changing to a different one.
		var relNet *Network
		if vm.IP != "" && vm.IP != ip.IP {
			relNet = network
		}
		if err := u.Deployer.DeleteVM(ctx, vm, relNet); err != nil {
			return err
		}
		if vm.IP != "" && vm.IP != ip.IP {
			if err := store.ReleaseIP(ctx, vm.Network, vm.IP); err != nil {
				return err
			}
		}
		inst.VMID = 0
		vm = director.VM{}
		if err := store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
	}

	if vm.ID == 0 {
		newVM, err := u.Deployer.CreateVM(ctx, plan.Deployment.ID, ip.Job.Pool, network, ip.IP)
		if err != nil {
			return err
		}
		vm = newVM
		inst.VMID = vm.ID
		if err := store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		// A surviving disk moves to the new VM.
		if disk.ID != 0 {
			if err := u.Deployer.Cloud.AttachDisk(vm.CID, disk.CID); err != nil {
				return director.NewCloudError("attach_disk", err)
			}
			if err := u.Deployer.Agents.MountDisk(ctx, vm.AgentID, disk.CID); err != nil {
				return err
			}
			// The fresh agent must agree it has the data disk before
			// we apply a spec that depends on it.
			mounted, err := u.Deployer.Agents.ListDisk(ctx, vm.AgentID)
			if err != nil {
				return err
			}
			found := false
			for _, cid := range mounted {
				found = found || cid == disk.CID
			}
			if !found {
				return fmt.Errorf("agent %s does not see disk %s after mount", vm.AgentID, disk.CID)
			}
		}
	}

	if err := u.updateDisk(ctx, plan, ip, &inst, vm, disk, logger); err != nil {
		return err
	}

	if err := u.Deployer.Agents.Apply(ctx, vm.AgentID, u.applySpec(plan, ip)); err != nil {
		return err
	}
	if err := u.Deployer.Agents.Start(ctx, vm.AgentID); err != nil {
		return err
	}

	watch := ip.Job.Update.UpdateWatchTime
	if canary {
		watch = ip.Job.Update.CanaryWatchTime
	}
	if err := u.watch(ctx, vm.AgentID, watch.Duration()); err != nil {
		return err
	}

	state, err := json.Marshal(ip.TargetState)
	if err != nil {
		return err
	}
	inst.State = string(state)
	return store.UpdateInstance(ctx, inst)
}

// updateDisk reconciles the instance's persistent disk: create,
// migrate to a new size, or remove. On migration failure the old disk
// is preserved and the new one torn down.
func (u *InstanceUpdater) updateDisk(ctx context.Context, plan *Plan, ip *InstancePlan, inst *director.Instance, vm director.VM, old director.Disk, logger logrus.FieldLogger) error {
	store := u.Deployer.Store
	want := ip.Job.PersistentDisk

	switch {
	case want > 0 && old.ID == 0:
		// First disk for this instance.
		cid, err := u.Deployer.Cloud.CreateDisk(want, vm.CID)
		if err != nil {
			return director.NewCloudError("create_disk", err)
		}
		if err := u.Deployer.Cloud.AttachDisk(vm.CID, cid); err != nil {
			return director.NewCloudError("attach_disk", err)
		}
		if err := u.Deployer.Agents.MountDisk(ctx, vm.AgentID, cid); err != nil {
			return err
		}
		disk := director.Disk{InstanceID: inst.ID, CID: cid, Size: want, Active: true}
		if err := store.InsertDisk(ctx, &disk); err != nil {
			return err
		}
		inst.DiskID = disk.ID
		return store.UpdateInstance(ctx, *inst)

	case want > 0 && old.Size != want:
		return u.migrateDisk(ctx, ip, inst, vm, old, want, logger)

	case want == 0 && old.ID != 0:
		// Disk no longer wanted.
		if err := u.Deployer.Agents.UnmountDisk(ctx, vm.AgentID, old.CID); err != nil {
			return err
		}
		if err := u.Deployer.Cloud.DetachDisk(vm.CID, old.CID); err != nil {
			return director.NewCloudError("detach_disk", err)
		}
		if err := u.Deployer.Cloud.DeleteDisk(old.CID); err != nil {
			return director.NewCloudError("delete_disk", err)
		}
		inst.DiskID = 0
		if err := store.UpdateInstance(ctx, *inst); err != nil {
			return err
		}
		return store.DeleteDisk(ctx, old.ID)
	}
	return nil
}

// migrateDisk resizes by migration: snapshot the old disk, attach and
// mount the new one alongside, copy, then retire the old disk. Any
// failure before the copy completes preserves the old disk.
func (u *InstanceUpdater) migrateDisk(ctx context.Context, ip *InstancePlan, inst *director.Instance, vm director.VM, old director.Disk, want int, logger logrus.FieldLogger) error {
	cloudAPI := u.Deployer.Cloud
	agents := u.Deployer.Agents
	store := u.Deployer.Store

	if snap, err := cloudAPI.SnapshotDisk(old.CID); err != nil {
		logger.WithError(err).Warn("could not snapshot disk before migration")
	} else {
		logger.WithField("Snapshot", snap).Info("snapshotted disk before migration")
	}

	newCID, err := cloudAPI.CreateDisk(want, vm.CID)
	if err != nil {
		return director.NewCloudError("create_disk", err)
	}
	unwind := func(cause error) error {
		if err := agents.UnmountDisk(ctx, vm.AgentID, newCID); err != nil {
			logger.WithError(err).Debug("unmounting new disk during unwind")
		}
		if err := cloudAPI.DetachDisk(vm.CID, newCID); err != nil {
			logger.WithError(err).Debug("detaching new disk during unwind")
		}
		if err := cloudAPI.DeleteDisk(newCID); err != nil {
			logger.WithError(err).Warn("could not delete new disk during unwind")
		}
		return cause
	}
	if err := cloudAPI.AttachDisk(vm.CID, newCID); err != nil {
		return unwind(director.NewCloudError("attach_disk", err))
	}
	if err := agents.MountDisk(ctx, vm.AgentID, newCID); err != nil {
		return unwind(err)
	}
	if err := agents.MigrateDisk(ctx, vm.AgentID, old.CID, newCID); err != nil {
		return unwind(err)
	}

	// Copy done; the new disk is authoritative from here on.
	newDisk := director.Disk{InstanceID: inst.ID, CID: newCID, Size: want, Active: true}
	if err := store.InsertDisk(ctx, &newDisk); err != nil {
		return err
	}
	inst.DiskID = newDisk.ID
	if err := store.UpdateInstance(ctx, *inst); err != nil {
		return err
	}
	if err := agents.UnmountDisk(ctx, vm.AgentID, old.CID); err != nil {
		return err
	}
	if err := cloudAPI.DetachDisk(vm.CID, old.CID); err != nil {
		return director.NewCloudError("detach_disk", err)
	}
	if err := cloudAPI.DeleteDisk(old.CID); err != nil {
		return director.NewCloudError("delete_disk", err)
	}
	return store.DeleteDisk(ctx, old.ID)
}

// applySpec is the target state enriched with the compiled artifact
// references the agent needs to install the packages.
func (u *InstanceUpdater) applySpec(plan *Plan, ip *InstancePlan) map[string]interface{} {
	// Deep copy so the enrichment never leaks into TargetState, which
	// must stay stable for change classification.
	buf, err := json.Marshal(ip.TargetState)
	if err != nil {
		return ip.TargetState
	}
	var spec map[string]interface{}
	if err := json.Unmarshal(buf, &spec); err != nil {
		return ip.TargetState
	}
	compiled := plan.Compiled[ip.Job.Pool.Stemcell.ID]
	packages, _ := spec["packages"].(map[string]interface{})
	for name, v := range packages {
		entry, _ := v.(map[string]interface{})
		if entry == nil {
			continue
		}
		if cp, ok := compiled[name]; ok {
			entry["blobstore_id"] = cp.BlobID
			entry["sha1"] = cp.SHA1
		}
	}
	return spec
}

// watch polls the agent until the job reports running, or the
// deadline passes.
func (u *InstanceUpdater) watch(ctx context.Context, agentID string, timeout time.Duration) error {
	interval := u.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		state, err := u.Deployer.Agents.GetState(ctx, agentID)
		if err != nil {
			return err
		}
		if state["job_state"] == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("job did not reach running state within %s (last state %v)", timeout, state["job_state"])
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Delete tears one instance down completely: job stop, disk, VM, IP
// reservations, and finally the row. Used for obsolete instances and
// for deployment deletion.
func (u *InstanceUpdater) Delete(ctx context.Context, plan *Plan, inst director.Instance) error {
	store := u.Deployer.Store
	logger := u.Logger.WithField("Instance", fmt.Sprintf("%s/%d", inst.Job, inst.Index))
	logger.Info("deleting instance")

	if inst.VMID != 0 {
		vm, err := store.VMByID(ctx, inst.VMID)
		if err != nil {
			return err
		}
		if err := u.Deployer.Agents.Stop(ctx, vm.AgentID); err != nil {
			// The VM is going away regardless.
			logger.WithError(err).Warn("could not stop job before delete")
		}
		if inst.DiskID != 0 {
			disk, err := store.DiskByID(ctx, inst.DiskID)
			if err != nil {
				return err
			}
			if err := u.Deployer.Agents.UnmountDisk(ctx, vm.AgentID, disk.CID); err != nil {
				logger.WithError(err).Warn("could not unmount disk before delete")
			}
			if err := u.Deployer.Cloud.DetachDisk(vm.CID, disk.CID); err != nil {
				logger.WithError(err).Warn("could not detach disk before delete")
			}
			if err := u.Deployer.Cloud.DeleteDisk(disk.CID); err != nil {
				return director.NewCloudError("delete_disk", err)
			}
			if err := store.DeleteDisk(ctx, disk.ID); err != nil {
				return err
			}
		}
		var network *Network
		if plan != nil {
			network = plan.Networks[vm.Network]
		}
		if err := u.Deployer.DeleteVM(ctx, vm, network); err != nil {
			return err
		}
	}
	if inst.VMID == 0 && inst.DiskID != 0 {
		// Orphaned disk from a half-finished update.
		disk, err := store.DiskByID(ctx, inst.DiskID)
		if err != nil {
			return err
		}
		if err := u.Deployer.Cloud.DeleteDisk(disk.CID); err != nil {
			return director.NewCloudError("delete_disk", err)
		}
		if err := store.DeleteDisk(ctx, disk.ID); err != nil {
			return err
		}
	}
	if err := store.ReleaseIPsForInstance(ctx, inst.ID); err != nil {
		return err
	}
	return store.DeleteInstance(ctx, inst.ID)
}
