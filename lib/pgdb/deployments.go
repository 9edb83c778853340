// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pgdb

import (
	"context"

	"github.com/cloudplane-org/director/sdk/go/director"
)

// FindDeployment returns the deployment with the given name, or a
// not_found error.
func (db *DB) FindDeployment(ctx context.Context, name string) (director.Deployment, error) {
	var d director.Deployment
	err := db.GetContext(ctx, &d, `SELECT * FROM deployments WHERE name = $1`, name)
	if ok, err := noRows(err); err != nil {
		return d, err
	} else if !ok {
		return d, director.NewNotFoundError("deployment", name)
	}
	return d, nil
}

// UpsertDeployment creates or updates the deployment row with the
// given manifest text.
func (db *DB) UpsertDeployment(ctx context.Context, d *director.Deployment) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO deployments (name, manifest) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET manifest = EXCLUDED.manifest
		 RETURNING id`, d.Name, d.Manifest).Scan(&d.ID)
}

// ListDeployments returns all deployment names in order.
func (db *DB) ListDeployments(ctx context.Context) ([]string, error) {
	names := []string{}
	err := db.SelectContext(ctx, &names, `SELECT name FROM deployments ORDER BY name`)
	return names, err
}

// BindDeploymentReleaseVersion records that the deployment uses the
// release version (idempotent).
func (db *DB) BindDeploymentReleaseVersion(ctx context.Context, deploymentID, rvID int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO deployment_releases (deployment_id, release_version_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`, deploymentID, rvID)
	return err
}

// BindDeploymentStemcell records that the deployment uses the
// stemcell (idempotent).
func (db *DB) BindDeploymentStemcell(ctx context.Context, deploymentID, stemcellID int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO deployment_stemcells (deployment_id, stemcell_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`, deploymentID, stemcellID)
	return err
}

// DeleteDeployment removes the deployment row and its associations.
// Instances, VMs, disks, and reservations must already be gone.
func (db *DB) DeleteDeployment(ctx context.Context, deploymentID int64) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM deployment_releases WHERE deployment_id = $1`,
		`DELETE FROM deployment_stemcells WHERE deployment_id = $1`,
		`DELETE FROM deployments WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, deploymentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InstancesForDeployment returns the deployment's instances ordered
// by (job, index).
func (db *DB) InstancesForDeployment(ctx context.Context, deploymentID int64) ([]director.Instance, error) {
	out := []director.Instance{}
	err := db.SelectContext(ctx, &out,
		`SELECT * FROM instances WHERE deployment_id = $1 ORDER BY job, idx`, deploymentID)
	return out, err
}

// InsertInstance creates an instance row.
func (db *DB) InsertInstance(ctx context.Context, inst *director.Instance) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO instances (deployment_id, job, idx, state, vm_id, disk_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		inst.DeploymentID, inst.Job, inst.Index, inst.State, inst.VMID, inst.DiskID).
		Scan(&inst.ID)
}

// UpdateInstance saves an instance's state blob and bindings.
func (db *DB) UpdateInstance(ctx context.Context, inst director.Instance) error {
	_, err := db.ExecContext(ctx,
		`UPDATE instances SET state = $2, vm_id = $3, disk_id = $4 WHERE id = $1`,
		inst.ID, inst.State, inst.VMID, inst.DiskID)
	return err
}

// DeleteInstance removes an instance row.
func (db *DB) DeleteInstance(ctx context.Context, instanceID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, instanceID)
	return err
}

// InsertVM creates a VM row.
func (db *DB) InsertVM(ctx context.Context, vm *director.VM) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO vms (deployment_id, agent_id, cid, pool, network, ip)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		vm.DeploymentID, vm.AgentID, vm.CID, vm.Pool, vm.Network, vm.IP).Scan(&vm.ID)
}

// VMByID returns a VM row.
func (db *DB) VMByID(ctx context.Context, id int64) (director.VM, error) {
	var vm director.VM
	err := db.GetContext(ctx, &vm, `SELECT * FROM vms WHERE id = $1`, id)
	return vm, err
}

// VMsForDeployment returns all of the deployment's VMs.
func (db *DB) VMsForDeployment(ctx context.Context, deploymentID int64) ([]director.VM, error) {
	out := []director.VM{}
	err := db.SelectContext(ctx, &out,
		`SELECT * FROM vms WHERE deployment_id = $1 ORDER BY id`, deploymentID)
	return out, err
}

// IdleVMs returns the deployment's VMs in the named pool that are not
// bound to any instance.
func (db *DB) IdleVMs(ctx context.Context, deploymentID int64, pool string) ([]director.VM, error) {
	out := []director.VM{}
	err := db.SelectContext(ctx, &out,
		`SELECT v.* FROM vms v
		 WHERE v.deployment_id = $1 AND v.pool = $2
		 AND NOT EXISTS (SELECT 1 FROM instances i WHERE i.vm_id = v.id)
		 ORDER BY v.id`, deploymentID, pool)
	return out, err
}

// DeleteVM removes a VM row.
func (db *DB) DeleteVM(ctx context.Context, vmID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM vms WHERE id = $1`, vmID)
	return err
}

// InsertDisk creates a disk row.
func (db *DB) InsertDisk(ctx context.Context, d *director.Disk) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO disks (instance_id, cid, size, active)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		d.InstanceID, d.CID, d.Size, d.Active).Scan(&d.ID)
}

// DiskByID returns a disk row.
func (db *DB) DiskByID(ctx context.Context, id int64) (director.Disk, error) {
	var d director.Disk
	err := db.GetContext(ctx, &d, `SELECT * FROM disks WHERE id = $1`, id)
	return d, err
}

// DeleteDisk removes a disk row.
func (db *DB) DeleteDisk(ctx context.Context, diskID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM disks WHERE id = $1`, diskID)
	return err
}

// ReserveIP records an IP reservation. The unique (network, ip)
// constraint enforces that no two holders share an address.
func (db *DB) ReserveIP(ctx context.Context, r *director.IPReservation) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO ip_reservations (deployment_id, network, ip, instance_id)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		r.DeploymentID, r.Network, r.IP, r.InstanceID).Scan(&r.ID)
}

// ReservationsForDeployment returns the deployment's IP reservations.
func (db *DB) ReservationsForDeployment(ctx context.Context, deploymentID int64) ([]director.IPReservation, error) {
	out := []director.IPReservation{}
	err := db.SelectContext(ctx, &out,
		`SELECT * FROM ip_reservations WHERE deployment_id = $1 ORDER BY id`, deploymentID)
	return out, err
}

// ReleaseIP deletes one reservation.
func (db *DB) ReleaseIP(ctx context.Context, network, ip string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM ip_reservations WHERE network = $1 AND ip = $2`, network, ip)
	return err
}

// ReleaseIPsForInstance deletes all reservations held by an instance.
func (db *DB) ReleaseIPsForInstance(ctx context.Context, instanceID int64) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM ip_reservations WHERE instance_id = $1`, instanceID)
	return err
}
