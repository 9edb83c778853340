// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/cloudplane-org/director/lib/blobstore"
	"github.com/cloudplane-org/director/lib/cloud"
	"github.com/cloudplane-org/director/lib/compiler"
	"github.com/cloudplane-org/director/lib/dblock"
	"github.com/cloudplane-org/director/lib/task"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/sirupsen/logrus"
)

// BodyStore extends the reconciliation Store with the release and
// stemcell tables the upload/delete bodies maintain.
type BodyStore interface {
	Store

	FindRelease(ctx context.Context, name string) (director.Release, error)
	UpsertRelease(ctx context.Context, name string) (director.Release, error)
	InsertReleaseVersion(ctx context.Context, rv *director.ReleaseVersion) error
	InsertPackage(ctx context.Context, p *director.Package) error
	InsertTemplate(ctx context.Context, t *director.Template) error
	ReleaseInUse(ctx context.Context, releaseID int64) (bool, error)
	ReleaseBlobIDs(ctx context.Context, releaseID int64) ([]string, error)
	DeleteRelease(ctx context.Context, releaseID int64) error

	InsertStemcell(ctx context.Context, s *director.Stemcell) error
	StemcellInUse(ctx context.Context, stemcellID int64) (bool, error)
	DeleteStemcell(ctx context.Context, stemcellID int64) error
}

// Bodies holds the collaborators shared by all task bodies and
// registers one body per task kind.
type Bodies struct {
	Store    BodyStore
	Blobs    blobstore.Store
	Locker   dblock.Locker
	Cloud    cloud.Interface
	Deployer *VMDeployer
	Compiler *compiler.Compiler
	Logger   logrus.FieldLogger
}

// RegisterAll installs every body on the runner.
func (b *Bodies) RegisterAll(r *task.Runner) {
	r.Handle(director.TaskUpdateDeployment, b.UpdateDeployment)
	r.Handle(director.TaskDeleteDeployment, b.DeleteDeployment)
	r.Handle(director.TaskUpdateRelease, b.UpdateRelease)
	r.Handle(director.TaskDeleteRelease, b.DeleteRelease)
	r.Handle(director.TaskUpdateStemcell, b.UpdateStemcell)
	r.Handle(director.TaskDeleteStemcell, b.DeleteStemcell)
}

// Task payloads, as stored on the task row by the API layer.
type (
	UpdateDeploymentPayload struct {
		Manifest string `json:"manifest"`
	}
	DeleteDeploymentPayload struct {
		Name  string `json:"name"`
		Force bool   `json:"force,omitempty"`
	}
	UpdateReleasePayload struct {
		BlobID string `json:"blob_id"`
	}
	DeleteReleasePayload struct {
		Name  string `json:"name"`
		Force bool   `json:"force,omitempty"`
	}
	UpdateStemcellPayload struct {
		BlobID string `json:"blob_id"`
	}
	DeleteStemcellPayload struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
)

// UpdateDeployment is the update_deployment body: plan, bind, compile,
// reconcile pools, roll jobs in manifest order, delete obsolete
// instances. The deployment lock is held for the whole body.
func (b *Bodies) UpdateDeployment(ctx context.Context, run *task.Run) error {
	var payload UpdateDeploymentPayload
	if err := run.UnmarshalPayload(&payload); err != nil {
		return err
	}
	manifest, err := ParseManifest([]byte(payload.Manifest))
	if err != nil {
		return err
	}
	plan, err := NewPlan(manifest)
	if err != nil {
		return err
	}

	lock, err := b.Locker.Acquire(ctx, dblock.DeploymentLock(plan.Name))
	if err != nil {
		return err
	}
	defer lock.Release()

	binder := &Binder{Store: b.Store}
	if err := binder.Bind(ctx, plan, payload.Manifest); err != nil {
		return err
	}
	if err := b.compilePlan(ctx, run, plan); err != nil {
		return err
	}

	pools := &PoolUpdater{Deployer: b.Deployer, Logger: b.Logger}
	if err := pools.Update(ctx, run, plan); err != nil {
		return err
	}

	instances := &InstanceUpdater{Deployer: b.Deployer, Logger: b.Logger}
	jobs := &JobUpdater{Instances: instances, Logger: b.Logger}
	for _, job := range plan.Jobs {
		if err := run.CheckCancel(ctx); err != nil {
			return err
		}
		if err := jobs.Update(ctx, run, plan, job); err != nil {
			return err
		}
	}

	for i, inst := range plan.Obsolete {
		if err := run.CheckCancel(ctx); err != nil {
			return err
		}
		inst := inst
		err := run.Step("deleting obsolete instances", fmt.Sprintf("%s/%d", inst.Job, inst.Index),
			i+1, len(plan.Obsolete), func() error {
				return instances.Delete(ctx, plan, inst)
			})
		if err != nil {
			return err
		}
	}

	run.SetResult("/deployments/" + plan.Name)
	return nil
}

// compilePlan compiles every package the plan's jobs need, per pool
// stemcell, and records the artifacts on the plan. Compilation VMs
// left over from a failed phase are destroyed before returning.
func (b *Bodies) compilePlan(ctx context.Context, run *task.Run, plan *Plan) error {
	// Needed package names per stemcell ID.
	needed := map[int64]map[string]bool{}
	stemcells := map[int64]director.Stemcell{}
	for _, job := range plan.Jobs {
		sc := job.Pool.Stemcell
		if needed[sc.ID] == nil {
			needed[sc.ID] = map[string]bool{}
			stemcells[sc.ID] = sc
		}
		for _, tmpl := range job.Templates {
			for _, pkg := range plan.Templates[tmpl].Packages {
				needed[sc.ID][pkg] = true
			}
		}
	}
	var scIDs []int64
	for id := range needed {
		scIDs = append(scIDs, id)
	}
	sort.Slice(scIDs, func(i, j int) bool { return scIDs[i] < scIDs[j] })

	pool := &CompileVMPool{Deployer: b.Deployer, Plan: plan}
	defer func() {
		if err := pool.CleanLeftovers(context.WithoutCancel(ctx)); err != nil {
			b.Logger.WithError(err).Warn("could not clean up compilation VMs")
		}
	}()

	plan.Compiled = map[int64]map[string]director.CompiledPackage{}
	for _, scID := range scIDs {
		var names []string
		for name := range needed[scID] {
			names = append(names, name)
		}
		sort.Strings(names)
		results, err := b.Compiler.Compile(ctx, run, compiler.Request{
			Needed:   names,
			Packages: plan.Packages,
			Stemcell: stemcells[scID],
			VMs:      pool,
			Workers:  plan.Compilation.Workers,
		})
		if err != nil {
			return err
		}
		plan.Compiled[scID] = results
	}
	return nil
}

// DeleteDeployment is the delete_deployment body: tear down all
// instances, idle VMs, and rows under the deployment lock. With
// force, teardown errors are logged and skipped so the rows always
// go away.
func (b *Bodies) DeleteDeployment(ctx context.Context, run *task.Run) error {
	var payload DeleteDeploymentPayload
	if err := run.UnmarshalPayload(&payload); err != nil {
		return err
	}
	lock, err := b.Locker.Acquire(ctx, dblock.DeploymentLock(payload.Name))
	if err != nil {
		return err
	}
	defer lock.Release()

	dep, err := b.Store.FindDeployment(ctx, payload.Name)
	if err != nil {
		return err
	}
	logger := b.Logger.WithField("Deployment", dep.Name)

	// The stored manifest supplies network definitions so addresses
	// are freed properly; a deployment with a corrupt manifest can
	// still be force-deleted.
	var plan *Plan
	if m, err := ParseManifest([]byte(dep.Manifest)); err == nil {
		if p, err := NewPlan(m); err == nil {
			plan = p
		}
	}
	if plan == nil && !payload.Force {
		return director.NewBadManifestError(fmt.Errorf("stored manifest for %q is invalid; use force to delete anyway", dep.Name))
	}

	instances := &InstanceUpdater{Deployer: b.Deployer, Logger: b.Logger}
	rows, err := b.Store.InstancesForDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	for i, inst := range rows {
		if err := run.CheckCancel(ctx); err != nil {
			return err
		}
		inst := inst
		err := run.Step("deleting instances", fmt.Sprintf("%s/%d", inst.Job, inst.Index),
			i+1, len(rows), func() error {
				err := instances.Delete(ctx, plan, inst)
				if err != nil && payload.Force {
					logger.WithError(err).Warn("ignoring instance teardown error (force)")
					return b.Store.DeleteInstance(ctx, inst.ID)
				}
				return err
			})
		if err != nil {
			return err
		}
	}

	// Whatever VMs remain are idle pool VMs.
	vms, err := b.Store.VMsForDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	for i, vm := range vms {
		if err := run.CheckCancel(ctx); err != nil {
			return err
		}
		vm := vm
		err := run.Step("deleting idle VMs", vm.CID, i+1, len(vms), func() error {
			var network *Network
			if plan != nil {
				network = plan.Networks[vm.Network]
			}
			err := b.Deployer.DeleteVM(ctx, vm, network)
			if err != nil && payload.Force {
				logger.WithError(err).Warn("ignoring VM teardown error (force)")
				return b.Store.DeleteVM(ctx, vm.ID)
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	if err := b.Store.DeleteDeployment(ctx, dep.ID); err != nil {
		return err
	}
	run.SetResult(fmt.Sprintf("deleted deployment %s", dep.Name))
	return nil
}

// ReleaseBundle is the pre-parsed upload format for POST /releases:
// a gzipped JSON document carrying release metadata and the package
// and template payloads.
type ReleaseBundle struct {
	Name      string           `json:"name"`
	Version   string           `json:"version"`
	Packages  []PackageBundle  `json:"packages"`
	Templates []TemplateBundle `json:"templates"`
}

// PackageBundle is one source package in a release bundle.
type PackageBundle struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Fingerprint  string   `json:"fingerprint"`
	Dependencies []string `json:"dependencies,omitempty"`
	Data         []byte   `json:"data"`
}

// TemplateBundle is one job template in a release bundle.
type TemplateBundle struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Packages []string `json:"packages,omitempty"`
	Data     []byte   `json:"data"`
}

func (b *Bodies) readBundle(ctx context.Context, blobID string, v interface{}) error {
	rc, err := b.Blobs.Get(ctx, blobID)
	if err != nil {
		return err
	}
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return director.NewBadManifestError(fmt.Errorf("upload is not gzip: %w", err))
	}
	defer gz.Close()
	if err := json.NewDecoder(gz).Decode(v); err != nil {
		return director.NewBadManifestError(fmt.Errorf("decoding upload bundle: %w", err))
	}
	return nil
}

func (b *Bodies) dropBundle(ctx context.Context, blobID string) {
	if err := b.Blobs.Delete(ctx, blobID); err != nil {
		b.Logger.WithError(err).WithField("BlobID", blobID).Warn("could not delete upload bundle blob")
	}
}

// UpdateRelease is the update_release body: ingest a release bundle
// under lock:release, storing each package and template payload as
// its own blob.
func (b *Bodies) UpdateRelease(ctx context.Context, run *task.Run) error {
	var payload UpdateReleasePayload
	if err := run.UnmarshalPayload(&payload); err != nil {
		return err
	}
	var bundle ReleaseBundle
	if err := b.readBundle(ctx, payload.BlobID, &bundle); err != nil {
		return err
	}
	if err := validateReleaseBundle(&bundle); err != nil {
		return err
	}

	lock, err := b.Locker.Acquire(ctx, dblock.ReleaseLock)
	if err != nil {
		return err
	}
	defer lock.Release()

	if _, err := b.Store.FindReleaseVersion(ctx, bundle.Name, bundle.Version); err == nil {
		return director.Errorf(director.CodeValidationFailed, http.StatusBadRequest,
			"release %s/%s already uploaded", bundle.Name, bundle.Version)
	}
	rel, err := b.Store.UpsertRelease(ctx, bundle.Name)
	if err != nil {
		return err
	}
	rv := director.ReleaseVersion{ReleaseID: rel.ID, Version: bundle.Version}
	if err := b.Store.InsertReleaseVersion(ctx, &rv); err != nil {
		return err
	}

	for _, pb := range bundle.Packages {
		blobID, sha1hex, err := b.putBlob(ctx, pb.Data)
		if err != nil {
			return err
		}
		pkg := director.Package{
			ReleaseVersionID: rv.ID,
			Name:             pb.Name,
			Version:          pb.Version,
			Fingerprint:      pb.Fingerprint,
			BlobID:           blobID,
			SHA1:             sha1hex,
			Dependencies:     pb.Dependencies,
		}
		if err := b.Store.InsertPackage(ctx, &pkg); err != nil {
			return err
		}
	}
	for _, tb := range bundle.Templates {
		blobID, sha1hex, err := b.putBlob(ctx, tb.Data)
		if err != nil {
			return err
		}
		tmpl := director.Template{
			ReleaseVersionID: rv.ID,
			Name:             tb.Name,
			Version:          tb.Version,
			BlobID:           blobID,
			SHA1:             sha1hex,
			Packages:         tb.Packages,
		}
		if err := b.Store.InsertTemplate(ctx, &tmpl); err != nil {
			return err
		}
	}

	b.dropBundle(ctx, payload.BlobID)
	run.SetResult(fmt.Sprintf("/releases/%s/%s", bundle.Name, bundle.Version))
	return nil
}

func (b *Bodies) putBlob(ctx context.Context, data []byte) (string, string, error) {
	id, sha1hex, _, err := b.Blobs.Put(ctx, bytes.NewReader(data))
	return id, sha1hex, err
}

// validateReleaseBundle aggregates structural problems: missing
// identities, dangling package dependencies, dangling template
// package references.
func validateReleaseBundle(bundle *ReleaseBundle) error {
	var problems []string
	if bundle.Name == "" || bundle.Version == "" {
		problems = append(problems, "release bundle must carry name and version")
	}
	byName := map[string]bool{}
	for _, pb := range bundle.Packages {
		if pb.Name == "" || pb.Version == "" || pb.Fingerprint == "" {
			problems = append(problems, fmt.Sprintf("package %q must carry name, version, and fingerprint", pb.Name))
			continue
		}
		if byName[pb.Name] {
			problems = append(problems, fmt.Sprintf("duplicate package %q", pb.Name))
		}
		byName[pb.Name] = true
	}
	for _, pb := range bundle.Packages {
		for _, dep := range pb.Dependencies {
			if !byName[dep] {
				problems = append(problems, fmt.Sprintf("package %q depends on unknown package %q", pb.Name, dep))
			}
		}
	}
	for _, tb := range bundle.Templates {
		if tb.Name == "" || tb.Version == "" {
			problems = append(problems, fmt.Sprintf("template %q must carry name and version", tb.Name))
		}
		for _, pkg := range tb.Packages {
			if !byName[pkg] {
				problems = append(problems, fmt.Sprintf("template %q references unknown package %q", tb.Name, pkg))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return director.NewValidationError(problems)
	}
	return nil
}

// DeleteRelease is the delete_release body. The in-use check happens
// inside lock:release so a concurrent deployment cannot slip in
// between check and delete. force tolerates missing blobs, not an
// in-use release.
func (b *Bodies) DeleteRelease(ctx context.Context, run *task.Run) error {
	var payload DeleteReleasePayload
	if err := run.UnmarshalPayload(&payload); err != nil {
		return err
	}
	lock, err := b.Locker.Acquire(ctx, dblock.ReleaseLock)
	if err != nil {
		return err
	}
	defer lock.Release()

	rel, err := b.Store.FindRelease(ctx, payload.Name)
	if err != nil {
		return err
	}
	inUse, err := b.Store.ReleaseInUse(ctx, rel.ID)
	if err != nil {
		return err
	}
	if inUse {
		return director.Errorf(director.CodeReleaseInUse, http.StatusConflict,
			"release %q is in use by a deployment", rel.Name)
	}
	blobIDs, err := b.Store.ReleaseBlobIDs(ctx, rel.ID)
	if err != nil {
		return err
	}
	for _, id := range blobIDs {
		if err := b.Blobs.Delete(ctx, id); err != nil {
			if !payload.Force {
				return err
			}
			b.Logger.WithError(err).Warn("ignoring missing blob (force)")
		}
	}
	if err := b.Store.DeleteRelease(ctx, rel.ID); err != nil {
		return err
	}
	run.SetResult(fmt.Sprintf("deleted release %s", rel.Name))
	return nil
}

// StemcellBundle is the pre-parsed upload format for POST /stemcells:
// a gzipped JSON document with the image bytes inline.
type StemcellBundle struct {
	Name            string                 `json:"name"`
	Version         string                 `json:"version"`
	CloudProperties map[string]interface{} `json:"cloud_properties,omitempty"`
	Image           []byte                 `json:"image"`
}

// UpdateStemcell is the update_stemcell body: register the image with
// the cloud provider and record the row, under lock:stemcells.
func (b *Bodies) UpdateStemcell(ctx context.Context, run *task.Run) error {
	var payload UpdateStemcellPayload
	if err := run.UnmarshalPayload(&payload); err != nil {
		return err
	}
	var bundle StemcellBundle
	if err := b.readBundle(ctx, payload.BlobID, &bundle); err != nil {
		return err
	}
	if bundle.Name == "" || bundle.Version == "" {
		return director.NewValidationError([]string{"stemcell bundle must carry name and version"})
	}

	lock, err := b.Locker.Acquire(ctx, dblock.StemcellsLock)
	if err != nil {
		return err
	}
	defer lock.Release()

	if _, err := b.Store.FindStemcell(ctx, bundle.Name, bundle.Version); err == nil {
		return director.Errorf(director.CodeValidationFailed, http.StatusBadRequest,
			"stemcell %s/%s already uploaded", bundle.Name, bundle.Version)
	}

	// The provider interface takes a file path; stage the image.
	tmp, err := os.CreateTemp("", "stemcell-*.img")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bundle.Image); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	cid, err := b.Cloud.CreateStemcell(tmp.Name(), bundle.CloudProperties)
	if err != nil {
		return director.NewCloudError("create_stemcell", err)
	}
	sum := sha1.Sum(bundle.Image)
	sc := director.Stemcell{
		Name:    bundle.Name,
		Version: bundle.Version,
		CID:     cid,
		SHA1:    hex.EncodeToString(sum[:]),
	}
	if err := b.Store.InsertStemcell(ctx, &sc); err != nil {
		// Roll the provider registration back so a retry is clean.
		if derr := b.Cloud.DeleteStemcell(cid); derr != nil {
			b.Logger.WithError(derr).Warn("could not delete stemcell during unwind")
		}
		return err
	}
	b.dropBundle(ctx, payload.BlobID)
	run.SetResult(fmt.Sprintf("/stemcells/%s/%s", sc.Name, sc.Version))
	return nil
}

// DeleteStemcell is the delete_stemcell body.
func (b *Bodies) DeleteStemcell(ctx context.Context, run *task.Run) error {
	var payload DeleteStemcellPayload
	if err := run.UnmarshalPayload(&payload); err != nil {
		return err
	}
	lock, err := b.Locker.Acquire(ctx, dblock.StemcellsLock)
	if err != nil {
		return err
	}
	defer lock.Release()

	sc, err := b.Store.FindStemcell(ctx, payload.Name, payload.Version)
	if err != nil {
		return err
	}
	inUse, err := b.Store.StemcellInUse(ctx, sc.ID)
	if err != nil {
		return err
	}
	if inUse {
		return director.Errorf(director.CodeStemcellInUse, http.StatusConflict,
			"stemcell %s/%s is in use by a deployment", sc.Name, sc.Version)
	}
	if err := b.Cloud.DeleteStemcell(sc.CID); err != nil {
		return director.NewCloudError("delete_stemcell", err)
	}
	if err := b.Store.DeleteStemcell(ctx, sc.ID); err != nil {
		return err
	}
	run.SetResult(fmt.Sprintf("deleted stemcell %s/%s", sc.Name, sc.Version))
	return nil
}
