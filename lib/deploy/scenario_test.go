// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudplane-org/director/lib/agent"
	"github.com/cloudplane-org/director/lib/blobstore"
	"github.com/cloudplane-org/director/lib/bus"
	"github.com/cloudplane-org/director/lib/cloud/dummy"
	"github.com/cloudplane-org/director/lib/compiler"
	"github.com/cloudplane-org/director/lib/task"
	"github.com/cloudplane-org/director/sdk/go/ctxlog"
	"github.com/cloudplane-org/director/sdk/go/director"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ScenarioSuite{})

// ScenarioSuite runs full deployment flows through the real task
// runner against the dummy cloud: every VM is an in-process agent on
// the in-memory bus, so the whole control plane is exercised without
// postgres or a hypervisor.
type ScenarioSuite struct {
	store  *memStore
	tstore *memTaskStore
	bus    *bus.MemBus
	cloud  *dummy.Cloud
	blobs  *blobstore.Local
	mgr    *task.Manager
	bodies *Bodies

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *ScenarioSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.store = newMemStore()
	s.tstore = newMemTaskStore()
	s.bus = bus.NewMemBus()
	s.cloud = dummy.New(s.bus, logger)
	var err error
	s.blobs, err = blobstore.NewLocal(c.MkDir())
	c.Assert(err, check.IsNil)

	agents := agent.NewClient(s.bus, logger)
	deployer := &VMDeployer{
		Store:        s.store,
		Cloud:        s.cloud,
		Agents:       agents,
		Logger:       logger,
		WaitForAgent: 5 * time.Second,
	}
	locker := newMemLocker()
	s.bodies = &Bodies{
		Store:    s.store,
		Blobs:    s.blobs,
		Locker:   locker,
		Cloud:    s.cloud,
		Deployer: deployer,
		Compiler: &compiler.Compiler{
			Store:  s.store,
			Locker: locker,
			Agents: agents,
			Logger: logger,
		},
		Logger: logger,
	}

	s.mgr = task.NewManager(s.tstore, s.bus, c.MkDir(), logger)
	runner := task.NewRunner(s.tstore, s.bus, 2, logger, nil)
	s.bodies.RegisterAll(runner)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		runner.Run(ctx)
	}()
}

func (s *ScenarioSuite) TearDownTest(c *check.C) {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for task runner to stop")
	}
	s.bus.Close()
}

// runTask queues a task and waits for it to reach a terminal state.
func (s *ScenarioSuite) runTask(c *check.C, kind director.TaskKind, payload interface{}) director.Task {
	t, err := s.mgr.Create(context.Background(), kind, string(kind), payload)
	c.Assert(err, check.IsNil)
	deadline := time.Now().Add(30 * time.Second)
	for {
		got, err := s.tstore.GetTask(context.Background(), t.ID)
		c.Assert(err, check.IsNil)
		if got.State.Terminal() {
			return got
		}
		if time.Now().After(deadline) {
			c.Fatalf("task %d (%s) stuck in state %s", t.ID, kind, got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *ScenarioSuite) putBundle(c *check.C, v interface{}) string {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	c.Assert(json.NewEncoder(gz).Encode(v), check.IsNil)
	c.Assert(gz.Close(), check.IsNil)
	id, _, _, err := s.blobs.Put(context.Background(), &buf)
	c.Assert(err, check.IsNil)
	return id
}

func (s *ScenarioSuite) uploadRelease(c *check.C) {
	blobID := s.putBundle(c, ReleaseBundle{
		Name:    "myrel",
		Version: "1",
		Packages: []PackageBundle{
			{Name: "pkga", Version: "2", Fingerprint: "fp-a", Data: []byte("src-a")},
			{Name: "pkgb", Version: "1", Fingerprint: "fp-b", Dependencies: []string{"pkga"}, Data: []byte("src-b")},
		},
		Templates: []TemplateBundle{
			{Name: "web", Version: "1", Packages: []string{"pkga", "pkgb"}, Data: []byte("tmpl-web")},
		},
	})
	t := s.runTask(c, director.TaskUpdateRelease, UpdateReleasePayload{BlobID: blobID})
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	c.Check(t.Result, check.Equals, "/releases/myrel/1")
}

func (s *ScenarioSuite) uploadStemcell(c *check.C) {
	blobID := s.putBundle(c, StemcellBundle{
		Name:    "ubuntu",
		Version: "3263",
		Image:   []byte("image-bytes"),
	})
	t := s.runTask(c, director.TaskUpdateStemcell, UpdateStemcellPayload{BlobID: blobID})
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	c.Check(t.Result, check.Equals, "/stemcells/ubuntu/3263")
}

func (s *ScenarioSuite) deploy(c *check.C, manifest string) director.Task {
	return s.runTask(c, director.TaskUpdateDeployment, UpdateDeploymentPayload{Manifest: manifest})
}

func (s *ScenarioSuite) instanceAgents(c *check.C) map[string]*dummy.Agent {
	ctx := context.Background()
	dep, err := s.store.FindDeployment(ctx, "hello")
	c.Assert(err, check.IsNil)
	out := map[string]*dummy.Agent{}
	insts, err := s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	for _, inst := range insts {
		c.Assert(inst.VMID, check.Not(check.Equals), int64(0))
		vm, err := s.store.VMByID(ctx, inst.VMID)
		c.Assert(err, check.IsNil)
		a := s.cloud.AgentForVM(vm.CID)
		c.Assert(a, check.NotNil)
		out[vm.CID] = a
	}
	return out
}

func (s *ScenarioSuite) TestDeploymentLifecycle(c *check.C) {
	ctx := context.Background()
	s.uploadRelease(c)
	s.uploadStemcell(c)

	c.Logf("=== fresh deployment: three instances, all packages compiled")
	t := s.deploy(c, baseManifest)
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	c.Check(t.Result, check.Equals, "/deployments/hello")

	dep, err := s.store.FindDeployment(ctx, "hello")
	c.Assert(err, check.IsNil)
	insts, err := s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	c.Assert(insts, check.HasLen, 3)
	vms, err := s.store.VMsForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	// Pool size equals demand, so no idle VMs and no leftover
	// compilation VMs.
	c.Check(vms, check.HasLen, 3)

	for cid, a := range s.instanceAgents(c) {
		c.Check(a.JobState(), check.Equals, "running", check.Commentf("vm %s", cid))
		spec := a.AppliedSpec()
		pkgs, _ := spec["packages"].(map[string]interface{})
		c.Assert(pkgs, check.HasLen, 2)
		for name, v := range pkgs {
			entry := v.(map[string]interface{})
			c.Check(entry["blobstore_id"], check.Not(check.Equals), "",
				check.Commentf("package %s has no compiled artifact", name))
		}
	}

	c.Logf("=== redeploying the same manifest performs no cloud operations")
	opsBefore := len(s.cloud.Ops())
	t = s.deploy(c, baseManifest)
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	c.Check(s.cloud.Ops(), check.HasLen, opsBefore)

	c.Logf("=== adding a persistent disk restarts in place")
	vmCIDs := map[string]bool{}
	for _, vm := range vms {
		vmCIDs[vm.CID] = true
	}
	withDisk := strings.Replace(baseManifest, "resource_pool: small",
		"resource_pool: small\n    persistent_disk: 1024", 1)
	t = s.deploy(c, withDisk)
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	vms, err = s.store.VMsForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	c.Assert(vms, check.HasLen, 3)
	for _, vm := range vms {
		c.Check(vmCIDs[vm.CID], check.Equals, true, check.Commentf("vm %s was recreated", vm.CID))
	}
	insts, err = s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	for _, inst := range insts {
		c.Assert(inst.DiskID, check.Not(check.Equals), int64(0))
		disk, err := s.store.DiskByID(ctx, inst.DiskID)
		c.Assert(err, check.IsNil)
		c.Check(disk.Size, check.Equals, 1024)
	}

	c.Logf("=== growing the disk migrates it on the same VM")
	bigger := strings.Replace(withDisk, "persistent_disk: 1024", "persistent_disk: 2048", 1)
	t = s.deploy(c, bigger)
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	insts, err = s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	migrated := 0
	for _, inst := range insts {
		disk, err := s.store.DiskByID(ctx, inst.DiskID)
		c.Assert(err, check.IsNil)
		c.Check(disk.Size, check.Equals, 2048)
	}
	for cid, a := range s.instanceAgents(c) {
		c.Check(vmCIDs[cid], check.Equals, true, check.Commentf("vm %s was recreated", cid))
		for _, call := range a.Calls() {
			if call == "migrate_disk" {
				migrated++
			}
		}
		c.Check(a.MountedDisks(), check.HasLen, 1)
	}
	c.Check(migrated, check.Equals, 3)

	c.Logf("=== scaling down deletes the obsolete instance, pool keeps one idle VM")
	scaled := strings.Replace(bigger, "instances: 3", "instances: 2", 1)
	scaled = strings.Replace(scaled, "static_ips: [10.0.0.10, 10.0.0.11, 10.0.0.12]",
		"static_ips: [10.0.0.10, 10.0.0.11]", 1)
	t = s.deploy(c, scaled)
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	insts, err = s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	c.Check(insts, check.HasLen, 2)
	idle, err := s.store.IdleVMs(ctx, dep.ID, "small")
	c.Assert(err, check.IsNil)
	c.Check(idle, check.HasLen, 1)

	c.Logf("=== release and stemcell are busy while the deployment exists")
	t = s.runTask(c, director.TaskDeleteRelease, DeleteReleasePayload{Name: "myrel"})
	c.Check(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `.*release "myrel" is in use by a deployment.*`)
	t = s.runTask(c, director.TaskDeleteStemcell, DeleteStemcellPayload{Name: "ubuntu", Version: "3263"})
	c.Check(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `.*stemcell ubuntu/3263 is in use by a deployment.*`)

	c.Logf("=== deleting the deployment tears everything down")
	t = s.runTask(c, director.TaskDeleteDeployment, DeleteDeploymentPayload{Name: "hello"})
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	_, err = s.store.FindDeployment(ctx, "hello")
	c.Check(err, check.ErrorMatches, `deployment "hello" not found`)
	allVMs, err := s.store.VMsForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	c.Check(allVMs, check.HasLen, 0)
	res, err := s.store.ReservationsForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	c.Check(res, check.HasLen, 0)

	c.Logf("=== now the release and stemcell can go")
	t = s.runTask(c, director.TaskDeleteRelease, DeleteReleasePayload{Name: "myrel"})
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
	_, err = s.store.FindRelease(ctx, "myrel")
	c.Check(err, check.ErrorMatches, `release "myrel" not found`)
	t = s.runTask(c, director.TaskDeleteStemcell, DeleteStemcellPayload{Name: "ubuntu", Version: "3263"})
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))
}

func (s *ScenarioSuite) TestDeployUnknownReleaseFails(c *check.C) {
	s.uploadStemcell(c)
	t := s.deploy(c, baseManifest)
	c.Check(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `.*release version "myrel/1" not found.*`)
}

func (s *ScenarioSuite) TestDuplicateReleaseUploadFails(c *check.C) {
	s.uploadRelease(c)
	blobID := s.putBundle(c, ReleaseBundle{
		Name:    "myrel",
		Version: "1",
		Packages: []PackageBundle{
			{Name: "pkga", Version: "2", Fingerprint: "fp-a", Data: []byte("src-a")},
		},
	})
	t := s.runTask(c, director.TaskUpdateRelease, UpdateReleasePayload{BlobID: blobID})
	c.Check(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `.*release myrel/1 already uploaded.*`)
}

func (s *ScenarioSuite) TestReleaseBundleValidation(c *check.C) {
	blobID := s.putBundle(c, ReleaseBundle{
		Name:    "broken",
		Version: "1",
		Packages: []PackageBundle{
			{Name: "pkga", Version: "1", Fingerprint: "fp", Dependencies: []string{"ghost"}, Data: []byte("x")},
		},
		Templates: []TemplateBundle{
			{Name: "web", Version: "1", Packages: []string{"nope"}, Data: []byte("y")},
		},
	})
	t := s.runTask(c, director.TaskUpdateRelease, UpdateReleasePayload{BlobID: blobID})
	c.Check(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `.*depends on unknown package.*`)
	c.Check(t.Result, check.Matches, `.*references unknown package.*`)
}

func (s *ScenarioSuite) TestCompileVMFailureFailsDeploy(c *check.C) {
	s.uploadRelease(c)
	s.uploadStemcell(c)
	// The first create_vm of an update is a compile VM; with workers: 1
	// there is exactly one, so the injected failure hits it.
	s.cloud.FailNext("create_vm", errors.New("hypervisor rejected the request"))
	t := s.deploy(c, strings.Replace(baseManifest, "workers: 2", "workers: 1", 1))
	c.Check(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `.*cloud error in create_vm: hypervisor rejected the request.*`)

	// The failed update left no VMs behind.
	dep, err := s.store.FindDeployment(context.Background(), "hello")
	c.Assert(err, check.IsNil)
	vms, err := s.store.VMsForDeployment(context.Background(), dep.ID)
	c.Assert(err, check.IsNil)
	c.Check(vms, check.HasLen, 0)
}

func (s *ScenarioSuite) TestDeleteMissingDeployment(c *check.C) {
	t := s.runTask(c, director.TaskDeleteDeployment, DeleteDeploymentPayload{Name: "ghost"})
	c.Check(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `.*deployment "ghost" not found.*`)
}

// A failed migrate_disk preserves the old disk and tears down the
// half-attached new one.
func (s *ScenarioSuite) TestFailedDiskMigrationKeepsOldDisk(c *check.C) {
	ctx := context.Background()
	s.uploadRelease(c)
	s.uploadStemcell(c)
	withDisk := strings.Replace(baseManifest, "resource_pool: small",
		"resource_pool: small\n    persistent_disk: 1024", 1)
	t := s.deploy(c, withDisk)
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))

	dep, err := s.store.FindDeployment(ctx, "hello")
	c.Assert(err, check.IsNil)
	insts, err := s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	oldDisks := map[int64]string{}
	for _, inst := range insts {
		disk, err := s.store.DiskByID(ctx, inst.DiskID)
		c.Assert(err, check.IsNil)
		oldDisks[inst.ID] = disk.CID
	}

	for _, a := range s.instanceAgents(c) {
		a.FailNext("migrate_disk", "copy failed")
	}
	bigger := strings.Replace(withDisk, "persistent_disk: 1024", "persistent_disk: 2048", 1)
	t = s.deploy(c, bigger)
	c.Assert(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `(?s).*update of instance web/0 failed.*copy failed.*`)

	// Every instance still owns its original 1024 disk, and no agent
	// is left with the aborted migration target mounted.
	insts, err = s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	for _, inst := range insts {
		disk, err := s.store.DiskByID(ctx, inst.DiskID)
		c.Assert(err, check.IsNil)
		c.Check(disk.Size, check.Equals, 1024)
		c.Check(disk.CID, check.Equals, oldDisks[inst.ID])
	}
	for _, a := range s.instanceAgents(c) {
		c.Check(a.MountedDisks(), check.HasLen, 1)
	}
}

// A failing canary halts the job update before any non-canary
// instance is touched.
func (s *ScenarioSuite) TestCanaryFailureHaltsJob(c *check.C) {
	ctx := context.Background()
	s.uploadRelease(c)
	s.uploadStemcell(c)
	t := s.deploy(c, baseManifest)
	c.Assert(t.State, check.Equals, director.TaskDone, check.Commentf("result: %s", t.Result))

	// Adding a disk forces a restart of every instance; the canary
	// (lowest index) goes first and its stop fails.
	for _, a := range s.instanceAgents(c) {
		a.FailNext("stop", "monit wedged")
	}
	withDisk := strings.Replace(baseManifest, "resource_pool: small",
		"resource_pool: small\n    persistent_disk: 1024", 1)
	t = s.deploy(c, withDisk)
	c.Assert(t.State, check.Equals, director.TaskError)
	c.Check(t.Result, check.Matches, `(?s).*update of instance web/0 failed.*monit wedged.*`)

	stopped := 0
	for _, a := range s.instanceAgents(c) {
		for _, call := range a.Calls() {
			if call == "stop" {
				stopped++
			}
		}
	}
	c.Check(stopped, check.Equals, 1)

	// No instance got as far as disk work.
	dep, err := s.store.FindDeployment(ctx, "hello")
	c.Assert(err, check.IsNil)
	insts, err := s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	for _, inst := range insts {
		c.Check(inst.DiskID, check.Equals, int64(0))
	}
}

// Two simultaneous deployments of the same name serialize on the
// deployment lock: whichever runs second sees a converged deployment
// and changes nothing, so no duplicate instances or VMs appear.
func (s *ScenarioSuite) TestConcurrentDeploysSerialize(c *check.C) {
	ctx := context.Background()
	s.uploadRelease(c)
	s.uploadStemcell(c)

	payload := UpdateDeploymentPayload{Manifest: baseManifest}
	t1, err := s.mgr.Create(ctx, director.TaskUpdateDeployment, "create deployment hello", payload)
	c.Assert(err, check.IsNil)
	t2, err := s.mgr.Create(ctx, director.TaskUpdateDeployment, "create deployment hello", payload)
	c.Assert(err, check.IsNil)

	deadline := time.Now().Add(60 * time.Second)
	for _, id := range []int64{t1.ID, t2.ID} {
		for {
			got, err := s.tstore.GetTask(ctx, id)
			c.Assert(err, check.IsNil)
			if got.State.Terminal() {
				c.Assert(got.State, check.Equals, director.TaskDone, check.Commentf("task %d: %s", id, got.Result))
				break
			}
			if time.Now().After(deadline) {
				c.Fatalf("task %d stuck in state %s", id, got.State)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	dep, err := s.store.FindDeployment(ctx, "hello")
	c.Assert(err, check.IsNil)
	insts, err := s.store.InstancesForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	c.Check(insts, check.HasLen, 3)
	seen := map[string]bool{}
	for _, inst := range insts {
		key := fmt.Sprintf("%s/%d", inst.Job, inst.Index)
		c.Check(seen[key], check.Equals, false, check.Commentf("duplicate instance %s", key))
		seen[key] = true
	}
	vms, err := s.store.VMsForDeployment(ctx, dep.ID)
	c.Assert(err, check.IsNil)
	c.Check(vms, check.HasLen, 3)
}
