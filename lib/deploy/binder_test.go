// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cloudplane-org/director/sdk/go/director"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BinderSuite{})

type BinderSuite struct {
	store  *memStore
	binder *Binder
}

func (s *BinderSuite) SetUpTest(c *check.C) {
	s.store = newMemStore()
	s.binder = &Binder{Store: s.store}
	ctx := context.Background()

	rel, err := s.store.UpsertRelease(ctx, "myrel")
	c.Assert(err, check.IsNil)
	rv := director.ReleaseVersion{ReleaseID: rel.ID, Version: "1"}
	c.Assert(s.store.InsertReleaseVersion(ctx, &rv), check.IsNil)
	pkg := director.Package{
		ReleaseVersionID: rv.ID,
		Name:             "pkga",
		Version:          "2",
		Fingerprint:      "fp-a",
		BlobID:           "blob-a",
		SHA1:             "aa",
	}
	c.Assert(s.store.InsertPackage(ctx, &pkg), check.IsNil)
	tpl := director.Template{
		ReleaseVersionID: rv.ID,
		Name:             "web",
		Version:          "1",
		BlobID:           "blob-web",
		SHA1:             "bb",
		Packages:         []string{"pkga"},
	}
	c.Assert(s.store.InsertTemplate(ctx, &tpl), check.IsNil)
	sc := director.Stemcell{Name: "ubuntu", Version: "3263", CID: "sc-1", SHA1: "cc"}
	c.Assert(s.store.InsertStemcell(ctx, &sc), check.IsNil)
}

func (s *BinderSuite) plan(c *check.C, manifest string) *Plan {
	m, err := ParseManifest([]byte(manifest))
	c.Assert(err, check.IsNil)
	plan, err := NewPlan(m)
	c.Assert(err, check.IsNil)
	return plan
}

func (s *BinderSuite) bind(c *check.C, manifest string) *Plan {
	plan := s.plan(c, manifest)
	c.Assert(s.binder.Bind(context.Background(), plan, manifest), check.IsNil)
	return plan
}

// markDeployed records the plan's instances as fully converged rows,
// as the instance updater would after a successful rollout.
func (s *BinderSuite) markDeployed(c *check.C, plan *Plan) {
	ctx := context.Background()
	for _, job := range plan.Jobs {
		for _, ip := range job.Instances {
			state, err := json.Marshal(ip.TargetState)
			c.Assert(err, check.IsNil)
			inst := director.Instance{
				DeploymentID: plan.Deployment.ID,
				Job:          job.Name,
				Index:        ip.Index,
				State:        string(state),
			}
			c.Assert(s.store.InsertInstance(ctx, &inst), check.IsNil)
			if ip.IP != "" {
				r := director.IPReservation{
					DeploymentID: plan.Deployment.ID,
					Network:      job.Network.Name,
					IP:           ip.IP,
					InstanceID:   inst.ID,
				}
				c.Assert(s.store.ReserveIP(ctx, &r), check.IsNil)
			}
		}
	}
}

func (s *BinderSuite) TestBindNewDeployment(c *check.C) {
	plan := s.bind(c, baseManifest)

	c.Check(plan.Deployment.ID, check.Not(check.Equals), int64(0))
	c.Check(plan.Deployment.Manifest, check.Equals, baseManifest)
	c.Check(plan.Pools["small"].Stemcell.CID, check.Equals, "sc-1")
	c.Check(plan.Obsolete, check.HasLen, 0)

	job := plan.Jobs[0]
	for i, ip := range job.Instances {
		c.Check(ip.Change, check.Equals, ChangeNew)
		c.Check(ip.Existing, check.IsNil)
		c.Check(ip.TargetState["deployment"], check.Equals, "hello")
		c.Check(ip.TargetState["index"], check.Equals, i)
		pkgs := ip.TargetState["packages"].(map[string]interface{})
		entry := pkgs["pkga"].(map[string]interface{})
		c.Check(entry["fingerprint"], check.Equals, "fp-a")
		// No compiled blob references in the target state.
		c.Check(entry["blobstore_id"], check.IsNil)
	}

	// The deployment now references the release version and stemcell.
	rel, err := s.store.FindRelease(context.Background(), "myrel")
	c.Assert(err, check.IsNil)
	inUse, err := s.store.ReleaseInUse(context.Background(), rel.ID)
	c.Assert(err, check.IsNil)
	c.Check(inUse, check.Equals, true)
}

func (s *BinderSuite) TestBindUnknownRelease(c *check.C) {
	manifest := strings.Replace(baseManifest, "name: myrel", "name: ghost", 1)
	plan := s.plan(c, manifest)
	err := s.binder.Bind(context.Background(), plan, manifest)
	c.Check(err, check.ErrorMatches, `release version "ghost/1" not found`)
}

func (s *BinderSuite) TestBindUnknownTemplate(c *check.C) {
	manifest := strings.Replace(baseManifest, "template: web", "template: mailer", 1)
	plan := s.plan(c, manifest)
	err := s.binder.Bind(context.Background(), plan, manifest)
	c.Check(err, check.ErrorMatches, `.*job "web" references template "mailer" not present in release myrel/1.*`)
}

func (s *BinderSuite) TestRedeploySameManifestIsNoChange(c *check.C) {
	first := s.bind(c, baseManifest)
	s.markDeployed(c, first)

	again := s.bind(c, baseManifest)
	for _, job := range again.Jobs {
		for _, ip := range job.Instances {
			c.Check(ip.Change, check.Equals, ChangeNone)
			c.Check(ip.Existing, check.NotNil)
			c.Check(ip.DiskChanged, check.Equals, false)
		}
	}
	c.Check(again.Obsolete, check.HasLen, 0)
}

func (s *BinderSuite) TestDiskSizeChangeIsMigrationNotRecreate(c *check.C) {
	first := s.bind(c, baseManifest)
	s.markDeployed(c, first)

	manifest := strings.Replace(baseManifest, "resource_pool: small",
		"resource_pool: small\n    persistent_disk: 2048", 1)
	again := s.bind(c, manifest)
	for _, ip := range again.Jobs[0].Instances {
		c.Check(ip.Change, check.Equals, ChangeRestart)
		c.Check(ip.DiskChanged, check.Equals, true)
	}
}

func (s *BinderSuite) TestPoolChangeIsRecreate(c *check.C) {
	first := s.bind(c, baseManifest)
	s.markDeployed(c, first)

	manifest := strings.Replace(baseManifest, "ram: 512", "ram: 1024", 1)
	again := s.bind(c, manifest)
	for _, ip := range again.Jobs[0].Instances {
		c.Check(ip.Change, check.Equals, ChangeRecreate)
	}
}

func (s *BinderSuite) TestPackageFingerprintChangeIsRestart(c *check.C) {
	first := s.bind(c, baseManifest)
	s.markDeployed(c, first)

	// A new source upload for the same package name changes the
	// fingerprint in the target state.
	s.store.mtx.Lock()
	for id, p := range s.store.packages {
		p.Fingerprint = "fp-a2"
		s.store.packages[id] = p
	}
	s.store.mtx.Unlock()

	again := s.bind(c, baseManifest)
	for _, ip := range again.Jobs[0].Instances {
		c.Check(ip.Change, check.Equals, ChangeRestart)
	}
}

func (s *BinderSuite) TestScaleDownMarksObsolete(c *check.C) {
	first := s.bind(c, baseManifest)
	s.markDeployed(c, first)

	manifest := strings.Replace(baseManifest, "instances: 3", "instances: 2", 1)
	manifest = strings.Replace(manifest, "static_ips: [10.0.0.10, 10.0.0.11, 10.0.0.12]",
		"static_ips: [10.0.0.10, 10.0.0.11]", 1)
	again := s.bind(c, manifest)
	c.Assert(again.Obsolete, check.HasLen, 1)
	c.Check(again.Obsolete[0].Job, check.Equals, "web")
	c.Check(again.Obsolete[0].Index, check.Equals, 2)
}

func (s *BinderSuite) TestInstanceKeepsDynamicAddress(c *check.C) {
	manifest := strings.Replace(baseManifest,
		"        static_ips: [10.0.0.10, 10.0.0.11, 10.0.0.12]\n", "", 1)
	first := s.bind(c, manifest)
	var ips []string
	for _, ip := range first.Jobs[0].Instances {
		c.Assert(ip.IP, check.Not(check.Equals), "")
		ips = append(ips, ip.IP)
	}
	s.markDeployed(c, first)

	again := s.bind(c, manifest)
	for i, ip := range again.Jobs[0].Instances {
		c.Check(ip.IP, check.Equals, ips[i])
		c.Check(ip.Change, check.Equals, ChangeNone)
	}
}

func (s *BinderSuite) TestIdleVMAddressesAreClaimed(c *check.C) {
	manifest := strings.Replace(baseManifest,
		"        static_ips: [10.0.0.10, 10.0.0.11, 10.0.0.12]\n", "", 1)
	first := s.bind(c, manifest)

	// An idle pool VM holds .20; a fresh binding pass must not hand
	// that address to an instance.
	vm := director.VM{
		DeploymentID: first.Deployment.ID,
		AgentID:      "a-idle",
		CID:          "vm-idle",
		Pool:         "small",
		Network:      "default",
		IP:           "10.0.0.20",
	}
	c.Assert(s.store.InsertVM(context.Background(), &vm), check.IsNil)

	again := s.bind(c, manifest)
	for _, ip := range again.Jobs[0].Instances {
		c.Check(ip.IP, check.Not(check.Equals), "10.0.0.20")
	}
}
