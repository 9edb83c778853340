// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"time"

	"github.com/cloudplane-org/director/sdk/go/director"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PlanSuite{})

type PlanSuite struct{}

const baseManifest = `
name: hello
release:
  name: myrel
  version: "1"
compilation:
  workers: 2
  network: default
update:
  canaries: 1
  max_in_flight: 2
  canary_watch_time: 5ms
  update_watch_time: 5ms
resource_pools:
  - name: small
    size: 3
    stemcell:
      name: ubuntu
      version: "3263"
    network: default
    cloud_properties:
      ram: 512
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
        gateway: 10.0.0.1
        static: [10.0.0.10 - 10.0.0.19]
        reserved: [10.0.0.2 - 10.0.0.9]
        dns: [8.8.8.8]
jobs:
  - name: web
    template: web
    instances: 3
    resource_pool: small
    networks:
      - name: default
        static_ips: [10.0.0.10, 10.0.0.11, 10.0.0.12]
`

func (s *PlanSuite) TestParseAndPlan(c *check.C) {
	m, err := ParseManifest([]byte(baseManifest))
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "hello")
	c.Check([]string(m.Jobs[0].Template), check.DeepEquals, []string{"web"})

	plan, err := NewPlan(m)
	c.Assert(err, check.IsNil)
	c.Check(plan.Update.Canaries, check.Equals, 1)
	c.Check(plan.Update.MaxInFlight, check.Equals, 2)
	c.Assert(plan.Jobs, check.HasLen, 1)
	job := plan.Jobs[0]
	c.Check(job.Pool.Name, check.Equals, "small")
	c.Assert(job.Instances, check.HasLen, 3)
	c.Check(job.Instances[0].IP, check.Equals, "10.0.0.10")
	c.Check(job.Instances[2].IP, check.Equals, "10.0.0.12")
	// Job-level update config inherits the deployment-wide block.
	c.Check(job.Update.MaxInFlight, check.Equals, 2)
	c.Check(job.Update.CanaryWatchTime.Duration(), check.Equals, 5*time.Millisecond)
}

func (s *PlanSuite) TestTemplateList(c *check.C) {
	m, err := ParseManifest([]byte(`
name: x
jobs:
  - name: multi
    template: [web, worker]
`))
	c.Assert(err, check.IsNil)
	c.Check([]string(m.Jobs[0].Template), check.DeepEquals, []string{"web", "worker"})
}

func (s *PlanSuite) TestParseErrors(c *check.C) {
	_, err := ParseManifest([]byte("{{nope"))
	de := director.AsError(err)
	c.Assert(de, check.NotNil)
	c.Check(de.Code, check.Equals, director.CodeBadManifest)

	_, err = ParseManifest([]byte("release: {name: r}"))
	c.Check(err, check.ErrorMatches, `invalid manifest: manifest has no name`)
}

func (s *PlanSuite) TestValidationAggregatesProblems(c *check.C) {
	m, err := ParseManifest([]byte(`
name: broken
resource_pools:
  - name: tiny
    size: 1
    network: nowhere
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
jobs:
  - name: web
    template: web
    instances: 2
    resource_pool: tiny
    networks:
      - name: default
        static_ips: [10.0.0.5]
  - name: worker
    template: worker
    instances: 1
    resource_pool: missing
    networks:
      - name: default
`))
	c.Assert(err, check.IsNil)
	_, err = NewPlan(m)
	c.Assert(err, check.NotNil)
	de := director.AsError(err)
	c.Assert(de, check.NotNil)
	c.Check(de.Code, check.Equals, director.CodeValidationFailed)
	c.Check(de.Message, check.Matches, `(?s).*resource pool "tiny" references unknown network "nowhere".*`)
	c.Check(de.Message, check.Matches, `(?s).*job "web" declares 1 static IPs for 2 instances.*`)
	c.Check(de.Message, check.Matches, `(?s).*job "worker" references unknown resource pool "missing".*`)
}

func (s *PlanSuite) TestPoolSizeTooSmall(c *check.C) {
	m, err := ParseManifest([]byte(`
name: crowded
resource_pools:
  - name: small
    size: 2
    network: default
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
jobs:
  - name: web
    template: web
    instances: 3
    resource_pool: small
    networks:
      - name: default
`))
	c.Assert(err, check.IsNil)
	_, err = NewPlan(m)
	c.Check(err, check.ErrorMatches, `.*resource pool "small" has size 2 but 3 instances reference it.*`)
}

func (s *PlanSuite) TestStaticIPChecks(c *check.C) {
	m, err := ParseManifest([]byte(`
name: dup
resource_pools:
  - name: small
    size: 2
    network: default
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
        static: [10.0.0.10]
jobs:
  - name: a
    template: a
    instances: 1
    resource_pool: small
    networks:
      - name: default
        static_ips: [10.0.0.10]
  - name: b
    template: b
    instances: 1
    resource_pool: small
    networks:
      - name: default
        static_ips: [10.0.0.10]
`))
	c.Assert(err, check.IsNil)
	_, err = NewPlan(m)
	c.Check(err, check.ErrorMatches, `.*IP 10.0.0.10 is used more than once in network "default".*`)

	m, err = ParseManifest([]byte(`
name: outside
resource_pools:
  - name: small
    size: 1
    network: default
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
        static: [10.0.0.10]
jobs:
  - name: a
    template: a
    instances: 1
    resource_pool: small
    networks:
      - name: default
        static_ips: [10.0.0.99]
`))
	c.Assert(err, check.IsNil)
	_, err = NewPlan(m)
	c.Check(err, check.ErrorMatches, `.*IP 10.0.0.99 is not in a static range of network "default".*`)
}

func (s *PlanSuite) TestAllocator(c *check.C) {
	n, err := newNetwork(NetworkManifest{
		Name: "default",
		Subnets: []SubnetManifest{{
			Range:    "10.0.0.0/29",
			Gateway:  "10.0.0.1",
			Static:   []string{"10.0.0.2"},
			Reserved: []string{"10.0.0.3"},
		}},
	})
	c.Assert(err, check.IsNil)

	// Usable: .1-.6 minus gateway .1, static .2, reserved .3.
	var got []string
	for i := 0; i < 3; i++ {
		ip, err := n.Allocate()
		c.Assert(err, check.IsNil)
		got = append(got, ip)
	}
	c.Check(got, check.DeepEquals, []string{"10.0.0.4", "10.0.0.5", "10.0.0.6"})
	_, err = n.Allocate()
	c.Check(err, check.ErrorMatches, `network "default" is out of IP addresses`)

	n.ReleaseAddr("10.0.0.5")
	ip, err := n.Allocate()
	c.Assert(err, check.IsNil)
	c.Check(ip, check.Equals, "10.0.0.5")
}

func (s *PlanSuite) TestReuse(c *check.C) {
	n, err := newNetwork(NetworkManifest{
		Name: "default",
		Subnets: []SubnetManifest{{
			Range:   "10.0.0.0/24",
			Gateway: "10.0.0.1",
			Static:  []string{"10.0.0.10"},
		}},
	})
	c.Assert(err, check.IsNil)

	c.Check(n.Reuse("10.0.0.20"), check.Equals, true)
	c.Check(n.Reuse("10.0.0.20"), check.Equals, false) // already taken
	c.Check(n.Reuse("10.0.0.10"), check.Equals, false) // static range
	c.Check(n.Reuse("10.0.0.1"), check.Equals, false)  // gateway
	c.Check(n.Reuse("192.168.1.5"), check.Equals, false)
	c.Check(n.Reuse(""), check.Equals, false)
}

func (s *PlanSuite) TestSubnetErrors(c *check.C) {
	_, err := newNetwork(NetworkManifest{
		Name:    "bad",
		Subnets: []SubnetManifest{{Range: "not-a-cidr"}},
	})
	c.Check(err, check.ErrorMatches, `network "bad": invalid subnet range "not-a-cidr"`)

	_, err = newNetwork(NetworkManifest{
		Name: "bad",
		Subnets: []SubnetManifest{{
			Range:   "10.0.0.0/24",
			Gateway: "10.1.0.1",
		}},
	})
	c.Check(err, check.ErrorMatches, `.*gateway "10.1.0.1" is not in subnet "10.0.0.0/24"`)

	_, err = newNetwork(NetworkManifest{
		Name: "bad",
		Subnets: []SubnetManifest{{
			Range:    "10.0.0.0/24",
			Static:   []string{"10.0.0.5"},
			Reserved: []string{"10.0.0.5"},
		}},
	})
	c.Check(err, check.ErrorMatches, `.*IP 10.0.0.5 is both static and reserved`)

	_, err = newNetwork(NetworkManifest{
		Name:    "dyn",
		Type:    "wireless",
		Subnets: nil,
	})
	c.Check(err, check.ErrorMatches, `network "dyn" has unknown type "wireless"`)
}

func (s *PlanSuite) TestDynamicNetwork(c *check.C) {
	n, err := newNetwork(NetworkManifest{Name: "dyn", Type: "dynamic"})
	c.Assert(err, check.IsNil)
	ip, err := n.Allocate()
	c.Assert(err, check.IsNil)
	c.Check(ip, check.Equals, "")
	c.Check(n.checkStatic("1.2.3.4"), check.ErrorMatches, `network "dyn" is dynamic and cannot carry static IPs`)
}
