// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/cloudplane-org/director/sdk/go/director"
)

// ChangeKind classifies what an instance needs to reach its target
// configuration.
type ChangeKind int

const (
	// ChangeNone: current state matches the target.
	ChangeNone ChangeKind = iota
	// ChangeRestart: configuration or packages changed; the VM stays.
	ChangeRestart
	// ChangeRecreate: the VM itself must be replaced (stemcell, cloud
	// properties, or network assignment changed).
	ChangeRecreate
	// ChangeNew: no instance exists yet.
	ChangeNew
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "no_change"
	case ChangeRestart:
		return "restart"
	case ChangeRecreate:
		return "recreate"
	case ChangeNew:
		return "new"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Plan is the validated desired state for one deployment, with all
// binding decisions materialized before any cloud call happens.
type Plan struct {
	Name        string
	Manifest    Manifest
	Update      UpdateConfig
	Compilation CompilationManifest
	Networks    map[string]*Network
	Pools       map[string]*ResourcePool
	Jobs        []*JobPlan // manifest order

	// Filled in by the binder.
	Deployment director.Deployment
	Release    director.ReleaseVersion
	Packages   map[string]director.Package  // by name
	Templates  map[string]director.Template // by name
	Obsolete   []director.Instance

	// Compiled artifacts by stemcell ID and package name, filled in
	// by the package compiler before the updaters run.
	Compiled map[int64]map[string]director.CompiledPackage
}

// ResourcePool is one pool of interchangeable VMs. Stemcell is bound
// by the binder.
type ResourcePool struct {
	Name            string
	Size            int
	StemcellName    string
	StemcellVersion string
	Network         string
	CloudProperties map[string]interface{}
	Env             map[string]interface{}

	Stemcell director.Stemcell
}

// JobPlan is one job with its per-index instance plans.
type JobPlan struct {
	Name           string
	Templates      []string
	Pool           *ResourcePool
	Network        *Network
	StaticIPs      []string
	PersistentDisk int
	Update         UpdateConfig
	Properties     map[string]interface{}
	Instances      []*InstancePlan
}

// InstancePlan is the bound desired state of one (job, index).
type InstancePlan struct {
	Job   *JobPlan
	Index int

	// IP is the address bound to this instance, empty on dynamic
	// networks.
	IP string

	Change ChangeKind

	// DiskChanged means the persistent disk size differs from the
	// current disk; handled by migration, not by VM recreation.
	DiskChanged bool

	// Existing is the database row adopted by the binder, nil for
	// ChangeNew.
	Existing *director.Instance

	// TargetState is the state blob to apply to the agent.
	TargetState map[string]interface{}
}

// Name returns the job/index notation used in logs and events.
func (ip *InstancePlan) Name() string {
	return fmt.Sprintf("%s/%d", ip.Job.Name, ip.Index)
}

// NewPlan validates the manifest and builds the plan skeleton:
// networks with their IP pools, resource pools, and per-index
// instance plans with static IPs assigned. All problems are collected
// and reported in one validation_failed error.
func NewPlan(m Manifest) (*Plan, error) {
	var problems []string
	p := &Plan{
		Name:        m.Name,
		Manifest:    m,
		Update:      m.Update.withDefaults(UpdateConfig{}),
		Compilation: m.Compilation,
		Networks:    map[string]*Network{},
		Pools:       map[string]*ResourcePool{},
	}
	if p.Compilation.Workers <= 0 {
		p.Compilation.Workers = 1
	}

	for _, nm := range m.Networks {
		n, err := newNetwork(nm)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := p.Networks[n.Name]; dup {
			problems = append(problems, fmt.Sprintf("network %q is declared twice", n.Name))
			continue
		}
		p.Networks[n.Name] = n
	}

	for _, pm := range m.ResourcePools {
		if _, dup := p.Pools[pm.Name]; dup {
			problems = append(problems, fmt.Sprintf("resource pool %q is declared twice", pm.Name))
			continue
		}
		if _, ok := p.Networks[pm.Network]; !ok {
			problems = append(problems, fmt.Sprintf("resource pool %q references unknown network %q", pm.Name, pm.Network))
		}
		p.Pools[pm.Name] = &ResourcePool{
			Name:            pm.Name,
			Size:            pm.Size,
			StemcellName:    pm.Stemcell.Name,
			StemcellVersion: pm.Stemcell.Version,
			Network:         pm.Network,
			CloudProperties: pm.CloudProperties,
			Env:             pm.Env,
		}
	}

	demand := map[string]int{} // pool name -> instances referencing it
	for _, jm := range m.Jobs {
		jp := &JobPlan{
			Name:           jm.Name,
			Templates:      jm.Template,
			PersistentDisk: jm.PersistentDisk,
			Update:         jm.Update.withDefaults(p.Update),
			Properties:     jm.Properties,
		}
		pool, ok := p.Pools[jm.ResourcePool]
		if !ok {
			problems = append(problems, fmt.Sprintf("job %q references unknown resource pool %q", jm.Name, jm.ResourcePool))
			continue
		}
		jp.Pool = pool
		demand[pool.Name] += jm.Instances

		if len(jm.Networks) == 0 {
			problems = append(problems, fmt.Sprintf("job %q has no network", jm.Name))
			continue
		}
		// One network binding per job; multi-homing is not supported.
		nb := jm.Networks[0]
		network, ok := p.Networks[nb.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("job %q references unknown network %q", jm.Name, nb.Name))
			continue
		}
		jp.Network = network
		jp.StaticIPs = nb.StaticIPs
		if len(nb.StaticIPs) > 0 && len(nb.StaticIPs) != jm.Instances {
			problems = append(problems, fmt.Sprintf("job %q declares %d static IPs for %d instances", jm.Name, len(nb.StaticIPs), jm.Instances))
			continue
		}

		for i := 0; i < jm.Instances; i++ {
			inst := &InstancePlan{Job: jp, Index: i}
			if len(jp.StaticIPs) > 0 {
				ip := jp.StaticIPs[i]
				if err := network.checkStatic(ip); err != nil {
					problems = append(problems, fmt.Sprintf("job %q: %s", jm.Name, err))
					continue
				}
				inst.IP = ip
			}
			jp.Instances = append(jp.Instances, inst)
		}
		p.Jobs = append(p.Jobs, jp)
	}

	for name, want := range demand {
		if pool := p.Pools[name]; pool.Size < want {
			problems = append(problems, fmt.Sprintf("resource pool %q has size %d but %d instances reference it", name, pool.Size, want))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, director.NewValidationError(problems)
	}
	return p, nil
}

// A Network hands out IPs: single-threaded during the binder's
// binding pass, and concurrently later when pool and instance
// updaters create VMs in parallel.
type Network struct {
	Name            string
	Type            string // manual, dynamic, vip
	CloudProperties map[string]interface{}

	mtx       sync.Mutex
	subnets   []*subnet
	allocated map[string]bool
	staticIPs map[string]bool
}

type subnet struct {
	ipnet    *net.IPNet
	gateway  string
	dns      []string
	first    uint32
	last     uint32
	static   map[uint32]bool
	reserved map[uint32]bool
}

func newNetwork(nm NetworkManifest) (*Network, error) {
	n := &Network{
		Name:            nm.Name,
		Type:            nm.Type,
		CloudProperties: nm.CloudProperties,
		allocated:       map[string]bool{},
		staticIPs:       map[string]bool{},
	}
	switch nm.Type {
	case "manual", "":
		n.Type = "manual"
	case "dynamic", "vip":
		return n, nil
	default:
		return nil, fmt.Errorf("network %q has unknown type %q", nm.Name, nm.Type)
	}
	for _, sm := range nm.Subnets {
		s, err := newSubnet(sm)
		if err != nil {
			return nil, fmt.Errorf("network %q: %s", nm.Name, err)
		}
		n.subnets = append(n.subnets, s)
		for ip := range s.static {
			n.staticIPs[uintToIP(ip).String()] = true
		}
	}
	if len(n.subnets) == 0 {
		return nil, fmt.Errorf("manual network %q has no subnets", nm.Name)
	}
	return n, nil
}

func newSubnet(sm SubnetManifest) (*subnet, error) {
	_, ipnet, err := net.ParseCIDR(sm.Range)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet range %q", sm.Range)
	}
	base := ip4ToUint(ipnet.IP)
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("subnet range %q is not IPv4", sm.Range)
	}
	size := uint32(1) << (32 - ones)
	s := &subnet{
		ipnet:    ipnet,
		gateway:  sm.Gateway,
		dns:      sm.DNS,
		first:    base + 1,        // skip network address
		last:     base + size - 2, // skip broadcast
		static:   map[uint32]bool{},
		reserved: map[uint32]bool{},
	}
	if sm.Gateway != "" {
		gw := net.ParseIP(sm.Gateway)
		if gw == nil || !ipnet.Contains(gw) {
			return nil, fmt.Errorf("gateway %q is not in subnet %q", sm.Gateway, sm.Range)
		}
		s.reserved[ip4ToUint(gw)] = true
	}
	for _, spec := range sm.Reserved {
		if err := addIPRange(s.reserved, ipnet, spec); err != nil {
			return nil, err
		}
	}
	for _, spec := range sm.Static {
		if err := addIPRange(s.static, ipnet, spec); err != nil {
			return nil, err
		}
	}
	for ip := range s.static {
		if s.reserved[ip] {
			return nil, fmt.Errorf("IP %s is both static and reserved", uintToIP(ip))
		}
	}
	return s, nil
}

// addIPRange parses "10.0.0.5" or "10.0.0.5 - 10.0.0.9" into the set.
func addIPRange(set map[uint32]bool, ipnet *net.IPNet, spec string) error {
	parts := strings.SplitN(spec, "-", 2)
	first := net.ParseIP(strings.TrimSpace(parts[0]))
	last := first
	if len(parts) == 2 {
		last = net.ParseIP(strings.TrimSpace(parts[1]))
	}
	if first == nil || last == nil {
		return fmt.Errorf("invalid IP range %q", spec)
	}
	lo, hi := ip4ToUint(first), ip4ToUint(last)
	if lo > hi {
		return fmt.Errorf("invalid IP range %q", spec)
	}
	for ip := lo; ip <= hi; ip++ {
		if !ipnet.Contains(uintToIP(ip)) {
			return fmt.Errorf("IP %s is outside subnet %s", uintToIP(ip), ipnet)
		}
		set[ip] = true
	}
	return nil
}

// checkStatic verifies the address may be assigned statically and is
// not yet claimed by another instance of this plan.
func (n *Network) checkStatic(ip string) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	switch n.Type {
	case "vip":
		// vip networks use whatever external addresses the manifest
		// declares.
	case "dynamic":
		return fmt.Errorf("network %q is dynamic and cannot carry static IPs", n.Name)
	default:
		if !n.staticIPs[ip] {
			return fmt.Errorf("IP %s is not in a static range of network %q", ip, n.Name)
		}
	}
	if n.allocated[ip] {
		return fmt.Errorf("IP %s is used more than once in network %q", ip, n.Name)
	}
	n.allocated[ip] = true
	return nil
}

// Reuse claims an address an existing instance already holds, if it is
// still valid. Returns false if the address must be re-allocated.
func (n *Network) Reuse(ip string) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if ip == "" || n.allocated[ip] {
		return false
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, s := range n.subnets {
		if !s.ipnet.Contains(addr) {
			continue
		}
		u := ip4ToUint(addr)
		if s.reserved[u] || s.static[u] {
			// Static addresses are claimed through the manifest, not
			// through reuse.
			return false
		}
		n.allocated[ip] = true
		return true
	}
	return false
}

// Allocate hands out a free dynamic address. Empty (with nil error)
// on dynamic-type networks, where the provider assigns addresses.
func (n *Network) Allocate() (string, error) {
	if n.Type != "manual" {
		return "", nil
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for _, s := range n.subnets {
		for u := s.first; u <= s.last; u++ {
			if s.reserved[u] || s.static[u] {
				continue
			}
			ip := uintToIP(u).String()
			if n.allocated[ip] {
				continue
			}
			n.allocated[ip] = true
			return ip, nil
		}
	}
	return "", fmt.Errorf("network %q is out of IP addresses", n.Name)
}

// ReleaseAddr frees an address so it can be reused within this
// reconciliation pass (e.g. after deleting an obsolete VM).
func (n *Network) ReleaseAddr(ip string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.allocated, ip)
}

// Settings returns the per-network slice of the agent's network
// settings for the given address.
func (n *Network) Settings(ip string) map[string]interface{} {
	settings := map[string]interface{}{
		"type": n.Type,
	}
	if n.CloudProperties != nil {
		settings["cloud_properties"] = n.CloudProperties
	}
	if ip == "" {
		return settings
	}
	settings["ip"] = ip
	addr := net.ParseIP(ip)
	for _, s := range n.subnets {
		if addr != nil && s.ipnet.Contains(addr) {
			settings["netmask"] = net.IP(s.ipnet.Mask).String()
			if s.gateway != "" {
				settings["gateway"] = s.gateway
			}
			if len(s.dns) > 0 {
				settings["dns"] = s.dns
			}
			break
		}
	}
	return settings
}

func ip4ToUint(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uintToIP(u uint32) net.IP {
	buf := make(net.IP, 4)
	binary.BigEndian.PutUint32(buf, u)
	return buf
}
