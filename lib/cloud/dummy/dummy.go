// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dummy is an in-memory cloud backend. Every VM it "boots"
// gets an in-process agent answering the director's RPC methods over
// the bus, so full deployment flows run without a hypervisor. Used by
// the test suites and by dummy-provider director configurations.
package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cloudplane-org/director/lib/agent"
	"github.com/cloudplane-org/director/lib/bus"
	"github.com/cloudplane-org/director/lib/cloud"
	"github.com/sirupsen/logrus"
)

// Cloud implements cloud.Interface in memory.
type Cloud struct {
	bus    bus.Bus
	logger logrus.FieldLogger

	mtx       sync.Mutex
	serial    int
	stemcells map[string]bool
	vms       map[string]*Agent   // vm cid -> its agent
	disks     map[string]int      // disk cid -> size MiB
	snapshots map[string]bool     // snapshot cid
	attached  map[string][]string // vm cid -> attached disk cids
	failNext  map[string]error    // op name -> error injected once
	ops       []string
}

// New returns an empty in-memory cloud whose agents answer on b.
func New(b bus.Bus, logger logrus.FieldLogger) *Cloud {
	return &Cloud{
		bus:       b,
		logger:    logger,
		stemcells: map[string]bool{},
		vms:       map[string]*Agent{},
		disks:     map[string]int{},
		snapshots: map[string]bool{},
		attached:  map[string][]string{},
		failNext:  map[string]error{},
	}
}

// Ops returns the operations performed so far, in order. Tests use it
// to assert, e.g., that a no-change redeploy performed none.
func (c *Cloud) Ops() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string(nil), c.ops...)
}

// AgentForVM returns the agent running on the given VM, or nil.
func (c *Cloud) AgentForVM(cid string) *Agent {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.vms[cid]
}

// FailNext arranges for the next call of the named operation
// ("create_vm", "attach_disk", ...) to return err instead of acting.
func (c *Cloud) FailNext(op string, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.failNext[op] = err
}

// record appends to the op log and consumes any injected failure.
// Caller must hold mtx.
func (c *Cloud) record(op string, args ...interface{}) error {
	c.ops = append(c.ops, op+" "+fmt.Sprint(args...))
	if err := c.failNext[op]; err != nil {
		delete(c.failNext, op)
		return err
	}
	return nil
}

func (c *Cloud) nextID(prefix string) string {
	c.serial++
	return fmt.Sprintf("%s-%d", prefix, c.serial)
}

// CreateStemcell implements cloud.Interface.
func (c *Cloud) CreateStemcell(imagePath string, properties map[string]interface{}) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	cid := c.nextID("sc")
	if err := c.record("create_stemcell", cid); err != nil {
		return "", err
	}
	c.stemcells[cid] = true
	return cid, nil
}

// DeleteStemcell implements cloud.Interface.
func (c *Cloud) DeleteStemcell(cid string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.record("delete_stemcell", cid); err != nil {
		return err
	}
	if !c.stemcells[cid] {
		return fmt.Errorf("stemcell %s does not exist", cid)
	}
	delete(c.stemcells, cid)
	return nil
}

// CreateVM implements cloud.Interface and boots an in-process agent
// with the requested agent id.
func (c *Cloud) CreateVM(agentID, stemcellCID string, cloudProperties map[string]interface{}, networks cloud.NetworksSpec, env map[string]interface{}) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	cid := c.nextID("vm")
	if err := c.record("create_vm", cid); err != nil {
		return "", err
	}
	if !c.stemcells[stemcellCID] {
		return "", fmt.Errorf("stemcell %s does not exist", stemcellCID)
	}
	a, err := StartAgent(c.bus, agentID, c.logger)
	if err != nil {
		return "", err
	}
	a.setNetworks(networks)
	c.vms[cid] = a
	c.attached[cid] = nil
	return cid, nil
}

// DeleteVM implements cloud.Interface and stops the VM's agent.
func (c *Cloud) DeleteVM(cid string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.record("delete_vm", cid); err != nil {
		return err
	}
	a, ok := c.vms[cid]
	if !ok {
		return fmt.Errorf("vm %s does not exist", cid)
	}
	a.Stop()
	delete(c.vms, cid)
	delete(c.attached, cid)
	return nil
}

// RebootVM implements cloud.Interface.
func (c *Cloud) RebootVM(cid string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.record("reboot_vm", cid); err != nil {
		return err
	}
	if _, ok := c.vms[cid]; !ok {
		return fmt.Errorf("vm %s does not exist", cid)
	}
	return nil
}

// ConfigureNetworks implements cloud.Interface.
func (c *Cloud) ConfigureNetworks(cid string, networks cloud.NetworksSpec) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.record("configure_networks", cid); err != nil {
		return err
	}
	a, ok := c.vms[cid]
	if !ok {
		return fmt.Errorf("vm %s does not exist", cid)
	}
	a.setNetworks(networks)
	return nil
}

// CreateDisk implements cloud.Interface.
func (c *Cloud) CreateDisk(size int, vmCID string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	cid := c.nextID("disk")
	if err := c.record("create_disk", cid); err != nil {
		return "", err
	}
	c.disks[cid] = size
	return cid, nil
}

// DeleteDisk implements cloud.Interface.
func (c *Cloud) DeleteDisk(cid string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.record("delete_disk", cid); err != nil {
		return err
	}
	if _, ok := c.disks[cid]; !ok {
		return fmt.Errorf("disk %s does not exist", cid)
	}
	for vm, disks := range c.attached {
		for _, d := range disks {
			if d == cid {
				return fmt.Errorf("disk %s is attached to vm %s", cid, vm)
			}
		}
	}
	delete(c.disks, cid)
	return nil
}

// AttachDisk implements cloud.Interface.
func (c *Cloud) AttachDisk(vmCID, diskCID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.record("attach_disk", vmCID, diskCID); err != nil {
		return err
	}
	if _, ok := c.vms[vmCID]; !ok {
		return fmt.Errorf("vm %s does not exist", vmCID)
	}
	if _, ok := c.disks[diskCID]; !ok {
		return fmt.Errorf("disk %s does not exist", diskCID)
	}
	for _, d := range c.attached[vmCID] {
		if d == diskCID {
			return nil
		}
	}
	c.attached[vmCID] = append(c.attached[vmCID], diskCID)
	return nil
}

// DetachDisk implements cloud.Interface.
func (c *Cloud) DetachDisk(vmCID, diskCID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.record("detach_disk", vmCID, diskCID); err != nil {
		return err
	}
	disks := c.attached[vmCID]
	for i, d := range disks {
		if d == diskCID {
			c.attached[vmCID] = append(disks[:i], disks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("disk %s is not attached to vm %s", diskCID, vmCID)
}

// GetDisks implements cloud.Interface.
func (c *Cloud) GetDisks(vmCID string) ([]string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, ok := c.vms[vmCID]; !ok {
		return nil, fmt.Errorf("vm %s does not exist", vmCID)
	}
	return append([]string(nil), c.attached[vmCID]...), nil
}

// SnapshotDisk implements cloud.Interface.
func (c *Cloud) SnapshotDisk(diskCID string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	cid := c.nextID("snap")
	if err := c.record("snapshot_disk", diskCID, cid); err != nil {
		return "", err
	}
	if _, ok := c.disks[diskCID]; !ok {
		return "", fmt.Errorf("disk %s does not exist", diskCID)
	}
	c.snapshots[cid] = true
	return cid, nil
}

// An Agent is a stub VM agent answering RPCs on agent.<id>. It keeps
// just enough state (applied spec, job state, mounted disks) to make
// update flows observable from tests.
type Agent struct {
	ID     string
	bus    bus.Bus
	sub    bus.Subscription
	logger logrus.FieldLogger

	mtx      sync.Mutex
	serial   int
	applied  map[string]interface{}
	jobState string
	mounted  []string
	networks cloud.NetworksSpec
	fail     map[string]string // method -> exception message, once
	calls    []string
	stopped  chan struct{}
}

// StartAgent subscribes a new stub agent on the bus.
func StartAgent(b bus.Bus, id string, logger logrus.FieldLogger) (*Agent, error) {
	sub, err := b.Subscribe("agent." + id)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		ID:       id,
		bus:      b,
		sub:      sub,
		logger:   logger.WithField("DummyAgent", id),
		applied:  map[string]interface{}{},
		jobState: "stopped",
		fail:     map[string]string{},
		stopped:  make(chan struct{}),
	}
	go a.serve()
	return a, nil
}

// Stop unsubscribes the agent; in-flight requests finish first.
func (a *Agent) Stop() {
	a.sub.Unsubscribe()
	<-a.stopped
}

// Calls returns the methods received so far, in order.
func (a *Agent) Calls() []string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return append([]string(nil), a.calls...)
}

// JobState returns the agent's current job state.
func (a *Agent) JobState() string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.jobState
}

// MountedDisks returns the cids currently mounted.
func (a *Agent) MountedDisks() []string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return append([]string(nil), a.mounted...)
}

// AppliedSpec returns the last applied configuration.
func (a *Agent) AppliedSpec() map[string]interface{} {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.applied
}

// FailNext makes the next call of the named method return a remote
// exception with the given message.
func (a *Agent) FailNext(method, message string) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.fail[method] = message
}

func (a *Agent) setNetworks(networks cloud.NetworksSpec) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.networks = networks
}

func (a *Agent) serve() {
	defer close(a.stopped)
	for msg := range a.sub.Chan() {
		var req agent.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			a.logger.WithError(err).Warn("malformed request")
			continue
		}
		resp := a.handle(req)
		data, err := json.Marshal(resp)
		if err != nil {
			a.logger.WithError(err).Error("marshaling reply")
			continue
		}
		if err := a.bus.Publish(context.Background(), req.ReplyTo, data); err != nil {
			a.logger.WithError(err).Warn("publishing reply")
		}
	}
}

func (a *Agent) handle(req agent.Request) agent.Response {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.calls = append(a.calls, req.Method)
	if msg, ok := a.fail[req.Method]; ok {
		delete(a.fail, req.Method)
		return agent.Response{Exception: &agent.Exception{Message: msg}}
	}
	value, err := a.dispatch(req)
	if err != nil {
		return agent.Response{Exception: &agent.Exception{Message: err.Error()}}
	}
	data, merr := json.Marshal(value)
	if merr != nil {
		return agent.Response{Exception: &agent.Exception{Message: merr.Error()}}
	}
	return agent.Response{Value: data}
}

// dispatch runs one method. Caller holds mtx.
func (a *Agent) dispatch(req agent.Request) (interface{}, error) {
	switch req.Method {
	case "ping":
		return "pong", nil
	case "get_state":
		state := map[string]interface{}{
			"agent_id":  a.ID,
			"job_state": a.jobState,
		}
		for k, v := range a.applied {
			state[k] = v
		}
		return state, nil
	case "apply":
		if len(req.Arguments) != 1 {
			return nil, fmt.Errorf("apply expects 1 argument, got %d", len(req.Arguments))
		}
		spec, ok := req.Arguments[0].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("apply expects a spec object")
		}
		a.applied = spec
		return map[string]interface{}{}, nil
	case "start":
		a.jobState = "running"
		return "started", nil
	case "stop":
		a.jobState = "stopped"
		return "stopped", nil
	case "mount_disk":
		cid, err := stringArg(req, 0)
		if err != nil {
			return nil, err
		}
		for _, d := range a.mounted {
			if d == cid {
				return map[string]interface{}{}, nil
			}
		}
		a.mounted = append(a.mounted, cid)
		return map[string]interface{}{}, nil
	case "unmount_disk":
		cid, err := stringArg(req, 0)
		if err != nil {
			return nil, err
		}
		for i, d := range a.mounted {
			if d == cid {
				a.mounted = append(a.mounted[:i], a.mounted[i+1:]...)
				return map[string]interface{}{}, nil
			}
		}
		return nil, fmt.Errorf("disk %s is not mounted", cid)
	case "list_disk":
		if a.mounted == nil {
			return []string{}, nil
		}
		return a.mounted, nil
	case "migrate_disk":
		oldCID, err := stringArg(req, 0)
		if err != nil {
			return nil, err
		}
		newCID, err := stringArg(req, 1)
		if err != nil {
			return nil, err
		}
		if !a.isMounted(oldCID) || !a.isMounted(newCID) {
			return nil, fmt.Errorf("migrate_disk requires both %s and %s mounted", oldCID, newCID)
		}
		return map[string]interface{}{}, nil
	case "compile_package":
		if len(req.Arguments) < 4 {
			return nil, fmt.Errorf("compile_package expects 5 arguments, got %d", len(req.Arguments))
		}
		a.serial++
		return map[string]interface{}{
			"result": map[string]interface{}{
				"blobstore_id": fmt.Sprintf("%s-compiled-%d", a.ID, a.serial),
				"sha1":         fmt.Sprintf("%040x", a.serial),
			},
		}, nil
	case "get_task":
		// Dummy agents answer synchronously, so there is never a
		// running task to poll.
		return map[string]interface{}{"state": "done"}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (a *Agent) isMounted(cid string) bool {
	for _, d := range a.mounted {
		if d == cid {
			return true
		}
	}
	return false
}

func stringArg(req agent.Request, i int) (string, error) {
	if len(req.Arguments) <= i {
		return "", fmt.Errorf("%s expects argument %d", req.Method, i)
	}
	s, ok := req.Arguments[i].(string)
	if !ok {
		return "", fmt.Errorf("%s argument %d must be a string", req.Method, i)
	}
	return s, nil
}
