// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the director side of the agent RPC
// protocol: JSON request/response over the pub/sub bus, with
// per-invocation inbox subjects and correlation by inbox only.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudplane-org/director/lib/bus"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Request is the wire format published to agent.<agent_id>.
type Request struct {
	Method    string        `json:"method"`
	Arguments []interface{} `json:"arguments"`
	ReplyTo   string        `json:"reply_to"`
}

// Response is the wire format the agent publishes to the inbox.
type Response struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Exception *Exception      `json:"exception,omitempty"`
}

// Exception is a remote agent-side failure, surfaced verbatim.
type Exception struct {
	Message string `json:"message"`
}

// TaskRef is the handle a long-running agent operation returns; the
// caller polls get_task until the state is no longer "running".
type TaskRef struct {
	AgentTaskID string `json:"agent_task_id"`
	State       string `json:"state"`
}

// Only these methods are retried on timeout; everything else might
// have taken effect on the agent already.
var idempotent = map[string]bool{
	"ping":      true,
	"get_state": true,
	"get_task":  true,
}

const timeoutRetries = 2

// Client sends RPCs to agents. Safe for concurrent use; concurrent
// calls to the same agent each get their own inbox.
type Client struct {
	bus    bus.Bus
	logger logrus.FieldLogger

	// SendTimeout is the per-call reply deadline (default 30s).
	SendTimeout time.Duration

	// TaskPollMax caps the exponential backoff between get_task
	// polls in WaitTask (default 4s).
	TaskPollMax time.Duration
}

// NewClient returns a Client on the given bus.
func NewClient(b bus.Bus, logger logrus.FieldLogger) *Client {
	return &Client{
		bus:         b,
		logger:      logger,
		SendTimeout: 30 * time.Second,
		TaskPollMax: 4 * time.Second,
	}
}

// Send performs one RPC and returns the reply value. Timeouts on
// idempotent methods are retried a couple of times; a remote
// exception is returned as a domain error with the agent's message.
func (c *Client) Send(ctx context.Context, agentID, method string, args []interface{}) (json.RawMessage, error) {
	retries := 0
	if idempotent[method] {
		retries = timeoutRetries
	}
	var err error
	for attempt := 0; ; attempt++ {
		var value json.RawMessage
		value, err = c.call(ctx, agentID, method, args)
		if err == nil {
			return value, nil
		}
		de := director.AsError(err)
		if de == nil || de.Code != director.CodeAgentTimeout || attempt >= retries {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"AgentID": agentID,
			"Method":  method,
			"Attempt": attempt + 1,
		}).Info("agent call timed out, retrying")
	}
}

func (c *Client) call(ctx context.Context, agentID, method string, args []interface{}) (json.RawMessage, error) {
	inbox := "director." + uuid.NewString()
	sub, err := c.bus.Subscribe(inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribing to reply inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if args == nil {
		args = []interface{}{}
	}
	payload, err := json.Marshal(Request{Method: method, Arguments: args, ReplyTo: inbox})
	if err != nil {
		return nil, err
	}
	if err := c.bus.Publish(ctx, "agent."+agentID, payload); err != nil {
		return nil, fmt.Errorf("publishing to agent %s: %w", agentID, err)
	}

	timeout := c.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, director.NewAgentTimeoutError(agentID, method)
	case msg, ok := <-sub.Chan():
		if !ok {
			return nil, director.NewAgentTimeoutError(agentID, method)
		}
		var resp Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return nil, fmt.Errorf("malformed reply from agent %s: %w", agentID, err)
		}
		if resp.Exception != nil {
			return nil, director.NewRemoteError(agentID, resp.Exception.Message)
		}
		return resp.Value, nil
	}
}

// SendTask performs an RPC that may return a task handle; if it does,
// SendTask waits for the agent task to finish and returns its final
// value.
func (c *Client) SendTask(ctx context.Context, agentID, method string, args []interface{}) (json.RawMessage, error) {
	value, err := c.Send(ctx, agentID, method, args)
	if err != nil {
		return nil, err
	}
	var ref TaskRef
	if err := json.Unmarshal(value, &ref); err != nil || ref.AgentTaskID == "" || ref.State != "running" {
		return value, nil
	}
	return c.WaitTask(ctx, agentID, ref.AgentTaskID)
}

// WaitTask polls get_task with exponential backoff until the agent
// task leaves the "running" state, then returns its value. There is
// no director-side deadline here: long compiles are bounded by the
// agent's own heartbeat, and by ctx.
func (c *Client) WaitTask(ctx context.Context, agentID, taskID string) (json.RawMessage, error) {
	max := c.TaskPollMax
	if max <= 0 {
		max = 4 * time.Second
	}
	delay := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > max {
			delay = max
		}
		value, err := c.Send(ctx, agentID, "get_task", []interface{}{taskID})
		if err != nil {
			return nil, err
		}
		var ref TaskRef
		if err := json.Unmarshal(value, &ref); err == nil && ref.State == "running" {
			continue
		}
		return value, nil
	}
}

// Ping checks that the agent is responding.
func (c *Client) Ping(ctx context.Context, agentID string) error {
	_, err := c.Send(ctx, agentID, "ping", nil)
	return err
}

// GetState returns the agent's current state blob.
func (c *Client) GetState(ctx context.Context, agentID string) (map[string]interface{}, error) {
	value, err := c.Send(ctx, agentID, "get_state", nil)
	if err != nil {
		return nil, err
	}
	var state map[string]interface{}
	if err := json.Unmarshal(value, &state); err != nil {
		return nil, fmt.Errorf("malformed get_state reply from agent %s: %w", agentID, err)
	}
	return state, nil
}

// Apply installs a new configuration state on the agent.
func (c *Client) Apply(ctx context.Context, agentID string, state map[string]interface{}) error {
	_, err := c.SendTask(ctx, agentID, "apply", []interface{}{state})
	return err
}

// Start starts the agent's job processes.
func (c *Client) Start(ctx context.Context, agentID string) error {
	_, err := c.Send(ctx, agentID, "start", nil)
	return err
}

// Stop gracefully stops the agent's job processes.
func (c *Client) Stop(ctx context.Context, agentID string) error {
	_, err := c.SendTask(ctx, agentID, "stop", nil)
	return err
}

// MountDisk mounts the given persistent disk on the agent's VM.
func (c *Client) MountDisk(ctx context.Context, agentID, diskCID string) error {
	_, err := c.SendTask(ctx, agentID, "mount_disk", []interface{}{diskCID})
	return err
}

// UnmountDisk unmounts the given persistent disk.
func (c *Client) UnmountDisk(ctx context.Context, agentID, diskCID string) error {
	_, err := c.SendTask(ctx, agentID, "unmount_disk", []interface{}{diskCID})
	return err
}

// ListDisk returns the CIDs of disks the agent currently sees.
func (c *Client) ListDisk(ctx context.Context, agentID string) ([]string, error) {
	value, err := c.Send(ctx, agentID, "list_disk", nil)
	if err != nil {
		return nil, err
	}
	var cids []string
	if err := json.Unmarshal(value, &cids); err != nil {
		return nil, fmt.Errorf("malformed list_disk reply from agent %s: %w", agentID, err)
	}
	return cids, nil
}

// MigrateDisk copies persistent data from the old disk to the new
// one; both must be mounted.
func (c *Client) MigrateDisk(ctx context.Context, agentID, oldCID, newCID string) error {
	_, err := c.SendTask(ctx, agentID, "migrate_disk", []interface{}{oldCID, newCID})
	return err
}

// CompileResult is the agent's answer to compile_package.
type CompileResult struct {
	Result struct {
		BlobID string `json:"blobstore_id"`
		SHA1   string `json:"sha1"`
	} `json:"result"`
}

// CompilePackage compiles a source package on the agent's VM. deps
// maps dependency package names to their compiled artifacts.
func (c *Client) CompilePackage(ctx context.Context, agentID, blobID, sha1, name, version string, deps map[string]interface{}) (CompileResult, error) {
	var res CompileResult
	value, err := c.SendTask(ctx, agentID, "compile_package", []interface{}{blobID, sha1, name, version, deps})
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(value, &res); err != nil {
		return res, fmt.Errorf("malformed compile_package reply from agent %s: %w", agentID, err)
	}
	return res, nil
}
