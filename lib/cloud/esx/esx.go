// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package esx drives VMs on a single ESX host, without vCenter. The
// host's management API is smaller than vCenter's: no clusters, no
// folders, no instant clone, and every request is basic-authenticated
// rather than session-scoped.
package esx

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudplane-org/director/lib/cloud"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

func init() {
	cloud.Register("esx", cloud.DriverFunc(newDriver))
}

// Config is the cloud.properties block for the esx provider.
type Config struct {
	Host      string `json:"host"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Insecure  bool   `json:"insecure"`
	Datastore string `json:"datastore"`
}

type client struct {
	cfg     Config
	baseURL string
	hc      *retryablehttp.Client
	logger  logrus.FieldLogger
}

func newDriver(config json.RawMessage, logger logrus.FieldLogger) (cloud.Interface, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid esx configuration: %w", err)
	}
	if cfg.Host == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("esx configuration needs host, username, and password")
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = 4
	hc.RetryWaitMin = time.Second
	hc.RetryWaitMax = 16 * time.Second
	hc.Logger = nil
	if cfg.Insecure {
		hc.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	baseURL := cfg.Host
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	return &client{cfg: cfg, baseURL: baseURL, hc: hc, logger: logger}, nil
}

func (c *client) do(method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("esx %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("esx %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateStemcell registers the image on the host datastore.
func (c *client) CreateStemcell(imagePath string, properties map[string]interface{}) (string, error) {
	var result struct {
		Image string `json:"image"`
	}
	err := c.do("POST", "/api/images", map[string]interface{}{
		"source":     imagePath,
		"datastore":  c.cfg.Datastore,
		"properties": properties,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Image, nil
}

// DeleteStemcell removes the registered image.
func (c *client) DeleteStemcell(cid string) error {
	return c.do("DELETE", "/api/images/"+cid, nil, nil)
}

// CreateVM boots a VM from the image with the agent settings injected
// through guestinfo.
func (c *client) CreateVM(agentID, stemcellCID string, cloudProperties map[string]interface{}, networks cloud.NetworksSpec, env map[string]interface{}) (string, error) {
	var result struct {
		VM string `json:"vm"`
	}
	err := c.do("POST", "/api/vms", map[string]interface{}{
		"image":     stemcellCID,
		"datastore": c.cfg.Datastore,
		"hardware":  cloudProperties,
		"guestinfo": map[string]interface{}{
			"agent_id": agentID,
			"networks": networks,
			"env":      env,
		},
	}, &result)
	if err != nil {
		return "", err
	}
	if err := c.do("POST", "/api/vms/"+result.VM+"/power/on", nil, nil); err != nil {
		if derr := c.DeleteVM(result.VM); derr != nil {
			c.logger.WithError(derr).WithField("VM", result.VM).Warn("could not delete VM after failed power-on")
		}
		return "", err
	}
	return result.VM, nil
}

// DeleteVM powers the VM off and unregisters it.
func (c *client) DeleteVM(cid string) error {
	if err := c.do("POST", "/api/vms/"+cid+"/power/off", nil, nil); err != nil {
		c.logger.WithError(err).WithField("VM", cid).Debug("power-off before delete failed")
	}
	return c.do("DELETE", "/api/vms/"+cid, nil, nil)
}

// RebootVM resets the VM.
func (c *client) RebootVM(cid string) error {
	return c.do("POST", "/api/vms/"+cid+"/power/reset", nil, nil)
}

// ConfigureNetworks rewrites the VM's guestinfo network settings.
func (c *client) ConfigureNetworks(cid string, networks cloud.NetworksSpec) error {
	return c.do("PATCH", "/api/vms/"+cid+"/guestinfo", map[string]interface{}{
		"networks": networks,
	}, nil)
}

// CreateDisk makes a persistent disk on the host datastore.
func (c *client) CreateDisk(size int, vmCID string) (string, error) {
	var result struct {
		Disk string `json:"disk"`
	}
	err := c.do("POST", "/api/disks", map[string]interface{}{
		"capacity_mb": size,
		"datastore":   c.cfg.Datastore,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Disk, nil
}

// DeleteDisk removes the disk.
func (c *client) DeleteDisk(cid string) error {
	return c.do("DELETE", "/api/disks/"+cid, nil, nil)
}

// AttachDisk attaches the disk to the VM.
func (c *client) AttachDisk(vmCID, diskCID string) error {
	return c.do("POST", "/api/vms/"+vmCID+"/disks", map[string]interface{}{
		"disk": diskCID,
	}, nil)
}

// DetachDisk detaches the disk, keeping its backing file.
func (c *client) DetachDisk(vmCID, diskCID string) error {
	return c.do("DELETE", "/api/vms/"+vmCID+"/disks/"+diskCID, nil, nil)
}

// GetDisks lists the disks attached to the VM.
func (c *client) GetDisks(vmCID string) ([]string, error) {
	var result []struct {
		Disk string `json:"disk"`
	}
	if err := c.do("GET", "/api/vms/"+vmCID+"/disks", nil, &result); err != nil {
		return nil, err
	}
	cids := make([]string, 0, len(result))
	for _, d := range result {
		cids = append(cids, d.Disk)
	}
	return cids, nil
}

// SnapshotDisk snapshots the disk.
func (c *client) SnapshotDisk(diskCID string) (string, error) {
	var result struct {
		Snapshot string `json:"snapshot"`
	}
	err := c.do("POST", "/api/disks/"+diskCID+"/snapshot", nil, &result)
	if err != nil {
		return "", err
	}
	return result.Snapshot, nil
}
