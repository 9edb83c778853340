// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package vsphere drives VMs through a vCenter automation REST
// endpoint. The driver holds one session per configured endpoint and
// re-authenticates transparently when vCenter expires it.
package vsphere

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cloudplane-org/director/lib/cloud"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

func init() {
	cloud.Register("vsphere", cloud.DriverFunc(newDriver))
}

const sessionHeader = "vmware-api-session-id"

// Config is the cloud.properties block for the vsphere provider.
type Config struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Insecure       bool   `json:"insecure"`
	Datacenter     string `json:"datacenter"`
	Datastore      string `json:"datastore"`
	Cluster        string `json:"cluster"`
	VMFolder       string `json:"vm_folder"`
	TemplateFolder string `json:"template_folder"`
}

type client struct {
	cfg    Config
	hc     *retryablehttp.Client
	logger logrus.FieldLogger

	sessionMtx sync.Mutex
	session    string
}

func newDriver(config json.RawMessage, logger logrus.FieldLogger) (cloud.Interface, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid vsphere configuration: %w", err)
	}
	if cfg.URL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("vsphere configuration needs url, username, and password")
	}
	return newClient(cfg, logger), nil
}

func newClient(cfg Config, logger logrus.FieldLogger) *client {
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
	return &client{cfg: cfg, hc: hc, logger: logger}
}

// login opens a new API session.
func (c *client) login() (string, error) {
	req, err := retryablehttp.NewRequest("POST", c.cfg.URL+"/api/session", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("vcenter login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vcenter login: unexpected status %s", resp.Status)
	}
	var session string
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("vcenter login: %w", err)
	}
	return session, nil
}

func (c *client) getSession(renew bool) (string, error) {
	c.sessionMtx.Lock()
	defer c.sessionMtx.Unlock()
	if renew || c.session == "" {
		session, err := c.login()
		if err != nil {
			return "", err
		}
		c.session = session
	}
	return c.session, nil
}

// do performs one authenticated API call, re-logging in once if the
// session has expired, and decodes the JSON response into out (nil to
// discard).
func (c *client) do(method, path string, body, out interface{}) error {
	renewed := false
	for {
		session, err := c.getSession(renewed)
		if err != nil {
			return err
		}
		var payload io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return err
			}
			payload = bytes.NewReader(buf)
		}
		req, err := retryablehttp.NewRequest(method, c.cfg.URL+path, payload)
		if err != nil {
			return err
		}
		req.Header.Set(sessionHeader, session)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("vcenter %s %s: %w", method, path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && !renewed {
			resp.Body.Close()
			renewed = true
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("vcenter %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

// placementSpec names where new VMs and disks land.
func (c *client) placementSpec() map[string]interface{} {
	return map[string]interface{}{
		"datacenter": c.cfg.Datacenter,
		"datastore":  c.cfg.Datastore,
		"cluster":    c.cfg.Cluster,
		"folder":     c.cfg.VMFolder,
	}
}

// CreateStemcell imports the image as a VM template.
func (c *client) CreateStemcell(imagePath string, properties map[string]interface{}) (string, error) {
	var result struct {
		Template string `json:"template"`
	}
	err := c.do("POST", "/api/vcenter/ovf/import", map[string]interface{}{
		"source":     imagePath,
		"folder":     c.cfg.TemplateFolder,
		"datastore":  c.cfg.Datastore,
		"datacenter": c.cfg.Datacenter,
		"properties": properties,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Template, nil
}

// DeleteStemcell removes the template.
func (c *client) DeleteStemcell(cid string) error {
	return c.do("DELETE", "/api/vcenter/vm-template/"+cid, nil, nil)
}

// CreateVM clones the stemcell template and boots it with the agent
// settings injected through the VM's environment (guestinfo).
func (c *client) CreateVM(agentID, stemcellCID string, cloudProperties map[string]interface{}, networks cloud.NetworksSpec, env map[string]interface{}) (string, error) {
	var result struct {
		VM string `json:"vm"`
	}
	err := c.do("POST", "/api/vcenter/vm?action=instant-clone", map[string]interface{}{
		"source":    stemcellCID,
		"placement": c.placementSpec(),
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
	if err := c.do("POST", "/api/vcenter/vm/"+result.VM+"/power?action=start", nil, nil); err != nil {
		// Power-on failed; don't leak the clone.
		if derr := c.DeleteVM(result.VM); derr != nil {
			c.logger.WithError(derr).WithField("VM", result.VM).Warn("could not delete VM after failed power-on")
		}
		return "", err
	}
	return result.VM, nil
}

// DeleteVM powers the VM off and destroys it.
func (c *client) DeleteVM(cid string) error {
	// Power-off of an already-off VM returns 400; ignore and let the
	// delete surface real errors.
	if err := c.do("POST", "/api/vcenter/vm/"+cid+"/power?action=stop", nil, nil); err != nil {
		c.logger.WithError(err).WithField("VM", cid).Debug("power-off before delete failed")
	}
	return c.do("DELETE", "/api/vcenter/vm/"+cid, nil, nil)
}

// RebootVM resets the VM at the hypervisor level.
func (c *client) RebootVM(cid string) error {
	return c.do("POST", "/api/vcenter/vm/"+cid+"/power?action=reset", nil, nil)
}

// ConfigureNetworks rewrites the VM's guestinfo network settings. The
// agent picks them up on its next restart.
func (c *client) ConfigureNetworks(cid string, networks cloud.NetworksSpec) error {
	return c.do("PATCH", "/api/vcenter/vm/"+cid+"/guestinfo", map[string]interface{}{
		"networks": networks,
	}, nil)
}

// CreateDisk makes a persistent VMDK on the configured datastore.
func (c *client) CreateDisk(size int, vmCID string) (string, error) {
	var result struct {
		Disk string `json:"disk"`
	}
	err := c.do("POST", "/api/vcenter/disk", map[string]interface{}{
		"capacity_mb": size,
		"datastore":   c.cfg.Datastore,
		"near_vm":     vmCID,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Disk, nil
}

// DeleteDisk removes the VMDK.
func (c *client) DeleteDisk(cid string) error {
	return c.do("DELETE", "/api/vcenter/disk/"+cid, nil, nil)
}

// AttachDisk attaches the VMDK to the VM.
func (c *client) AttachDisk(vmCID, diskCID string) error {
	return c.do("POST", "/api/vcenter/vm/"+vmCID+"/hardware/disk", map[string]interface{}{
		"backing": map[string]interface{}{"disk": diskCID},
	}, nil)
}

// DetachDisk detaches the VMDK, keeping its backing file.
func (c *client) DetachDisk(vmCID, diskCID string) error {
	return c.do("DELETE", "/api/vcenter/vm/"+vmCID+"/hardware/disk/"+diskCID, nil, nil)
}

// GetDisks lists the persistent disks attached to the VM.
func (c *client) GetDisks(vmCID string) ([]string, error) {
	var result []struct {
		Disk string `json:"disk"`
	}
	if err := c.do("GET", "/api/vcenter/vm/"+vmCID+"/hardware/disk", nil, &result); err != nil {
		return nil, err
	}
	cids := make([]string, 0, len(result))
	for _, d := range result {
		cids = append(cids, d.Disk)
	}
	return cids, nil
}

// SnapshotDisk snapshots the VMDK.
func (c *client) SnapshotDisk(diskCID string) (string, error) {
	var result struct {
		Snapshot string `json:"snapshot"`
	}
	err := c.do("POST", "/api/vcenter/disk/"+diskCID+"/snapshot", nil, &result)
	if err != nil {
		return "", err
	}
	return result.Snapshot, nil
}
