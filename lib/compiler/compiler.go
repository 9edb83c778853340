// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package compiler schedules package compilation across transient
// compilation VMs, honoring compile-time dependencies, deduplicating
// work across concurrent deployments with per-unit locks, and caching
// results keyed by source, stemcell, and transitive dependency
// identities.
package compiler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudplane-org/director/lib/agent"
	"github.com/cloudplane-org/director/lib/dblock"
	"github.com/cloudplane-org/director/lib/workpool"
	"github.com/cloudplane-org/director/sdk/go/director"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// Store is the compiled-package cache table.
type Store interface {
	FindCompiledPackage(ctx context.Context, packageID, stemcellID int64, depKey string) (director.CompiledPackage, bool, error)
	InsertCompiledPackage(ctx context.Context, cp *director.CompiledPackage) error
}

// A VMPool hands out compilation VMs. Implementations may reuse a VM
// for several units; Release must eventually destroy it.
type VMPool interface {
	Acquire(ctx context.Context, stemcell director.Stemcell) (CompileVM, error)
	Release(ctx context.Context, vm CompileVM) error
}

// CompileVM is one VM a compile unit runs on.
type CompileVM struct {
	ID      int64
	AgentID string
	CID     string
}

// A Reporter receives per-unit progress. *task.Run implements it.
type Reporter interface {
	Step(stage, task string, index, total int, fn func() error) error
	CheckCancel(ctx context.Context) error
}

// Request names what to compile — the packages needed by a plan, the
// full package set of the release (for dependency resolution), the
// target stemcell — and how: the VM pool to draw compilation VMs from
// and the worker budget from the manifest's compilation block.
type Request struct {
	Needed   []string
	Packages map[string]director.Package
	Stemcell director.Stemcell
	VMs      VMPool
	Workers  int
}

// Compiler drives DAG-ordered compilation. One Compiler is shared by
// all tasks so the in-memory cache stays warm across deployments.
type Compiler struct {
	Store  Store
	Locker dblock.Locker
	Agents *agent.Client
	Logger logrus.FieldLogger

	cacheOnce sync.Once
	cache     *lru.Cache // "pkgID/stemcellID/depKey" -> director.CompiledPackage
}

const compileStage = "compiling packages"

// Compile ensures compiled artifacts exist for every needed package
// and its transitive dependencies on the request's stemcell, and
// returns them by package name. Re-running with identical inputs
// performs no agent work.
func (c *Compiler) Compile(ctx context.Context, run Reporter, req Request) (map[string]director.CompiledPackage, error) {
	order, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	workers := req.Workers
	if workers < 1 {
		workers = 1
	}
	total := len(order)
	results := map[string]director.CompiledPackage{}
	var mtx sync.Mutex
	done := 0

	// Dependency levels: everything in one level depends only on
	// earlier levels, so a level's units can run concurrently.
	for len(order) > 0 {
		if run != nil {
			if err := run.CheckCancel(ctx); err != nil {
				return nil, err
			}
		}
		var level, rest []string
		for _, name := range order {
			ready := true
			for _, dep := range req.Packages[name].Dependencies {
				mtx.Lock()
				_, ok := results[dep]
				mtx.Unlock()
				if !ok {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			} else {
				rest = append(rest, name)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("dependency cycle among packages %v", rest)
		}
		pool := workpool.New(ctx, workers)
		for _, name := range level {
			name := name
			done++
			index := done
			pool.Add(func() error {
				unit := func() error {
					pkg := req.Packages[name]
					mtx.Lock()
					deps := c.depArtifacts(pkg, req.Packages, results)
					mtx.Unlock()
					cp, err := c.compileOne(ctx, req.VMs, pkg, req.Stemcell, req.Packages, deps)
					if err != nil {
						return err
					}
					mtx.Lock()
					results[name] = cp
					mtx.Unlock()
					return nil
				}
				if run != nil {
					return run.Step(compileStage, name, index, total, unit)
				}
				return unit()
			})
		}
		if err := pool.Wait(); err != nil {
			return nil, err
		}
		order = rest
	}
	return results, nil
}

// resolve expands the needed set with transitive dependencies and
// returns it name-sorted (scheduling order among equals).
func (c *Compiler) resolve(req Request) ([]string, error) {
	needed := map[string]bool{}
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		if needed[name] {
			return nil
		}
		pkg, ok := req.Packages[name]
		if !ok {
			return fmt.Errorf("package %q is not in the release (needed via %v)", name, trail)
		}
		needed[name] = true
		for _, dep := range pkg.Dependencies {
			if err := visit(dep, append(trail, name)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range req.Needed {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	var order []string
	for name := range needed {
		order = append(order, name)
	}
	sort.Strings(order)
	return order, nil
}

// DependencyKey hashes the identities of a package's transitive
// compile-time dependencies. Identical sources on identical dep
// identities share compiled artifacts.
func DependencyKey(pkg director.Package, packages map[string]director.Package) string {
	seen := map[string]bool{}
	var idents []string
	var walk func(p director.Package)
	walk = func(p director.Package) {
		for _, dep := range p.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			d := packages[dep]
			idents = append(idents, fmt.Sprintf("%s/%s/%s", d.Name, d.Version, d.Fingerprint))
			walk(d)
		}
	}
	walk(pkg)
	sort.Strings(idents)
	h := sha1.New()
	for _, id := range idents {
		fmt.Fprintln(h, id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// depArtifacts assembles the compiled-dependency argument for the
// compile_package RPC: direct dependencies with their artifact
// references.
func (c *Compiler) depArtifacts(pkg director.Package, packages map[string]director.Package, results map[string]director.CompiledPackage) map[string]interface{} {
	deps := map[string]interface{}{}
	for _, name := range pkg.Dependencies {
		d := packages[name]
		cp := results[name]
		deps[name] = map[string]interface{}{
			"name":         d.Name,
			"version":      d.Version,
			"blobstore_id": cp.BlobID,
			"sha1":         cp.SHA1,
		}
	}
	return deps
}

// compileOne produces the artifact for one (package, stemcell) pair:
// cache check, cross-deployment lock, re-check, then the actual
// compile on an acquired VM.
func (c *Compiler) compileOne(ctx context.Context, vms VMPool, pkg director.Package, stemcell director.Stemcell, packages map[string]director.Package, deps map[string]interface{}) (director.CompiledPackage, error) {
	depKey := DependencyKey(pkg, packages)
	logger := c.Logger.WithFields(logrus.Fields{
		"Package":  pkg.Name + "/" + pkg.Version,
		"Stemcell": stemcell.Name + "/" + stemcell.Version,
	})

	if cp, ok := c.cached(ctx, pkg, stemcell, depKey); ok {
		logger.Debug("compiled package cache hit")
		return cp, nil
	}

	lock, err := c.Locker.Acquire(ctx, dblock.CompileLock(pkg.Name, stemcell.Name+"/"+stemcell.Version))
	if err != nil {
		return director.CompiledPackage{}, err
	}
	defer lock.Release()

	// Another deployment may have compiled it while we waited.
	if cp, ok := c.cached(ctx, pkg, stemcell, depKey); ok {
		logger.Debug("compiled package appeared while waiting for lock")
		return cp, nil
	}

	vm, err := vms.Acquire(ctx, stemcell)
	if err != nil {
		return director.CompiledPackage{}, err
	}
	logger.WithField("CID", vm.CID).Info("compiling package")
	res, err := c.Agents.CompilePackage(ctx, vm.AgentID, pkg.BlobID, pkg.SHA1, pkg.Name, pkg.Version, deps)
	if err != nil {
		// The VM's state after a failed compile is unknown; let the
		// pool destroy it.
		if rerr := vms.Release(ctx, vm); rerr != nil {
			logger.WithError(rerr).Warn("could not release compile VM")
		}
		if errors.Is(err, director.ErrCancelled) || ctx.Err() != nil {
			return director.CompiledPackage{}, err
		}
		return director.CompiledPackage{}, director.NewCompilationFailedError(pkg.Name, err)
	}
	if err := vms.Release(ctx, vm); err != nil {
		return director.CompiledPackage{}, err
	}

	cp := director.CompiledPackage{
		PackageID:     pkg.ID,
		StemcellID:    stemcell.ID,
		DependencyKey: depKey,
		BlobID:        res.Result.BlobID,
		SHA1:          res.Result.SHA1,
	}
	if err := c.Store.InsertCompiledPackage(ctx, &cp); err != nil {
		return director.CompiledPackage{}, err
	}
	c.cacheAdd(pkg, stemcell, depKey, cp)
	return cp, nil
}

func (c *Compiler) cacheKey(pkg director.Package, stemcell director.Stemcell, depKey string) string {
	return fmt.Sprintf("%d/%d/%s", pkg.ID, stemcell.ID, depKey)
}

func (c *Compiler) initCache() {
	c.cacheOnce.Do(func() {
		c.cache, _ = lru.New(512)
	})
}

// cached consults the in-memory front cache, then the database.
func (c *Compiler) cached(ctx context.Context, pkg director.Package, stemcell director.Stemcell, depKey string) (director.CompiledPackage, bool) {
	c.initCache()
	if v, ok := c.cache.Get(c.cacheKey(pkg, stemcell, depKey)); ok {
		return v.(director.CompiledPackage), true
	}
	cp, ok, err := c.Store.FindCompiledPackage(ctx, pkg.ID, stemcell.ID, depKey)
	if err != nil || !ok {
		return director.CompiledPackage{}, false
	}
	c.cache.Add(c.cacheKey(pkg, stemcell, depKey), cp)
	return cp, true
}

func (c *Compiler) cacheAdd(pkg director.Package, stemcell director.Stemcell, depKey string, cp director.CompiledPackage) {
	c.initCache()
	c.cache.Add(c.cacheKey(pkg, stemcell, depKey), cp)
}
