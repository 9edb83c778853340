// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"fmt"
	"sort"

	"github.com/cloudplane-org/director/lib/task"
	"github.com/sirupsen/logrus"
)

// PoolUpdater grows and shrinks each resource pool's idle VM set so
// that idle + allocated matches the declared size. Instance-bound VMs
// count as allocated; so do the instances the current plan is about
// to bind.
type PoolUpdater struct {
	Deployer *VMDeployer
	Logger   logrus.FieldLogger
}

const poolStage = "updating resource pools"

// Update reconciles all pools, in name order. Creation and deletion
// are serial; the parallelism budget belongs to the job updaters.
func (u *PoolUpdater) Update(ctx context.Context, run *task.Run, plan *Plan) error {
	var names []string
	for name := range plan.Pools {
		names = append(names, name)
	}
	sort.Strings(names)

	planned := map[string]int{}
	for _, job := range plan.Jobs {
		planned[job.Pool.Name] += len(job.Instances)
	}

	for _, name := range names {
		if err := run.CheckCancel(ctx); err != nil {
			return err
		}
		pool := plan.Pools[name]
		network := plan.Networks[pool.Network]
		idle, err := u.Deployer.Store.IdleVMs(ctx, plan.Deployment.ID, name)
		if err != nil {
			return err
		}
		target := pool.Size - planned[name]
		if target < 0 {
			target = 0
		}
		delta := target - len(idle)
		logger := u.Logger.WithFields(logrus.Fields{
			"Pool":   name,
			"Idle":   len(idle),
			"Target": target,
		})
		switch {
		case delta > 0:
			logger.WithField("Create", delta).Info("growing resource pool")
			for i := 0; i < delta; i++ {
				if err := run.CheckCancel(ctx); err != nil {
					return err
				}
				err := run.Step(poolStage, fmt.Sprintf("%s/create", name), i+1, delta, func() error {
					ip, err := network.Allocate()
					if err != nil {
						return err
					}
					_, err = u.Deployer.CreateVM(ctx, plan.Deployment.ID, pool, network, ip)
					if err != nil && ip != "" {
						network.ReleaseAddr(ip)
					}
					return err
				})
				if err != nil {
					return err
				}
			}
		case delta < 0:
			logger.WithField("Delete", -delta).Info("shrinking resource pool")
			// Delete the newest idle VMs first, keeping the
			// longest-lived ones warm.
			doomed := idle[target:]
			for i, vm := range doomed {
				if err := run.CheckCancel(ctx); err != nil {
					return err
				}
				vm := vm
				err := run.Step(poolStage, fmt.Sprintf("%s/delete", name), i+1, len(doomed), func() error {
					return u.Deployer.DeleteVM(ctx, vm, network)
				})
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}
