// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"fmt"

	"github.com/cloudplane-org/director/lib/task"
	"github.com/cloudplane-org/director/lib/workpool"
	"github.com/sirupsen/logrus"
)

// JobUpdater rolls one job's instances to their target configuration:
// canaries first, serially, then the rest with bounded parallelism.
// The first failure stops scheduling; a canary failure means zero
// non-canary instances were touched.
type JobUpdater struct {
	Instances *InstanceUpdater
	Logger    logrus.FieldLogger
}

// Update rolls one job.
func (u *JobUpdater) Update(ctx context.Context, run *task.Run, plan *Plan, job *JobPlan) error {
	var pending []*InstancePlan
	for _, ip := range job.Instances {
		if ip.Change != ChangeNone {
			pending = append(pending, ip)
		}
	}
	if len(pending) == 0 {
		u.Logger.WithField("Job", job.Name).Info("job is up to date")
		return nil
	}

	canaries := job.Update.Canaries
	if canaries > len(pending) {
		canaries = len(pending)
	}
	stage := fmt.Sprintf("updating job %s", job.Name)
	u.Logger.WithFields(logrus.Fields{
		"Job":      job.Name,
		"Pending":  len(pending),
		"Canaries": canaries,
	}).Info("updating job")

	for i, ip := range pending[:canaries] {
		if err := run.CheckCancel(ctx); err != nil {
			return err
		}
		ip := ip
		err := run.Step(stage, ip.Name()+" (canary)", i+1, len(pending), func() error {
			return u.Instances.Update(ctx, plan, ip, true)
		})
		if err != nil {
			return err
		}
	}

	rest := pending[canaries:]
	if len(rest) == 0 {
		return nil
	}
	if err := run.CheckCancel(ctx); err != nil {
		return err
	}
	pool := workpool.New(ctx, job.Update.MaxInFlight)
	for i, ip := range rest {
		i, ip := i, ip
		pool.Add(func() error {
			if err := run.CheckCancel(ctx); err != nil {
				return err
			}
			return run.Step(stage, ip.Name(), canaries+i+1, len(pending), func() error {
				return u.Instances.Update(ctx, plan, ip, false)
			})
		})
	}
	return pool.Wait()
}
