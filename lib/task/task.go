// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package task implements the director's asynchronous task framework:
// durable task records, per-task log streams, a bounded set of worker
// loops executing task bodies, and cooperative cancellation.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cloudplane-org/director/lib/bus"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/sirupsen/logrus"
)

// Subject is the bus subject runners listen on for new work.
const Subject = "tasks"

// A Store is the durable task table. *pgdb.DB implements it.
type Store interface {
	InsertTask(ctx context.Context, t *director.Task) error
	GetTask(ctx context.Context, id int64) (director.Task, error)
	SetTaskOutput(ctx context.Context, id int64, output string) error
	ClaimTask(ctx context.Context, id int64) (bool, error)
	NextQueuedTask(ctx context.Context) (int64, error)
	FinishTask(ctx context.Context, id int64, state director.TaskState, result string) error
	TaskState(ctx context.Context, id int64) (director.TaskState, error)
	CancelQueuedTask(ctx context.Context, id int64) (bool, error)
	RequestTaskCancel(ctx context.Context, id int64) (bool, error)
}

// Manager creates and cancels tasks. It is the write side used by the
// API handlers; runners are the read side.
type Manager struct {
	store   Store
	bus     bus.Bus
	logRoot string
	logger  logrus.FieldLogger
}

// NewManager returns a Manager whose task logs live under logRoot.
func NewManager(store Store, b bus.Bus, logRoot string, logger logrus.FieldLogger) *Manager {
	return &Manager{store: store, bus: b, logRoot: logRoot, logger: logger}
}

// Create inserts a queued task whose body arguments are the JSON
// encoding of payload, sets up its log directory, and nudges the
// runners. The returned task has its ID and timestamp filled in.
func (m *Manager) Create(ctx context.Context, kind director.TaskKind, description string, payload interface{}) (director.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return director.Task{}, fmt.Errorf("encoding task payload: %w", err)
	}
	t := director.Task{Kind: kind, Description: description, Payload: string(body)}
	if err := m.store.InsertTask(ctx, &t); err != nil {
		return director.Task{}, fmt.Errorf("inserting task: %w", err)
	}
	t.State = director.TaskQueued
	dir := filepath.Join(m.logRoot, strconv.FormatInt(t.ID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return director.Task{}, fmt.Errorf("creating task log dir: %w", err)
	}
	if err := m.store.SetTaskOutput(ctx, t.ID, dir); err != nil {
		return director.Task{}, err
	}
	t.Output = dir
	// Wake the runners; they also poll, so a lost notify only costs
	// latency.
	if err := m.bus.Publish(ctx, Subject, []byte(strconv.FormatInt(t.ID, 10))); err != nil {
		m.logger.WithError(err).Warn("could not publish task notification")
	}
	m.logger.WithFields(logrus.Fields{
		"TaskID": t.ID,
		"Kind":   kind,
	}).Info("task created")
	return t, nil
}

// Cancel requests cancellation of a queued or processing task. A
// still-queued task is cancelled on the spot; a processing one moves
// to cancelling and finishes when its body reaches a checkpoint.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	ok, err := m.store.CancelQueuedTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		// Not queued (anymore): either a worker picked it up in the
		// meantime, or it is already terminal.
		ok, err = m.store.RequestTaskCancel(ctx, id)
		if err != nil {
			return err
		}
	}
	if !ok {
		t, err := m.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return director.NewValidationError([]string{
			fmt.Sprintf("task %d cannot be cancelled in state %s", id, t.State),
		})
	}
	m.logger.WithField("TaskID", id).Info("task cancellation requested")
	return nil
}
