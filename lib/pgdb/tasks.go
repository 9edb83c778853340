// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pgdb

import (
	"context"
	"fmt"

	"github.com/cloudplane-org/director/sdk/go/director"
)

// InsertTask creates a task row in state queued and fills in its ID
// and timestamp.
func (db *DB) InsertTask(ctx context.Context, t *director.Task) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO tasks (kind, state, description, payload)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, timestamp`,
		t.Kind, director.TaskQueued, t.Description, t.Payload).
		Scan(&t.ID, &t.Timestamp)
}

// GetTask returns the task with the given id, or a not_found error.
func (db *DB) GetTask(ctx context.Context, id int64) (director.Task, error) {
	var t director.Task
	err := db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if ok, err := noRows(err); err != nil {
		return t, err
	} else if !ok {
		return t, director.NewNotFoundError("task", fmt.Sprintf("%d", id))
	}
	return t, nil
}

// ListTasks returns tasks ordered by timestamp descending, optionally
// filtered by state, at most limit rows (0 = no limit).
func (db *DB) ListTasks(ctx context.Context, limit int, state director.TaskState) ([]director.Task, error) {
	tasks := []director.Task{}
	query := `SELECT * FROM tasks`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, state)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	err := db.SelectContext(ctx, &tasks, query, args...)
	return tasks, err
}

// SetTaskOutput records the task's log directory path.
func (db *DB) SetTaskOutput(ctx context.Context, id int64, output string) error {
	_, err := db.ExecContext(ctx, `UPDATE tasks SET output = $2 WHERE id = $1`, id, output)
	return err
}

// ClaimTask atomically advances a task from queued to processing.
// Returns false if the task is no longer queued (already claimed by
// another worker, or cancelled before pickup).
func (db *DB) ClaimTask(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET state = $2 WHERE id = $1 AND state = $3`,
		id, director.TaskProcessing, director.TaskQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// NextQueuedTask returns the id of the oldest queued task, or 0.
func (db *DB) NextQueuedTask(ctx context.Context) (int64, error) {
	var id int64
	err := db.QueryRowxContext(ctx,
		`SELECT id FROM tasks WHERE state = $1 ORDER BY id LIMIT 1`,
		director.TaskQueued).Scan(&id)
	if ok, err := noRows(err); err != nil || !ok {
		return 0, err
	}
	return id, nil
}

// FinishTask records the result string and a terminal state.
func (db *DB) FinishTask(ctx context.Context, id int64, state director.TaskState, result string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE tasks SET state = $2, result = $3 WHERE id = $1`,
		id, state, result)
	return err
}

// TaskState returns the current state of the task.
func (db *DB) TaskState(ctx context.Context, id int64) (director.TaskState, error) {
	var state director.TaskState
	err := db.QueryRowxContext(ctx, `SELECT state FROM tasks WHERE id = $1`, id).Scan(&state)
	return state, err
}

// CancelQueuedTask moves a still-queued task straight to cancelled,
// so it never gets picked up. Returns false if the task is no longer
// queued.
func (db *DB) CancelQueuedTask(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET state = $2, result = 'task cancelled'
		 WHERE id = $1 AND state = $3`,
		id, director.TaskCancelled, director.TaskQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequestTaskCancel moves a processing task to cancelling; the body
// notices at its next checkpoint. Returns false if the task is not
// processing.
func (db *DB) RequestTaskCancel(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET state = $2
		 WHERE id = $1 AND state = $3`,
		id, director.TaskCancelling, director.TaskProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
