// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package director holds the semantic types shared by the director's
// persistence, planning, and API layers.
package director

import "time"

// TaskState is the lifecycle state of a Task. A task advances exactly
// once from queued to processing, and ends in one of the terminal
// states.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskCancelling TaskState = "cancelling"
	TaskDone       TaskState = "done"
	TaskError      TaskState = "error"
	TaskCancelled  TaskState = "cancelled"
)

// Terminal returns true if no further transitions are allowed.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskError || s == TaskCancelled
}

// TaskKind selects the task body to run.
type TaskKind string

const (
	TaskUpdateDeployment TaskKind = "update_deployment"
	TaskDeleteDeployment TaskKind = "delete_deployment"
	TaskUpdateRelease    TaskKind = "update_release"
	TaskDeleteRelease    TaskKind = "delete_release"
	TaskUpdateStemcell   TaskKind = "update_stemcell"
	TaskDeleteStemcell   TaskKind = "delete_stemcell"
)

// Task is the durable record of an asynchronous mutating operation.
// Output is the path of a directory containing the debug, event, and
// result log streams. Payload carries the body's JSON arguments and
// is not part of the API representation.
type Task struct {
	ID          int64     `json:"id" db:"id"`
	Kind        TaskKind  `json:"kind" db:"kind"`
	State       TaskState `json:"state" db:"state"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Description string    `json:"description" db:"description"`
	Result      string    `json:"result" db:"result"`
	Output      string    `json:"-" db:"output"`
	Payload     string    `json:"-" db:"payload"`
}

// User is an API user. Passwords are stored salted+hashed by the
// persistence layer; this struct carries the cleartext only between
// the API layer and the hasher.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
