// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudplane-org/director/sdk/go/director"
)

// An Event is one line of a task's event log: progress of one stage
// step, consumed by CLI progress displays.
type Event struct {
	Time  int64  `json:"time"`
	Stage string `json:"stage"`
	Task  string `json:"task"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	State string `json:"state"` // started, finished, failed
	Error string `json:"error,omitempty"`
}

// A Run is the handle a task body uses to report progress and observe
// cancellation. Safe for concurrent use by the body's worker
// goroutines.
type Run struct {
	// Task is a snapshot of the task row at pickup.
	Task director.Task

	store  Store
	events io.Writer
	result io.Writer

	mtx       sync.Mutex
	resultMsg string
}

// Event appends one event to the task's event log.
func (r *Run) Event(e Event) {
	if e.Time == 0 {
		e.Time = time.Now().Unix()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events.Write(append(line, '\n'))
}

// Step emits the started event, runs fn, and emits the matching
// finished or failed event.
func (r *Run) Step(stage, task string, index, total int, fn func() error) error {
	r.Event(Event{Stage: stage, Task: task, Index: index, Total: total, State: "started"})
	err := fn()
	if err != nil {
		r.Event(Event{Stage: stage, Task: task, Index: index, Total: total, State: "failed", Error: err.Error()})
		return err
	}
	r.Event(Event{Stage: stage, Task: task, Index: index, Total: total, State: "finished"})
	return nil
}

// SetResult records the success result string (e.g. the deployment
// name). Ignored if the body returns an error.
func (r *Run) SetResult(msg string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.resultMsg = msg
}

// CheckCancel is a cancellation checkpoint: it returns ErrCancelled if
// cancellation of this task has been requested. Bodies call it between
// units of work; in-flight cloud and agent operations always finish.
func (r *Run) CheckCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return director.ErrCancelled
	}
	state, err := r.store.TaskState(ctx, r.Task.ID)
	if err != nil {
		return err
	}
	if state == director.TaskCancelling {
		return director.ErrCancelled
	}
	return nil
}

// UnmarshalPayload decodes the task's body arguments.
func (r *Run) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal([]byte(r.Task.Payload), v)
}

// logFiles opens (appending) the three log streams in the task's
// output directory.
func logFiles(dir string) (debug, events, result *os.File, err error) {
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	if debug, err = open("debug"); err != nil {
		return
	}
	if events, err = open("event"); err != nil {
		debug.Close()
		return
	}
	if result, err = open("result"); err != nil {
		debug.Close()
		events.Close()
	}
	return
}
