// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cloudplane-org/director/lib/bus"
	"github.com/cloudplane-org/director/sdk/go/ctxlog"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// codeInternal is the stable code reported for non-domain failures
// (bugs, I/O errors). The backtrace goes to the task debug log, not
// the result.
const codeInternal = 100

// A Body executes one kind of task. It reports progress through run,
// honors run.CheckCancel between units of work, and returns nil, a
// domain error, or an internal error.
type Body func(ctx context.Context, run *Run) error

// Runner executes queued tasks on a fixed number of worker loops.
// Multiple director processes may run against the same database; the
// conditional claim makes sure each task runs once.
type Runner struct {
	store   Store
	bus     bus.Bus
	logger  logrus.FieldLogger
	workers int

	handlers map[director.TaskKind]Body

	running  prometheus.Gauge
	finished *prometheus.CounterVec
}

// NewRunner returns a Runner with no handlers registered.
func NewRunner(store Store, b bus.Bus, workers int, logger logrus.FieldLogger, reg prometheus.Registerer) *Runner {
	r := &Runner{
		store:    store,
		bus:      b,
		logger:   logger,
		workers:  workers,
		handlers: map[director.TaskKind]Body{},
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "director",
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Number of tasks currently being processed.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "director",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Number of finished tasks, by terminal state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(r.running, r.finished)
	}
	return r
}

// Handle registers the body for a task kind. Must be called before
// Run.
func (r *Runner) Handle(kind director.TaskKind, body Body) {
	r.handlers[kind] = body
}

// Run executes tasks until ctx is cancelled. Workers are woken by bus
// notifications and additionally poll, so tasks queued while the bus
// hiccups still run.
func (r *Runner) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(Subject)
	if err != nil {
		return fmt.Errorf("subscribing to task notifications: %w", err)
	}
	defer sub.Unsubscribe()

	wake := make(chan struct{}, r.workers)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx, wake)
		}()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
		case _, ok := <-sub.Chan():
			if !ok {
				wg.Wait()
				return nil
			}
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// worker drains the queue every time it is woken, then goes back to
// sleep.
func (r *Runner) worker(ctx context.Context, wake <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
		for ctx.Err() == nil {
			id, err := r.store.NextQueuedTask(ctx)
			if err != nil {
				r.logger.WithError(err).Error("could not poll task queue")
				break
			}
			if id == 0 {
				break
			}
			claimed, err := r.store.ClaimTask(ctx, id)
			if err != nil {
				r.logger.WithError(err).Error("could not claim task")
				break
			}
			if !claimed {
				// Another worker got it; look for more.
				continue
			}
			r.execute(ctx, id)
		}
	}
}

// execute runs one claimed task to a terminal state.
func (r *Runner) execute(ctx context.Context, id int64) {
	logger := r.logger.WithField("TaskID", id)
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		logger.WithError(err).Error("could not load claimed task")
		return
	}

	debugF, eventF, resultF, err := logFiles(t.Output)
	if err != nil {
		logger.WithError(err).Error("could not open task logs")
		r.finish(ctx, id, director.TaskError, errorResult(err))
		return
	}
	defer debugF.Close()
	defer eventF.Close()
	defer resultF.Close()

	dlog := ctxlog.New(debugF, "text", "debug").WithField("TaskID", id)
	dlog.WithFields(logrus.Fields{
		"Kind":        t.Kind,
		"Description": t.Description,
	}).Info("task started")
	logger.WithField("Kind", t.Kind).Info("task started")

	run := &Run{Task: t, store: r.store, events: eventF, result: resultF}
	r.running.Inc()
	err = r.runBody(ctxlog.Context(ctx, dlog), run, dlog)
	r.running.Dec()

	var state director.TaskState
	var result string
	switch {
	case err == nil:
		state, result = director.TaskDone, run.resultMsg
	case director.AsError(err) != nil && director.AsError(err).Code == director.CodeCancelled:
		state, result = director.TaskCancelled, "task cancelled"
	default:
		state, result = director.TaskError, errorResult(err)
		dlog.WithError(err).Error("task failed")
	}
	fmt.Fprintln(resultF, result)
	r.finish(ctx, id, state, result)
	logger.WithField("State", state).Info("task finished")
	dlog.WithField("State", state).Info("task finished")
}

func (r *Runner) runBody(ctx context.Context, run *Run, dlog logrus.FieldLogger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			dlog.WithField("Panic", p).Error(string(debug.Stack()))
			err = fmt.Errorf("task body panicked: %v", p)
		}
	}()
	body, ok := r.handlers[run.Task.Kind]
	if !ok {
		return fmt.Errorf("no handler for task kind %q", run.Task.Kind)
	}
	return body(ctx, run)
}

func (r *Runner) finish(ctx context.Context, id int64, state director.TaskState, result string) {
	// Use a fresh context so shutdown doesn't leave tasks stuck in
	// processing.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.FinishTask(fctx, id, state, result); err != nil {
		r.logger.WithError(err).WithField("TaskID", id).Error("could not record task result")
		return
	}
	r.finished.WithLabelValues(string(state)).Inc()
}

// errorResult renders an error as the stable {code, description} JSON
// carried in the task's result column.
func errorResult(err error) string {
	de := director.AsError(err)
	if de == nil {
		de = director.Errorf(codeInternal, 500, "%s", err.Error())
	}
	buf, merr := json.Marshal(de)
	if merr != nil {
		return fmt.Sprintf(`{"code":%d,"description":"unprintable error"}`, codeInternal)
	}
	return string(buf)
}
