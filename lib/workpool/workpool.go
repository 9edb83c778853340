// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package workpool fans out work units with bounded concurrency and
// first-error short-circuit: once a unit fails (or the pool's context
// is cancelled), no further units start, units already running finish,
// and Wait returns the first error.
package workpool

import (
	"context"
	"sync"

	"github.com/cloudplane-org/director/sdk/go/director"
)

// Pool runs work units with at most K running concurrently.
type Pool struct {
	ctx  context.Context
	sem  chan struct{}
	wg   sync.WaitGroup
	mtx  sync.Mutex
	err  error
}

// New returns a Pool running at most size units concurrently.
// Cancelling ctx has the same effect as a unit failing with
// ErrCancelled.
func New(ctx context.Context, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		ctx: ctx,
		sem: make(chan struct{}, size),
	}
}

// Add schedules one work unit. If a unit has already failed, fn is
// dropped without running. Within a unit, work is sequential; across
// units, no ordering is guaranteed.
func (p *Pool) Add(fn func() error) {
	if p.stopped() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.ctx.Done():
			p.record(director.ErrCancelled)
			return
		case p.sem <- struct{}{}:
		}
		defer func() { <-p.sem }()
		// A failure may have been recorded while we waited for
		// a slot.
		if p.stopped() {
			return
		}
		if err := fn(); err != nil {
			p.record(err)
		}
	}()
}

// Wait blocks until all scheduled units have finished or been
// dropped, then returns the first recorded error, if any.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.err
}

func (p *Pool) stopped() bool {
	if p.ctx.Err() != nil {
		p.record(director.ErrCancelled)
		return true
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.err != nil
}

func (p *Pool) record(err error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.err == nil {
		p.err = err
	}
}
