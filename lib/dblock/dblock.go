// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dblock implements named, expiring, renewable locks over the
// shared database. A lock row is (name, holder, expires); at most one
// row exists per name, and a row whose expiry has passed is up for
// grabs. While held, a background goroutine renews the expiry at
// TTL/3, so a crashed holder frees the lock after at most one TTL.
package dblock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Well-known lock names.
const (
	ReleaseLock   = "lock:release"
	StemcellsLock = "lock:stemcells"
)

// DeploymentLock returns the lock name serializing all mutating tasks
// for one deployment.
func DeploymentLock(deployment string) string {
	return "lock:deployment:" + deployment
}

// CompileLock returns the lock name deduplicating compilation of one
// package on one stemcell across concurrent deployments.
func CompileLock(pkg, stemcell string) string {
	return fmt.Sprintf("lock:compile:%s:%s", pkg, stemcell)
}

// A Lock is a held lock. Release is idempotent.
type Lock interface {
	Release()
}

// A Locker acquires named locks.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lock, error)
}

// PGLocker implements Locker over the locks table.
type PGLocker struct {
	DB     *sqlx.DB
	Logger logrus.FieldLogger

	// TTL is the row expiry horizon (default 30s).
	TTL time.Duration

	// Timeout bounds how long Acquire keeps retrying before
	// giving up with lock_busy (default 5m).
	Timeout time.Duration
}

const acquireSQL = `
	INSERT INTO locks (name, holder, expires)
	VALUES ($1, $2, now() + make_interval(secs => $3))
	ON CONFLICT (name) DO UPDATE
	SET holder = EXCLUDED.holder, expires = EXCLUDED.expires
	WHERE locks.expires < now()`

// Acquire takes the named lock, retrying with jittered backoff until
// it succeeds or Timeout elapses.
func (l *PGLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger := l.Logger.WithField("Lock", name)
	holder := uuid.NewString()
	deadline := time.Now().Add(timeout)
	delay := 250 * time.Millisecond
	for {
		res, err := l.DB.ExecContext(ctx, acquireSQL, name, holder, ttl.Seconds())
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %q: %w", name, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n > 0 {
			logger.WithField("Holder", holder).Debug("acquired lock")
			lk := &pgLock{
				locker: l,
				logger: logger,
				name:   name,
				holder: holder,
				ttl:    ttl,
				stop:   make(chan struct{}),
				done:   make(chan struct{}),
			}
			go lk.renew()
			return lk, nil
		}
		if time.Now().After(deadline) {
			return nil, director.NewLockBusyError(name)
		}
		logger.Debug("lock busy, waiting")
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if delay *= 2; delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}
}

type pgLock struct {
	locker  *PGLocker
	logger  logrus.FieldLogger
	name    string
	holder  string
	ttl     time.Duration
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (lk *pgLock) renew() {
	defer close(lk.done)
	ticker := time.NewTicker(lk.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-lk.stop:
			return
		case <-ticker.C:
			res, err := lk.locker.DB.Exec(
				`UPDATE locks SET expires = now() + make_interval(secs => $3)
				 WHERE name = $1 AND holder = $2`,
				lk.name, lk.holder, lk.ttl.Seconds())
			if err != nil {
				lk.logger.WithError(err).Warn("error renewing lock")
				continue
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// Somebody replaced an expired row of
				// ours; the critical section is no
				// longer exclusive, which is worth
				// shouting about.
				lk.logger.Error("lock row lost while held")
				return
			}
			lk.logger.Debug("renewed lock")
		}
	}
}

// Release stops renewal and deletes the row, but only if we still
// hold it.
func (lk *pgLock) Release() {
	lk.once.Do(func() {
		close(lk.stop)
		<-lk.done
		_, err := lk.locker.DB.Exec(
			`DELETE FROM locks WHERE name = $1 AND holder = $2`,
			lk.name, lk.holder)
		if err != nil {
			lk.logger.WithError(err).Warn("error releasing lock")
			return
		}
		lk.logger.Debug("released lock")
	})
}
