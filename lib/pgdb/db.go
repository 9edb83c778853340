// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package pgdb is the director's persistence layer: typed queries per
// entity over the postgres system of record. Reconciliation logic
// (lib/deploy, lib/compiler) sees plain values; all SQL lives here.
package pgdb

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

// DB wraps the sqlx pool with the director's typed queries.
type DB struct {
	*sqlx.DB
}

// Open returns a DB on the given connection string. The pool is not
// pinged; callers that need an early failure should call
// PingContext.
func Open(connstr string, maxOpenConns int) (*DB, error) {
	db, err := sqlx.Open("postgres", connstr)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return &DB{DB: db}, nil
}

// errNoRows maps sql.ErrNoRows to (zero, false, nil) for find-style
// queries.
func noRows(err error) (bool, error) {
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
