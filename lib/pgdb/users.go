// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pgdb

import (
	"context"

	"github.com/cloudplane-org/director/sdk/go/director"
	"golang.org/x/crypto/bcrypt"
)

// InsertUser creates a user, storing a bcrypt hash of the password.
func (db *DB) InsertUser(ctx context.Context, u director.User) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO users (username, password) VALUES ($1, $2)`,
		u.Username, string(hash))
	return err
}

// UpdateUser replaces the user's password.
func (db *DB) UpdateUser(ctx context.Context, u director.User) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE users SET password = $2 WHERE username = $1`,
		u.Username, string(hash))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return director.NewNotFoundError("user", u.Username)
	}
	return nil
}

// DeleteUser removes a user.
func (db *DB) DeleteUser(ctx context.Context, username string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return director.NewNotFoundError("user", username)
	}
	return nil
}

// AuthenticateUser checks a username/password pair against the users
// table.
func (db *DB) AuthenticateUser(ctx context.Context, username, password string) (bool, error) {
	var hash string
	err := db.QueryRowxContext(ctx,
		`SELECT password FROM users WHERE username = $1`, username).Scan(&hash)
	if ok, err := noRows(err); err != nil || !ok {
		return false, err
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}
