// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pgdb

import (
	"context"

	"github.com/cloudplane-org/director/sdk/go/director"
)

// InsertStemcell records an uploaded stemcell.
func (db *DB) InsertStemcell(ctx context.Context, s *director.Stemcell) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO stemcells (name, version, cid, sha1)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		s.Name, s.Version, s.CID, s.SHA1).Scan(&s.ID)
}

// FindStemcell resolves (name, version), or returns a not_found
// error.
func (db *DB) FindStemcell(ctx context.Context, name, version string) (director.Stemcell, error) {
	var s director.Stemcell
	err := db.GetContext(ctx, &s,
		`SELECT * FROM stemcells WHERE name = $1 AND version = $2`, name, version)
	if ok, err := noRows(err); err != nil {
		return s, err
	} else if !ok {
		return s, director.NewNotFoundError("stemcell", name+"/"+version)
	}
	return s, nil
}

// ListStemcells returns all stemcells ordered by (name, version).
func (db *DB) ListStemcells(ctx context.Context) ([]director.Stemcell, error) {
	out := []director.Stemcell{}
	err := db.SelectContext(ctx, &out, `SELECT * FROM stemcells ORDER BY name, version`)
	return out, err
}

// StemcellInUse reports whether any deployment references the
// stemcell.
func (db *DB) StemcellInUse(ctx context.Context, stemcellID int64) (bool, error) {
	var n int
	err := db.QueryRowxContext(ctx,
		`SELECT count(*) FROM deployment_stemcells WHERE stemcell_id = $1`,
		stemcellID).Scan(&n)
	return n > 0, err
}

// DeleteStemcell removes the stemcell row and its compiled package
// cache entries.
func (db *DB) DeleteStemcell(ctx context.Context, stemcellID int64) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM compiled_packages WHERE stemcell_id = $1`, stemcellID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM stemcells WHERE id = $1`, stemcellID); err != nil {
		return err
	}
	return tx.Commit()
}

// FindCompiledPackage looks up the compiled artifact for (package,
// stemcell, dependency key). ok is false on a cache miss.
func (db *DB) FindCompiledPackage(ctx context.Context, packageID, stemcellID int64, depKey string) (director.CompiledPackage, bool, error) {
	var cp director.CompiledPackage
	err := db.GetContext(ctx, &cp,
		`SELECT * FROM compiled_packages
		 WHERE package_id = $1 AND stemcell_id = $2 AND dependency_key = $3`,
		packageID, stemcellID, depKey)
	ok, err := noRows(err)
	return cp, ok, err
}

// InsertCompiledPackage records a compiled artifact. Racing inserts
// from concurrent deployments are expected; the existing row wins.
func (db *DB) InsertCompiledPackage(ctx context.Context, cp *director.CompiledPackage) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO compiled_packages (package_id, stemcell_id, dependency_key, blob_id, sha1)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (package_id, stemcell_id, dependency_key) DO UPDATE
		 SET dependency_key = EXCLUDED.dependency_key
		 RETURNING id, blob_id, sha1`,
		cp.PackageID, cp.StemcellID, cp.DependencyKey, cp.BlobID, cp.SHA1).
		Scan(&cp.ID, &cp.BlobID, &cp.SHA1)
}
