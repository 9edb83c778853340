// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pgdb

import (
	"context"

	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/lib/pq"
)

// FindRelease returns the release with the given name, or a
// not_found error.
func (db *DB) FindRelease(ctx context.Context, name string) (director.Release, error) {
	var r director.Release
	err := db.GetContext(ctx, &r, `SELECT id, name FROM releases WHERE name = $1`, name)
	if ok, err := noRows(err); err != nil {
		return r, err
	} else if !ok {
		return r, director.NewNotFoundError("release", name)
	}
	return r, nil
}

// UpsertRelease returns the release with the given name, creating it
// if needed.
func (db *DB) UpsertRelease(ctx context.Context, name string) (director.Release, error) {
	var r director.Release
	err := db.QueryRowxContext(ctx,
		`INSERT INTO releases (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, name`, name).StructScan(&r)
	return r, err
}

// FindReleaseVersion resolves (release name, version) to a version
// row.
func (db *DB) FindReleaseVersion(ctx context.Context, release, version string) (director.ReleaseVersion, error) {
	var rv director.ReleaseVersion
	err := db.GetContext(ctx, &rv,
		`SELECT rv.id, rv.release_id, rv.version
		 FROM release_versions rv JOIN releases r ON r.id = rv.release_id
		 WHERE r.name = $1 AND rv.version = $2`, release, version)
	if ok, err := noRows(err); err != nil {
		return rv, err
	} else if !ok {
		return rv, director.NewNotFoundError("release version", release+"/"+version)
	}
	return rv, nil
}

// InsertReleaseVersion adds a version to a release. Duplicate
// versions are a validation error surfaced by the unique constraint.
func (db *DB) InsertReleaseVersion(ctx context.Context, rv *director.ReleaseVersion) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO release_versions (release_id, version) VALUES ($1, $2) RETURNING id`,
		rv.ReleaseID, rv.Version).Scan(&rv.ID)
}

// ListReleases returns all releases with their version strings,
// ordered by name.
func (db *DB) ListReleases(ctx context.Context) (map[string][]string, error) {
	rows, err := db.QueryxContext(ctx,
		`SELECT r.name, rv.version
		 FROM releases r LEFT JOIN release_versions rv ON rv.release_id = r.id
		 ORDER BY r.name, rv.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var name string
		var version *string
		if err := rows.Scan(&name, &version); err != nil {
			return nil, err
		}
		if _, ok := out[name]; !ok {
			out[name] = []string{}
		}
		if version != nil {
			out[name] = append(out[name], *version)
		}
	}
	return out, rows.Err()
}

// InsertPackage adds a package to a release version.
func (db *DB) InsertPackage(ctx context.Context, p *director.Package) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO packages (release_version_id, name, version, fingerprint, blob_id, sha1, dependencies)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.ReleaseVersionID, p.Name, p.Version, p.Fingerprint, p.BlobID, p.SHA1,
		pq.Array(p.Dependencies)).Scan(&p.ID)
}

// PackagesForReleaseVersion returns all packages of a release
// version, by name.
func (db *DB) PackagesForReleaseVersion(ctx context.Context, rvID int64) (map[string]director.Package, error) {
	rows, err := db.QueryxContext(ctx,
		`SELECT id, release_version_id, name, version, fingerprint, blob_id, sha1, dependencies
		 FROM packages WHERE release_version_id = $1`, rvID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]director.Package{}
	for rows.Next() {
		var p director.Package
		var deps pq.StringArray
		if err := rows.Scan(&p.ID, &p.ReleaseVersionID, &p.Name, &p.Version, &p.Fingerprint, &p.BlobID, &p.SHA1, &deps); err != nil {
			return nil, err
		}
		p.Dependencies = deps
		out[p.Name] = p
	}
	return out, rows.Err()
}

// InsertTemplate adds a job template to a release version.
func (db *DB) InsertTemplate(ctx context.Context, t *director.Template) error {
	return db.QueryRowxContext(ctx,
		`INSERT INTO templates (release_version_id, name, version, blob_id, sha1, packages)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.ReleaseVersionID, t.Name, t.Version, t.BlobID, t.SHA1,
		pq.Array(t.Packages)).Scan(&t.ID)
}

// TemplatesForReleaseVersion returns all templates of a release
// version, by name.
func (db *DB) TemplatesForReleaseVersion(ctx context.Context, rvID int64) (map[string]director.Template, error) {
	rows, err := db.QueryxContext(ctx,
		`SELECT id, release_version_id, name, version, blob_id, sha1, packages
		 FROM templates WHERE release_version_id = $1`, rvID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]director.Template{}
	for rows.Next() {
		var t director.Template
		var pkgs pq.StringArray
		if err := rows.Scan(&t.ID, &t.ReleaseVersionID, &t.Name, &t.Version, &t.BlobID, &t.SHA1, &pkgs); err != nil {
			return nil, err
		}
		t.Packages = pkgs
		out[t.Name] = t
	}
	return out, rows.Err()
}

// ReleaseInUse reports whether any deployment references any version
// of the release.
func (db *DB) ReleaseInUse(ctx context.Context, releaseID int64) (bool, error) {
	var n int
	err := db.QueryRowxContext(ctx,
		`SELECT count(*) FROM deployment_releases dr
		 JOIN release_versions rv ON rv.id = dr.release_version_id
		 WHERE rv.release_id = $1`, releaseID).Scan(&n)
	return n > 0, err
}

// ReleaseBlobIDs returns the blob references of all packages and
// templates in all versions of the release.
func (db *DB) ReleaseBlobIDs(ctx context.Context, releaseID int64) ([]string, error) {
	var blobs []string
	err := db.SelectContext(ctx, &blobs,
		`SELECT p.blob_id FROM packages p
		 JOIN release_versions rv ON rv.id = p.release_version_id
		 WHERE rv.release_id = $1
		 UNION ALL
		 SELECT t.blob_id FROM templates t
		 JOIN release_versions rv ON rv.id = t.release_version_id
		 WHERE rv.release_id = $1`, releaseID)
	return blobs, err
}

// DeleteRelease removes the release and everything hanging off it.
func (db *DB) DeleteRelease(ctx context.Context, releaseID int64) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM compiled_packages WHERE package_id IN (
			SELECT p.id FROM packages p
			JOIN release_versions rv ON rv.id = p.release_version_id
			WHERE rv.release_id = $1)`,
		`DELETE FROM packages WHERE release_version_id IN (
			SELECT id FROM release_versions WHERE release_id = $1)`,
		`DELETE FROM templates WHERE release_version_id IN (
			SELECT id FROM release_versions WHERE release_id = $1)`,
		`DELETE FROM release_versions WHERE release_id = $1`,
		`DELETE FROM releases WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, releaseID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
