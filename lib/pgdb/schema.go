// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pgdb

import "context"

// schemaSQL is the semantic model from the design docs rendered as
// DDL. Idempotent so SetupSchema can run at every startup.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id          bigserial PRIMARY KEY,
	kind        text NOT NULL,
	state       text NOT NULL DEFAULT 'queued',
	timestamp   timestamptz NOT NULL DEFAULT now(),
	description text NOT NULL DEFAULT '',
	result      text NOT NULL DEFAULT '',
	output      text NOT NULL DEFAULT '',
	payload     text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	username text PRIMARY KEY,
	password text NOT NULL
);

CREATE TABLE IF NOT EXISTS releases (
	id   bigserial PRIMARY KEY,
	name text NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS release_versions (
	id         bigserial PRIMARY KEY,
	release_id bigint NOT NULL REFERENCES releases (id),
	version    text NOT NULL,
	UNIQUE (release_id, version)
);

CREATE TABLE IF NOT EXISTS packages (
	id                 bigserial PRIMARY KEY,
	release_version_id bigint NOT NULL REFERENCES release_versions (id),
	name               text NOT NULL,
	version            text NOT NULL,
	fingerprint        text NOT NULL,
	blob_id            text NOT NULL,
	sha1               text NOT NULL,
	dependencies       text[] NOT NULL DEFAULT '{}',
	UNIQUE (release_version_id, name)
);

CREATE TABLE IF NOT EXISTS templates (
	id                 bigserial PRIMARY KEY,
	release_version_id bigint NOT NULL REFERENCES release_versions (id),
	name               text NOT NULL,
	version            text NOT NULL,
	blob_id            text NOT NULL,
	sha1               text NOT NULL,
	packages           text[] NOT NULL DEFAULT '{}',
	UNIQUE (release_version_id, name)
);

CREATE TABLE IF NOT EXISTS stemcells (
	id      bigserial PRIMARY KEY,
	name    text NOT NULL,
	version text NOT NULL,
	cid     text NOT NULL,
	sha1    text NOT NULL,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS compiled_packages (
	id             bigserial PRIMARY KEY,
	package_id     bigint NOT NULL REFERENCES packages (id),
	stemcell_id    bigint NOT NULL REFERENCES stemcells (id),
	dependency_key text NOT NULL,
	blob_id        text NOT NULL,
	sha1           text NOT NULL,
	UNIQUE (package_id, stemcell_id, dependency_key)
);

CREATE TABLE IF NOT EXISTS deployments (
	id       bigserial PRIMARY KEY,
	name     text NOT NULL UNIQUE,
	manifest text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS deployment_stemcells (
	deployment_id bigint NOT NULL REFERENCES deployments (id),
	stemcell_id   bigint NOT NULL REFERENCES stemcells (id),
	PRIMARY KEY (deployment_id, stemcell_id)
);

CREATE TABLE IF NOT EXISTS deployment_releases (
	deployment_id      bigint NOT NULL REFERENCES deployments (id),
	release_version_id bigint NOT NULL REFERENCES release_versions (id),
	PRIMARY KEY (deployment_id, release_version_id)
);

CREATE TABLE IF NOT EXISTS vms (
	id            bigserial PRIMARY KEY,
	deployment_id bigint NOT NULL REFERENCES deployments (id),
	agent_id      text NOT NULL UNIQUE,
	cid           text NOT NULL,
	pool          text NOT NULL DEFAULT '',
	network       text NOT NULL DEFAULT '',
	ip            text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS instances (
	id            bigserial PRIMARY KEY,
	deployment_id bigint NOT NULL REFERENCES deployments (id),
	job           text NOT NULL,
	idx           integer NOT NULL,
	state         text NOT NULL DEFAULT '',
	vm_id         bigint NOT NULL DEFAULT 0,
	disk_id       bigint NOT NULL DEFAULT 0,
	UNIQUE (deployment_id, job, idx)
);

CREATE TABLE IF NOT EXISTS disks (
	id          bigserial PRIMARY KEY,
	instance_id bigint NOT NULL,
	cid         text NOT NULL,
	size        integer NOT NULL,
	active      boolean NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS ip_reservations (
	id            bigserial PRIMARY KEY,
	deployment_id bigint NOT NULL,
	network       text NOT NULL,
	ip            text NOT NULL,
	instance_id   bigint NOT NULL DEFAULT 0,
	UNIQUE (network, ip)
);

CREATE TABLE IF NOT EXISTS locks (
	name    text PRIMARY KEY,
	holder  text NOT NULL,
	expires timestamptz NOT NULL
);
`

// SetupSchema creates any missing tables.
func (db *DB) SetupSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}
