// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package director

// Release is a named, versioned collection of packages and job
// templates.
type Release struct {
	ID   int64  `json:"-" db:"id"`
	Name string `json:"name" db:"name"`
}

// ReleaseVersion is one uploaded version of a Release.
type ReleaseVersion struct {
	ID        int64  `json:"-" db:"id"`
	ReleaseID int64  `json:"-" db:"release_id"`
	Version   string `json:"version" db:"version"`
}

// Package is a source package belonging to a release version.
// (Name, Version, Fingerprint) is a content-addressed identity: two
// packages with equal fingerprints are interchangeable sources.
type Package struct {
	ID               int64    `json:"-" db:"id"`
	ReleaseVersionID int64    `json:"-" db:"release_version_id"`
	Name             string   `json:"name" db:"name"`
	Version          string   `json:"version" db:"version"`
	Fingerprint      string   `json:"fingerprint" db:"fingerprint"`
	BlobID           string   `json:"blobstore_id" db:"blob_id"`
	SHA1             string   `json:"sha1" db:"sha1"`
	Dependencies     []string `json:"dependencies"`
}

// CompiledPackage is the build output for one source package on one
// stemcell, keyed additionally by a hash over the identities of its
// transitive compile-time dependencies. Once a row exists for a key,
// the artifact is never recomputed.
type CompiledPackage struct {
	ID            int64  `json:"-" db:"id"`
	PackageID     int64  `json:"-" db:"package_id"`
	StemcellID    int64  `json:"-" db:"stemcell_id"`
	DependencyKey string `json:"-" db:"dependency_key"`
	BlobID        string `json:"blobstore_id" db:"blob_id"`
	SHA1          string `json:"sha1" db:"sha1"`
}

// Template is a job template: the unit a job deploys, declaring the
// packages it needs.
type Template struct {
	ID               int64    `json:"-" db:"id"`
	ReleaseVersionID int64    `json:"-" db:"release_version_id"`
	Name             string   `json:"name" db:"name"`
	Version          string   `json:"version" db:"version"`
	BlobID           string   `json:"blobstore_id" db:"blob_id"`
	SHA1             string   `json:"sha1" db:"sha1"`
	Packages         []string `json:"packages"`
}

// Stemcell is a base OS image registered with the cloud provider.
// (Name, Version) is unique; CID is the provider-assigned id.
type Stemcell struct {
	ID      int64  `json:"-" db:"id"`
	Name    string `json:"name" db:"name"`
	Version string `json:"version" db:"version"`
	CID     string `json:"cid" db:"cid"`
	SHA1    string `json:"sha1" db:"sha1"`
}
