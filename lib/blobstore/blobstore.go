// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package blobstore stores opaque, write-once blobs: package sources,
// compiled packages, job templates, and stemcell images. Blobs are
// addressed by an opaque id assigned at write time; deletion is lazy
// garbage collection driven by the delete task bodies.
package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// A Store holds blobs. Implementations must allow concurrent use.
type Store interface {
	// Put stores the stream and returns the new blob's id, its
	// SHA1 (hex), and its size.
	Put(ctx context.Context, r io.Reader) (id, sha1hex string, size int64, err error)

	// Get opens a stored blob.
	Get(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting an absent blob is an error
	// (force-delete flows tolerate it).
	Delete(ctx context.Context, id string) error
}

// Local is a Store on a local directory, sharded by id prefix.
type Local struct {
	Root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Local{Root: root}, nil
}

func (s *Local) path(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.Root, id)
	}
	return filepath.Join(s.Root, id[:2], id)
}

// Put implements Store. The blob is written to a temp file and
// renamed into place, so readers never see partial writes.
func (s *Local) Put(ctx context.Context, r io.Reader) (string, string, int64, error) {
	id := uuid.NewString()
	dst := s.path(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", "", 0, err
	}
	tmp, err := os.CreateTemp(s.Root, ".upload-*")
	if err != nil {
		return "", "", 0, err
	}
	defer os.Remove(tmp.Name())
	h := sha1.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", "", 0, err
	}
	return id, hex.EncodeToString(h.Sum(nil)), size, nil
}

// Get implements Store.
func (s *Local) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s not found", id)
	}
	return f, err
}

// Delete implements Store.
func (s *Local) Delete(ctx context.Context, id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("blob %s not found", id)
	}
	return err
}
