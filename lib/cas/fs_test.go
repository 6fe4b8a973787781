// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

const testRef = "a3f1b2c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6"

func newTestBackend(t *testing.T) *FilesystemBackend {
	t.Helper()
	backend, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend failed: %v", err)
	}
	return backend
}

func TestFilesystemBackendRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	data := []byte("encrypted blob bytes")

	if err := backend.Put(ctx, testRef, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := backend.Exists(ctx, testRef)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Fatal("Exists = false after Put")
	}

	got, err := backend.Get(ctx, testRef)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Get returned different bytes")
	}
}

func TestFilesystemBackendMissingBlob(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	if _, err := backend.Get(ctx, testRef); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get: err = %v, want ErrBlobNotFound", err)
	}
	exists, err := backend.Exists(ctx, testRef)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists = true for a blob never stored")
	}
	if err := backend.Delete(ctx, testRef); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Delete: err = %v, want ErrBlobNotFound", err)
	}
}

func TestFilesystemBackendPutIsReplaceable(t *testing.T) {
	// Identical content always encrypts to different bytes (fresh
	// nonce), so a concurrent double-publish must land on whichever
	// rename finished last without corruption.
	backend := newTestBackend(t)
	ctx := context.Background()

	if err := backend.Put(ctx, testRef, []byte("first publish")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := backend.Put(ctx, testRef, []byte("second publish")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	got, err := backend.Get(ctx, testRef)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("second publish")) {
		t.Errorf("Get = %q after replace", got)
	}
}

func TestFilesystemBackendSharding(t *testing.T) {
	backend := newTestBackend(t)
	if err := backend.Put(context.Background(), testRef, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	sharded := filepath.Join(backend.root, blobDir, testRef[:2], testRef[2:4], testRef)
	if _, err := os.Stat(sharded); err != nil {
		t.Errorf("blob not at sharded path %s: %v", sharded, err)
	}
}

func TestFilesystemBackendList(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	refs := []string{
		testRef,
		"00" + testRef[2:],
		"ffee" + testRef[4:],
	}
	for _, ref := range refs {
		if err := backend.Put(ctx, ref, []byte("blob for "+ref)); err != nil {
			t.Fatalf("Put(%s) failed: %v", ref, err)
		}
	}

	listed, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != len(refs) {
		t.Fatalf("List returned %d refs, want %d", len(listed), len(refs))
	}
	for _, ref := range refs {
		if !slices.Contains(listed, ref) {
			t.Errorf("List missing %s", ref)
		}
	}
}

func TestFilesystemBackendListSkipsTempFiles(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	if err := backend.Put(ctx, testRef, []byte("real blob")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// An abandoned temp file from a crashed publish must not appear
	// as a blob.
	stale := filepath.Join(backend.root, tmpDir, "deadbeef-123456")
	if err := os.WriteFile(stale, []byte("partial write"), 0o600); err != nil {
		t.Fatalf("writing stale temp file: %v", err)
	}

	listed, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 || listed[0] != testRef {
		t.Errorf("List = %v, want just the real blob", listed)
	}
}
