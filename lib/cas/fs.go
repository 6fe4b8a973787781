// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Directory names within the filesystem backend root.
const (
	blobDir = "blobs"
	tmpDir  = "tmp"
)

// FilesystemBackend stores blobs as files under a root directory,
// sharded two levels deep by reference prefix:
//
//	<root>/blobs/<ref[:2]>/<ref[2:4]>/<ref>
//
// Writes go to a temporary file in <root>/tmp on the same filesystem,
// are fsynced, and renamed into place. Rename is atomic on POSIX
// filesystems, so readers never observe a partial blob and concurrent
// writers of the same reference converge on one file.
type FilesystemBackend struct {
	root string
}

var _ Backend = (*FilesystemBackend)(nil)

// NewFilesystemBackend creates a backend rooted at the given
// directory, creating the directory structure if needed.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	for _, dir := range []string{root, filepath.Join(root, blobDir), filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating backend directory %s: %w", dir, err)
		}
	}
	return &FilesystemBackend{root: root}, nil
}

// Put writes data under ref via temp file, fsync, and rename.
func (b *FilesystemBackend) Put(ctx context.Context, ref string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	finalPath := b.blobPath(ref)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	temporary, err := os.CreateTemp(filepath.Join(b.root, tmpDir), ref[:8]+"-*")
	if err != nil {
		return fmt.Errorf("creating temporary blob file: %w", err)
	}
	temporaryPath := temporary.Name()

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary blob file: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary blob file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary blob file: %w", err)
	}

	if err := os.Rename(temporaryPath, finalPath); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("publishing blob: %w", err)
	}

	// Sync the shard directory so the rename survives power loss.
	if directory, err := os.Open(filepath.Dir(finalPath)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Get reads the blob stored under ref.
func (b *FilesystemBackend) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.blobPath(ref))
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", ref, err)
	}
	return data, nil
}

// Exists reports whether a blob file exists under ref.
func (b *FilesystemBackend) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(b.blobPath(ref))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking blob %s: %w", ref, err)
	}
	return true, nil
}

// Delete removes the blob file under ref.
func (b *FilesystemBackend) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(b.blobPath(ref))
	if os.IsNotExist(err) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("removing blob %s: %w", ref, err)
	}
	return nil
}

// List walks the blob directory and returns every stored reference.
func (b *FilesystemBackend) List(ctx context.Context) ([]string, error) {
	var refs []string
	root := filepath.Join(b.root, blobDir)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			refs = append(refs, entry.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	return refs, nil
}

// Ping verifies the backend root is still a writable directory.
func (b *FilesystemBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("backend root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backend root %s is not a directory", b.root)
	}
	return nil
}

func (b *FilesystemBackend) blobPath(ref string) string {
	return filepath.Join(b.root, blobDir, ref[:2], ref[2:4], ref)
}
