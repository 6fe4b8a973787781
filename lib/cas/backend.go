// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import "context"

// Backend persists encrypted blobs under opaque string references.
// Implementations must make Put atomic from a reader's perspective:
// a concurrent Get either sees the complete blob or ErrBlobNotFound,
// never a partial write. Put for a reference that already exists is a
// no-op — references are content-derived, so identical references
// always carry identical bytes.
//
// Backends return ErrBlobNotFound for missing references and raw
// transport errors otherwise; the Store wraps the latter in
// *BackendUnavailableError.
type Backend interface {
	// Put writes data under ref, atomically.
	Put(ctx context.Context, ref string, data []byte) error

	// Get returns the blob stored under ref, or ErrBlobNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Exists reports whether a blob is stored under ref.
	Exists(ctx context.Context, ref string) (bool, error)

	// Delete removes the blob under ref. Returns ErrBlobNotFound when
	// no such blob exists.
	Delete(ctx context.Context, ref string) error

	// List returns every stored reference. Used only by the
	// reconciliation sweep; order is unspecified.
	List(ctx context.Context) ([]string, error)

	// Ping performs a cheap round-trip to detect connectivity loss.
	Ping(ctx context.Context) error
}
