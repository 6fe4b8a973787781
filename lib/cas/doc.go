// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the content-addressed object store at the
// heart of darkroom. Objects are identified by (category, digest)
// where the digest is the SHA-256 of the plaintext bytes; storing the
// same bytes twice in a category is a no-op that returns the existing
// record.
//
// The write pipeline is compress → encrypt → publish: plaintext is
// compressed (unless the MIME type says it won't help), encrypted
// with a per-object key derived from an injected master key, and
// published to a blob backend under an obscured reference so backend
// listings leak neither digests nor content. A SQLite sidecar index
// holds the metadata record (size, MIME type, perceptual fingerprint,
// caller annotations) keyed by the same composite identity.
//
// The read pipeline reverses it and re-digests the plaintext; any
// mismatch against the requested digest surfaces as an
// *IntegrityError and is never retried.
//
// Blob and record are created and deleted together. A crash can leave
// one without the other for a moment; [Store.Sweep] reconciles both
// directions and is run periodically by the service.
package cas
