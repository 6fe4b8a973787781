// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"time"

	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/phash"
)

// Object is the metadata record for a stored object. The store owns
// these records exclusively; identity is (Category, Digest) and the
// digest is immutable once assigned.
type Object struct {
	Category Category      `cbor:"category"`
	Digest   digest.Digest `cbor:"digest"`

	// BlobRef is the obscured backend reference the encrypted blob
	// lives under. Derived, not stored secrets — but opaque without
	// the master key.
	BlobRef string `cbor:"blob_ref"`

	// Size is the plaintext size in bytes.
	Size int64 `cbor:"size"`

	// MIMEType is the declared media type, e.g. "image/png".
	MIMEType string `cbor:"mime_type"`

	// Fingerprint is the perceptual hash of the image content, zero
	// when the object is not a decodable image. Advisory only — never
	// part of identity.
	Fingerprint phash.Fingerprint `cbor:"fingerprint,omitempty"`

	// Annotations are caller-supplied key/value pairs. The store
	// round-trips them untouched and never interprets them.
	Annotations map[string]string `cbor:"annotations,omitempty"`

	CreatedAt time.Time `cbor:"created_at"`
}

// Declared carries the caller-supplied metadata for a store call. On
// a duplicate store the declared metadata is discarded, not merged —
// the first writer wins.
type Declared struct {
	MIMEType    string
	Fingerprint phash.Fingerprint
	Annotations map[string]string
}

// StoreResult is returned by [Store.Put].
type StoreResult struct {
	Digest digest.Digest

	// IsNew is false when an object with this content already existed
	// in the category and the call was a no-op.
	IsNew bool

	Object *Object
}
