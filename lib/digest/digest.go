// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes the exact-identity content hash used
// throughout darkroom. A digest is the SHA-256 of an object's raw
// bytes and nothing else — never derived from filenames, MIME types,
// or perceptual fingerprints. Two objects share a digest if and only
// if they share every byte.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a 32-byte SHA-256 content hash.
type Digest [Size]byte

// FromBytes computes the digest of data. The empty input is valid and
// yields the well-known SHA-256 of zero bytes.
func FromBytes(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// FromReader computes the digest of everything readable from r,
// streaming — the content is never held in memory as a whole. Returns
// the digest and the number of bytes consumed.
func FromReader(r io.Reader) (Digest, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("hashing stream: %w", err)
	}
	var d Digest
	hasher.Sum(d[:0])
	return d, n, nil
}

// Parse decodes a digest from its 64-character lowercase hex form.
// Uppercase hex is rejected: the text form is a canonical key, and
// accepting variants would let the same digest round-trip to a
// different string than it was parsed from.
func Parse(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, fmt.Errorf("digest must be %d hex characters, got %d", Size*2, len(s))
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'F' {
			return Digest{}, fmt.Errorf("digest %q is not lowercase hex", s)
		}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("parsing digest %q: %w", s, err)
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	return d.String()[:12]
}

// IsZero reports whether d is the all-zero value. The zero value is
// not the digest of any input (not even empty input) and marks an
// unset field.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler so digests embed as
// hex strings in CBOR and JSON records.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
