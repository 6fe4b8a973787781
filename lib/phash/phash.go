// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package phash computes similarity-preserving fingerprints of image
// content for near-duplicate detection. A fingerprint is a 64-bit
// difference hash: the image is downsampled to a 9x8 luminance grid
// and each bit records whether brightness rises between horizontally
// adjacent cells. The sign of a local gradient survives resizing and
// re-encoding, where a DCT-median hash degrades on smooth content
// whose coefficients all sit near the median.
//
// Fingerprints are advisory. Similar fingerprints never imply byte
// equality and never substitute for a digest in lookups — they only
// flag that two images probably show the same content at different
// resolutions or encodings.
package phash

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"
)

// Bits is the fingerprint width.
const Bits = 64

// DefaultThreshold is the default Hamming distance at or below which
// two fingerprints are considered near-duplicates. 10 of 64 bits
// tolerates resizing and re-encoding while keeping unrelated images
// apart.
const DefaultThreshold = 10

// Fingerprint is a 64-bit difference hash.
type Fingerprint uint64

// DecodeError reports that input bytes are not a decodable raster
// image. Not retryable — the same bytes will always fail.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("phash: decoding image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FromImage computes the fingerprint of a decoded image.
func FromImage(img image.Image) (Fingerprint, error) {
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0, fmt.Errorf("phash: computing difference hash: %w", err)
	}
	return Fingerprint(hash.GetHash()), nil
}

// FromBytes decodes data as PNG, JPEG, or GIF and computes its
// fingerprint. Returns a *DecodeError when data is not a valid image.
func FromBytes(data []byte) (Fingerprint, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, &DecodeError{Err: err}
	}
	return FromImage(img)
}

// Distance returns the Hamming distance between two fingerprints:
// the number of differing bits, 0 through 64.
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// NearDuplicate reports whether a and b are within threshold bits of
// each other. A non-positive threshold falls back to
// DefaultThreshold.
func NearDuplicate(a, b Fingerprint, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Distance(a, b) <= threshold
}

// String returns the 16-character lowercase hex encoding.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Parse decodes a fingerprint from its 16-character lowercase hex
// form. Uppercase hex is rejected so every fingerprint has exactly
// one text form.
func Parse(s string) (Fingerprint, error) {
	if len(s) != Bits/4 {
		return 0, fmt.Errorf("fingerprint must be %d hex characters, got %d", Bits/4, len(s))
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'F' {
			return 0, fmt.Errorf("fingerprint %q is not lowercase hex", s)
		}
	}
	value, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing fingerprint %q: %w", s, err)
	}
	return Fingerprint(value), nil
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
