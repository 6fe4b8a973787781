// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import "fmt"

// Category partitions the object namespace. The set is a small fixed
// enumeration: the same bytes stored under different categories are
// distinct objects with distinct blobs.
type Category string

const (
	// Originals holds user-submitted photos exactly as ingested.
	Originals Category = "originals"

	// Restored holds derived images produced by the restoration
	// pipeline.
	Restored Category = "restored"
)

// Categories lists every valid category, in a stable order. The sweep
// iterates this.
func Categories() []Category {
	return []Category{Originals, Restored}
}

// Validate returns an error when c is not a known category.
func (c Category) Validate() error {
	switch c {
	case Originals, Restored:
		return nil
	default:
		return fmt.Errorf("unknown category %q", string(c))
	}
}

// String returns the category name.
func (c Category) String() string { return string(c) }

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []byte(c), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(text []byte) error {
	candidate := Category(text)
	if err := candidate.Validate(); err != nil {
		return err
	}
	*c = candidate
	return nil
}
