// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	// Two maps with the same entries inserted in different orders
	// must encode to identical bytes under deterministic encoding.
	a := map[string]string{"camera": "PENTAX K1000", "film": "Tri-X", "year": "1983"}
	b := map[string]string{"year": "1983", "film": "Tri-X", "camera": "PENTAX K1000"}

	encodedA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a) failed: %v", err)
	}
	encodedB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b) failed: %v", err)
	}
	if !bytes.Equal(encodedA, encodedB) {
		t.Errorf("deterministic encoding mismatch:\n a: %x\n b: %x", encodedA, encodedB)
	}
}

func TestRoundTripStruct(t *testing.T) {
	type record struct {
		Name  string            `cbor:"name"`
		Size  int64             `cbor:"size"`
		Extra map[string]string `cbor:"extra,omitempty"`
	}

	original := record{Name: "scan-0012.png", Size: 482113, Extra: map[string]string{"source": "flatbed"}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Name != original.Name || decoded.Size != original.Size {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
	if decoded.Extra["source"] != "flatbed" {
		t.Errorf("Extra lost in round trip: %+v", decoded.Extra)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	full := map[string]any{"name": "x", "added_later": true}
	data, err := Marshal(full)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var partial struct {
		Name string `cbor:"name"`
	}
	if err := Unmarshal(data, &partial); err != nil {
		t.Fatalf("Unmarshal with unknown field failed: %v", err)
	}
	if partial.Name != "x" {
		t.Errorf("Name = %q, want %q", partial.Name, "x")
	}
}

func TestAnyDecodeUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["outer"])
	}
}
