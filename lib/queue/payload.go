// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"

	"github.com/darkroom-project/darkroom/lib/codec"
	"github.com/darkroom-project/darkroom/lib/digest"
)

// ClassificationPayload is the body of a Classification job: which
// stored original to inspect, for which request.
type ClassificationPayload struct {
	RequestID string        `cbor:"request_id"`
	Digest    digest.Digest `cbor:"digest"`
}

// RestorationPayload is the body of a Restoration job. Labels carry
// the classification outcome forward so the restorer knows what kind
// of damage it is fixing.
type RestorationPayload struct {
	RequestID string        `cbor:"request_id"`
	Digest    digest.Digest `cbor:"digest"`
	Labels    []string      `cbor:"labels,omitempty"`
}

// EncodePayload serializes a job payload.
func EncodePayload(payload any) ([]byte, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a job payload into out.
func DecodePayload(data []byte, out any) error {
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding job payload: %w", err)
	}
	return nil
}
