// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow drives a photo submission through the pipeline:
// ingest stores the original and enqueues classification, the
// classification handler decides what restoration the photo needs,
// and the restoration handler produces and stores the derived image.
// Handlers are idempotent; the queue delivers at least once.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/phash"
)

// Status is a request's position in the pipeline.
type Status string

const (
	// StatusClassifying: original stored, classification job queued
	// or running.
	StatusClassifying Status = "classifying"

	// StatusRestoring: classification done, restoration job queued or
	// running.
	StatusRestoring Status = "restoring"

	// StatusCompleted: restored image stored; RestoredDigest is set.
	StatusCompleted Status = "completed"

	// StatusFailed: a pipeline stage failed terminally; LastError
	// says why.
	StatusFailed Status = "failed"
)

// Request tracks one photo submission across both pipeline stages.
type Request struct {
	ID     string        `cbor:"id"`
	Digest digest.Digest `cbor:"digest"`
	Status Status        `cbor:"status"`

	// Fingerprint is the perceptual hash of the submitted image, zero
	// when the bytes did not decode as an image.
	Fingerprint phash.Fingerprint `cbor:"fingerprint,omitempty"`

	// NearDuplicateOf is the digest of a previously stored original
	// within fingerprint distance, advisory only. Zero when none.
	NearDuplicateOf digest.Digest `cbor:"near_duplicate_of,omitempty"`

	// Labels is the classification outcome feeding restoration.
	Labels []string `cbor:"labels,omitempty"`

	// RestoredDigest addresses the derived image once completed.
	RestoredDigest digest.Digest `cbor:"restored_digest,omitempty"`

	LastError string    `cbor:"last_error,omitempty"`
	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// RequestStore persists Request records. The document database behind
// it is an external collaborator; implementations here are the SQLite
// store and an in-memory fake.
type RequestStore interface {
	Create(ctx context.Context, request *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, request *Request) error
	Close() error
}

// MemoryRequestStore is an in-process RequestStore for tests and
// development. Safe for concurrent use.
type MemoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]Request
}

var _ RequestStore = (*MemoryRequestStore)(nil)

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]Request)}
}

func (s *MemoryRequestStore) Create(ctx context.Context, request *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[request.ID]; exists {
		return fmt.Errorf("request %s already exists", request.ID)
	}
	s.requests[request.ID] = *request
	return nil
}

func (s *MemoryRequestStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, exists := s.requests[id]
	if !exists {
		return nil, fmt.Errorf("request %s not found", id)
	}
	copied := request
	copied.Labels = append([]string(nil), request.Labels...)
	return &copied, nil
}

func (s *MemoryRequestStore) Update(ctx context.Context, request *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[request.ID]; !exists {
		return fmt.Errorf("request %s not found", request.ID)
	}
	s.requests[request.ID] = *request
	return nil
}

func (s *MemoryRequestStore) Close() error { return nil }

// All returns every stored request sorted by creation time, for test
// assertions.
func (s *MemoryRequestStore) All() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Request, 0, len(s.requests))
	for _, request := range s.requests {
		copied := request
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all
}
