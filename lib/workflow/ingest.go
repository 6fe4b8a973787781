// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/darkroom-project/darkroom/lib/cas"
	"github.com/darkroom-project/darkroom/lib/clock"
	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/phash"
	"github.com/darkroom-project/darkroom/lib/queue"
)

// Enqueuer is the slice of the queue manager the workflow needs.
type Enqueuer interface {
	EnqueueClassification(ctx context.Context, requestID string, d digest.Digest) (*queue.Job, error)
	EnqueueRestoration(ctx context.Context, requestID string, d digest.Digest, labels []string) (*queue.Job, error)
}

var _ Enqueuer = (*queue.Manager)(nil)

// IngestResult is what the ingestion handler reports to its caller.
type IngestResult struct {
	RequestID string
	Digest    digest.Digest

	// IsNew is false when identical bytes were already stored; the
	// submission still gets its own request and pipeline run.
	IsNew bool

	// NearDuplicateOf names an earlier original within perceptual
	// distance, advisory only. Zero when none.
	NearDuplicateOf digest.Digest
}

// IngestorConfig wires an Ingestor.
type IngestorConfig struct {
	Store    *cas.Store
	Requests RequestStore
	Queue    Enqueuer
	Logger   *slog.Logger
	Clock    clock.Clock
}

// Ingestor accepts raw submissions: store the original, record the
// request, enqueue classification.
type Ingestor struct {
	store    *cas.Store
	requests RequestStore
	queue    Enqueuer
	logger   *slog.Logger
	clock    clock.Clock
}

func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingestor config: Store is required")
	}
	if cfg.Requests == nil {
		return nil, errors.New("ingestor config: Requests is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("ingestor config: Queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Ingestor{
		store:    cfg.Store,
		requests: cfg.Requests,
		queue:    cfg.Queue,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}, nil
}

// Ingest runs the intake path for one submission. The perceptual
// fingerprint is computed here (bytes that do not decode as an image
// get none); near-duplicate detection is advisory and never rejects
// the submission.
func (ing *Ingestor) Ingest(ctx context.Context, data []byte, declared cas.Declared) (*IngestResult, error) {
	if declared.Fingerprint == 0 {
		fingerprint, err := phash.FromBytes(data)
		if err == nil {
			declared.Fingerprint = fingerprint
		} else {
			ing.logger.Debug("submission is not a decodable image, skipping fingerprint", "error", err)
		}
	}

	var nearDuplicateOf digest.Digest
	if declared.Fingerprint != 0 {
		matches, err := ing.store.NearDuplicates(ctx, cas.Originals, declared.Fingerprint, 0)
		if err != nil {
			return nil, fmt.Errorf("near-duplicate scan: %w", err)
		}
		if len(matches) > 0 {
			nearDuplicateOf = matches[0].Digest
		}
	}

	stored, err := ing.store.Put(ctx, cas.Originals, data, declared)
	if err != nil {
		return nil, fmt.Errorf("storing original: %w", err)
	}

	now := ing.clock.Now().UTC()
	request := &Request{
		ID:              uuid.NewString(),
		Digest:          stored.Digest,
		Status:          StatusClassifying,
		Fingerprint:     declared.Fingerprint,
		NearDuplicateOf: nearDuplicateOf,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := ing.requests.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("recording request: %w", err)
	}

	if _, err := ing.queue.EnqueueClassification(ctx, request.ID, stored.Digest); err != nil {
		return nil, fmt.Errorf("enqueueing classification: %w", err)
	}

	ing.logger.Info("submission ingested",
		"request", request.ID,
		"digest", stored.Digest.Short(),
		"is_new", stored.IsNew,
		"near_duplicate", !nearDuplicateOf.IsZero())

	return &IngestResult{
		RequestID:       request.ID,
		Digest:          stored.Digest,
		IsNew:           stored.IsNew,
		NearDuplicateOf: nearDuplicateOf,
	}, nil
}
