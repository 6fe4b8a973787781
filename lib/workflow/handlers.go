// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/darkroom-project/darkroom/lib/cas"
	"github.com/darkroom-project/darkroom/lib/clock"
	"github.com/darkroom-project/darkroom/lib/exiftool"
	"github.com/darkroom-project/darkroom/lib/phash"
	"github.com/darkroom-project/darkroom/lib/queue"
)

// Classifier decides what restoration work an original needs. The
// model invocation behind it is external.
type Classifier interface {
	Classify(ctx context.Context, image []byte, mimeType string) (labels []string, err error)
}

// Restorer produces the derived image from a classified original.
// The model invocation behind it is external.
type Restorer interface {
	Restore(ctx context.Context, original []byte, labels []string) (derived []byte, mimeType string, err error)
}

// Scrubber removes embedded metadata from a file in place.
type Scrubber interface {
	Strip(ctx context.Context, path string) error
}

var _ Scrubber = (*exiftool.Pool)(nil)

// HandlersConfig wires the worker-side pipeline handlers.
type HandlersConfig struct {
	Store      *cas.Store
	Requests   RequestStore
	Queue      Enqueuer
	Classifier Classifier
	Restorer   Restorer
	Scrubber   Scrubber
	Logger     *slog.Logger
	Clock      clock.Clock
}

// Handlers implements the two pipeline stages as queue handlers. Both
// are idempotent: a redelivered job checks the request's status and
// returns without acting when its stage already finished.
type Handlers struct {
	store      *cas.Store
	requests   RequestStore
	queue      Enqueuer
	classifier Classifier
	restorer   Restorer
	scrubber   Scrubber
	logger     *slog.Logger
	clock      clock.Clock
}

func NewHandlers(cfg HandlersConfig) (*Handlers, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("handlers config: Store is required")
	case cfg.Requests == nil:
		return nil, errors.New("handlers config: Requests is required")
	case cfg.Queue == nil:
		return nil, errors.New("handlers config: Queue is required")
	case cfg.Classifier == nil:
		return nil, errors.New("handlers config: Classifier is required")
	case cfg.Restorer == nil:
		return nil, errors.New("handlers config: Restorer is required")
	case cfg.Scrubber == nil:
		return nil, errors.New("handlers config: Scrubber is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Handlers{
		store:      cfg.Store,
		requests:   cfg.Requests,
		queue:      cfg.Queue,
		classifier: cfg.Classifier,
		restorer:   cfg.Restorer,
		scrubber:   cfg.Scrubber,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
	}, nil
}

// Register installs both handlers on the queue server.
func (h *Handlers) Register(server *queue.Server) error {
	if err := server.Handle(queue.Classification, h.HandleClassification); err != nil {
		return err
	}
	return server.Handle(queue.Restoration, h.HandleRestoration)
}

// HandleClassification runs the first pipeline stage: classify the
// stored original and enqueue exactly one restoration job. On
// redelivery after a crash between enqueue and the status update, the
// restoration handler's own idempotence absorbs the duplicate.
func (h *Handlers) HandleClassification(ctx context.Context, payload []byte) error {
	var job queue.ClassificationPayload
	if err := queue.DecodePayload(payload, &job); err != nil {
		return queue.NonRetryable(err)
	}

	request, err := h.requests.Get(ctx, job.RequestID)
	if err != nil {
		return h.failIfLastAttempt(ctx, job.RequestID, fmt.Errorf("loading request: %w", err))
	}
	if request.Status != StatusClassifying {
		h.logger.Debug("classification already done, skipping redelivery",
			"request", request.ID, "status", request.Status)
		return nil
	}

	image, object, err := h.store.Get(ctx, cas.Originals, job.Digest)
	if err != nil {
		if cas.IsNotFound(err) || cas.IsIntegrity(err) {
			// Retrying cannot bring the original back.
			return h.failRequest(ctx, request, queue.NonRetryable(err))
		}
		return h.failIfLastAttempt(ctx, request.ID, err)
	}

	labels, err := h.classifier.Classify(ctx, image, object.MIMEType)
	if err != nil {
		return h.failIfLastAttempt(ctx, request.ID, fmt.Errorf("classifying: %w", err))
	}

	if _, err := h.queue.EnqueueRestoration(ctx, request.ID, job.Digest, labels); err != nil {
		return h.failIfLastAttempt(ctx, request.ID, fmt.Errorf("enqueueing restoration: %w", err))
	}

	request.Labels = labels
	request.Status = StatusRestoring
	request.UpdatedAt = h.clock.Now().UTC()
	if err := h.requests.Update(ctx, request); err != nil {
		return h.failIfLastAttempt(ctx, request.ID, fmt.Errorf("updating request: %w", err))
	}

	h.logger.Info("classification finished",
		"request", request.ID, "labels", labels)
	return nil
}

// HandleRestoration runs the second pipeline stage: restore the
// original, scrub embedded metadata from the result, store it under
// the restored category, and complete the request.
func (h *Handlers) HandleRestoration(ctx context.Context, payload []byte) error {
	var job queue.RestorationPayload
	if err := queue.DecodePayload(payload, &job); err != nil {
		return queue.NonRetryable(err)
	}

	request, err := h.requests.Get(ctx, job.RequestID)
	if err != nil {
		return h.failIfLastAttempt(ctx, job.RequestID, fmt.Errorf("loading request: %w", err))
	}
	if request.Status == StatusCompleted || request.Status == StatusFailed {
		h.logger.Debug("restoration already settled, skipping redelivery",
			"request", request.ID, "status", request.Status)
		return nil
	}

	original, _, err := h.store.Get(ctx, cas.Originals, job.Digest)
	if err != nil {
		if cas.IsNotFound(err) || cas.IsIntegrity(err) {
			return h.failRequest(ctx, request, queue.NonRetryable(err))
		}
		return h.failIfLastAttempt(ctx, request.ID, err)
	}

	derived, mimeType, err := h.restorer.Restore(ctx, original, job.Labels)
	if err != nil {
		return h.failIfLastAttempt(ctx, request.ID, fmt.Errorf("restoring: %w", err))
	}

	scrubbed, err := h.scrub(ctx, derived)
	if err != nil {
		if exiftool.IsParse(err) {
			return h.failRequest(ctx, request, queue.NonRetryable(err))
		}
		return h.failIfLastAttempt(ctx, request.ID, err)
	}

	declared := cas.Declared{MIMEType: mimeType}
	if fingerprint, err := phash.FromBytes(scrubbed); err == nil {
		declared.Fingerprint = fingerprint
	}
	stored, err := h.store.Put(ctx, cas.Restored, scrubbed, declared)
	if err != nil {
		return h.failIfLastAttempt(ctx, request.ID, fmt.Errorf("storing restored image: %w", err))
	}

	request.RestoredDigest = stored.Digest
	request.Status = StatusCompleted
	request.UpdatedAt = h.clock.Now().UTC()
	if err := h.requests.Update(ctx, request); err != nil {
		return h.failIfLastAttempt(ctx, request.ID, fmt.Errorf("completing request: %w", err))
	}

	h.logger.Info("restoration finished",
		"request", request.ID, "restored_digest", stored.Digest.Short())
	return nil
}

// scrub round-trips the derived bytes through a temporary file so the
// tool pool can strip embedded metadata.
func (h *Handlers) scrub(ctx context.Context, derived []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "darkroom-scrub-*")
	if err != nil {
		return nil, fmt.Errorf("creating scrub directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "derived")
	if err := os.WriteFile(path, derived, 0o600); err != nil {
		return nil, fmt.Errorf("writing derived image: %w", err)
	}
	if err := h.scrubber.Strip(ctx, path); err != nil {
		return nil, fmt.Errorf("scrubbing derived image: %w", err)
	}
	scrubbed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scrubbed image: %w", err)
	}
	return scrubbed, nil
}

// failIfLastAttempt returns err for the queue to retry, but first
// reflects the failure onto the request when no deliveries remain.
func (h *Handlers) failIfLastAttempt(ctx context.Context, requestID string, err error) error {
	if !queue.IsLastAttempt(ctx) && !queue.IsNonRetryable(err) {
		return err
	}
	request, loadErr := h.requests.Get(ctx, requestID)
	if loadErr != nil {
		h.logger.Error("cannot reflect terminal failure onto request",
			"request", requestID, "job_error", err, "error", loadErr)
		return err
	}
	return h.failRequest(ctx, request, err)
}

// failRequest marks the request terminally failed and returns the
// original error so the queue records the job failure too.
func (h *Handlers) failRequest(ctx context.Context, request *Request, err error) error {
	request.Status = StatusFailed
	request.LastError = err.Error()
	request.UpdatedAt = h.clock.Now().UTC()
	if updateErr := h.requests.Update(ctx, request); updateErr != nil {
		h.logger.Error("failed to mark request failed",
			"request", request.ID, "error", updateErr)
	}
	h.logger.Warn("request failed", "request", request.ID, "error", err)
	return err
}
