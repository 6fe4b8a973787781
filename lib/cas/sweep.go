// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"errors"
	"time"
)

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	// OrphanBlobsRemoved counts blobs that had no metadata record —
	// leftovers of a store that crashed between blob publish and
	// record insert, or of a delete that crashed after record
	// removal.
	OrphanBlobsRemoved int

	// OrphanRecordsRemoved counts records whose blob was gone —
	// backend data loss or out-of-band removal.
	OrphanRecordsRemoved int
}

// Sweep reconciles the blob backend against the metadata index in
// both directions so that no object stays half-present: blobs without
// records are deleted, records without blobs are deleted. An object
// being stored concurrently looks orphaned for the window between
// blob publish and record insert, so an unreferenced blob is never
// deleted on first sight — it is remembered as a candidate and
// removed only when the next sweep still finds no record for it. Any
// Put that completes within one sweep interval is safe.
func (s *Store) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	// Records without blobs.
	recordRefs := make(map[string]bool)
	for _, category := range Categories() {
		objects, err := s.index.All(ctx, category)
		if err != nil {
			return nil, &BackendUnavailableError{Op: "sweep", Err: err}
		}
		for _, object := range objects {
			recordRefs[object.BlobRef] = true

			exists, err := s.backend.Exists(ctx, object.BlobRef)
			if err != nil {
				return nil, &BackendUnavailableError{Op: "sweep", Err: err}
			}
			if exists {
				continue
			}
			removed, err := s.index.Delete(ctx, category, object.Digest)
			if err != nil {
				return nil, &BackendUnavailableError{Op: "sweep", Err: err}
			}
			if removed {
				delete(recordRefs, object.BlobRef)
				result.OrphanRecordsRemoved++
				s.logger.Warn("removed record with missing blob",
					"category", category, "digest", object.Digest.Short())
			}
		}
	}

	// Blobs without records.
	refs, err := s.backend.List(ctx)
	if err != nil {
		return nil, &BackendUnavailableError{Op: "sweep", Err: err}
	}
	s.sweepMu.Lock()
	previous := s.orphanCandidates
	s.sweepMu.Unlock()
	candidates := make(map[string]bool)
	for _, ref := range refs {
		if recordRefs[ref] {
			continue
		}
		// Re-check against the live index: the blob may belong to a
		// store that completed after the record snapshot above.
		if known, err := s.refInIndex(ctx, ref); err != nil {
			return nil, err
		} else if known {
			continue
		}
		if !previous[ref] {
			// First sighting. A concurrent Put may still be between
			// blob publish and record insert; hold the ref until the
			// next pass confirms it is truly unreferenced.
			candidates[ref] = true
			continue
		}
		if err := s.backend.Delete(ctx, ref); err != nil && !errors.Is(err, ErrBlobNotFound) {
			return nil, &BackendUnavailableError{Op: "sweep", Err: err}
		}
		result.OrphanBlobsRemoved++
		s.logger.Info("removed orphan blob", "ref", ref[:12])
	}
	s.sweepMu.Lock()
	s.orphanCandidates = candidates
	s.sweepMu.Unlock()

	if result.OrphanBlobsRemoved > 0 || result.OrphanRecordsRemoved > 0 {
		s.logger.Info("sweep reconciled store",
			"orphan_blobs", result.OrphanBlobsRemoved,
			"orphan_records", result.OrphanRecordsRemoved)
	}
	return result, nil
}

// refInIndex reports whether any current record references ref.
func (s *Store) refInIndex(ctx context.Context, ref string) (bool, error) {
	for _, category := range Categories() {
		objects, err := s.index.All(ctx, category)
		if err != nil {
			return false, &BackendUnavailableError{Op: "sweep", Err: err}
		}
		for _, object := range objects {
			if object.BlobRef == ref {
				return true, nil
			}
		}
	}
	return false, nil
}

// RunSweeper runs Sweep every interval until ctx is cancelled. Sweep
// errors are logged and the loop continues; a transient backend
// outage should not kill the reconciler.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
