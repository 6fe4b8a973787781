// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/darkroom-project/darkroom/lib/clock"
	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/phash"
)

// Store is the content-addressed object store. It coordinates the
// blob backend, the metadata index, and the key set so that callers
// see plaintext in, plaintext out, with deduplication by content.
//
// Store is safe for concurrent use. Concurrent Put calls for the same
// bytes converge on one physical blob and one record: the blob
// publish is idempotent (content-derived reference, atomic publish)
// and the record insert is conditional.
type Store struct {
	backend Backend
	index   *Index
	keys    *KeySet
	logger  *slog.Logger
	clock   clock.Clock

	// sweepMu guards orphanCandidates, the blob refs one sweep found
	// unreferenced and the next sweep may delete.
	sweepMu          sync.Mutex
	orphanCandidates map[string]bool
}

// StoreConfig holds the dependencies for creating a Store. All fields
// except Logger and Clock are required.
type StoreConfig struct {
	// Backend persists encrypted blobs.
	Backend Backend

	// Index persists metadata records.
	Index *Index

	// Keys derives per-object encryption keys and blob references.
	// Owned by the Store after NewStore; closed by Store.Close.
	Keys *KeySet

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger

	// Clock provides record timestamps. Defaults to the real clock.
	Clock clock.Clock
}

// NewStore creates a Store from its dependencies.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("cas: Backend is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("cas: Index is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("cas: Keys is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Store{
		backend: cfg.Backend,
		index:   cfg.Index,
		keys:    cfg.Keys,
		logger:  logger,
		clock:   clk,
	}, nil
}

// Close releases the key material and closes the index. The backend
// has no close semantics.
func (s *Store) Close() error {
	keyErr := s.keys.Close()
	indexErr := s.index.Close()
	if keyErr != nil {
		return keyErr
	}
	return indexErr
}

// Put stores data under its content digest in the given category.
// When an object with the same digest already exists in the category,
// the existing record is returned with IsNew=false and the declared
// metadata is discarded — first writer wins, no merging.
func (s *Store) Put(ctx context.Context, category Category, data []byte, declared Declared) (*StoreResult, error) {
	if err := category.Validate(); err != nil {
		return nil, err
	}

	d := digest.FromBytes(data)

	existing, err := s.index.Get(ctx, category, d)
	if err != nil {
		return nil, &BackendUnavailableError{Op: "store", Err: err}
	}
	if existing != nil {
		return &StoreResult{Digest: d, IsNew: false, Object: existing}, nil
	}

	// Compress, then prepend the tag byte so retrieval knows how to
	// reverse it. The tag travels inside the encrypted envelope.
	compressed, tag, err := compress(data, selectCompression(declared.MIMEType))
	if err != nil {
		return nil, fmt.Errorf("compressing object: %w", err)
	}
	plaintext := make([]byte, 1+len(compressed))
	plaintext[0] = byte(tag)
	copy(plaintext[1:], compressed)

	encrypted, err := s.keys.EncryptBlob(plaintext, category, d)
	if err != nil {
		return nil, fmt.Errorf("encrypting object: %w", err)
	}

	ref := s.keys.BlobRef(category, d)
	if err := s.backend.Put(ctx, ref, encrypted); err != nil {
		return nil, &BackendUnavailableError{Op: "store", Err: err}
	}

	object := &Object{
		Category:    category,
		Digest:      d,
		BlobRef:     ref,
		Size:        int64(len(data)),
		MIMEType:    declared.MIMEType,
		Fingerprint: declared.Fingerprint,
		Annotations: declared.Annotations,
		CreatedAt:   s.clock.Now().UTC(),
	}

	inserted, err := s.index.Insert(ctx, object)
	if err != nil {
		// Roll back the published blob so no blob exists without a
		// record longer than this operation. Best effort — the sweep
		// catches anything the rollback misses.
		if deleteErr := s.backend.Delete(ctx, ref); deleteErr != nil && !errors.Is(deleteErr, ErrBlobNotFound) {
			s.logger.Warn("blob rollback failed, sweep will reclaim it",
				"category", category, "digest", d.Short(), "error", deleteErr)
		}
		return nil, &BackendUnavailableError{Op: "store", Err: err}
	}

	if !inserted {
		// Lost a race with a concurrent identical store. The blob is
		// shared (same reference, same bytes), so nothing to undo;
		// return the winner's record.
		winner, err := s.index.Get(ctx, category, d)
		if err != nil || winner == nil {
			return nil, &BackendUnavailableError{Op: "store", Err: fmt.Errorf("rereading record after insert race: %w", err)}
		}
		return &StoreResult{Digest: d, IsNew: false, Object: winner}, nil
	}

	s.logger.Debug("object stored",
		"category", category, "digest", d.Short(), "size", object.Size, "compression", tag.String())
	return &StoreResult{Digest: d, IsNew: true, Object: object}, nil
}

// Get retrieves the plaintext bytes and metadata record at
// (category, digest). The returned bytes are verified: they hash back
// to the requested digest or the call fails with *IntegrityError.
func (s *Store) Get(ctx context.Context, category Category, d digest.Digest) ([]byte, *Object, error) {
	if err := category.Validate(); err != nil {
		return nil, nil, err
	}

	object, err := s.index.Get(ctx, category, d)
	if err != nil {
		return nil, nil, &BackendUnavailableError{Op: "retrieve", Err: err}
	}
	if object == nil {
		return nil, nil, &NotFoundError{Category: category, Digest: d}
	}

	encrypted, err := s.backend.Get(ctx, object.BlobRef)
	if errors.Is(err, ErrBlobNotFound) {
		// A record without its blob means the backend lost data or
		// someone removed it out of band.
		return nil, nil, &IntegrityError{Category: category, Digest: d, Reason: "blob missing for existing record"}
	}
	if err != nil {
		return nil, nil, &BackendUnavailableError{Op: "retrieve", Err: err}
	}

	plaintext, err := s.keys.DecryptBlob(encrypted, category, d)
	if err != nil {
		return nil, nil, &IntegrityError{Category: category, Digest: d, Reason: err.Error()}
	}
	if len(plaintext) < 1 {
		return nil, nil, &IntegrityError{Category: category, Digest: d, Reason: "blob payload is empty"}
	}

	data, err := decompress(plaintext[1:], CompressionTag(plaintext[0]), int(object.Size))
	if err != nil {
		return nil, nil, &IntegrityError{Category: category, Digest: d, Reason: err.Error()}
	}

	if verification := digest.FromBytes(data); verification != d {
		return nil, nil, &IntegrityError{Category: category, Digest: d,
			Reason: fmt.Sprintf("decrypted bytes hash to %s", verification.Short())}
	}

	return data, object, nil
}

// Exists reports whether an object exists at (category, digest). It
// consults only the metadata index; a record is the authoritative
// sign of existence (the sweep removes records whose blobs are gone).
func (s *Store) Exists(ctx context.Context, category Category, d digest.Digest) (bool, error) {
	if err := category.Validate(); err != nil {
		return false, err
	}
	object, err := s.index.Get(ctx, category, d)
	if err != nil {
		return false, &BackendUnavailableError{Op: "exists", Err: err}
	}
	return object != nil, nil
}

// Delete removes the object at (category, digest): record first (so
// the object disappears from lookups immediately), then blob. A crash
// between the two leaves an orphan blob for the sweep.
func (s *Store) Delete(ctx context.Context, category Category, d digest.Digest) error {
	if err := category.Validate(); err != nil {
		return err
	}

	object, err := s.index.Get(ctx, category, d)
	if err != nil {
		return &BackendUnavailableError{Op: "delete", Err: err}
	}
	if object == nil {
		return &NotFoundError{Category: category, Digest: d}
	}

	removed, err := s.index.Delete(ctx, category, d)
	if err != nil {
		return &BackendUnavailableError{Op: "delete", Err: err}
	}
	if !removed {
		// Concurrent delete won.
		return &NotFoundError{Category: category, Digest: d}
	}

	if err := s.backend.Delete(ctx, object.BlobRef); err != nil && !errors.Is(err, ErrBlobNotFound) {
		return &BackendUnavailableError{Op: "delete", Err: err}
	}

	s.logger.Debug("object deleted", "category", category, "digest", d.Short())
	return nil
}

// NearDuplicates returns stored objects in the category whose
// perceptual fingerprint is within threshold bits of the given one,
// advisory only. Objects without a fingerprint never match. A
// non-positive threshold uses phash.DefaultThreshold.
func (s *Store) NearDuplicates(ctx context.Context, category Category, fingerprint phash.Fingerprint, threshold int) ([]*Object, error) {
	if err := category.Validate(); err != nil {
		return nil, err
	}
	if fingerprint == 0 {
		return nil, nil
	}

	objects, err := s.index.All(ctx, category)
	if err != nil {
		return nil, &BackendUnavailableError{Op: "near-duplicate scan", Err: err}
	}

	var matches []*Object
	for _, object := range objects {
		if object.Fingerprint == 0 {
			continue
		}
		if phash.NearDuplicate(fingerprint, object.Fingerprint, threshold) {
			matches = append(matches, object)
		}
	}
	return matches, nil
}

// Ping round-trips both the blob backend and the metadata index.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return &BackendUnavailableError{Op: "ping", Err: err}
	}
	if err := s.index.Ping(ctx); err != nil {
		return &BackendUnavailableError{Op: "ping", Err: err}
	}
	return nil
}
