// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"context"
	"testing"

	"github.com/darkroom-project/darkroom/lib/digest"
)

func TestSweepCleanStoreIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if _, err := store.Put(ctx, Originals, []byte(content), Declared{}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	result, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.OrphanBlobsRemoved != 0 || result.OrphanRecordsRemoved != 0 {
		t.Errorf("sweep of a clean store removed %+v", result)
	}
}

func TestSweepRemovesOrphanBlob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A blob with no record, as left by a store that crashed before
	// the record insert.
	orphanRef := store.keys.BlobRef(Originals, digest.FromBytes([]byte("never recorded")))
	if err := store.backend.Put(ctx, orphanRef, []byte("orphaned ciphertext")); err != nil {
		t.Fatalf("planting orphan blob: %v", err)
	}
	kept, err := store.Put(ctx, Originals, []byte("properly stored"), Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// First sweep only marks the orphan; the second confirms and
	// removes it.
	first, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if first.OrphanBlobsRemoved != 0 {
		t.Errorf("first pass removed %d blobs, want 0", first.OrphanBlobsRemoved)
	}
	second, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if second.OrphanBlobsRemoved != 1 {
		t.Errorf("OrphanBlobsRemoved = %d, want 1", second.OrphanBlobsRemoved)
	}

	exists, err := store.backend.Exists(ctx, orphanRef)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("orphan blob survived the sweep")
	}
	if _, _, err := store.Get(ctx, Originals, kept.Digest); err != nil {
		t.Errorf("recorded object damaged by sweep: %v", err)
	}
}

func TestSweepRemovesOrphanRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	victim, err := store.Put(ctx, Originals, []byte("blob will vanish"), Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	kept, err := store.Put(ctx, Originals, []byte("blob stays"), Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.backend.Delete(ctx, victim.Object.BlobRef); err != nil {
		t.Fatalf("removing blob out of band: %v", err)
	}

	result, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.OrphanRecordsRemoved != 1 {
		t.Errorf("OrphanRecordsRemoved = %d, want 1", result.OrphanRecordsRemoved)
	}

	exists, err := store.Exists(ctx, Originals, victim.Digest)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("record with missing blob survived the sweep")
	}
	if _, _, err := store.Get(ctx, Originals, kept.Digest); err != nil {
		t.Errorf("healthy object damaged by sweep: %v", err)
	}
}

func TestSweepBothDirections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	victim, err := store.Put(ctx, Originals, []byte("record without blob"), Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.backend.Delete(ctx, victim.Object.BlobRef); err != nil {
		t.Fatalf("removing blob out of band: %v", err)
	}
	orphanRef := store.keys.BlobRef(Restored, digest.FromBytes([]byte("blob without record")))
	if err := store.backend.Put(ctx, orphanRef, []byte("ciphertext")); err != nil {
		t.Fatalf("planting orphan blob: %v", err)
	}

	first, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if first.OrphanRecordsRemoved != 1 || first.OrphanBlobsRemoved != 0 {
		t.Errorf("first pass = %+v, want one record removed, blob deferred", first)
	}
	second, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if second.OrphanBlobsRemoved != 1 {
		t.Errorf("second pass = %+v, want the confirmed orphan blob removed", second)
	}
}

func TestSweepSparesBlobRecordedBetweenPasses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The blob lands first, as during any Put; a sweep runs before the
	// record insert. The blob must survive once the record arrives.
	content := []byte("published before its record")
	ref := store.keys.BlobRef(Originals, digest.FromBytes(content))
	if err := store.backend.Put(ctx, ref, []byte("ciphertext in flight")); err != nil {
		t.Fatalf("planting in-flight blob: %v", err)
	}

	first, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if first.OrphanBlobsRemoved != 0 {
		t.Fatalf("sweep deleted an in-flight blob on first sight")
	}

	// The record insert lands.
	result, err := store.Put(ctx, Originals, content, Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	second, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if second.OrphanBlobsRemoved != 0 {
		t.Errorf("sweep removed a recorded blob: %+v", second)
	}
	if got, _, err := store.Get(ctx, Originals, result.Digest); err != nil {
		t.Errorf("object unreadable after sweep: %v", err)
	} else if !bytes.Equal(got, content) {
		t.Errorf("Get = %q, want %q", got, content)
	}
}
