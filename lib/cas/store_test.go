// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/phash"
	"github.com/darkroom-project/darkroom/lib/secret"
	"github.com/darkroom-project/darkroom/lib/testutil"
)

func newTestKeySet(t *testing.T) *KeySet {
	t.Helper()
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generating master key: %v", err)
	}
	masterKey, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("creating key buffer: %v", err)
	}
	keys, err := NewKeySet(masterKey)
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}
	return keys
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()

	backend, err := NewFilesystemBackend(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatalf("NewFilesystemBackend failed: %v", err)
	}
	index, err := OpenIndex(filepath.Join(root, "index.db"), nil)
	if err != nil {
		t.Fatalf("OpenIndex failed: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Backend: backend,
		Index:   index,
		Keys:    newTestKeySet(t),
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func solidPNG(t *testing.T, c color.Color, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding PNG: %v", err)
	}
	return buf.Bytes()
}

func TestPutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := []byte("an old family photograph, slightly torn")

	first, err := store.Put(ctx, Originals, data, Declared{MIMEType: "image/jpeg"})
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if !first.IsNew {
		t.Error("first Put: IsNew = false, want true")
	}

	second, err := store.Put(ctx, Originals, data, Declared{MIMEType: "image/jpeg"})
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if second.IsNew {
		t.Error("second Put: IsNew = true, want false")
	}
	if second.Digest != first.Digest {
		t.Errorf("digest changed: %s vs %s", first.Digest, second.Digest)
	}
}

func TestDuplicatePutDiscardsDeclaredMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := []byte("content stored twice with different declarations")

	_, err := store.Put(ctx, Originals, data, Declared{
		MIMEType:    "image/png",
		Annotations: map[string]string{"uploader": "alice"},
	})
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	second, err := store.Put(ctx, Originals, data, Declared{
		MIMEType:    "image/tiff",
		Annotations: map[string]string{"uploader": "mallory"},
	})
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if second.Object.MIMEType != "image/png" {
		t.Errorf("MIMEType = %q, want first writer's %q", second.Object.MIMEType, "image/png")
	}
	if second.Object.Annotations["uploader"] != "alice" {
		t.Errorf("Annotations = %v, want first writer's", second.Object.Annotations)
	}
}

func TestRoundTripLossless(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	large := make([]byte, 5*1024*1024+123)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("generating input: %v", err)
	}

	cases := map[string][]byte{
		"empty":      {},
		"single":     {0x42},
		"text":       []byte("restore the faded colors of this print"),
		"multi_MB":   large,
		"all_zeroes": make([]byte, 64*1024),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := store.Put(ctx, Originals, data, Declared{MIMEType: "application/octet-stream"})
			if err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			retrieved, object, err := store.Get(ctx, Originals, result.Digest)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(retrieved, data) {
				t.Errorf("retrieved %d bytes differ from stored %d bytes", len(retrieved), len(data))
			}
			if object.Size != int64(len(data)) {
				t.Errorf("Size = %d, want %d", object.Size, len(data))
			}
		})
	}
}

func TestAnnotationsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	annotations := map[string]string{
		"uploader":     "rkm",
		"client":       "mobile-ios/3.4",
		"原本":           "昭和三十年代",
		"empty-value":  "",
		"weird key \t": "value with\nnewline",
	}

	result, err := store.Put(ctx, Originals, []byte("annotated object"), Declared{
		MIMEType:    "image/png",
		Annotations: annotations,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, object, err := store.Get(ctx, Originals, result.Digest)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(object.Annotations) != len(annotations) {
		t.Fatalf("annotation count = %d, want %d", len(object.Annotations), len(annotations))
	}
	for key, want := range annotations {
		if got := object.Annotations[key]; got != want {
			t.Errorf("annotation %q = %q, want %q", key, got, want)
		}
	}
}

func TestSolidPNGScenario(t *testing.T) {
	// The full concrete scenario: a solid-color PNG stores under its
	// SHA-256, re-storing is a no-op, delete makes it gone.
	store := newTestStore(t)
	ctx := context.Background()

	data := solidPNG(t, color.RGBA{R: 200, G: 40, B: 40, A: 255}, 64)
	rawSum := sha256.Sum256(data)

	result, err := store.Put(ctx, Originals, data, Declared{MIMEType: "image/png"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !result.IsNew {
		t.Error("IsNew = false on first store")
	}
	if result.Digest.String() != hex.EncodeToString(rawSum[:]) {
		t.Errorf("digest = %s, want SHA-256 %x", result.Digest, rawSum)
	}

	again, err := store.Put(ctx, Originals, data, Declared{MIMEType: "image/png"})
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if again.IsNew || again.Digest != result.Digest {
		t.Errorf("second store: IsNew=%v digest=%s", again.IsNew, again.Digest)
	}

	if err := store.Delete(ctx, Originals, result.Digest); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err := store.Exists(ctx, Originals, result.Digest)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists = true after Delete")
	}
}

func TestDeleteFinality(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.Put(ctx, Originals, []byte("to be removed"), Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, Originals, result.Digest); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, _, err := store.Get(ctx, Originals, result.Digest); !IsNotFound(err) {
		t.Errorf("Get after Delete: err = %v, want NotFoundError", err)
	}
	if err := store.Delete(ctx, Originals, result.Digest); !IsNotFound(err) {
		t.Errorf("second Delete: err = %v, want NotFoundError", err)
	}
}

func TestGetUnknownDigest(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Get(context.Background(), Originals, digest.FromBytes([]byte("never stored")))
	if !IsNotFound(err) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestCategoriesAreSeparateNamespaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := []byte("same bytes, two categories")

	original, err := store.Put(ctx, Originals, data, Declared{})
	if err != nil {
		t.Fatalf("Put originals failed: %v", err)
	}
	restored, err := store.Put(ctx, Restored, data, Declared{})
	if err != nil {
		t.Fatalf("Put restored failed: %v", err)
	}

	if !restored.IsNew {
		t.Error("store into second category reported IsNew=false")
	}
	if original.Digest != restored.Digest {
		t.Error("digest must depend only on bytes, not category")
	}
	if original.Object.BlobRef == restored.Object.BlobRef {
		t.Error("blob references must differ across categories")
	}

	if err := store.Delete(ctx, Originals, original.Digest); err != nil {
		t.Fatalf("Delete originals failed: %v", err)
	}
	if _, _, err := store.Get(ctx, Restored, restored.Digest); err != nil {
		t.Errorf("restored copy unreachable after deleting originals copy: %v", err)
	}
}

func TestInvalidCategoryRejected(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), Category("thumbnails"), []byte("x"), Declared{}); err == nil {
		t.Error("Put with unknown category succeeded")
	}
}

func TestTamperedBlobFailsIntegrity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.Put(ctx, Originals, []byte("bytes that will be tampered with"), Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Flip one ciphertext byte on disk, past the version+nonce header.
	backend := store.backend.(*FilesystemBackend)
	path := backend.blobPath(result.Object.BlobRef)
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading blob file: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatalf("writing tampered blob: %v", err)
	}

	_, _, err = store.Get(ctx, Originals, result.Digest)
	if !IsIntegrity(err) {
		t.Errorf("Get of tampered blob: err = %v, want IntegrityError", err)
	}
}

func TestMissingBlobFailsIntegrity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.Put(ctx, Originals, []byte("record will outlive its blob"), Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.backend.Delete(ctx, result.Object.BlobRef); err != nil {
		t.Fatalf("removing blob out of band: %v", err)
	}
	if _, _, err := store.Get(ctx, Originals, result.Digest); !IsIntegrity(err) {
		t.Errorf("err = %v, want IntegrityError", err)
	}
}

func TestNearDuplicateSeparation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A 64x64 gradient and its 60x60 resize: different digests,
	// fingerprints within the threshold.
	makeGradient := func(size int) []byte {
		img := image.NewGray(image.Rect(0, 0, size, size))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8((x*255)/(size-1)/2 + (y*255)/(size-1)/2)})
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			t.Fatalf("encoding PNG: %v", err)
		}
		return buf.Bytes()
	}

	originalBytes := makeGradient(64)
	resizedBytes := makeGradient(60)

	originalFingerprint, err := phash.FromBytes(originalBytes)
	if err != nil {
		t.Fatalf("fingerprinting original: %v", err)
	}
	resizedFingerprint, err := phash.FromBytes(resizedBytes)
	if err != nil {
		t.Fatalf("fingerprinting resize: %v", err)
	}

	first, err := store.Put(ctx, Originals, originalBytes, Declared{MIMEType: "image/png", Fingerprint: originalFingerprint})
	if err != nil {
		t.Fatalf("Put original failed: %v", err)
	}
	second, err := store.Put(ctx, Originals, resizedBytes, Declared{MIMEType: "image/png", Fingerprint: resizedFingerprint})
	if err != nil {
		t.Fatalf("Put resize failed: %v", err)
	}

	if first.Digest == second.Digest {
		t.Fatal("different byte streams produced the same digest")
	}
	if !second.IsNew {
		t.Fatal("near-duplicate must still be a new exact object")
	}

	matches, err := store.NearDuplicates(ctx, Originals, resizedFingerprint, 0)
	if err != nil {
		t.Fatalf("NearDuplicates failed: %v", err)
	}
	var foundOriginal bool
	for _, match := range matches {
		if match.Digest == first.Digest {
			foundOriginal = true
		}
	}
	if !foundOriginal {
		t.Error("resized image's fingerprint did not flag the original as a near-duplicate")
	}
}

func TestConcurrentIdenticalPutsConverge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := []byte("stored from many goroutines at once")

	type putOutcome struct {
		result *StoreResult
		err    error
	}

	const writers = 8
	outcomes := make(chan putOutcome, writers)

	for range writers {
		go func() {
			result, err := store.Put(ctx, Originals, data, Declared{MIMEType: "image/png"})
			outcomes <- putOutcome{result: result, err: err}
		}()
	}

	var newCount int
	var d digest.Digest
	for range writers {
		outcome := testutil.RequireReceive(t, outcomes, 10*time.Second, "concurrent Put")
		if outcome.err != nil {
			t.Fatalf("concurrent Put failed: %v", outcome.err)
		}
		if outcome.result.IsNew {
			newCount++
		}
		d = outcome.result.Digest
	}

	if newCount != 1 {
		t.Errorf("IsNew reported by %d writers, want exactly 1", newCount)
	}

	retrieved, _, err := store.Get(ctx, Originals, d)
	if err != nil {
		t.Fatalf("Get after concurrent stores failed: %v", err)
	}
	if !bytes.Equal(retrieved, data) {
		t.Error("converged object does not round-trip")
	}
}
