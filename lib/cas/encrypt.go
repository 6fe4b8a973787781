// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/secret"
)

// KeySize is the size in bytes of all symmetric keys in the store:
// the master key and every derived per-object key.
const KeySize = 32

// encryptedBlobVersion is the version byte prepended to every
// encrypted blob. Included in the AAD, so tampering with it fails
// authentication.
const encryptedBlobVersion byte = 0x01

// encryptedBlobOverhead is the fixed byte overhead per blob:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const encryptedBlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info prefix for per-object key derivation. Domain separation:
// changing this invalidates every stored blob.
var hkdfInfoObject = []byte("darkroom.cas.object.v1")

// BLAKE3 keyed-hash data prefix for obscured blob references.
var referenceDomain = []byte("darkroom.cas.ref.v1")

// KeySet holds the master encryption key in guarded memory and
// derives per-object keys and obscured blob references from it.
// Derived keys are not cached; HKDF-SHA256 costs about a microsecond,
// negligible next to the AEAD pass that follows.
//
// Close zeros and releases the master key; after Close every method
// panics via secret.Buffer's closed check.
type KeySet struct {
	masterKey *secret.Buffer
}

// NewKeySet creates a key set from a 32-byte master key. The buffer
// is owned by the KeySet from this point — the caller must not use or
// close it afterwards.
func NewKeySet(masterKey *secret.Buffer) (*KeySet, error) {
	if masterKey.Len() != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, masterKey.Len())
	}
	return &KeySet{masterKey: masterKey}, nil
}

// Close zeros and releases the master key. Idempotent.
func (keys *KeySet) Close() error {
	return keys.masterKey.Close()
}

// BlobRef computes the obscured backend reference for an object: a
// keyed BLAKE3 hash of the category and digest under the master key,
// hex encoded. Deterministic (so duplicate stores converge on one
// blob) and opaque without the key (so backend listings reveal
// nothing).
func (keys *KeySet) BlobRef(category Category, d digest.Digest) string {
	hasher, err := blake3.NewKeyed(keys.masterKey.Bytes())
	if err != nil {
		// NewKeyed fails only on a wrong key length, which NewKeySet
		// has already ruled out.
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(referenceDomain)
	hasher.Write([]byte(category))
	hasher.Write(d[:])
	var out [32]byte
	hasher.Sum(out[:0])
	return fmt.Sprintf("%x", out)
}

// EncryptBlob encrypts plaintext for the object identified by
// (category, digest) using XChaCha20-Poly1305 under a freshly derived
// per-object key:
//
//	[version: 1 byte] [nonce: 24 bytes, random] [ciphertext+tag]
//
// The version byte and digest are authenticated as AAD, binding the
// ciphertext to its identity — a blob swapped under another reference
// fails to open.
func (keys *KeySet) EncryptBlob(plaintext []byte, category Category, d digest.Digest) ([]byte, error) {
	objectKey, err := keys.deriveObjectKey(category, d)
	if err != nil {
		return nil, err
	}
	defer objectKey.Close()

	aead, err := chacha20poly1305.NewX(objectKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	output[0] = encryptedBlobVersion
	copy(output[1:], nonce[:])

	return aead.Seal(output, nonce[:], plaintext, buildAAD(encryptedBlobVersion, d)), nil
}

// DecryptBlob reverses EncryptBlob. Fails when the blob is truncated,
// the version byte is unknown, or AEAD authentication fails (wrong
// key, tampered ciphertext, or an identity mismatch).
func (keys *KeySet) DecryptBlob(encryptedBlob []byte, category Category, d digest.Digest) ([]byte, error) {
	if len(encryptedBlob) < encryptedBlobOverhead {
		return nil, fmt.Errorf("encrypted blob is %d bytes, minimum is %d (version + nonce + tag)",
			len(encryptedBlob), encryptedBlobOverhead)
	}
	if encryptedBlob[0] != encryptedBlobVersion {
		return nil, fmt.Errorf("encrypted blob version %d is not supported (expected %d)",
			encryptedBlob[0], encryptedBlobVersion)
	}

	objectKey, err := keys.deriveObjectKey(category, d)
	if err != nil {
		return nil, err
	}
	defer objectKey.Close()

	aead, err := chacha20poly1305.NewX(objectKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := encryptedBlob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := encryptedBlob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(encryptedBlob[0], d))
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed (wrong key, tampered data, or mismatched identity): %w", err)
	}
	return plaintext, nil
}

// deriveObjectKey derives the per-object encryption key from the
// master key via HKDF-SHA256 with the category and digest in the info
// string. The returned buffer must be closed by the caller.
func (keys *KeySet) deriveObjectKey(category Category, d digest.Digest) (*secret.Buffer, error) {
	info := make([]byte, 0, len(hkdfInfoObject)+len(category)+len(d))
	info = append(info, hkdfInfoObject...)
	info = append(info, category...)
	info = append(info, d[:]...)

	keyBuffer, err := secret.New(KeySize)
	if err != nil {
		return nil, fmt.Errorf("allocating derived key buffer: %w", err)
	}
	reader := hkdf.New(sha256.New, keys.masterKey.Bytes(), nil, info)
	if _, err := io.ReadFull(reader, keyBuffer.Bytes()); err != nil {
		keyBuffer.Close()
		return nil, fmt.Errorf("deriving object key: %w", err)
	}
	return keyBuffer, nil
}

// buildAAD assembles the additional authenticated data: the version
// byte followed by the object digest.
func buildAAD(version byte, d digest.Digest) []byte {
	aad := make([]byte, 1+len(d))
	aad[0] = version
	copy(aad[1:], d[:])
	return aad
}
