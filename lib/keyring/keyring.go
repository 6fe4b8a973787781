// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring manages the master encryption key for the
// content-addressed store. The key itself is 32 random bytes; at rest
// it lives in an age-encrypted key file, and an age identity held by
// the operator (or the service's provisioning environment) unlocks it
// at startup.
//
// The store never sees the key file or the identity — it receives the
// unwrapped key as a *secret.Buffer and derives per-object keys from
// it. How identities are distributed and rotated is an operational
// concern outside this package.
package keyring

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"github.com/darkroom-project/darkroom/lib/secret"
)

// KeySize is the master key length in bytes.
const KeySize = 32

// Keypair holds an age x25519 keypair. The private key lives in a
// secret.Buffer; the public key is a plain age1... string, safe to
// publish. The caller must Close the keypair when done.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair with the private
// key in guarded memory.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// CreateMasterKeyFile generates a fresh random master key, encrypts
// it to the given age recipient public keys, and writes the
// ciphertext to path with mode 0600. At least one recipient is
// required. Fails if the file already exists — overwriting a key file
// orphans every blob encrypted under the old key.
func CreateMasterKeyFile(path string, recipientKeys []string) error {
	if len(recipientKeys) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	masterKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, masterKey); err != nil {
		return fmt.Errorf("generating master key: %w", err)
	}
	defer secret.Zero(masterKey)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return fmt.Errorf("starting age encryption: %w", err)
	}
	if _, err := writer.Write(masterKey); err != nil {
		return fmt.Errorf("encrypting master key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	if _, err := file.Write(ciphertext.Bytes()); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing key file: %w", err)
	}
	return nil
}

// LoadMasterKey decrypts the key file at path using the age identity
// in identityKey (the AGE-SECRET-KEY-1... string, typically loaded
// via secret.ReadFromPath). The identity buffer is borrowed, not
// closed. The returned buffer holds the 32-byte master key and must
// be closed by the caller.
func LoadMasterKey(path string, identityKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(identityKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting key file %s: %w", path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted master key: %w", err)
	}
	defer secret.Zero(plaintext)

	if len(plaintext) != KeySize {
		return nil, fmt.Errorf("master key is %d bytes, want %d", len(plaintext), KeySize)
	}

	// NewFromBytes zeros plaintext; the deferred Zero is then a no-op.
	return secret.NewFromBytes(plaintext)
}
