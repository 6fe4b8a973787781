// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/darkroom-project/darkroom/lib/secret"
)

func TestGenerateKeypair(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer keypair.Close()

	if !strings.HasPrefix(keypair.PublicKey, "age1") {
		t.Errorf("public key %q does not look like an age recipient", keypair.PublicKey)
	}
	if !strings.HasPrefix(keypair.PrivateKey.String(), "AGE-SECRET-KEY-1") {
		t.Error("private key does not look like an age identity")
	}
}

func TestMasterKeyRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer keypair.Close()

	keyFile := filepath.Join(t.TempDir(), "master.key.age")
	if err := CreateMasterKeyFile(keyFile, []string{keypair.PublicKey}); err != nil {
		t.Fatalf("CreateMasterKeyFile failed: %v", err)
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("key file mode = %o, want 0600", mode)
	}

	// The borrowed identity buffer is consumed below, so copy it the
	// way a caller loading from disk would.
	identityCopy, err := secret.NewFromBytes([]byte(keypair.PrivateKey.String()))
	if err != nil {
		t.Fatalf("copying identity: %v", err)
	}
	defer identityCopy.Close()

	masterKey, err := LoadMasterKey(keyFile, identityCopy)
	if err != nil {
		t.Fatalf("LoadMasterKey failed: %v", err)
	}
	defer masterKey.Close()

	if masterKey.Len() != KeySize {
		t.Errorf("master key length = %d, want %d", masterKey.Len(), KeySize)
	}
}

func TestCreateMasterKeyFileRefusesOverwrite(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer keypair.Close()

	keyFile := filepath.Join(t.TempDir(), "master.key.age")
	if err := CreateMasterKeyFile(keyFile, []string{keypair.PublicKey}); err != nil {
		t.Fatalf("first CreateMasterKeyFile failed: %v", err)
	}
	if err := CreateMasterKeyFile(keyFile, []string{keypair.PublicKey}); err == nil {
		t.Fatal("second CreateMasterKeyFile succeeded, want refusal to overwrite")
	}
}

func TestCreateMasterKeyFileRequiresRecipients(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "master.key.age")
	if err := CreateMasterKeyFile(keyFile, nil); err == nil {
		t.Fatal("CreateMasterKeyFile with no recipients succeeded")
	}
}

func TestLoadMasterKeyWrongIdentity(t *testing.T) {
	owner, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer owner.Close()

	stranger, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer stranger.Close()

	keyFile := filepath.Join(t.TempDir(), "master.key.age")
	if err := CreateMasterKeyFile(keyFile, []string{owner.PublicKey}); err != nil {
		t.Fatalf("CreateMasterKeyFile failed: %v", err)
	}

	strangerIdentity, err := secret.NewFromBytes([]byte(stranger.PrivateKey.String()))
	if err != nil {
		t.Fatalf("copying identity: %v", err)
	}
	defer strangerIdentity.Close()

	if _, err := LoadMasterKey(keyFile, strangerIdentity); err == nil {
		t.Fatal("LoadMasterKey with wrong identity succeeded")
	}
}
