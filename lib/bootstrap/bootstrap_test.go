// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/darkroom-project/darkroom/lib/cas"
	"github.com/darkroom-project/darkroom/lib/config"
	"github.com/darkroom-project/darkroom/lib/keyring"
)

// newTestConfig provisions a filesystem deployment in a temp dir:
// generated age keypair, sealed master key, identity file on disk.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	keypair, err := keyring.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	defer keypair.Close()

	masterKeyPath := filepath.Join(root, "master.key")
	if err := keyring.CreateMasterKeyFile(masterKeyPath, []string{keypair.PublicKey}); err != nil {
		t.Fatalf("creating master key file: %v", err)
	}

	identityPath := filepath.Join(root, "identity")
	if err := os.WriteFile(identityPath, []byte(keypair.PrivateKey.String()+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}

	cfg := config.Default()
	cfg.Storage.Root = root
	cfg.Keys.MasterKeyFile = masterKeyPath
	cfg.Keys.IdentityFile = identityPath
	return cfg
}

func TestOpenStoreRoundTrip(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	store, err := OpenStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	data := []byte("photo bytes stored through the bootstrap path")
	result, err := store.Put(ctx, cas.Originals, data, cas.Declared{MIMEType: "image/png"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	retrieved, _, err := store.Get(ctx, cas.Originals, result.Digest)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(retrieved, data) {
		t.Error("retrieved bytes differ from stored bytes")
	}
}

func TestOpenStoreSameKeyAcrossOpens(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	store, err := OpenStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	data := []byte("persists across process restarts")
	result, err := store.Put(ctx, cas.Originals, data, cas.Declared{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	store.Close()

	// A second open must unseal the same master key and decrypt the
	// blob written by the first.
	reopened, err := OpenStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("second OpenStore failed: %v", err)
	}
	defer reopened.Close()

	retrieved, _, err := reopened.Get(ctx, cas.Originals, result.Digest)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !bytes.Equal(retrieved, data) {
		t.Error("retrieved bytes differ after reopen")
	}
}

func TestOpenStoreWrongIdentity(t *testing.T) {
	cfg := newTestConfig(t)

	other, err := keyring.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	defer other.Close()
	wrongIdentity := filepath.Join(cfg.Storage.Root, "wrong-identity")
	if err := os.WriteFile(wrongIdentity, []byte(other.PrivateKey.String()+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}
	cfg.Keys.IdentityFile = wrongIdentity

	if _, err := OpenStore(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected OpenStore to fail with the wrong identity")
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Storage.Backend = "tape"

	if _, err := OpenStore(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected OpenStore to reject unknown backend")
	}
}
