// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap wires a loaded configuration into running store
// components. It is shared by the service and the operator CLI so
// both open the store the same way: unseal the master key, build the
// blob backend, open the metadata index. Neither binary imports the
// other.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/darkroom-project/darkroom/lib/cas"
	"github.com/darkroom-project/darkroom/lib/config"
	"github.com/darkroom-project/darkroom/lib/keyring"
	"github.com/darkroom-project/darkroom/lib/queue"
	"github.com/darkroom-project/darkroom/lib/secret"
	"github.com/darkroom-project/darkroom/lib/workflow"
)

// OpenStore opens the content-addressed store described by cfg. It
// reads the age identity, unseals the master key, connects the
// configured blob backend, and opens the metadata index. The caller
// owns the returned store and must Close it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cas.Store, error) {
	identity, err := secret.ReadFromPath(cfg.Keys.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	defer identity.Close()

	masterKey, err := keyring.LoadMasterKey(cfg.Keys.MasterKeyFile, identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing master key: %w", err)
	}

	keys, err := cas.NewKeySet(masterKey)
	if err != nil {
		masterKey.Close()
		return nil, fmt.Errorf("deriving key set: %w", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		keys.Close()
		return nil, err
	}

	index, err := cas.OpenIndex(filepath.Join(cfg.Storage.Root, "index.db"), logger)
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	store, err := cas.NewStore(cas.StoreConfig{
		Backend: backend,
		Index:   index,
		Keys:    keys,
		Logger:  logger,
	})
	if err != nil {
		keys.Close()
		index.Close()
		return nil, err
	}
	return store, nil
}

// openBackend builds the blob backend selected by storage.backend.
func openBackend(ctx context.Context, cfg *config.Config) (cas.Backend, error) {
	switch cfg.Storage.Backend {
	case "filesystem":
		return cas.NewFilesystemBackend(filepath.Join(cfg.Storage.Root, "blobs"))
	case "s3":
		accessKey, err := secret.ReadFromPath(cfg.Storage.S3.AccessKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading s3 access key: %w", err)
		}
		defer accessKey.Close()
		secretKey, err := secret.ReadFromPath(cfg.Storage.S3.SecretKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading s3 secret key: %w", err)
		}
		defer secretKey.Close()

		useTLS := cfg.Storage.S3.UseTLS == nil || *cfg.Storage.S3.UseTLS
		return cas.NewS3Backend(ctx, cas.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: accessKey.String(),
			SecretKey: secretKey.String(),
			Bucket:    cfg.Storage.S3.Bucket,
			UseTLS:    useTLS,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// OpenRequests opens the request database under the storage root.
func OpenRequests(cfg *config.Config, logger *slog.Logger) (*workflow.SQLiteRequestStore, error) {
	return workflow.OpenRequestStore(filepath.Join(cfg.Storage.Root, "requests.db"), logger)
}

// QueueConfig translates the config file's queue section into the
// queue manager's configuration.
func QueueConfig(cfg *config.Config, logger *slog.Logger) queue.Config {
	return queue.Config{
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.RedisDB,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Retry: queue.RetryPolicy{
			Base: cfg.Queue.RetryBase,
			Max:  cfg.Queue.RetryMax,
		},
		Logger: logger,
	}
}
