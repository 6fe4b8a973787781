// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/darkroom-project/darkroom/lib/bootstrap"
	"github.com/darkroom-project/darkroom/lib/config"
	"github.com/darkroom-project/darkroom/lib/exiftool"
	"github.com/darkroom-project/darkroom/lib/process"
	"github.com/darkroom-project/darkroom/lib/queue"
	"github.com/darkroom-project/darkroom/lib/version"
	"github.com/darkroom-project/darkroom/lib/workflow"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to config file (default: $DARKROOM_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("darkroom-service %s\n", version.Info())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Pipeline.ClassifyCommand) == 0 || len(cfg.Pipeline.RestoreCommand) == 0 {
		return fmt.Errorf("pipeline.classify_command and pipeline.restore_command are required to run the service")
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	requests, err := bootstrap.OpenRequests(cfg, logger)
	if err != nil {
		return err
	}
	defer requests.Close()

	manager, err := queue.Open(bootstrap.QueueConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer manager.Close()

	retryOnCrash := cfg.Metadata.RetryOnCrash == nil || *cfg.Metadata.RetryOnCrash
	pool, err := exiftool.NewPool(exiftool.Config{
		Command:        cfg.Metadata.Command,
		Workers:        cfg.Metadata.Workers,
		AcquireTimeout: cfg.Metadata.AcquireTimeout,
		RequestTimeout: cfg.Metadata.RequestTimeout,
		RetryOnCrash:   retryOnCrash,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("starting metadata tool pool: %w", err)
	}

	handlers, err := workflow.NewHandlers(workflow.HandlersConfig{
		Store:      store,
		Requests:   requests,
		Queue:      manager,
		Classifier: &commandClassifier{argv: cfg.Pipeline.ClassifyCommand, timeout: cfg.Pipeline.CommandTimeout},
		Restorer:   &commandRestorer{argv: cfg.Pipeline.RestoreCommand, timeout: cfg.Pipeline.CommandTimeout},
		Scrubber:   pool,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	server := queue.NewServer(queue.ServerConfig{
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.RedisDB,
		Concurrency:   cfg.Queue.Concurrency,
		Retry: queue.RetryPolicy{
			Base: cfg.Queue.RetryBase,
			Max:  cfg.Queue.RetryMax,
		},
		ShutdownGrace: cfg.Queue.ShutdownGrace,
		Logger:        logger,
	})
	if err := handlers.Register(server); err != nil {
		return err
	}

	// Reconciliation sweep runs for the life of the service; it exits
	// when ctx is cancelled.
	go store.RunSweeper(ctx, cfg.Storage.SweepInterval)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Run()
	}()

	logger.Info("darkroom service running",
		"backend", cfg.Storage.Backend,
		"redis", cfg.Queue.RedisAddr,
		"concurrency", cfg.Queue.Concurrency,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		server.Shutdown()
		if err := <-serverDone; err != nil {
			logger.Error("queue server error", "error", err)
		}
	case err := <-serverDone:
		if err != nil {
			pool.Shutdown(context.Background())
			return fmt.Errorf("queue server: %w", err)
		}
	}

	// The pool drains after the queue server so in-flight jobs keep
	// their scrub capability until they finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownGrace)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("tool pool shutdown", "error", err)
	}

	return nil
}

// loadConfig resolves the config path from the flag or the
// environment and validates the result.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
