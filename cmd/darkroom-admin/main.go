// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/darkroom-project/darkroom/lib/bootstrap"
	"github.com/darkroom-project/darkroom/lib/cas"
	"github.com/darkroom-project/darkroom/lib/config"
	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/exiftool"
	"github.com/darkroom-project/darkroom/lib/keyring"
	"github.com/darkroom-project/darkroom/lib/queue"
	"github.com/darkroom-project/darkroom/lib/version"
	"github.com/darkroom-project/darkroom/lib/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]
	switch subcommand {
	case "keygen":
		return runKeygen(args)
	case "store":
		return runStore(args)
	case "retrieve":
		return runRetrieve(args)
	case "exists":
		return runExists(args)
	case "delete":
		return runDelete(args)
	case "scrub":
		return runScrub(args)
	case "metrics":
		return runMetrics(args)
	case "ping":
		return runPing(args)
	case "version":
		fmt.Printf("darkroom-admin %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: darkroom-admin <subcommand> [flags]

Subcommands:
  keygen      Generate an age keypair and optionally a sealed master key file
  store       Ingest a photo: store the original and enqueue classification
  retrieve    Decrypt and output a stored object
  exists      Check whether a digest is stored in a category
  delete      Remove a stored object
  scrub       Strip embedded metadata from a local file
  metrics     Show per-queue job metrics
  ping        Check store backend and queue connectivity
  version     Print version information

Run 'darkroom-admin <subcommand> --help' for subcommand flags.
`)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig resolves the config from --config or DARKROOM_CONFIG and
// validates it.
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

// runKeygen generates an age keypair. The public key goes to stdout
// (for sharing), the private key to stderr (for safekeeping). With
// --master-key it also writes a fresh master key file sealed to the
// generated key plus any --recipient keys.
func runKeygen(args []string) error {
	flags := pflag.NewFlagSet("keygen", pflag.ExitOnError)
	masterKeyPath := flags.String("master-key", "", "also create a sealed master key file at this path")
	recipients := flags.StringArray("recipient", nil, "additional age public keys the master key is sealed to (repeatable)")
	flags.Parse(args)

	keypair, err := keyring.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Private key (keep this secret, it unseals the master key):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.PrivateKey.String())
	fmt.Fprintf(os.Stdout, "%s\n", keypair.PublicKey)

	if *masterKeyPath == "" {
		return nil
	}

	recipientKeys := append([]string{keypair.PublicKey}, *recipients...)
	if err := keyring.CreateMasterKeyFile(*masterKeyPath, recipientKeys); err != nil {
		return fmt.Errorf("creating master key file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Sealed master key written to %s (%d recipients)\n",
		*masterKeyPath, len(recipientKeys))
	return nil
}

// runStore ingests a photo through the full intake path: store the
// original, create a request record, enqueue classification.
func runStore(args []string) error {
	flags := pflag.NewFlagSet("store", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file (default: $DARKROOM_CONFIG)")
	fromFile := flags.String("file", "", "read the image from this file instead of stdin")
	mimeType := flags.String("mime", "", "declared media type, e.g. image/png")
	annotations := flags.StringToString("annotation", nil, "key=value annotation (repeatable)")
	flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var reader io.Reader = os.Stdin
	if *fromFile != "" {
		file, err := os.Open(*fromFile)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer file.Close()
		reader = file
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("no input data (pipe an image to stdin or use --file)")
	}

	ctx, stop := signalContext()
	defer stop()

	logger := slog.New(slog.DiscardHandler)
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

	ingestor, err := workflow.NewIngestor(workflow.IngestorConfig{
		Store:    store,
		Requests: requests,
		Queue:    manager,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	result, err := ingestor.Ingest(ctx, data, cas.Declared{
		MIMEType:    *mimeType,
		Annotations: *annotations,
	})
	if err != nil {
		return err
	}

	fmt.Printf("request: %s\n", result.RequestID)
	fmt.Printf("digest:  %s\n", result.Digest)
	if !result.IsNew {
		fmt.Printf("content already stored (deduplicated)\n")
	}
	if !result.NearDuplicateOf.IsZero() {
		fmt.Printf("near-duplicate of: %s\n", result.NearDuplicateOf)
	}
	return nil
}

// parseObjectFlags handles the shared --config/--category/--digest
// triple of the direct store subcommands.
func parseObjectFlags(name string, args []string) (*config.Config, cas.Category, digest.Digest, error) {
	flags := pflag.NewFlagSet(name, pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file (default: $DARKROOM_CONFIG)")
	categoryName := flags.String("category", "originals", "object category: originals or restored")
	digestHex := flags.String("digest", "", "content digest, 64 hex characters (required)")
	flags.Parse(args)

	var zero digest.Digest
	if *digestHex == "" {
		flags.PrintDefaults()
		return nil, "", zero, fmt.Errorf("--digest is required")
	}
	d, err := digest.Parse(*digestHex)
	if err != nil {
		return nil, "", zero, err
	}

	category := cas.Category(*categoryName)
	if err := category.Validate(); err != nil {
		return nil, "", zero, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return nil, "", zero, err
	}
	return cfg, category, d, nil
}

// runRetrieve decrypts an object and writes the plaintext to stdout.
// Metadata goes to stderr so the image bytes can be piped.
func runRetrieve(args []string) error {
	cfg, category, d, err := parseObjectFlags("retrieve", args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer store.Close()

	data, object, err := store.Get(ctx, category, d)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "category: %s\n", object.Category)
	fmt.Fprintf(os.Stderr, "size:     %d bytes\n", object.Size)
	if object.MIMEType != "" {
		fmt.Fprintf(os.Stderr, "mime:     %s\n", object.MIMEType)
	}
	if len(object.Annotations) > 0 {
		keys := make([]string, 0, len(object.Annotations))
		for key := range object.Annotations {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(os.Stderr, "annotation %s: %s\n", key, object.Annotations[key])
		}
	}

	if _, err := os.Stdout.Write(data); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

func runExists(args []string) error {
	cfg, category, d, err := parseObjectFlags("exists", args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer store.Close()

	exists, err := store.Exists(ctx, category, d)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("%s/%s: not stored\n", category, d.Short())
		os.Exit(1)
	}
	fmt.Printf("%s/%s: stored\n", category, d.Short())
	return nil
}

func runDelete(args []string) error {
	cfg, category, d, err := parseObjectFlags("delete", args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(ctx, category, d); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "deleted %s/%s\n", category, d)
	return nil
}

// runScrub strips embedded metadata from a local file in place using
// a single-worker tool pool.
func runScrub(args []string) error {
	flags := pflag.NewFlagSet("scrub", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file (default: $DARKROOM_CONFIG)")
	flags.Parse(args)

	paths := flags.Args()
	if len(paths) == 0 {
		return fmt.Errorf("usage: darkroom-admin scrub [flags] <file>...")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	pool, err := exiftool.NewPool(exiftool.Config{
		Command:        cfg.Metadata.Command,
		Workers:        1,
		AcquireTimeout: cfg.Metadata.AcquireTimeout,
		RequestTimeout: cfg.Metadata.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("starting metadata tool: %w", err)
	}
	defer pool.Shutdown(context.Background())

	for _, path := range paths {
		if err := pool.Strip(ctx, path); err != nil {
			return fmt.Errorf("scrubbing %s: %w", path, err)
		}
		fmt.Fprintf(os.Stderr, "scrubbed %s\n", path)
	}
	return nil
}

// runMetrics prints per-queue depth and throughput counters.
func runMetrics(args []string) error {
	flags := pflag.NewFlagSet("metrics", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file (default: $DARKROOM_CONFIG)")
	flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	manager, err := queue.Open(bootstrap.QueueConfig(cfg, slog.New(slog.DiscardHandler)))
	if err != nil {
		return err
	}
	defer manager.Close()

	metrics, err := manager.Metrics(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-16s %8s %8s %10s %8s %12s\n",
		"QUEUE", "DEPTH", "ACTIVE", "COMPLETED", "FAILED", "LATENCY(ms)")
	for _, name := range names {
		m := metrics[name]
		fmt.Printf("%-16s %8d %8d %10d %8d %12d\n",
			name, m.Depth, m.ActiveCount, m.CompletedCount, m.FailedCount, m.AvgLatencyMs)
	}
	return nil
}

// runPing checks both dependencies the pipeline needs: the blob
// backend and the queue's Redis.
func runPing(args []string) error {
	flags := pflag.NewFlagSet("ping", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file (default: $DARKROOM_CONFIG)")
	flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	var failures []string

	store, err := bootstrap.OpenStore(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		failures = append(failures, fmt.Sprintf("store: %v", err))
	} else {
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("store backend: %v", err))
		} else {
			fmt.Printf("store backend (%s): ok\n", cfg.Storage.Backend)
		}
	}

	manager, err := queue.Open(bootstrap.QueueConfig(cfg, slog.New(slog.DiscardHandler)))
	if err != nil {
		failures = append(failures, fmt.Sprintf("queue: %v", err))
	} else {
		defer manager.Close()
		if err := manager.Ping(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("queue redis: %v", err))
		} else {
			fmt.Printf("queue redis (%s): ok\n", cfg.Queue.RedisAddr)
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("%s", strings.Join(failures, "; "))
	}
	return nil
}
