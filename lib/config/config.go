// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Darkroom.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Storage configures the content-addressed store.
	Storage StorageConfig `yaml:"storage"`

	// Keys configures encryption key material.
	Keys KeysConfig `yaml:"keys"`

	// Queue configures the job queue backend.
	Queue QueueConfig `yaml:"queue"`

	// Metadata configures the external metadata tool pool.
	Metadata MetadataConfig `yaml:"metadata"`

	// Pipeline configures the external model commands.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Storage  *StorageConfig  `yaml:"storage,omitempty"`
	Keys     *KeysConfig     `yaml:"keys,omitempty"`
	Queue    *QueueConfig    `yaml:"queue,omitempty"`
	Metadata *MetadataConfig `yaml:"metadata,omitempty"`
	Pipeline *PipelineConfig `yaml:"pipeline,omitempty"`
}

// StorageConfig configures the content-addressed store.
type StorageConfig struct {
	// Backend selects the blob backend: "filesystem" or "s3".
	// Default: filesystem
	Backend string `yaml:"backend"`

	// Root is the base directory for Darkroom data: blobs (under the
	// filesystem backend), the metadata index, and the request
	// database. Default: ~/.local/share/darkroom
	Root string `yaml:"root"`

	// S3 configures the s3 backend; ignored under filesystem.
	S3 S3Config `yaml:"s3"`

	// SweepInterval is how often the reconciliation sweep runs.
	// Default: 1h
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// S3Config points the s3 backend at a bucket.
type S3Config struct {
	// Endpoint is the S3-compatible endpoint, host:port.
	Endpoint string `yaml:"endpoint"`

	// Bucket is created at startup if missing.
	Bucket string `yaml:"bucket"`

	// AccessKeyFile and SecretKeyFile hold the credentials, one per
	// file, "-" meaning stdin is not accepted here.
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`

	// UseTLS enables https to the endpoint. Default: true
	UseTLS *bool `yaml:"use_tls,omitempty"`
}

// KeysConfig locates the encryption key material.
type KeysConfig struct {
	// MasterKeyFile is the sealed master key (created by
	// darkroom-admin keygen). Default: <root>/master.key
	MasterKeyFile string `yaml:"master_key_file"`

	// IdentityFile holds the age identity that unseals the master
	// key, or "-" to read it from stdin.
	IdentityFile string `yaml:"identity_file"`
}

// QueueConfig configures the Redis-backed job queue.
type QueueConfig struct {
	// RedisAddr is the backend address, host:port.
	// Default: localhost:6379
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// MaxAttempts is total deliveries per job before terminal
	// failure. Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBase and RetryMax shape the exponential backoff between
	// deliveries. Defaults: 2s, 5m
	RetryBase time.Duration `yaml:"retry_base"`
	RetryMax  time.Duration `yaml:"retry_max"`

	// Concurrency is the worker-side parallel job count. Default: 4
	Concurrency int `yaml:"concurrency"`

	// ShutdownGrace bounds the drain of active jobs on shutdown.
	// Default: 30s
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// MetadataConfig configures the exiftool pool.
type MetadataConfig struct {
	// Command is the tool binary. Default: exiftool
	Command string `yaml:"command"`

	// Workers is the pool size. Default: 2
	Workers int `yaml:"workers"`

	// AcquireTimeout bounds the wait for a free worker. Default: 5s
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// RequestTimeout bounds one tool invocation. Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RetryOnCrash retries an operation once when its worker died
	// mid-request. Default: true
	RetryOnCrash *bool `yaml:"retry_on_crash,omitempty"`
}

// PipelineConfig points the pipeline service at the external model
// commands. The commands are argv vectors; the image path is appended
// as the final argument. Both are required to run the service.
type PipelineConfig struct {
	// ClassifyCommand prints one label per line on stdout.
	ClassifyCommand []string `yaml:"classify_command"`

	// RestoreCommand writes the restored image to the output path
	// given as its final two arguments (input, then output).
	RestoreCommand []string `yaml:"restore_command"`

	// CommandTimeout bounds one model invocation. Default: 5m
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; the file is still
// required for Load.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "darkroom")
	enabled := true

	return &Config{
		Environment: Development,
		Storage: StorageConfig{
			Backend:       "filesystem",
			Root:          defaultRoot,
			SweepInterval: time.Hour,
			S3:            S3Config{UseTLS: &enabled},
		},
		Keys: KeysConfig{
			MasterKeyFile: filepath.Join(defaultRoot, "master.key"),
		},
		Queue: QueueConfig{
			RedisAddr:     "localhost:6379",
			MaxAttempts:   3,
			RetryBase:     2 * time.Second,
			RetryMax:      5 * time.Minute,
			Concurrency:   4,
			ShutdownGrace: 30 * time.Second,
		},
		Metadata: MetadataConfig{
			Command:        "exiftool",
			Workers:        2,
			AcquireTimeout: 5 * time.Second,
			RequestTimeout: 30 * time.Second,
			RetryOnCrash:   &enabled,
		},
		Pipeline: PipelineConfig{
			CommandTimeout: 5 * time.Minute,
		},
	}
}

// Load loads configuration from the DARKROOM_CONFIG environment
// variable. There are no fallbacks: if DARKROOM_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("DARKROOM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DARKROOM_CONFIG environment variable not set; " +
			"set it to the path of your darkroom.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values; the only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile parses a single configuration file into the current
// config. JSON-with-comments files are converted to plain JSON first;
// YAML parses JSON natively.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonc", ".json":
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific section
// matching c.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if o := overrides.Storage; o != nil {
		if o.Backend != "" {
			c.Storage.Backend = o.Backend
		}
		if o.Root != "" {
			c.Storage.Root = o.Root
		}
		if o.SweepInterval > 0 {
			c.Storage.SweepInterval = o.SweepInterval
		}
		if o.S3.Endpoint != "" {
			c.Storage.S3.Endpoint = o.S3.Endpoint
		}
		if o.S3.Bucket != "" {
			c.Storage.S3.Bucket = o.S3.Bucket
		}
		if o.S3.AccessKeyFile != "" {
			c.Storage.S3.AccessKeyFile = o.S3.AccessKeyFile
		}
		if o.S3.SecretKeyFile != "" {
			c.Storage.S3.SecretKeyFile = o.S3.SecretKeyFile
		}
		if o.S3.UseTLS != nil {
			c.Storage.S3.UseTLS = o.S3.UseTLS
		}
	}

	if o := overrides.Keys; o != nil {
		if o.MasterKeyFile != "" {
			c.Keys.MasterKeyFile = o.MasterKeyFile
		}
		if o.IdentityFile != "" {
			c.Keys.IdentityFile = o.IdentityFile
		}
	}

	if o := overrides.Queue; o != nil {
		if o.RedisAddr != "" {
			c.Queue.RedisAddr = o.RedisAddr
		}
		if o.RedisPassword != "" {
			c.Queue.RedisPassword = o.RedisPassword
		}
		if o.RedisDB != 0 {
			c.Queue.RedisDB = o.RedisDB
		}
		if o.MaxAttempts > 0 {
			c.Queue.MaxAttempts = o.MaxAttempts
		}
		if o.RetryBase > 0 {
			c.Queue.RetryBase = o.RetryBase
		}
		if o.RetryMax > 0 {
			c.Queue.RetryMax = o.RetryMax
		}
		if o.Concurrency > 0 {
			c.Queue.Concurrency = o.Concurrency
		}
		if o.ShutdownGrace > 0 {
			c.Queue.ShutdownGrace = o.ShutdownGrace
		}
	}

	if o := overrides.Pipeline; o != nil {
		if len(o.ClassifyCommand) > 0 {
			c.Pipeline.ClassifyCommand = o.ClassifyCommand
		}
		if len(o.RestoreCommand) > 0 {
			c.Pipeline.RestoreCommand = o.RestoreCommand
		}
		if o.CommandTimeout > 0 {
			c.Pipeline.CommandTimeout = o.CommandTimeout
		}
	}

	if o := overrides.Metadata; o != nil {
		if o.Command != "" {
			c.Metadata.Command = o.Command
		}
		if o.Workers > 0 {
			c.Metadata.Workers = o.Workers
		}
		if o.AcquireTimeout > 0 {
			c.Metadata.AcquireTimeout = o.AcquireTimeout
		}
		if o.RequestTimeout > 0 {
			c.Metadata.RequestTimeout = o.RequestTimeout
		}
		if o.RetryOnCrash != nil {
			c.Metadata.RetryOnCrash = o.RetryOnCrash
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"DARKROOM_ROOT": c.Storage.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Storage.Root = expandVars(c.Storage.Root, vars)
	vars["DARKROOM_ROOT"] = c.Storage.Root // Update for dependent paths.

	c.Keys.MasterKeyFile = expandVars(c.Keys.MasterKeyFile, vars)
	c.Keys.IdentityFile = expandVars(c.Keys.IdentityFile, vars)
	c.Storage.S3.AccessKeyFile = expandVars(c.Storage.S3.AccessKeyFile, vars)
	c.Storage.S3.SecretKeyFile = expandVars(c.Storage.S3.SecretKeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	switch c.Storage.Backend {
	case "filesystem":
		if c.Storage.Root == "" {
			errs = append(errs, fmt.Errorf("storage.root is required"))
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" {
			errs = append(errs, fmt.Errorf("storage.s3.endpoint is required"))
		}
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.s3.bucket is required"))
		}
		if c.Storage.S3.AccessKeyFile == "" || c.Storage.S3.SecretKeyFile == "" {
			errs = append(errs, fmt.Errorf("storage.s3.access_key_file and secret_key_file are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be filesystem or s3, got %q", c.Storage.Backend))
	}

	if c.Keys.MasterKeyFile == "" {
		errs = append(errs, fmt.Errorf("keys.master_key_file is required"))
	}
	if c.Keys.IdentityFile == "" {
		errs = append(errs, fmt.Errorf("keys.identity_file is required"))
	}
	if c.Queue.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("queue.redis_addr is required"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be positive"))
	}
	if c.Metadata.Workers <= 0 {
		errs = append(errs, fmt.Errorf("metadata.workers must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the storage root if it doesn't exist. Key files
// are deliberately not auto-created.
func (c *Config) EnsurePaths() error {
	if c.Storage.Root == "" {
		return nil
	}
	if err := os.MkdirAll(c.Storage.Root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Storage.Root, err)
	}
	return nil
}
