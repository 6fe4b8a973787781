// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/darkroom-project/darkroom/lib/clock"
	"github.com/darkroom-project/darkroom/lib/digest"
)

// Config configures a Manager.
type Config struct {
	// RedisAddr is the backend address, host:port.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MaxAttempts is the total delivery attempts per job before it
	// fails terminally. Defaults to 3.
	MaxAttempts int

	// Retry shapes the backoff between delivery attempts.
	Retry RetryPolicy

	// JobTimeout bounds one handler invocation. Defaults to 10
	// minutes; restorations call external models and can be slow.
	JobTimeout time.Duration

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock
}

func (cfg *Config) applyDefaults() error {
	if cfg.RedisAddr == "" {
		return errors.New("queue config: RedisAddr is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return nil
}

// Manager is the enqueue-side handle on the job queue. It owns the
// backend connections; Close releases them. Safe for concurrent use.
type Manager struct {
	client      TaskClient
	inspector   QueueInspector
	redis       RedisPinger
	maxAttempts int
	jobTimeout  time.Duration
	logger      *slog.Logger
	clock       clock.Clock
}

// Open connects a Manager to the Redis backend.
func Open(cfg Config) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewManager(asynq.NewClient(redisOpt), asynq.NewInspector(redisOpt), redisClient, cfg)
}

// NewManager builds a Manager over explicit backend handles. Open is
// the production path; this constructor exists for injecting fakes.
func NewManager(client TaskClient, inspector QueueInspector, pinger RedisPinger, cfg Config) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Manager{
		client:      client,
		inspector:   inspector,
		redis:       pinger,
		maxAttempts: cfg.MaxAttempts,
		jobTimeout:  cfg.JobTimeout,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}, nil
}

// EnqueueClassification appends a classification job for the stored
// original. The enqueue is durable: it succeeds with no workers
// running and the job survives restarts.
func (m *Manager) EnqueueClassification(ctx context.Context, requestID string, d digest.Digest) (*Job, error) {
	payload, err := EncodePayload(ClassificationPayload{RequestID: requestID, Digest: d})
	if err != nil {
		return nil, err
	}
	return m.enqueue(ctx, Classification, requestID, d, payload)
}

// EnqueueRestoration appends a restoration job carrying the
// classification outcome.
func (m *Manager) EnqueueRestoration(ctx context.Context, requestID string, d digest.Digest, labels []string) (*Job, error) {
	payload, err := EncodePayload(RestorationPayload{RequestID: requestID, Digest: d, Labels: labels})
	if err != nil {
		return nil, err
	}
	return m.enqueue(ctx, Restoration, requestID, d, payload)
}

func (m *Manager) enqueue(ctx context.Context, kind Kind, requestID string, d digest.Digest, payload []byte) (*Job, error) {
	task := asynq.NewTask(string(kind), payload)
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.Queue(kind.queueName()),
		asynq.MaxRetry(m.maxAttempts-1),
		asynq.Timeout(m.jobTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s job for request %s: %w", kind.queueName(), requestID, err)
	}

	job := &Job{
		ID:          info.ID,
		Kind:        kind,
		RequestID:   requestID,
		Digest:      d,
		MaxAttempts: m.maxAttempts,
		State:       StateQueued,
		EnqueuedAt:  m.clock.Now().UTC(),
	}
	m.logger.Debug("job enqueued",
		"job", job.ID, "kind", kind.queueName(), "request", requestID, "digest", d.Short())
	return job, nil
}

// QueueMetrics is one queue's advisory depth and throughput numbers.
// The ingestion layer polls these for admission control; nothing in
// the pipeline throttles on them.
type QueueMetrics struct {
	Depth          int
	ActiveCount    int
	CompletedCount int
	FailedCount    int
	AvgLatencyMs   int64
}

// Metrics reports per-queue metrics for both stages.
func (m *Manager) Metrics(ctx context.Context) (map[string]QueueMetrics, error) {
	metrics := make(map[string]QueueMetrics, 2)
	for _, kind := range []Kind{Classification, Restoration} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := kind.queueName()
		info, err := m.inspector.GetQueueInfo(name)
		if err != nil {
			return nil, fmt.Errorf("inspecting queue %s: %w", name, err)
		}
		metrics[name] = QueueMetrics{
			Depth:          info.Pending + info.Scheduled + info.Retry,
			ActiveCount:    info.Active,
			CompletedCount: info.Processed,
			FailedCount:    info.Failed,
			AvgLatencyMs:   info.Latency.Milliseconds(),
		}
	}
	return metrics, nil
}

// Ping round-trips the Redis backend to detect connectivity loss
// independent of job processing.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue backend unreachable: %w", err)
	}
	return nil
}

// Close releases the backend connections. Queued jobs stay durable in
// Redis.
func (m *Manager) Close() error {
	var errs []error
	if err := m.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing task client: %w", err))
	}
	if err := m.inspector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing inspector: %w", err))
	}
	if err := m.redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing redis client: %w", err))
	}
	return errors.Join(errs...)
}
