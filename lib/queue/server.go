// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// HandlerFunc processes one job delivery. The payload is the CBOR
// bytes the manager enqueued; decode with DecodePayload. Returning an
// error wrapped in NonRetryable fails the job immediately; any other
// error schedules a retry per the server's policy.
type HandlerFunc func(ctx context.Context, payload []byte) error

// ServerConfig configures a worker-side Server.
type ServerConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Concurrency is the number of jobs processed in parallel.
	// Defaults to 4.
	Concurrency int

	// Retry shapes the backoff between delivery attempts. Must match
	// the manager's policy or retries land at surprising times.
	Retry RetryPolicy

	// ShutdownGrace bounds the drain of active jobs during Shutdown.
	// Defaults to 30 seconds.
	ShutdownGrace time.Duration

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Server consumes jobs and dispatches them through an explicit
// handler table keyed by Kind. Register handlers before Run; delivery
// for a kind without a handler fails that delivery.
type Server struct {
	inner    *asynq.Server
	handlers map[Kind]HandlerFunc
	logger   *slog.Logger
}

// NewServer builds a worker server over the Redis backend. Both
// stages' queues are consumed with equal priority.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	logger := cfg.Logger
	inner := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				Classification.queueName(): 1,
				Restoration.queueName():    1,
			},
			RetryDelayFunc: func(attempt int, err error, task *asynq.Task) time.Duration {
				return cfg.Retry.Delay(attempt)
			},
			ShutdownTimeout: cfg.ShutdownGrace,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("job delivery failed", "kind", task.Type(), "error", err)
			}),
		},
	)

	return &Server{
		inner:    inner,
		handlers: make(map[Kind]HandlerFunc),
		logger:   cfg.Logger,
	}
}

// Handle registers the handler for a kind. Must be called before Run.
func (s *Server) Handle(kind Kind, handler HandlerFunc) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if _, exists := s.handlers[kind]; exists {
		return fmt.Errorf("handler for %s already registered", kind.queueName())
	}
	s.handlers[kind] = handler
	return nil
}

// Run processes jobs until Shutdown. It blocks.
func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	for kind, handler := range s.handlers {
		mux.HandleFunc(string(kind), s.adapt(kind, handler))
	}
	s.logger.Info("queue server started",
		"queues", []string{Classification.queueName(), Restoration.queueName()})
	if err := s.inner.Run(mux); err != nil {
		return fmt.Errorf("queue server: %w", err)
	}
	return nil
}

// adapt bridges a HandlerFunc into the backend's handler shape and
// translates the non-retryable marker into the backend's skip-retry
// signal.
func (s *Server) adapt(kind Kind, handler HandlerFunc) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		err := handler(deliveryFromBackend(ctx), task.Payload())
		if err == nil {
			return nil
		}
		if IsNonRetryable(err) {
			s.logger.Warn("job failed permanently",
				"kind", kind.queueName(), "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// Shutdown stops intake, drains active jobs up to the configured
// grace, then stops. Queued jobs stay durable in Redis.
func (s *Server) Shutdown() {
	s.inner.Shutdown()
	s.logger.Info("queue server stopped")
}
