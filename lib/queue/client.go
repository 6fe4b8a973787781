// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// TaskClient is the slice of asynq's client the manager enqueues
// through. Tests inject a fake.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInspector is the slice of asynq's inspector the manager reads
// metrics through.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// RedisPinger is the liveness probe against the backend, independent
// of job processing.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ TaskClient = (*asynq.Client)(nil)
var _ QueueInspector = (*asynq.Inspector)(nil)
var _ RedisPinger = (*redis.Client)(nil)
