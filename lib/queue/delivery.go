// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

// Delivery is the retry accounting for one handler invocation:
// RetryCount deliveries already failed, MaxRetry retries exist in
// total.
type Delivery struct {
	RetryCount int
	MaxRetry   int
}

type deliveryContextKey struct{}

// WithDelivery attaches delivery accounting to ctx. The server does
// this for every dispatch; tests use it to simulate a particular
// attempt.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryContextKey{}, d)
}

// DeliveryFromContext returns the delivery accounting for a handler
// ctx. ok is false outside a dispatch.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryContextKey{}).(Delivery)
	return d, ok
}

// IsLastAttempt reports whether the current delivery is the job's
// final one, so a failure now is terminal. Handlers use it to reflect
// the failure onto the owning request. False outside a dispatch.
func IsLastAttempt(ctx context.Context) bool {
	d, ok := DeliveryFromContext(ctx)
	return ok && d.RetryCount >= d.MaxRetry
}

// deliveryFromBackend lifts the backend's retry accounting into the
// package's own context key.
func deliveryFromBackend(ctx context.Context) context.Context {
	retryCount, countOK := asynq.GetRetryCount(ctx)
	maxRetry, maxOK := asynq.GetMaxRetry(ctx)
	if !countOK || !maxOK {
		return ctx
	}
	return WithDelivery(ctx, Delivery{RetryCount: retryCount, MaxRetry: maxRetry})
}
