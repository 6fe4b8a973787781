// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue sequences classification and restoration work over a
// durable Redis-backed job queue. Enqueues succeed with no workers
// running; queued jobs survive process restarts. Delivery is
// at-least-once, so handlers must be idempotent.
package queue

import (
	"fmt"
	"time"

	"github.com/darkroom-project/darkroom/lib/digest"
)

// Kind identifies what a job does. The kind selects the handler; the
// payload is never sniffed to decide dispatch.
type Kind string

const (
	// Classification inspects a stored original and decides what
	// restoration work it needs.
	Classification Kind = "darkroom:classification"

	// Restoration produces the derived image from a classified
	// original.
	Restoration Kind = "darkroom:restoration"
)

// Validate rejects kinds outside the fixed set.
func (k Kind) Validate() error {
	switch k {
	case Classification, Restoration:
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", string(k))
	}
}

// queueName maps a kind to its backend queue. Each kind gets its own
// queue so metrics and worker concurrency are per-stage.
func (k Kind) queueName() string {
	switch k {
	case Classification:
		return "classification"
	case Restoration:
		return "restoration"
	default:
		return "default"
	}
}

// State is a job's position in its lifecycle. Transitions only move
// forward; Completed and Failed are terminal.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// CanTransition reports whether moving from s to next is a legal
// lifecycle edge.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateQueued:
		return next == StateActive
	case StateActive:
		return next == StateCompleted || next == StateFailed || next == StateRetrying
	case StateRetrying:
		return next == StateQueued
	default:
		// Terminal states have no outgoing edges.
		return false
	}
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the queue-side view of one unit of work. The backend owns
// delivery and retry accounting; Job mirrors that lifecycle for the
// owning request's status record.
type Job struct {
	ID          string        `cbor:"id"`
	Kind        Kind          `cbor:"kind"`
	RequestID   string        `cbor:"request_id"`
	Digest      digest.Digest `cbor:"digest"`
	Attempt     int           `cbor:"attempt"`
	MaxAttempts int           `cbor:"max_attempts"`
	State       State         `cbor:"state"`
	EnqueuedAt  time.Time     `cbor:"enqueued_at"`
	LastError   string        `cbor:"last_error,omitempty"`
}

// Transition moves the job to next, rejecting illegal edges.
func (j *Job) Transition(next State) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.State, next)
	}
	j.State = next
	return nil
}

// RecordFailure applies one handler failure: the job either moves to
// Retrying (another delivery is coming) or to terminal Failed when
// attempts are exhausted or the error was marked non-retryable.
func (j *Job) RecordFailure(jobErr error) error {
	j.LastError = jobErr.Error()
	j.Attempt++
	if j.Attempt >= j.MaxAttempts || IsNonRetryable(jobErr) {
		return j.Transition(StateFailed)
	}
	if err := j.Transition(StateRetrying); err != nil {
		return err
	}
	return j.Transition(StateQueued)
}
