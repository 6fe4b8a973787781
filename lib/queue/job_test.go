// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"testing"
)

func TestStateTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateQueued, StateActive},
		{StateActive, StateCompleted},
		{StateActive, StateFailed},
		{StateActive, StateRetrying},
		{StateRetrying, StateQueued},
	}
	for _, edge := range legal {
		if !edge.from.CanTransition(edge.to) {
			t.Errorf("%s -> %s rejected, want allowed", edge.from, edge.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateQueued, StateCompleted},
		{StateQueued, StateFailed},
		{StateQueued, StateRetrying},
		{StateRetrying, StateActive},
		{StateCompleted, StateQueued},
		{StateCompleted, StateActive},
		{StateFailed, StateQueued},
		{StateFailed, StateRetrying},
		{StateActive, StateQueued},
	}
	for _, edge := range illegal {
		if edge.from.CanTransition(edge.to) {
			t.Errorf("%s -> %s allowed, want rejected", edge.from, edge.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []State{StateQueued, StateActive, StateRetrying} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	job := &Job{ID: "j1", State: StateQueued}
	if err := job.Transition(StateCompleted); err == nil {
		t.Error("queued -> completed accepted")
	}
	if job.State != StateQueued {
		t.Errorf("failed transition changed state to %s", job.State)
	}
}

func TestRecordFailureRetriesThenFails(t *testing.T) {
	// Three attempts allowed: two failures re-queue, the third is
	// terminal. Mirrors a delivery loop with maxAttempts=3.
	job := &Job{ID: "j1", State: StateQueued, MaxAttempts: 3}

	for attempt := 1; attempt <= 2; attempt++ {
		if err := job.Transition(StateActive); err != nil {
			t.Fatalf("attempt %d activation: %v", attempt, err)
		}
		if err := job.RecordFailure(errors.New("transient")); err != nil {
			t.Fatalf("attempt %d failure: %v", attempt, err)
		}
		if job.State != StateQueued {
			t.Fatalf("after failure %d: state = %s, want queued", attempt, job.State)
		}
	}

	if err := job.Transition(StateActive); err != nil {
		t.Fatalf("final activation: %v", err)
	}
	if err := job.RecordFailure(errors.New("transient")); err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if job.State != StateFailed {
		t.Errorf("state = %s after exhausting attempts, want failed", job.State)
	}
	if job.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", job.Attempt)
	}

	// Terminal: no fourth delivery is possible.
	if job.State.CanTransition(StateActive) || job.State.CanTransition(StateQueued) {
		t.Error("failed job still has outgoing transitions")
	}
}

func TestRecordFailureNonRetryable(t *testing.T) {
	job := &Job{ID: "j1", State: StateActive, MaxAttempts: 5}
	if err := job.RecordFailure(NonRetryable(errors.New("corrupt input"))); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if job.State != StateFailed {
		t.Errorf("state = %s, want failed on non-retryable error", job.State)
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}
}

func TestNonRetryableMarker(t *testing.T) {
	base := errors.New("broken")
	marked := NonRetryable(base)
	if !IsNonRetryable(marked) {
		t.Error("IsNonRetryable(NonRetryable(err)) = false")
	}
	if !errors.Is(marked, base) {
		t.Error("NonRetryable hides the wrapped error from errors.Is")
	}
	if IsNonRetryable(base) {
		t.Error("IsNonRetryable(plain error) = true")
	}
	if NonRetryable(nil) != nil {
		t.Error("NonRetryable(nil) != nil")
	}
	if IsNonRetryable(nil) {
		t.Error("IsNonRetryable(nil) = true")
	}
}

func TestKindValidate(t *testing.T) {
	if err := Classification.Validate(); err != nil {
		t.Errorf("Classification invalid: %v", err)
	}
	if err := Restoration.Validate(); err != nil {
		t.Errorf("Restoration invalid: %v", err)
	}
	if err := Kind("darkroom:thumbnails").Validate(); err == nil {
		t.Error("unknown kind accepted")
	}
}
