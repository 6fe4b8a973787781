// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import "time"

// RetryPolicy computes the delay before a failed job's next delivery:
// Base doubled per attempt, capped at Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy suits transient backend hiccups: quick first
// retry, minutes-scale cap so a poisoned job does not hammer anything.
var DefaultRetryPolicy = RetryPolicy{
	Base: 2 * time.Second,
	Max:  5 * time.Minute,
}

// Delay returns the backoff before delivery attempt+1. attempt counts
// completed failures, so the first retry (attempt 0 failed once) gets
// Base.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		p = DefaultRetryPolicy
	}
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}
