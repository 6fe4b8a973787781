// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction. Production
// code accepts a Clock instead of calling the time package directly;
// tests inject a fake and advance it deterministically.
package clock

import "time"

// Clock abstracts the time operations darkroom components use.
// Production code injects Real(); tests inject NewFake() and drive it
// with Advance.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks at the given
	// interval. Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C, call Stop to
// release resources. The channel has capacity 1: if the consumer
// falls behind, ticks are dropped rather than queued.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. No more ticks are sent on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }
