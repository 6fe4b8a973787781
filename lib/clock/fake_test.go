// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowAdvance(t *testing.T) {
	c := NewFake(testStart)
	if got := c.Now(); !got.Equal(testStart) {
		t.Fatalf("Now() = %v, want %v", got, testStart)
	}
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(testStart.Add(90 * time.Second)) {
		t.Fatalf("Now() after Advance = %v", got)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := NewFake(testStart)
	ch := c.After(time.Minute)

	c.Advance(59 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(testStart.Add(time.Minute)) {
			t.Errorf("fired at %v, want %v", fired, testStart.Add(time.Minute))
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := NewFake(testStart)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTickerRepeats(t *testing.T) {
	c := NewFake(testStart)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	// One Advance crossing three intervals delivers at most one tick
	// per drain because the channel has capacity 1 and undrained
	// ticks are dropped, matching time.Ticker.
	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after second interval")
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := NewFake(testStart)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakePendingWaiters(t *testing.T) {
	c := NewFake(testStart)
	if got := c.PendingWaiters(); got != 0 {
		t.Fatalf("PendingWaiters = %d, want 0", got)
	}
	_ = c.After(time.Minute)
	ticker := c.NewTicker(time.Minute)
	if got := c.PendingWaiters(); got != 2 {
		t.Fatalf("PendingWaiters = %d, want 2", got)
	}
	ticker.Stop()
	c.Advance(time.Minute)
	if got := c.PendingWaiters(); got != 0 {
		t.Fatalf("PendingWaiters after fire+stop = %d, want 0", got)
	}
}
