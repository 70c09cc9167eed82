// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowMovesOnlyOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(90 * time.Second)
	if got, want := clock.Now(), epoch.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(5 * time.Second)

	clock.Advance(4 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at its deadline")
	}

	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should deliver immediately")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	clock := Fake(epoch)
	var fired []string
	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "three") })
	clock.AfterFunc(1*time.Second, func() { fired = append(fired, "one") })
	cancelled := clock.AfterFunc(2*time.Second, func() { fired = append(fired, "two") })

	if !cancelled.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if cancelled.Stop() {
		t.Fatal("second Stop returned true")
	}
	if got := clock.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}

	clock.Advance(5 * time.Second)
	if len(fired) != 2 || fired[0] != "one" || fired[1] != "three" {
		t.Fatalf("fired = %v, want [one three]", fired)
	}
	if got := clock.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after firing = %d, want 0", got)
	}
}

func TestFakeAfterFuncChain(t *testing.T) {
	clock := Fake(epoch)
	count := 0
	var step func()
	step = func() {
		count++
		if count < 3 {
			clock.AfterFunc(time.Second, step)
		}
	}
	clock.AfterFunc(time.Second, step)

	// Each link registers relative to the advanced time, so one step
	// per second walks the chain.
	for range 5 {
		clock.Advance(time.Second)
	}
	if count != 3 {
		t.Fatalf("chain ran %d times, want 3", count)
	}
	if got := clock.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}
}

func TestFakeSleepWithWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		clock.Sleep(time.Minute)
		close(done)
	}()

	clock.WaitForTimers(1)
	clock.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestClockImplementations(t *testing.T) {
	var _ Clock = Fake(epoch)
	var _ Clock = Real()
}
