// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the passage of time so that probe schedules
// and connection deadlines can be driven deterministically in tests.
//
// Components that sleep, wait, or schedule deferred work hold a [Clock]
// instead of calling the time package:
//
//	runner := schedule.NewRunner(schedule.Config{Clock: clock.Real()}, logger)
//
// Tests substitute [Fake] and move time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	runner := schedule.NewRunner(schedule.Config{Clock: fake}, logger)
//	fake.WaitForTimers(1)       // the probe step registered its resubmission
//	fake.Advance(5 * time.Second) // the resubmission fires now
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
