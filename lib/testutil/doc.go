// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the sensor's
// packages: bounded channel waits, short socket directories, and
// unique nonces.
//
// Channel helpers fail the test after a timeout instead of hanging the
// test binary, so a lost wakeup in the scheduler or a connection that
// never answers shows up as a named failure.
package testutil
