// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor is a live terminal view of one probe. It polls a
// [Source] on an interval, shows the records of the latest pass, and
// can raise or lower the probe's sampling level through a
// [Controller].
//
// The model is a plain bubbletea model so tests can drive Update
// directly and inspect View without a terminal.
package monitor
