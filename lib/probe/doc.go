// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe implements the sensor's capture units.
//
// A [Probe] captures one kind of host state into a fixed-capacity
// snapshot store, renders it for diagnostics, serves single records to
// the session protocol, and responds to state-change commands. Three
// variants exist, all built on the generic [Sampler]:
//
//   - [NewProcess] ("ps"): one record per running process with its
//     pid, owning uid, and command name.
//   - [NewOpenFiles] ("lsof"): one record per open file descriptor,
//     walked per process after a pid index is built, optionally
//     restricted by a [Filter] to one pid or one uid.
//   - [NewFileContent] ("sysfs"): the bytes of a small per-process
//     file (the mount table by default) with its stat metadata and a
//     BLAKE3 digest. Records carry a raw payload that the protocol
//     appends after the reply line.
//
// # Scheduling
//
// A started probe submits a periodic capture chain to a
// [schedule.Runner]. Each step draws a fresh random generation,
// captures (yielding when the store is busy), logs the rendered
// snapshot, decrements the repeat counter, and asks to run again after
// its interval while the counter is positive, the probe is on, and the
// runner is not shutting down. The level scales the interval: "high"
// samples twice as often as "default", "adversarial" four times, and
// "low" half as often.
//
// # Lifecycle
//
// Flags track where a probe is in its life: Initialized after
// construction, HasWork while a chain is scheduled, Destroyed after
// Close. Close cancels the chain before clearing the store, so no
// capture can run against a torn-down probe.
package probe
