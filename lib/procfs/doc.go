// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package procfs enumerates host state from a procfs mount: the process
// table, each process's open file descriptors, and small files such as
// /proc/<pid>/mounts.
//
// Every function takes the proc root as a parameter so that tests can
// point it at a fabricated tree in a temporary directory. Production
// callers pass [DefaultRoot].
//
// Processes can exit at any moment during enumeration. A process whose
// directory disappears between listing and reading is skipped rather
// than reported, matching what a reader of the live table would see.
package procfs
