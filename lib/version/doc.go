// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the hostsensor binaries.
//
// Three variables are injected with -ldflags -X: [GitCommit],
// [BuildTime], and [Version]. Without injection they read "unknown"
// and a development version, as in test runs.
//
// [Info] is the --version line. [Short] is what the sensor answers to
// the out-of-band echo string when the kernel release is unavailable,
// and what the lock file's owner record carries.
package version
