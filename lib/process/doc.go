// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the hostsensor
// binaries: reporting an error from run() before or after the logger
// exists, and mapping termination signals onto a context.
package process
