// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensorclient is a client for the sensor's Unix socket
// protocol. A [Client] holds one connection: it checks the banner on
// Dial, issues requests with fresh nonces, and reads replies back,
// including raw payloads that follow a reply line.
//
// The sensor never sends error replies. It closes the connection on
// any rejected request, which surfaces here as [ErrClosed].
package sensorclient
