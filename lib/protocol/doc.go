// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the sensor's line-oriented session
// protocol.
//
// Every message is one line holding a small object in a relaxed JSON
// dialect (unquoted keys and values are allowed):
//
//	{Virtue-protocol-version: 0.1, request: [nonce, command, target, ...]}
//	{Virtue-protocol-version: 0.1, reply: [nonce, ...]}
//
// The alternative spelling
//
//	{Virtue-protocol-version: 0.1, message: request, [nonce, command, target]}
//
// is accepted too. Validation is positional: [Parse] checks the token
// at each fixed index of the flat array produced by [jsontok.Tokenize]
// and rejects anything else, including reordered keys and extra
// fields.
//
// A request opens a [Session] keyed by its nonce. A connection holds at
// most one open session; the next request on it collects the previous
// one. The [Engine] dispatches each request by command:
//
//   - connect acknowledges with the sensor id and keeps the session
//     open until the client replies or sends another request.
//   - discovery lists the registered probe ids.
//   - off, on, increase, decrease, low, default, high, adversarial,
//     and reset change a probe's state.
//   - records pages through a probe's snapshot, optionally capturing
//     first, and writes every reply in one flush. The terminal reply
//     carries IncompleteMarker when the capture overflowed.
//
// The Engine also answers two out-of-band frames that bypass the
// grammar: "echo" (the kernel release) and "discover" (a JSON array of
// probe ids).
package protocol
