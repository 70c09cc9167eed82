// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jsontok splits a byte buffer into a flat array of typed JSON
// tokens without building a tree or allocating per value.
//
// The tokenizer is non-strict: object keys and other primitives may
// appear unquoted, so the sensor wire format
//
//	{Virtue-protocol-version: 0.1, request: ["abc123", "records", "ps"]}
//
// tokenizes into an object, an unquoted key, a primitive, a second key,
// an array, and three strings. Tokens are emitted in document order
// (pre-order), each carrying its type, byte offsets into the input, the
// number of direct children, and the index of its parent. String
// offsets exclude the surrounding quotes.
//
// The caller supplies a token budget. Inputs that need more tokens fail
// with [ErrNoMemory] instead of growing, so a hostile peer cannot force
// unbounded allocation.
package jsontok
