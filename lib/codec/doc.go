// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by everything that
// writes records to disk.
//
// Archive bodies are CBOR encoded with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The archive digest is taken over these
// bytes, so two archives of the same session hash identically.
//
//	body, err := codec.Marshal(session)
//	err = codec.Unmarshal(body, &session)
//
// Types serialized here carry `cbor` struct tags. They never cross the
// wire protocol, which is line-oriented text.
package codec
