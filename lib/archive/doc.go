// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive stores drained records sessions on disk.
//
// An archive file is a fixed header followed by one body. The body is
// a [Session] encoded with lib/codec (deterministic CBOR), optionally
// compressed with LZ4 block mode or zstd. The header carries the
// BLAKE3 digest of the uncompressed body, so [Decode] rejects a file
// whose body was truncated or altered.
//
//	+-------+---------+-------------+----------+-----------+-------------+--------+------+
//	| magic | version | compression | reserved | body size | stored size | digest | body |
//	| 4     | 1       | 1           | 2        | 8 (LE)    | 8 (LE)      | 32     | ...  |
//	+-------+---------+-------------+----------+-----------+-------------+--------+------+
//
// File-content records keep their raw payload in [Record.Raw].
package archive
