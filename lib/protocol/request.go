// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"strconv"
	"strings"
)

// FormatRequest renders a canonical request line, newline included.
// Integer params follow the target unquoted, as the records command
// expects.
func FormatRequest(nonce, command, target string, params ...int) []byte {
	var builder strings.Builder
	builder.WriteString("{" + VersionKey + ": " + Version + ", request: [")
	builder.WriteString(quote(nonce))
	builder.WriteString(", ")
	builder.WriteString(quote(command))
	builder.WriteString(", ")
	builder.WriteString(quote(target))
	for _, param := range params {
		builder.WriteString(", ")
		builder.WriteString(strconv.Itoa(param))
	}
	builder.WriteString("]}\n")
	return []byte(builder.String())
}

// FormatReply renders a client reply line completing the session
// opened by nonce.
func FormatReply(nonce, command string, params ...string) []byte {
	builder := newReply(DefaultMaxMessageSize)
	builder.str(nonce)
	builder.str(command)
	for _, param := range params {
		builder.str(param)
	}
	line, err := builder.finish()
	if err != nil {
		// Only an oversized param list can fail; callers control it.
		panic(err)
	}
	return line
}
