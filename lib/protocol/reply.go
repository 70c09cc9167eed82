// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// DefaultMaxMessageSize bounds one formatted reply, raw payload
// included.
const DefaultMaxMessageSize = 1 << 20

const (
	replyPrefix = "{" + VersionKey + ": " + Version + ", reply: ["
	replySuffix = "]}\n"
)

// lineBuilder assembles one reply line in a bounded buffer. The first
// write past the limit latches ErrMessageTooLarge; later writes are
// ignored and finish reports the error.
type lineBuilder struct {
	buffer bytes.Buffer
	limit  int
	count  int
	raw    []byte
	err    error
}

func newReply(limit int) *lineBuilder {
	builder := &lineBuilder{limit: limit}
	builder.write(replyPrefix)
	return builder
}

func (b *lineBuilder) write(text string) {
	if b.err != nil {
		return
	}
	if b.buffer.Len()+len(text) > b.limit {
		b.err = fmt.Errorf("%w: reply exceeds %d bytes", ErrMessageTooLarge, b.limit)
		return
	}
	b.buffer.WriteString(text)
}

func (b *lineBuilder) separate() {
	if b.count > 0 {
		b.write(", ")
	}
	b.count++
}

// str appends a double-quoted string element.
func (b *lineBuilder) str(value string) {
	b.separate()
	b.write(quote(value))
}

// strs appends a nested array of strings.
func (b *lineBuilder) strs(values []string) {
	b.separate()
	b.write("[")
	for index, value := range values {
		if index > 0 {
			b.write(", ")
		}
		b.write(quote(value))
	}
	b.write("]")
}

// rawExtension appends the raw-extension descriptor and queues data to
// follow the line.
func (b *lineBuilder) rawExtension(data []byte) {
	b.separate()
	b.write("{type: raw, length: " + strconv.Itoa(len(data)) + "}")
	b.raw = data
}

// finish closes the line and returns it with any raw payload appended.
func (b *lineBuilder) finish() ([]byte, error) {
	b.write(replySuffix)
	if b.err == nil && b.buffer.Len()+len(b.raw) > b.limit {
		b.err = fmt.Errorf("%w: raw payload of %d bytes exceeds %d", ErrMessageTooLarge, len(b.raw), b.limit)
	}
	if b.err != nil {
		return nil, b.err
	}
	b.buffer.Write(b.raw)
	return b.buffer.Bytes(), nil
}

// quote renders value as a JSON string literal. Invalid UTF-8 is
// replaced rather than passed through.
func quote(value string) string {
	var builder bytes.Buffer
	builder.Grow(len(value) + 2)
	builder.WriteByte('"')
	for index := 0; index < len(value); {
		r, size := utf8.DecodeRuneInString(value[index:])
		index += size
		switch {
		case r == '"' || r == '\\':
			builder.WriteByte('\\')
			builder.WriteRune(r)
		case r == '\n':
			builder.WriteString(`\n`)
		case r == '\r':
			builder.WriteString(`\r`)
		case r == '\t':
			builder.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&builder, `\u%04x`, r)
		default:
			builder.WriteRune(r)
		}
	}
	builder.WriteByte('"')
	return builder.String()
}
