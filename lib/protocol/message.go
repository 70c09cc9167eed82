// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bureau-foundation/hostsensor/lib/jsontok"
)

const (
	// VersionKey is the first key of every envelope.
	VersionKey = "Virtue-protocol-version"

	// Version is the only protocol version spoken.
	Version = "0.1"

	// MaxTokens is the token budget for one message.
	MaxTokens = 64

	// MaxLineLength is the longest accepted message line.
	MaxLineLength = 4096

	// MaxNonceLength bounds the nonce string.
	MaxNonceLength = 32

	// maxRecordParams is the number of optional primitives a records
	// request may carry after its target.
	maxRecordParams = 4
)

var (
	// ErrMalformed means a message failed tokenization or the
	// positional grammar.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownCommand means the command string is not in the table.
	ErrUnknownCommand = errors.New("protocol: unknown command")

	// ErrSessionNotFound means a reply's nonce matched no open session.
	ErrSessionNotFound = errors.New("protocol: session not found")

	// ErrProbeNotFound means a request named an unregistered probe.
	ErrProbeNotFound = errors.New("protocol: probe not found")

	// ErrMessageTooLarge means a formatted reply exceeded the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("protocol: message too large")
)

// MessageType distinguishes requests from replies.
type MessageType uint8

const (
	Request MessageType = iota + 1
	Reply
)

func (t MessageType) String() string {
	switch t {
	case Request:
		return "request"
	case Reply:
		return "reply"
	default:
		return "unknown"
	}
}

// Message is one validated protocol line.
type Message struct {
	// Line is the message text without its frame delimiter. Tokens
	// index into it.
	Line   []byte
	Type   MessageType
	Tokens []jsontok.Token

	Nonce   string
	Command string
	// Target is empty for replies that carry none.
	Target string
	// Params are the raw texts of the array elements after the target
	// (requests) or after the command (replies).
	Params []string
}

// malformed wraps ErrMalformed with a reason.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Parse tokenizes line and checks it against the positional grammar.
// Surrounding whitespace is ignored. Every failure wraps ErrMalformed.
func Parse(line []byte) (*Message, error) {
	if len(line) > MaxLineLength {
		return nil, malformed("line of %d bytes exceeds %d", len(line), MaxLineLength)
	}
	line = bytes.TrimSpace(line)
	tokens, err := jsontok.Tokenize(line, MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	message := &Message{Line: line, Tokens: tokens}
	if err := message.validate(); err != nil {
		return nil, err
	}
	return message, nil
}

// validate walks the token array by position.
func (m *Message) validate() error {
	tokens, line := m.Tokens, m.Line
	if len(tokens) < 7 {
		return malformed("%d tokens is too few for an envelope", len(tokens))
	}

	object := tokens[0]
	if object.Type != jsontok.Object || object.Start != 0 || object.End != len(line) {
		return malformed("message is not a single object")
	}
	if !isText(tokens[1]) || !tokens[1].Equal(line, VersionKey) || tokens[1].Parent != 0 || tokens[1].Size != 1 {
		return malformed("token 1 is not the %s key", VersionKey)
	}
	if !isText(tokens[2]) || !tokens[2].Equal(line, Version) || tokens[2].Parent != 1 {
		return malformed("unsupported protocol version %q", tokens[2].Text(line))
	}

	// The type either keys the array or is the value of a message key
	// that precedes a bare array.
	array, objectSize := 4, 2
	typeToken := tokens[3]
	if isText(typeToken) && typeToken.Equal(line, "message") {
		if typeToken.Parent != 0 || typeToken.Size != 1 {
			return malformed("message key has no value")
		}
		typeToken = tokens[4]
		if typeToken.Parent != 3 {
			return malformed("message value is misplaced")
		}
		array, objectSize = 5, 3
	} else if typeToken.Parent != 0 || typeToken.Size != 1 {
		return malformed("token 3 is not the message type key")
	}
	switch {
	case isText(typeToken) && typeToken.Equal(line, "request"):
		m.Type = Request
	case isText(typeToken) && typeToken.Equal(line, "reply"):
		m.Type = Reply
	default:
		return malformed("unknown message type %q", typeToken.Text(line))
	}
	if object.Size != objectSize {
		return malformed("object has %d members, want %d", object.Size, objectSize)
	}

	if len(tokens) <= array || tokens[array].Type != jsontok.Array {
		return malformed("token %d is not the message array", array)
	}
	wantParent := 0
	if array == 4 {
		wantParent = 3
	}
	if tokens[array].Parent != wantParent {
		return malformed("message array is misplaced")
	}
	elements := tokens[array+1:]
	if tokens[array].Size != len(elements) {
		return malformed("message array must be the last member")
	}
	for index, element := range elements {
		if element.Parent != array || (element.Type != jsontok.String && element.Type != jsontok.Primitive) {
			return malformed("array element %d is not a scalar", index)
		}
	}

	required := 3
	if m.Type == Reply {
		required = 2
	}
	if len(elements) < required {
		return malformed("%s carries %d elements, want at least %d", m.Type, len(elements), required)
	}

	nonce := elements[0]
	if nonce.Type != jsontok.String || nonce.Len() < 1 || nonce.Len() > MaxNonceLength {
		return malformed("nonce must be a string of 1 to %d bytes", MaxNonceLength)
	}
	if elements[1].Type != jsontok.String {
		return malformed("command must be a string")
	}

	var err error
	if m.Nonce, err = jsontok.Unquote(line, nonce); err != nil {
		return fmt.Errorf("%w: nonce: %w", ErrMalformed, err)
	}
	if m.Command, err = jsontok.Unquote(line, elements[1]); err != nil {
		return fmt.Errorf("%w: command: %w", ErrMalformed, err)
	}
	rest := elements[2:]
	if m.Type == Request {
		if elements[2].Type != jsontok.String {
			return malformed("target must be a string")
		}
		if m.Target, err = jsontok.Unquote(line, elements[2]); err != nil {
			return fmt.Errorf("%w: target: %w", ErrMalformed, err)
		}
		rest = elements[3:]
		if len(rest) > 0 && m.Command != CommandRecords {
			return malformed("%s request carries %d extra elements", m.Command, len(rest))
		}
		if len(rest) > maxRecordParams {
			return malformed("records request carries %d parameters, at most %d allowed", len(rest), maxRecordParams)
		}
		for _, param := range rest {
			if param.Type != jsontok.Primitive {
				return malformed("records parameters must be unquoted numbers")
			}
		}
	}
	for _, param := range rest {
		text, err := jsontok.Unquote(line, param)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		m.Params = append(m.Params, text)
	}
	return nil
}

func isText(token jsontok.Token) bool {
	return token.Type == jsontok.String || token.Type == jsontok.Primitive
}
