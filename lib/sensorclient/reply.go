// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensorclient

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/hostsensor/lib/jsontok"
	"github.com/bureau-foundation/hostsensor/lib/protocol"
)

// maxReplyTokens is larger than the sensor's request budget: replies
// carry a field per record column and discovery lists every probe.
const maxReplyTokens = 1024

// ErrMalformedReply is returned for a line that is not a sensor reply.
var ErrMalformedReply = errors.New("sensorclient: malformed reply")

// Reply is one parsed sensor reply.
type Reply struct {
	// Elements are the scalar elements of the reply array, unquoted.
	Elements []string

	// List holds the elements of a nested array, as in a discovery
	// reply.
	List []string

	// RawLength is the declared size of the raw payload following the
	// line. Raw is filled in by the reader.
	RawLength int
	Raw       []byte

	hasRaw bool
}

// ParseReply parses one reply line without its newline.
func ParseReply(line []byte) (*Reply, error) {
	tokens, err := jsontok.Tokenize(line, maxReplyTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	if len(tokens) < 5 ||
		tokens[0].Type != jsontok.Object ||
		!tokens[1].Equal(line, protocol.VersionKey) ||
		!tokens[2].Equal(line, protocol.Version) ||
		!tokens[3].Equal(line, "reply") ||
		tokens[4].Type != jsontok.Array {
		return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}

	reply := &Reply{}
	for index := 5; index < len(tokens); index++ {
		token := tokens[index]
		if token.Parent != 4 {
			continue
		}
		switch token.Type {
		case jsontok.String, jsontok.Primitive:
			text, err := jsontok.Unquote(line, token)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
			}
			reply.Elements = append(reply.Elements, text)
		case jsontok.Array:
			list, err := children(line, tokens, index)
			if err != nil {
				return nil, err
			}
			reply.List = list
		case jsontok.Object:
			length, err := rawLength(line, tokens, index)
			if err != nil {
				return nil, err
			}
			reply.RawLength = length
			reply.hasRaw = true
		}
	}
	return reply, nil
}

// children returns the unquoted direct children of the token at
// parent.
func children(line []byte, tokens []jsontok.Token, parent int) ([]string, error) {
	values := []string{}
	for index := parent + 1; index < len(tokens); index++ {
		if tokens[index].Parent != parent {
			continue
		}
		text, err := jsontok.Unquote(line, tokens[index])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
		}
		values = append(values, text)
	}
	return values, nil
}

// rawLength reads {type: raw, length: N} at the token at object.
func rawLength(line []byte, tokens []jsontok.Token, object int) (int, error) {
	fields := map[string]string{}
	for index := object + 1; index+1 < len(tokens); index++ {
		key := tokens[index]
		if key.Parent != object {
			continue
		}
		value := tokens[index+1]
		fields[string(key.Text(line))] = string(value.Text(line))
	}
	if fields["type"] != "raw" {
		return 0, fmt.Errorf("%w: extension type %q", ErrMalformedReply, fields["type"])
	}
	length, err := strconv.Atoi(fields["length"])
	if err != nil || length < 0 {
		return 0, fmt.Errorf("%w: raw length %q", ErrMalformedReply, fields["length"])
	}
	return length, nil
}
