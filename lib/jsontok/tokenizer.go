// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jsontok

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the kind of a token.
type Type uint8

const (
	Undefined Type = iota
	Object
	Array
	String
	Primitive
)

// String returns the lower-case name of the type.
func (t Type) String() string {
	switch t {
	case Object:
		return "object"
	case Array:
		return "array"
	case String:
		return "string"
	case Primitive:
		return "primitive"
	default:
		return "undefined"
	}
}

var (
	// ErrNoMemory means the input needs more tokens than the budget.
	ErrNoMemory = errors.New("jsontok: token budget exceeded")

	// ErrInvalid means the input contains a character or bracket
	// sequence that cannot be tokenized.
	ErrInvalid = errors.New("jsontok: invalid character")

	// ErrPartial means the input ended inside a string or an open
	// object or array.
	ErrPartial = errors.New("jsontok: truncated input")
)

// Token is one lexical element of the input. Start and End are byte
// offsets (End exclusive). For strings they exclude the quotes.
type Token struct {
	Type   Type
	Start  int
	End    int
	Size   int
	Parent int
}

// Len returns the length of the token's text in bytes.
func (t Token) Len() int { return t.End - t.Start }

// Text returns the token's bytes within data. The slice aliases data.
func (t Token) Text(data []byte) []byte { return data[t.Start:t.End] }

// Equal reports whether the token's raw text is exactly s.
func (t Token) Equal(data []byte, s string) bool {
	return t.Len() == len(s) && string(data[t.Start:t.End]) == s
}

// tokenizer holds the scan state for one Tokenize call.
type tokenizer struct {
	data   []byte
	budget int
	tokens []Token
	// super is the index of the token that receives the next value as
	// a child, or -1 at top level.
	super int
}

// Tokenize scans data and returns its tokens. At most budget tokens
// are produced; a budget of zero or less is invalid.
func Tokenize(data []byte, budget int) ([]Token, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("jsontok: budget must be positive, got %d", budget)
	}
	scanner := &tokenizer{
		data:   data,
		budget: budget,
		tokens: make([]Token, 0, min(budget, 16)),
		super:  -1,
	}
	if err := scanner.run(); err != nil {
		return nil, err
	}
	return scanner.tokens, nil
}

func (s *tokenizer) run() error {
	for position := 0; position < len(s.data); position++ {
		c := s.data[position]
		switch c {
		case '{', '[':
			kind := Object
			if c == '[' {
				kind = Array
			}
			if _, err := s.open(kind, position); err != nil {
				return err
			}

		case '}', ']':
			kind := Object
			if c == ']' {
				kind = Array
			}
			if err := s.close(kind, position); err != nil {
				return err
			}

		case '"':
			end, err := s.scanString(position)
			if err != nil {
				return err
			}
			if _, err := s.emit(String, position+1, end); err != nil {
				return err
			}
			position = end

		case '\t', '\r', '\n', ' ':

		case ':':
			s.super = len(s.tokens) - 1

		case ',':
			if s.super != -1 {
				kind := s.tokens[s.super].Type
				if kind != Array && kind != Object {
					s.super = s.tokens[s.super].Parent
				}
			}

		default:
			end, err := s.scanPrimitive(position)
			if err != nil {
				return err
			}
			if _, err := s.emit(Primitive, position, end); err != nil {
				return err
			}
			position = end - 1
		}
	}

	for index := range s.tokens {
		if s.tokens[index].End < 0 {
			return ErrPartial
		}
	}
	return nil
}

// allocate appends a token under the current super token.
func (s *tokenizer) allocate(kind Type, start, end int) (int, error) {
	if len(s.tokens) >= s.budget {
		return -1, ErrNoMemory
	}
	if s.super != -1 {
		s.tokens[s.super].Size++
	}
	s.tokens = append(s.tokens, Token{
		Type:   kind,
		Start:  start,
		End:    end,
		Parent: s.super,
	})
	return len(s.tokens) - 1, nil
}

func (s *tokenizer) open(kind Type, position int) (int, error) {
	index, err := s.allocate(kind, position, -1)
	if err != nil {
		return -1, err
	}
	s.super = index
	return index, nil
}

func (s *tokenizer) emit(kind Type, start, end int) (int, error) {
	return s.allocate(kind, start, end)
}

// close finds the innermost open container, checks that it matches the
// closing bracket, and records its end.
func (s *tokenizer) close(kind Type, position int) error {
	if len(s.tokens) == 0 {
		return ErrInvalid
	}
	index := len(s.tokens) - 1
	for {
		token := &s.tokens[index]
		if token.End < 0 {
			if token.Type != kind {
				return ErrInvalid
			}
			token.End = position + 1
			s.super = token.Parent
			return nil
		}
		if token.Parent == -1 {
			return ErrInvalid
		}
		index = token.Parent
	}
}

// scanString returns the offset of the closing quote for the string
// whose opening quote is at start.
func (s *tokenizer) scanString(start int) (int, error) {
	for position := start + 1; position < len(s.data); position++ {
		c := s.data[position]
		if c == '"' {
			return position, nil
		}
		if c != '\\' {
			continue
		}
		position++
		if position >= len(s.data) {
			return -1, ErrPartial
		}
		switch s.data[position] {
		case '"', '/', '\\', 'b', 'f', 'r', 'n', 't':
		case 'u':
			for digits := 0; digits < 4; digits++ {
				position++
				if position >= len(s.data) {
					return -1, ErrPartial
				}
				if !isHexDigit(s.data[position]) {
					return -1, ErrInvalid
				}
			}
		default:
			return -1, ErrInvalid
		}
	}
	return -1, ErrPartial
}

// scanPrimitive returns the offset one past the end of the unquoted
// value starting at start.
func (s *tokenizer) scanPrimitive(start int) (int, error) {
	position := start
	for ; position < len(s.data); position++ {
		c := s.data[position]
		switch c {
		case ':', '\t', '\r', '\n', ' ', ',', ']', '}':
			return position, nil
		}
		if c < 32 || c >= 127 {
			return -1, ErrInvalid
		}
	}
	return position, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Unquote returns the decoded contents of a string token, resolving
// escape sequences. Primitive tokens are returned verbatim.
func Unquote(data []byte, token Token) (string, error) {
	raw := token.Text(data)
	if token.Type != String {
		return string(raw), nil
	}
	if !strings.ContainsRune(string(raw), '\\') {
		return string(raw), nil
	}

	var builder strings.Builder
	builder.Grow(len(raw))
	for index := 0; index < len(raw); index++ {
		c := raw[index]
		if c != '\\' {
			builder.WriteByte(c)
			continue
		}
		index++
		if index >= len(raw) {
			return "", ErrPartial
		}
		switch raw[index] {
		case '"', '/', '\\':
			builder.WriteByte(raw[index])
		case 'b':
			builder.WriteByte('\b')
		case 'f':
			builder.WriteByte('\f')
		case 'n':
			builder.WriteByte('\n')
		case 'r':
			builder.WriteByte('\r')
		case 't':
			builder.WriteByte('\t')
		case 'u':
			if index+5 > len(raw) {
				return "", ErrPartial
			}
			var value rune
			for _, digit := range raw[index+1 : index+5] {
				value = value<<4 | rune(hexValue(digit))
			}
			builder.WriteRune(value)
			index += 4
		default:
			return "", ErrInvalid
		}
	}
	return builder.String(), nil
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
