// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCanonicalRequest(t *testing.T) {
	message, err := Parse([]byte(`{Virtue-protocol-version: 0.1, request: ["abc123", "records", "ps-probe", 2, 0, 1, 5]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if message.Type != Request || message.Nonce != "abc123" || message.Command != "records" || message.Target != "ps-probe" {
		t.Errorf("message = %+v", message)
	}
	if strings.Join(message.Params, ",") != "2,0,1,5" {
		t.Errorf("Params = %v, want [2 0 1 5]", message.Params)
	}
}

func TestParseMessageKeySpelling(t *testing.T) {
	message, err := Parse([]byte(`{Virtue-protocol-version: "0.1", message: "request", ["abc123", "records", "proc-probe"]}` + "\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if message.Type != Request || message.Target != "proc-probe" || len(message.Params) != 0 {
		t.Errorf("message = %+v", message)
	}
}

func TestParseReply(t *testing.T) {
	message, err := Parse([]byte(`{Virtue-protocol-version: 0.1, reply: ["n1", "connect", "ok", 7]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if message.Type != Reply || message.Command != "connect" || message.Target != "" {
		t.Errorf("message = %+v", message)
	}
	if strings.Join(message.Params, ",") != "ok,7" {
		t.Errorf("Params = %v, want [ok 7]", message.Params)
	}
}

func TestParseUnescapesStrings(t *testing.T) {
	message, err := Parse([]byte(`{Virtue-protocol-version: 0.1, request: ["a\"b", "on", "ps-probe"]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if message.Nonce != `a"b` || message.Target != "ps-probe" {
		t.Errorf("nonce, target = %q, %q", message.Nonce, message.Target)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ``},
		{"not an object", `["n", "on", "ps"]`},
		{"reordered keys", `{request: ["n", "on", "ps"], Virtue-protocol-version: 0.1}`},
		{"extra member", `{Virtue-protocol-version: 0.1, request: ["n", "on", "ps"], extra: 1}`},
		{"wrong version", `{Virtue-protocol-version: 0.2, request: ["n", "on", "ps"]}`},
		{"wrong version key", `{protocol-version: 0.1, request: ["n", "on", "ps"]}`},
		{"unknown type", `{Virtue-protocol-version: 0.1, notice: ["n", "on", "ps"]}`},
		{"object instead of array", `{Virtue-protocol-version: 0.1, request: {n: on}}`},
		{"unquoted nonce", `{Virtue-protocol-version: 0.1, request: [n, "on", "ps"]}`},
		{"empty nonce", `{Virtue-protocol-version: 0.1, request: ["", "on", "ps"]}`},
		{"long nonce", `{Virtue-protocol-version: 0.1, request: ["` + strings.Repeat("x", 33) + `", "on", "ps"]}`},
		{"missing target", `{Virtue-protocol-version: 0.1, request: ["n", "on"]}`},
		{"nested element", `{Virtue-protocol-version: 0.1, request: ["n", "on", ["ps"]]}`},
		{"params on state change", `{Virtue-protocol-version: 0.1, request: ["n", "on", "ps", 1]}`},
		{"quoted records param", `{Virtue-protocol-version: 0.1, request: ["n", "records", "ps", "1"]}`},
		{"too many records params", `{Virtue-protocol-version: 0.1, request: ["n", "records", "ps", 0, 1, 1, -1, 9]}`},
		{"short reply", `{Virtue-protocol-version: 0.1, reply: ["n"]}`},
		{"truncated", `{Virtue-protocol-version: 0.1, request: ["n", "on", "ps"]`},
		{"trailing garbage", `{Virtue-protocol-version: 0.1, request: ["n", "on", "ps"]} x`},
		{"message key without value", `{Virtue-protocol-version: 0.1, message, ["n", "on", "ps"]}`},
		{"too many tokens", `{Virtue-protocol-version: 0.1, reply: ["n", "c"` + strings.Repeat(`, 1`, MaxTokens) + `]}`},
		{"too long", `{Virtue-protocol-version: 0.1, reply: ["n", "` + strings.Repeat("x", MaxLineLength) + `"]}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			message, err := Parse([]byte(test.line))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Parse(%q) = %+v, %v; want ErrMalformed", test.line, message, err)
			}
		})
	}
}

func TestCommandsOrder(t *testing.T) {
	want := "connect discovery off on increase decrease low default high adversarial reset records"
	if got := strings.Join(Commands(), " "); got != want {
		t.Errorf("Commands() = %s\nwant %s", got, want)
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain", `"plain"`},
		{`a"b\c`, `"a\"b\\c"`},
		{"tab\tnewline\n", `"tab\tnewline\n"`},
		{"bell\x07", `"bell\u0007"`},
		{"caf\xc3\xa9", `"café"`},
		{"bad\xff", "\"bad�\""},
	}
	for _, test := range tests {
		if got := quote(test.input); got != test.want {
			t.Errorf("quote(%q) = %s, want %s", test.input, got, test.want)
		}
	}
}

func TestLineBuilderLimit(t *testing.T) {
	builder := newReply(len(replyPrefix) + 8)
	builder.str("nonce")
	builder.str("this does not fit")
	if _, err := builder.finish(); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("finish = %v, want ErrMessageTooLarge", err)
	}

	builder = newReply(64)
	builder.str("n")
	builder.rawExtension(make([]byte, 64))
	if _, err := builder.finish(); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("finish with raw = %v, want ErrMessageTooLarge", err)
	}
}

func TestFormatRequestParses(t *testing.T) {
	line := FormatRequest(`n"1`, CommandRecords, "lsof-probe", 3, 0, 1, -1)
	message, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse(%s): %v", line, err)
	}
	if message.Nonce != `n"1` || message.Command != CommandRecords || message.Target != "lsof-probe" {
		t.Errorf("message = %+v", message)
	}
	if strings.Join(message.Params, ",") != "3,0,1,-1" {
		t.Errorf("Params = %v", message.Params)
	}

	reply, err := Parse(FormatReply("n2", CommandConnect, "ok"))
	if err != nil {
		t.Fatalf("Parse reply: %v", err)
	}
	if reply.Type != Reply || reply.Nonce != "n2" || reply.Params[0] != "ok" {
		t.Errorf("reply = %+v", reply)
	}
}
