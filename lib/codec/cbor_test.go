// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type capture struct {
	Probe    string    `cbor:"probe"`
	Kind     string    `cbor:"kind,omitempty"`
	Fields   []string  `cbor:"fields"`
	Raw      []byte    `cbor:"raw,omitempty"`
	Captured time.Time `cbor:"captured"`
}

func TestMarshalRoundTripKeepsNanoseconds(t *testing.T) {
	original := capture{
		Probe:    "sysfs-probe",
		Kind:     "sysfs",
		Fields:   []string{"0", "42", "/proc/42/mounts"},
		Raw:      []byte{0x00, 0xff, '\n'},
		Captured: time.Date(2026, 10, 18, 9, 30, 15, 123456789, time.FixedZone("", 2*3600)),
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded capture
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.Captured.Equal(original.Captured) {
		t.Errorf("captured = %v, want %v", decoded.Captured, original.Captured)
	}
	if decoded.Probe != original.Probe || !bytes.Equal(decoded.Raw, original.Raw) || len(decoded.Fields) != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encodings differ: %x vs %x", first, again)
		}
	}
}

func TestOmitemptyDropsUnsetKind(t *testing.T) {
	data, err := Marshal(capture{Probe: "ps-probe"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if strings.Contains(diagnostic, `"kind"`) || strings.Contains(diagnostic, `"raw"`) {
		t.Errorf("omitempty fields encoded: %s", diagnostic)
	}
	if !strings.Contains(diagnostic, `"probe": "ps-probe"`) {
		t.Errorf("diagnostic = %s", diagnostic)
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"probe": "a", "probe": "b"}
	data := []byte{0xa2, 0x65, 'p', 'r', 'o', 'b', 'e', 0x61, 'a', 0x65, 'p', 'r', 'o', 'b', 'e', 0x61, 'b'}
	var decoded capture
	if err := Unmarshal(data, &decoded); err == nil {
		t.Errorf("duplicate keys accepted: %+v", decoded)
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	var decoded capture
	if err := Unmarshal([]byte{0xff, 0xfe}, &decoded); err == nil {
		t.Error("garbage decoded without error")
	}
}
