// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/hostsensor/lib/archive"
	"github.com/bureau-foundation/hostsensor/lib/probe"
	"github.com/bureau-foundation/hostsensor/lib/protocol"
	"github.com/bureau-foundation/hostsensor/lib/sensor"
	"github.com/bureau-foundation/hostsensor/lib/sensorclient"
	"github.com/bureau-foundation/hostsensor/lib/testutil"
)

func writeFile(t *testing.T, root, path, content string) {
	t.Helper()
	fullPath := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// serve starts a sensor with a process probe and a file-content probe
// over a synthetic /proc and returns its socket path.
func serve(t *testing.T) string {
	t.Helper()
	return serveWithCapacity(t, 0)
}

// serveWithCapacity is serve with the process probe's store limited
// to capacity slots; zero keeps the default.
func serveWithCapacity(t *testing.T, capacity int) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	writeFile(t, root, "1/comm", "init\n")
	writeFile(t, root, "42/comm", "sshd\n")
	writeFile(t, root, "42/mounts", "proc /proc proc rw 0 0\n")

	s := sensor.New(sensor.Config{}, logger)
	t.Cleanup(s.Shutdown)
	if err := s.Register(probe.NewProcess(probe.Options{ID: "ps-probe", Root: root, Capacity: capacity}, logger)); err != nil {
		t.Fatal(err)
	}
	files, err := probe.NewFileContent(probe.Options{Root: root}, probe.FileContentOptions{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Register(files); err != nil {
		t.Fatal(err)
	}
	engine := protocol.NewEngine(s, protocol.Config{
		SensorID: s.ID(),
		Release:  func() string { return "6.1.0-test" },
	}, logger)
	path := testutil.SocketPath(t, "sensor.sock")
	if _, err := s.Listen(path, engine); err != nil {
		t.Fatal(err)
	}
	return path
}

// invoke runs the client with args and returns stdout and stderr.
func invoke(t *testing.T, socket string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--socket", socket, "--timeout", "10s"}, args...)
	err := run(full, strings.NewReader(""), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestListingCommands(t *testing.T) {
	socket := serve(t)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"echo"}, "6.1.0-test\n"},
		{[]string{"discover"}, "ps-probe\nsysfs-probe\n"},
		{[]string{"discovery"}, "ps-probe\nsysfs-probe\n"},
	}
	for _, test := range tests {
		t.Run(test.args[0], func(t *testing.T) {
			stdout, _, err := invoke(t, socket, test.args...)
			if err != nil {
				t.Fatalf("%v: %v", test.args, err)
			}
			if stdout != test.want {
				t.Errorf("%v printed %q, want %q", test.args, stdout, test.want)
			}
		})
	}
}

func TestConnect(t *testing.T) {
	socket := serve(t)
	stdout, _, err := invoke(t, socket, "connect")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.HasPrefix(stdout, "connected to kernel-sensor") {
		t.Errorf("connect printed %q", stdout)
	}
}

func TestState(t *testing.T) {
	socket := serve(t)

	stdout, _, err := invoke(t, socket, "state", "high", "--probe", "ps-probe")
	if err != nil {
		t.Fatalf("state high: %v", err)
	}
	if stdout != "ps-probe: on high\n" {
		t.Errorf("state high printed %q", stdout)
	}

	if _, _, err := invoke(t, socket, "state", "louder", "--probe", "ps-probe"); err == nil || !strings.Contains(err.Error(), "unknown state verb") {
		t.Errorf("unknown verb: err = %v", err)
	}
	if _, _, err := invoke(t, socket, "state", "off"); err == nil || !strings.Contains(err.Error(), "--probe") {
		t.Errorf("missing --probe: err = %v", err)
	}
}

func TestRecordsPrintsEachRecord(t *testing.T) {
	socket := serve(t)

	stdout, stderr, err := invoke(t, socket, "records", "--probe", "ps-probe")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(stdout, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("records printed %d lines, want 2:\n%s", len(lines), stdout)
	}
	if !strings.HasPrefix(lines[0], "ps\t") || !strings.Contains(lines[0], "init") {
		t.Errorf("first record = %q", lines[0])
	}
	if !strings.HasPrefix(stderr, "2 records from ps-probe") {
		t.Errorf("summary = %q", stderr)
	}

	stdout, _, err = invoke(t, socket, "records", "--probe", "ps-probe", "--range", "1")
	if err != nil {
		t.Fatalf("records --range 1: %v", err)
	}
	if strings.Count(stdout, "\n") != 1 {
		t.Errorf("records --range 1 printed %q", stdout)
	}
}

func TestRecordsReportsIncompletePass(t *testing.T) {
	socket := serveWithCapacity(t, 1)

	stdout, stderr, err := invoke(t, socket, "records", "--probe", "ps-probe")
	if !errors.Is(err, sensorclient.ErrIncomplete) {
		t.Fatalf("records over a full store = %v, want ErrIncomplete", err)
	}
	if strings.Count(stdout, "\n") != 1 || !strings.Contains(stdout, "init") {
		t.Errorf("records printed %q, want the one stored record", stdout)
	}
	if !strings.HasPrefix(stderr, "1 records from ps-probe") {
		t.Errorf("summary = %q", stderr)
	}

	path := filepath.Join(t.TempDir(), "partial.hsar")
	_, _, err = invoke(t, socket, "records", "--probe", "ps-probe", "--output", path)
	if !errors.Is(err, sensorclient.ErrIncomplete) {
		t.Fatalf("records --output over a full store = %v, want ErrIncomplete", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("a partial pass was archived at %s (stat: %v)", path, statErr)
	}
}

func TestRecordsArchiveRoundTrip(t *testing.T) {
	socket := serve(t)
	path := filepath.Join(t.TempDir(), "mounts.hsar")

	_, stderr, err := invoke(t, socket, "records", "--probe", "sysfs-probe", "--output", path, "--compression", "lz4")
	if err != nil {
		t.Fatalf("records --output: %v", err)
	}
	if !strings.Contains(stderr, "wrote 1 records to "+path) {
		t.Errorf("records --output reported %q", stderr)
	}

	session, _, err := archive.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if session.ProbeID != "sysfs-probe" || session.Release != "6.1.0-test" || session.Socket != socket {
		t.Errorf("session = %+v", session)
	}
	if len(session.Records) != 1 || string(session.Records[0].Raw) != "proc /proc proc rw 0 0\n" {
		t.Fatalf("records = %+v", session.Records)
	}

	stdout, _, err := invoke(t, socket, "inspect", "--records", path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, fragment := range []string{"probe:        sysfs-probe", "release:      6.1.0-test", "(verified)", "sysfs", "raw payload:  23 B"} {
		if !strings.Contains(stdout, fragment) {
			t.Errorf("inspect output lacks %q:\n%s", fragment, stdout)
		}
	}

	stdout, _, err = invoke(t, socket, "inspect", "--diagnose", path)
	if err != nil {
		t.Fatalf("inspect --diagnose: %v", err)
	}
	if !strings.Contains(stdout, `"probe_id": "sysfs-probe"`) {
		t.Errorf("diagnostic output = %s", stdout)
	}

	if _, _, err := invoke(t, socket, "records", "--probe", "ps-probe", "--output", path, "--compression", "brotli"); err == nil {
		t.Error("records accepted an unknown compression")
	}
}

func TestSendReplaysUntilHangup(t *testing.T) {
	socket := serve(t)
	input := strings.Join([]string{
		"# discovery, then a request with its keys in the wrong order",
		string(bytes.TrimSuffix(protocol.FormatRequest("replay-1", protocol.CommandDiscovery, "kernel-sensor"), []byte("\n"))),
		"",
		"{request: [replay-2, discovery, kernel-sensor], Virtue-protocol-version: 0.1}",
		string(bytes.TrimSuffix(protocol.FormatRequest("replay-3", protocol.CommandDiscovery, "kernel-sensor"), []byte("\n"))),
	}, "\n")
	path := filepath.Join(t.TempDir(), "requests.txt")
	if err := os.WriteFile(path, []byte(input), 0644); err != nil {
		t.Fatal(err)
	}

	stdout, stderr, err := invoke(t, socket, "send", "--quiet", "200ms", path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(stdout, "replay-1") || strings.Contains(stdout, "replay-3") {
		t.Errorf("send output = %q", stdout)
	}
	if !strings.Contains(stderr, "closed the connection after line 4") {
		t.Errorf("send diagnostics = %q", stderr)
	}
}

func TestUsageErrors(t *testing.T) {
	socket := serve(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no subcommand", nil, "no subcommand"},
		{"unknown subcommand", []string{"reboot"}, "unknown subcommand"},
		{"echo with argument", []string{"echo", "extra"}, "no arguments"},
		{"records without probe", []string{"records"}, "--probe is required"},
		{"inspect without file", []string{"inspect"}, "exactly one FILE"},
		{"top without terminal", []string{"top", "--probe", "ps-probe"}, "needs a terminal"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := invoke(t, socket, test.args...)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("%v: err = %v, want one containing %q", test.args, err, test.want)
			}
		})
	}
}

func TestHelpAndVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"--version"}, nil, &stdout, &stderr); err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "hostsensor-client ") {
		t.Errorf("--version printed %q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if err := run([]string{"--help"}, nil, &stdout, &stderr); err != nil {
		t.Fatalf("--help: %v", err)
	}
	for _, name := range []string{"echo", "records --probe ID", "inspect FILE", "send FILE"} {
		if !strings.Contains(stderr.String(), name) {
			t.Errorf("help lacks %q", name)
		}
	}

	stderr.Reset()
	if err := run([]string{"records", "--help"}, nil, &stdout, &stderr); err != nil {
		t.Fatalf("records --help: %v", err)
	}
	if !strings.Contains(stderr.String(), "--compression") {
		t.Errorf("records help = %q", stderr.String())
	}
}
