// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor_test

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/hostsensor/lib/probe"
	"github.com/bureau-foundation/hostsensor/lib/protocol"
	"github.com/bureau-foundation/hostsensor/lib/sensor"
	"github.com/bureau-foundation/hostsensor/lib/testutil"
)

// startSensor runs a sensor with one process probe over a synthetic
// /proc and the protocol engine on a fresh socket.
func startSensor(t *testing.T) (*sensor.Sensor, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	for pid, comm := range map[string]string{"1": "init", "7": "kthreadd", "42": "sshd"} {
		if err := os.MkdirAll(filepath.Join(root, pid), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, pid, "comm"), []byte(comm+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	s := sensor.New(sensor.Config{}, logger)
	t.Cleanup(s.Shutdown)
	if err := s.Register(probe.NewProcess(probe.Options{ID: "proc-probe", Root: root}, logger)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	engine := protocol.NewEngine(s, protocol.Config{
		SensorID:   s.ID(),
		Generation: func() uint64 { return 0x5eed },
		Release:    func() string { return "6.1.0-test" },
	}, logger)
	path := testutil.SocketPath(t, "sensor.sock")
	if _, err := s.Listen(path, engine); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return s, path
}

func dial(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)
	if banner := readLine(t, reader); banner != protocol.Greeting {
		t.Fatalf("banner = %q, want %q", banner, protocol.Greeting)
	}
	return conn, reader
}

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return line
}

func send(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	if _, err := conn.Write([]byte(frame + "\n")); err != nil {
		t.Fatalf("writing %q: %v", frame, err)
	}
}

func TestSocketRecordsScenario(t *testing.T) {
	_, path := startSensor(t)
	conn, reader := dial(t, path)

	send(t, conn, `{Virtue-protocol-version: "0.1", message: "request", ["abc123", "records", "proc-probe"]}`)
	for _, command := range []string{"init", "kthreadd", "sshd"} {
		line := readLine(t, reader)
		if !strings.HasPrefix(line, `{Virtue-protocol-version: 0.1, reply: ["abc123", "proc-probe", "ps", `) ||
			!strings.Contains(line, `"`+command+`"`) || !strings.HasSuffix(line, `"5eed"]}`+"\n") {
			t.Errorf("record reply = %q, want the %s record", line, command)
		}
	}
	terminal := readLine(t, reader)
	if !strings.HasPrefix(terminal, `{Virtue-protocol-version: 0.1, reply: ["abc123", "proc-probe", "`) || strings.Count(terminal, ",") != 3 {
		t.Errorf("terminal reply = %q", terminal)
	}

	// The connection stays usable for out-of-band frames.
	if _, err := conn.Write([]byte("echo\x00discover\x00")); err != nil {
		t.Fatal(err)
	}
	if release := readLine(t, reader); release != "6.1.0-test\n" {
		t.Errorf("echo = %q", release)
	}
	if ids := readLine(t, reader); ids != `["proc-probe"]`+"\n" {
		t.Errorf("discover = %q", ids)
	}
}

func TestSocketMalformedRequestClosesConnection(t *testing.T) {
	s, path := startSensor(t)
	conn, reader := dial(t, path)

	send(t, conn, `{request: ["n", "records", "proc-probe"], Virtue-protocol-version: 0.1}`)
	if _, err := reader.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("read after a malformed request = %v, want EOF", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Connections = %d after the malformed request", s.Connections())
		}
		time.Sleep(time.Millisecond)
	}

	// Other clients are unaffected.
	other, otherReader := dial(t, path)
	send(t, other, `{Virtue-protocol-version: 0.1, request: ["d1", "discovery", "kernel-sensor"]}`)
	if line := readLine(t, otherReader); !strings.HasSuffix(line, `["d1", "discovery", ["proc-probe"]]}`+"\n") {
		t.Errorf("discovery = %q", line)
	}
}

func TestSocketStateChange(t *testing.T) {
	s, path := startSensor(t)
	conn, reader := dial(t, path)

	send(t, conn, `{Virtue-protocol-version: 0.1, request: ["s1", "adversarial", "proc-probe"]}`)
	if line := readLine(t, reader); !strings.HasSuffix(line, `["s1", "adversarial", "on", "adversarial"]}`+"\n") {
		t.Errorf("state reply = %q", line)
	}
	probes := s.Probes()
	if len(probes) != 1 || probes[0].State().Level != probe.LevelAdversarial {
		t.Errorf("probe state after adversarial = %v", probes[0].State())
	}
}
