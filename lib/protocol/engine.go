// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/hostsensor/lib/probe"
	"github.com/bureau-foundation/hostsensor/lib/sensor"
	"github.com/bureau-foundation/hostsensor/lib/snapshot"
	"github.com/bureau-foundation/hostsensor/lib/version"
)

// Command names with dedicated handlers. The state-change verbs are
// the names of [probe.StateCommand].
const (
	CommandConnect   = "connect"
	CommandDiscovery = "discovery"
	CommandRecords   = "records"
)

// IncompleteMarker follows the uuid in the terminal records reply of a
// pass that overflowed the probe's store. The number of entities
// dropped comes after it.
const IncompleteMarker = "incomplete"

// Out-of-band frames answered outside the envelope.
const (
	OutOfBandEcho     = "echo"
	OutOfBandDiscover = "discover"
)

// Greeting is written to every accepted connection.
const Greeting = "{" + VersionKey + ": " + Version + "}\n"

// Registry is the view of the sensor the engine needs.
type Registry interface {
	// ProbeIDs returns registered probe ids in registration order.
	ProbeIDs() []string

	// AcquireProbe looks up a probe by id or UUID and pins it until
	// release is called.
	AcquireProbe(key string) (p probe.Probe, release func(), ok bool)
}

// Config configures an Engine.
type Config struct {
	// SensorID is returned in connect acknowledgements.
	SensorID string

	// MaxMessageSize bounds one formatted reply. Defaults to
	// DefaultMaxMessageSize.
	MaxMessageSize int

	// Generation draws the generation of each records request.
	// Defaults to probe.RandomGeneration.
	Generation func() uint64

	// Release answers the echo frame. Defaults to the kernel release
	// from uname(2), falling back to the build version.
	Release func() string
}

type handlerFunc func(e *Engine, ctx context.Context, conn sensor.Conn, session *Session) error

// commandTable is the dispatch table, in protocol order.
var commandTable = []struct {
	name   string
	handle handlerFunc
}{
	{CommandConnect, (*Engine).connect},
	{CommandDiscovery, (*Engine).discovery},
	{probe.CommandOff.String(), (*Engine).changeState},
	{probe.CommandOn.String(), (*Engine).changeState},
	{probe.CommandIncrease.String(), (*Engine).changeState},
	{probe.CommandDecrease.String(), (*Engine).changeState},
	{probe.CommandLow.String(), (*Engine).changeState},
	{probe.CommandDefault.String(), (*Engine).changeState},
	{probe.CommandHigh.String(), (*Engine).changeState},
	{probe.CommandAdversarial.String(), (*Engine).changeState},
	{probe.CommandReset.String(), (*Engine).changeState},
	{CommandRecords, (*Engine).records},
}

// Commands returns the command names in dispatch order.
func Commands() []string {
	names := make([]string, len(commandTable))
	for index, entry := range commandTable {
		names[index] = entry.name
	}
	return names
}

func lookupCommand(name string) (handlerFunc, bool) {
	for _, entry := range commandTable {
		if entry.name == name {
			return entry.handle, true
		}
	}
	return nil, false
}

// Engine interprets frames from sensor connections. It implements
// [sensor.Handler].
type Engine struct {
	registry Registry
	config   Config
	logger   *slog.Logger
	sessions sessionTable
}

var _ sensor.Handler = (*Engine)(nil)

// NewEngine creates an engine over registry.
func NewEngine(registry Registry, config Config, logger *slog.Logger) *Engine {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.Generation == nil {
		config.Generation = probe.RandomGeneration
	}
	if config.Release == nil {
		config.Release = kernelRelease
	}
	return &Engine{registry: registry, config: config, logger: logger}
}

// Greeting returns the banner written when a connection is accepted.
func (e *Engine) Greeting() []byte { return []byte(Greeting) }

// OpenSessions returns the number of open sessions across all
// connections.
func (e *Engine) OpenSessions() int { return e.sessions.len() }

// Session returns the open session of the connection with id connID.
func (e *Engine) Session(connID uint64) (*Session, bool) {
	return e.sessions.lookup(connID)
}

// ConnectionClosed collects the connection's open session.
func (e *Engine) ConnectionClosed(conn sensor.Conn) {
	e.sessions.collect(conn.ID())
}

// HandleFrame processes one frame. Any returned error means the
// connection should be closed.
func (e *Engine) HandleFrame(ctx context.Context, conn sensor.Conn, frame []byte) error {
	frame = bytes.TrimSpace(frame)
	switch string(frame) {
	case "":
		return nil
	case OutOfBandEcho:
		return write(conn, []byte(e.config.Release()+"\n"))
	case OutOfBandDiscover:
		ids, err := json.Marshal(e.probeIDs())
		if err != nil {
			return fmt.Errorf("encoding probe ids: %w", err)
		}
		return write(conn, append(ids, '\n'))
	}

	message, err := Parse(frame)
	if err != nil {
		return err
	}
	if message.Type == Reply {
		return e.handleReply(message)
	}

	handle, ok := lookupCommand(message.Command)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, message.Command)
	}
	session := e.sessions.open(conn.ID(), message)
	e.logger.Debug("request",
		"connection", conn.ID(),
		"nonce", message.Nonce,
		"command", message.Command,
		"target", message.Target,
	)
	return handle(e, ctx, conn, session)
}

// handleReply completes every session the reply correlates with.
func (e *Engine) handleReply(reply *Message) error {
	if reply.Command == CommandRecords {
		return malformed("records is not valid in a client reply")
	}
	if _, ok := lookupCommand(reply.Command); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, reply.Command)
	}
	sessions, err := e.sessions.correlate(reply)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		e.sessions.free(session)
	}
	return nil
}

func (e *Engine) probeIDs() []string {
	ids := e.registry.ProbeIDs()
	if ids == nil {
		ids = []string{}
	}
	return ids
}

func (e *Engine) connect(_ context.Context, conn sensor.Conn, session *Session) error {
	reply := newReply(e.config.MaxMessageSize)
	reply.str(session.Nonce)
	reply.str(CommandConnect)
	reply.str(e.config.SensorID)
	return e.flush(conn, session, reply)
}

func (e *Engine) discovery(_ context.Context, conn sensor.Conn, session *Session) error {
	defer e.sessions.free(session)
	reply := newReply(e.config.MaxMessageSize)
	reply.str(session.Nonce)
	reply.str(CommandDiscovery)
	reply.strs(e.probeIDs())
	return e.flush(conn, session, reply)
}

func (e *Engine) changeState(ctx context.Context, conn sensor.Conn, session *Session) error {
	defer e.sessions.free(session)
	request := session.Request
	command, ok := probe.ParseStateCommand(request.Command)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, request.Command)
	}
	target, release, ok := e.registry.AcquireProbe(request.Target)
	if !ok {
		return fmt.Errorf("%w: %q", ErrProbeNotFound, request.Target)
	}
	state, err := target.ChangeState(ctx, command)
	release()
	if err != nil {
		return fmt.Errorf("changing state of %s: %w", request.Target, err)
	}

	reply := newReply(e.config.MaxMessageSize)
	reply.str(session.Nonce)
	reply.str(request.Command)
	reply.str(state.RunState())
	reply.str(state.Level.String())
	return e.flush(conn, session, reply)
}

// recordParams are the optional positional parameters of a records
// request.
type recordParams struct {
	index    int
	runProbe bool
	clear    bool
	// count limits the number of record replies when positive.
	count int
}

func parseRecordParams(params []string) (recordParams, error) {
	parsed := recordParams{index: 0, runProbe: true, clear: true, count: -1}
	values := make([]int, len(params))
	for position, text := range params {
		value, err := strconv.Atoi(text)
		if err != nil {
			return parsed, malformed("records parameter %d: %q is not an integer", position, text)
		}
		values[position] = value
	}
	if len(values) > 0 {
		if values[0] < 0 {
			return parsed, malformed("records index %d is negative", values[0])
		}
		parsed.index = values[0]
	}
	if len(values) > 1 {
		parsed.runProbe = values[1] != 0
	}
	if len(values) > 2 {
		parsed.clear = values[2] != 0
	}
	if len(values) > 3 {
		parsed.count = values[3]
	}
	return parsed, nil
}

// records pages through the target probe's snapshot. Every reply is
// queued on the session and written in one flush. A capture or
// formatting error takes precedence over a write error. A capacity
// overflow is returned only after the replies built from the stored
// prefix are flushed, and the terminal reply then carries
// [IncompleteMarker] and the dropped count.
func (e *Engine) records(ctx context.Context, conn sensor.Conn, session *Session) error {
	defer e.sessions.free(session)
	request := session.Request
	params, err := parseRecordParams(request.Params)
	if err != nil {
		return err
	}
	target, release, ok := e.registry.AcquireProbe(request.Target)
	if !ok {
		return fmt.Errorf("%w: %q", ErrProbeNotFound, request.Target)
	}
	defer release()

	var expected uint64
	if params.runProbe {
		expected = e.config.Generation()
	}

	var (
		lines     int
		dropped   int
		recordErr error
	)
	index, runProbe, remaining := params.index, params.runProbe, params.count
	for {
		reply, err := target.Record(ctx, probe.RecordRequest{
			Index:      index,
			Generation: expected,
			RunProbe:   runProbe,
			Clear:      params.clear,
		})
		if err != nil {
			var capacityErr *snapshot.CapacityError
			if !errors.As(err, &capacityErr) {
				recordErr = fmt.Errorf("reading %s record %d: %w", target.ID(), index, err)
				break
			}
			recordErr = err
			dropped = capacityErr.Dropped
			e.logger.Warn("records capture overflowed",
				"probe", target.ID(),
				"nonce", session.Nonce,
				"error", err,
			)
		}
		// A reader of the current pass stays on the pass it started
		// with even if a scheduled capture lands between two reads.
		if expected == 0 && reply.Found {
			expected = reply.Generation
		}

		line, formatErr := e.formatRecord(session.Nonce, target, reply, dropped)
		if formatErr != nil {
			recordErr = formatErr
			break
		}
		session.queue(line)
		lines++
		if !reply.Found {
			break
		}

		index++
		runProbe = false
		if remaining > 0 {
			remaining--
			if remaining == 0 {
				break
			}
		}
	}

	writeErr := e.send(conn, session)
	e.logger.Debug("records served",
		"probe", target.ID(),
		"nonce", session.Nonce,
		"replies", lines,
		"generation", strconv.FormatUint(expected, 16),
	)
	if recordErr != nil {
		return recordErr
	}
	return writeErr
}

// formatRecord renders one records reply. A reply that found nothing
// is the terminal marker [nonce, probe-id, uuid], extended with
// [IncompleteMarker, dropped] when the pass overflowed.
func (e *Engine) formatRecord(nonce string, target probe.Probe, record probe.RecordReply, dropped int) ([]byte, error) {
	reply := newReply(e.config.MaxMessageSize)
	reply.str(nonce)
	reply.str(target.ID())
	if !record.Found {
		reply.str(target.UUID())
		if dropped > 0 {
			reply.str(IncompleteMarker)
			reply.str(strconv.Itoa(dropped))
		}
		return reply.finish()
	}
	reply.str(target.Kind())
	reply.str(target.UUID())
	for _, field := range record.Fields {
		reply.str(field)
	}
	if record.Raw != nil {
		reply.rawExtension(record.Raw)
	}
	return reply.finish()
}

// flush queues one finished reply on the session and writes it.
func (e *Engine) flush(conn sensor.Conn, session *Session, reply *lineBuilder) error {
	line, err := reply.finish()
	if err != nil {
		return err
	}
	session.queue(line)
	return e.send(conn, session)
}

// send writes the session's unsent reply lines in one write.
func (e *Engine) send(conn sensor.Conn, session *Session) error {
	batch, count := session.unsent()
	if count == 0 {
		return nil
	}
	if err := write(conn, batch); err != nil {
		return err
	}
	session.markSent(count)
	return nil
}

func write(conn sensor.Conn, data []byte) error {
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing to connection %d: %w", conn.ID(), err)
	}
	return nil
}

// kernelRelease returns the running kernel's release string.
func kernelRelease() string {
	var name unix.Utsname
	if err := unix.Uname(&name); err != nil {
		return version.Short()
	}
	return unix.ByteSliceToString(name.Release[:])
}
