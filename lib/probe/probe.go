// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDestroyed is returned by operations on a closed probe.
	ErrDestroyed = errors.New("probe: destroyed")

	// ErrUnknownState is returned for a state-change verb the probe
	// does not understand.
	ErrUnknownState = errors.New("probe: unknown state command")
)

// Probe is the capability set shared by every capture unit.
type Probe interface {
	// ID is the identity string clients address the probe by.
	ID() string

	// UUID identifies this probe instance. It changes on restart.
	UUID() string

	// Kind names the variant: "ps", "lsof", or "sysfs".
	Kind() string

	// Flags returns the current lifecycle flags.
	Flags() Flags

	// Capture runs one capture pass tagged with generation. It fails
	// with snapshot.ErrBusy instead of waiting for the store.
	Capture(ctx context.Context, generation uint64) (int, error)

	// Render formats every record of generation as one line each.
	Render(ctx context.Context, generation uint64) ([]string, error)

	// Record serves one slot to the records protocol, optionally
	// capturing first. A capacity overflow during that capture is
	// returned alongside a valid reply.
	Record(ctx context.Context, request RecordRequest) (RecordReply, error)

	// ChangeState applies a state-change command and returns the
	// resulting state.
	ChangeState(ctx context.Context, command StateCommand) (State, error)

	// State returns the current state.
	State() State

	// Close cancels scheduled work and releases the store.
	Close()
}

// Flags is the lifecycle and type bit-set shared by probes and
// connections.
type Flags uint32

const (
	FlagInitialized Flags = 1 << iota
	FlagDestroyed
	FlagHasData
	FlagHasID
	FlagHasWork
	FlagListener
	FlagConnected
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagInitialized, "initialized"},
	{FlagDestroyed, "destroyed"},
	{FlagHasData, "has-data"},
	{FlagHasID, "has-id"},
	{FlagHasWork, "has-work"},
	{FlagListener, "listener"},
	{FlagConnected, "connected"},
}

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

func (f Flags) String() string {
	var names []string
	for _, entry := range flagNames {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Level is the sampling intensity.
type Level uint8

const (
	LevelLow Level = iota
	LevelDefault
	LevelHigh
	LevelAdversarial
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelDefault:
		return "default"
	case LevelHigh:
		return "high"
	case LevelAdversarial:
		return "adversarial"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseLevel parses a level name.
func ParseLevel(name string) (Level, error) {
	for level := LevelLow; level <= LevelAdversarial; level++ {
		if level.String() == name {
			return level, nil
		}
	}
	return LevelDefault, fmt.Errorf("unknown level %q", name)
}

// MarshalText encodes the level by name for config files.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// State is the externally visible state of a probe.
type State struct {
	Running bool
	Level   Level
}

// RunState is "on" or "off".
func (s State) RunState() string {
	if s.Running {
		return "on"
	}
	return "off"
}

func (s State) String() string { return s.RunState() + ":" + s.Level.String() }

// StateCommand is a state-change verb.
type StateCommand uint8

const (
	CommandOff StateCommand = iota
	CommandOn
	CommandIncrease
	CommandDecrease
	CommandLow
	CommandDefault
	CommandHigh
	CommandAdversarial
	CommandReset
)

var stateCommandNames = [...]string{
	CommandOff:         "off",
	CommandOn:          "on",
	CommandIncrease:    "increase",
	CommandDecrease:    "decrease",
	CommandLow:         "low",
	CommandDefault:     "default",
	CommandHigh:        "high",
	CommandAdversarial: "adversarial",
	CommandReset:       "reset",
}

func (c StateCommand) String() string {
	if int(c) < len(stateCommandNames) {
		return stateCommandNames[c]
	}
	return fmt.Sprintf("state-command(%d)", uint8(c))
}

// ParseStateCommand maps a protocol verb to a StateCommand.
func ParseStateCommand(verb string) (StateCommand, bool) {
	for index, name := range stateCommandNames {
		if name == verb {
			return StateCommand(index), true
		}
	}
	return 0, false
}

// RecordRequest selects one slot for the records protocol.
type RecordRequest struct {
	Index int
	// Generation is the pass the reader expects. Zero matches any.
	Generation uint64
	// RunProbe captures into the store with Generation before reading.
	RunProbe bool
	// Clear marks the slot consumed after reading.
	Clear bool
}

// RecordReply is the content of one records reply.
type RecordReply struct {
	// Found is false when the slot is out of range, unfilled, cleared,
	// or from another generation.
	Found bool
	Index int
	// Generation is the pass the returned record belongs to.
	Generation uint64
	// Fields follow the nonce, probe id, tag, and uuid in the reply.
	Fields []string
	// Raw, when non-nil, is sent as a raw extension after the line.
	Raw []byte
}
