// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/hostsensor/lib/probe"
)

var (
	// ErrShutdown is returned for registrations after Shutdown.
	ErrShutdown = errors.New("sensor: shut down")

	// ErrDuplicateProbe is returned when a probe id is already
	// registered.
	ErrDuplicateProbe = errors.New("sensor: duplicate probe id")

	// ErrNotFound is returned when no member matches.
	ErrNotFound = errors.New("sensor: not found")
)

// Defaults for Config.
const (
	DefaultID           = "kernel-sensor"
	DefaultMaxFrameSize = 64 << 10
	DefaultWriteTimeout = 10 * time.Second
)

// Config configures a Sensor.
type Config struct {
	// ID names the sensor in connect acknowledgements and logs.
	ID string

	// MaxFrameSize bounds one input frame. A longer frame closes the
	// connection.
	MaxFrameSize int

	// WriteTimeout bounds each write to a connection.
	WriteTimeout time.Duration
}

type probeMember struct {
	probe probe.Probe
	gate  *gate
}

// Sensor is the registry of probes, listeners, and connections.
type Sensor struct {
	config Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	shutdown atomic.Bool
	nextID   atomic.Uint64
	serving  sync.WaitGroup

	mu          sync.RWMutex
	probes      []*probeMember
	listeners   []*Listener
	connections []*Connection

	acceptLog rate.Sometimes
}

// New creates an empty sensor.
func New(config Config, logger *slog.Logger) *Sensor {
	if config.ID == "" {
		config.ID = DefaultID
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sensor{
		config:    config,
		logger:    logger.With("sensor", config.ID),
		ctx:       ctx,
		cancel:    cancel,
		acceptLog: rate.Sometimes{Interval: time.Second},
	}
}

// ID returns the sensor's identity string.
func (s *Sensor) ID() string { return s.config.ID }

// Register adds p to the probe list. Probe ids must be unique.
func (s *Sensor) Register(p probe.Probe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return ErrShutdown
	}
	for _, member := range s.probes {
		if member.probe.ID() == p.ID() {
			return fmt.Errorf("%w: %q", ErrDuplicateProbe, p.ID())
		}
	}
	s.probes = append(s.probes, &probeMember{probe: p, gate: newGate()})
	s.logger.Info("probe registered", "probe", p.ID(), "kind", p.Kind(), "uuid", p.UUID())
	return nil
}

// Unregister removes the probe with id, waits for in-flight requests
// that hold it, and closes it.
func (s *Sensor) Unregister(id string) error {
	s.mu.Lock()
	index := slices.IndexFunc(s.probes, func(member *probeMember) bool { return member.probe.ID() == id })
	if index < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: probe %q", ErrNotFound, id)
	}
	member := s.probes[index]
	s.probes = slices.Delete(s.probes, index, index+1)
	s.mu.Unlock()

	s.destroyProbe(member)
	return nil
}

func (s *Sensor) destroyProbe(member *probeMember) {
	member.gate.closeAndWait()
	member.probe.Close()
	s.logger.Info("probe removed", "probe", member.probe.ID())
}

// ProbeIDs returns the registered probe ids in registration order.
func (s *Sensor) ProbeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.probes))
	for _, member := range s.probes {
		ids = append(ids, member.probe.ID())
	}
	return ids
}

// Probes returns the registered probes in registration order.
func (s *Sensor) Probes() []probe.Probe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	probes := make([]probe.Probe, 0, len(s.probes))
	for _, member := range s.probes {
		probes = append(probes, member.probe)
	}
	return probes
}

// AcquireProbe finds a probe by id, or by UUID when no id matches,
// and pins it until release is called. A probe being unregistered
// cannot be acquired.
func (s *Sensor) AcquireProbe(key string) (probe.Probe, func(), bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member := s.findProbeLocked(key)
	if member == nil || !member.gate.acquire() {
		return nil, nil, false
	}
	var once sync.Once
	return member.probe, func() { once.Do(member.gate.release) }, true
}

func (s *Sensor) findProbeLocked(key string) *probeMember {
	for _, member := range s.probes {
		if member.probe.ID() == key {
			return member
		}
	}
	for _, member := range s.probes {
		if member.probe.UUID() == key {
			return member
		}
	}
	return nil
}

// Connections returns the number of accepted connections still open.
func (s *Sensor) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Listeners returns the listening sockets in creation order.
func (s *Sensor) Listeners() []*Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.listeners)
}

// Shutdown tears down every probe, then every listener, then every
// accepted connection, and waits for connection goroutines to exit.
// Later calls return immediately.
func (s *Sensor) Shutdown() {
	if s.shutdown.Swap(true) {
		return
	}
	s.logger.Info("sensor shutting down")
	s.cancel()

	s.mu.Lock()
	probes := s.probes
	s.probes = nil
	s.mu.Unlock()
	for _, member := range probes {
		s.destroyProbe(member)
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, listener := range listeners {
		listener.destroy()
	}

	s.mu.Lock()
	connections := s.connections
	s.connections = nil
	s.mu.Unlock()
	for _, conn := range connections {
		conn.destroy()
	}

	s.serving.Wait()
	s.logger.Info("sensor shut down")
}
