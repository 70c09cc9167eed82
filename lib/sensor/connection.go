// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/hostsensor/lib/probe"
)

// Conn is an accepted connection as seen by a Handler.
type Conn interface {
	// ID is unique among the connections of one sensor.
	ID() uint64

	// Write sends data as one unit. Concurrent writes are serialized.
	Write(data []byte) (int, error)
}

// Handler interprets the frames read from accepted connections.
type Handler interface {
	// Greeting is written to a connection as soon as it is accepted.
	Greeting() []byte

	// HandleFrame processes one frame, without its delimiter. A
	// non-nil error closes the connection.
	HandleFrame(ctx context.Context, conn Conn, frame []byte) error

	// ConnectionClosed is called once after a connection's last frame.
	ConnectionClosed(conn Conn)
}

// Listener is a listening Unix socket registered with a sensor.
type Listener struct {
	sensor   *Sensor
	path     string
	listener net.Listener
	handler  Handler
	gate     *gate
	flags    atomic.Uint32
	once     sync.Once
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Flags returns the listener's lifecycle flags.
func (l *Listener) Flags() probe.Flags { return probe.Flags(l.flags.Load()) }

// Listen removes any stale socket file at path, listens on it, and
// serves accepted connections with handler until the listener is
// removed or the sensor shuts down.
func (s *Sensor) Listen(path string, handler Handler) (*Listener, error) {
	if s.shutdown.Load() {
		return nil, ErrShutdown
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	netListener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	listener := &Listener{
		sensor:   s,
		path:     path,
		listener: netListener,
		handler:  handler,
		gate:     newGate(),
	}
	listener.flags.Store(uint32(probe.FlagInitialized | probe.FlagListener))

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		netListener.Close()
		os.Remove(path)
		return nil, ErrShutdown
	}
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()

	// The accept loop holds a reference for as long as it runs, so
	// removal waits for it to stop.
	listener.gate.acquire()
	go listener.acceptLoop()

	s.logger.Info("listening", "path", path)
	return listener, nil
}

// Close removes the listener from its sensor and stops accepting.
// Connections it already accepted stay open.
func (l *Listener) Close() error {
	s := l.sensor
	s.mu.Lock()
	index := slices.Index(s.listeners, l)
	if index >= 0 {
		s.listeners = slices.Delete(s.listeners, index, index+1)
	}
	s.mu.Unlock()
	if index < 0 {
		return fmt.Errorf("%w: listener %s", ErrNotFound, l.path)
	}
	l.destroy()
	return nil
}

// destroy stops the accept loop, waits for it, and removes the
// socket file. The listener must already be unlinked.
func (l *Listener) destroy() {
	l.once.Do(func() {
		l.listener.Close()
		l.gate.closeAndWait()
		os.Remove(l.path)
		l.flags.Or(uint32(probe.FlagDestroyed))
		l.sensor.logger.Info("listener removed", "path", l.path)
	})
}

func (l *Listener) acceptLoop() {
	defer l.gate.release()
	s := l.sensor
	for {
		netConn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.shutdown.Load() {
				return
			}
			s.acceptLog.Do(func() {
				s.logger.Error("accept failed", "path", l.path, "error", err)
			})
			continue
		}
		conn, ok := s.addConnection(netConn)
		if !ok {
			netConn.Close()
			return
		}
		go conn.serve(l.handler)
	}
}

// Connection is one accepted client connection.
type Connection struct {
	id     uint64
	sensor *Sensor
	conn   net.Conn
	// semaphore grants exclusive use of conn for writing.
	semaphore chan struct{}
	gate      *gate
	flags     atomic.Uint32
	once      sync.Once
}

// ID returns the connection's id.
func (c *Connection) ID() uint64 { return c.id }

// Flags returns the connection's lifecycle flags.
func (c *Connection) Flags() probe.Flags { return probe.Flags(c.flags.Load()) }

// Write sends data with the configured write timeout, holding the
// connection's semaphore for the whole write.
func (c *Connection) Write(data []byte) (int, error) {
	c.semaphore <- struct{}{}
	defer func() { <-c.semaphore }()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.sensor.config.WriteTimeout)); err != nil {
		return 0, err
	}
	return c.conn.Write(data)
}

// addConnection registers an accepted connection. It fails once
// shutdown has begun.
func (s *Sensor) addConnection(netConn net.Conn) (*Connection, bool) {
	conn := &Connection{
		id:        s.nextID.Add(1),
		sensor:    s,
		conn:      netConn,
		semaphore: make(chan struct{}, 1),
		gate:      newGate(),
	}
	conn.flags.Store(uint32(probe.FlagInitialized | probe.FlagConnected))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return nil, false
	}
	s.connections = append(s.connections, conn)
	s.serving.Add(1)
	return conn, true
}

// removeConnection unlinks conn if it is still registered and
// destroys it.
func (s *Sensor) removeConnection(conn *Connection) {
	s.mu.Lock()
	if index := slices.Index(s.connections, conn); index >= 0 {
		s.connections = slices.Delete(s.connections, index, index+1)
	}
	s.mu.Unlock()
	conn.destroy()
}

// destroy waits for an in-flight frame to finish and closes the
// socket. The connection must already be unlinked.
func (c *Connection) destroy() {
	c.once.Do(func() {
		c.gate.closeAndWait()
		c.conn.Close()
		c.flags.And(^uint32(probe.FlagConnected))
		c.flags.Or(uint32(probe.FlagDestroyed))
	})
}

// serve writes the greeting and feeds frames to handler until the
// peer disconnects, a frame fails, or the connection is destroyed.
func (c *Connection) serve(handler Handler) {
	s := c.sensor
	defer s.serving.Done()
	defer handler.ConnectionClosed(c)
	defer s.removeConnection(c)

	logger := s.logger.With("connection", c.id)
	logger.Debug("connection accepted")

	if _, err := c.Write(handler.Greeting()); err != nil {
		logger.Debug("writing greeting", "error", err)
		return
	}

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxFrameSize)
	scanner.Split(splitFrames)
	for scanner.Scan() {
		if !c.gate.acquire() {
			return
		}
		err := handler.HandleFrame(s.ctx, c, scanner.Bytes())
		c.gate.release()
		if err != nil {
			logger.Warn("closing connection", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("reading connection", "error", err)
		return
	}
	logger.Debug("connection closed by peer")
}

// splitFrames is a bufio.SplitFunc that ends a frame at a newline or
// NUL byte, and takes whatever remains at EOF as a final frame.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if index := bytes.IndexAny(data, "\n\x00"); index >= 0 {
		return index + 1, data[:index], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
