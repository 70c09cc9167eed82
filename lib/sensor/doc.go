// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensor holds the sensor's registry of probes, listening
// sockets, and accepted connections.
//
// Membership changes follow one discipline for all three lists: the
// member is unlinked under the registry's write lock, then its
// reference gate is closed and drained so no caller still holds it,
// and only then is it destroyed. [Sensor.AcquireProbe] pins a probe
// for the duration of one request; [Sensor.Shutdown] tears down probes
// first, then listeners, then connections.
//
// A [Listener] accepts on a Unix stream socket and serves each
// accepted [Connection] on its own goroutine. A connection writes the
// [Handler]'s greeting, then splits its input into frames at newline
// or NUL bytes and passes each frame to the handler. A handler error
// closes the connection. Writes are serialized by a binary semaphore
// so a reply batch is never interleaved with another write.
package sensor
