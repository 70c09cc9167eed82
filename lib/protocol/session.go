// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
	"sync"
)

// Session correlates a request with the replies that share its nonce.
// Reply lines the engine formats are queued on the session in order
// and written from there.
type Session struct {
	Nonce   string
	Request *Message

	// owner is the id of the connection the request arrived on.
	owner uint64

	mu       sync.Mutex
	replies  []*Message
	outgoing [][]byte
	sent     int
}

// Replies returns the client replies correlated with the session so far.
func (s *Session) Replies() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.replies...)
}

// Outgoing returns the reply lines the engine formatted for the
// session, in order, written or not.
func (s *Session) Outgoing() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.outgoing...)
}

// Sent returns the number of reply lines the engine wrote for the
// session.
func (s *Session) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Session) addReply(reply *Message) {
	s.mu.Lock()
	s.replies = append(s.replies, reply)
	s.mu.Unlock()
}

func (s *Session) queue(line []byte) {
	s.mu.Lock()
	s.outgoing = append(s.outgoing, line)
	s.mu.Unlock()
}

// unsent joins the queued lines not yet written.
func (s *Session) unsent() ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.outgoing[s.sent:]
	return bytes.Join(pending, nil), len(pending)
}

func (s *Session) markSent(count int) {
	s.mu.Lock()
	s.sent += count
	s.mu.Unlock()
}

// sessionTable holds the open sessions of every connection.
type sessionTable struct {
	mu       sync.Mutex
	sessions []*Session
}

// open collects any session already open on owner and starts a new one
// for request.
func (t *sessionTable) open(owner uint64, request *Message) *Session {
	session := &Session{Nonce: request.Nonce, Request: request, owner: owner}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(func(existing *Session) bool { return existing.owner == owner })
	t.sessions = append(t.sessions, session)
	return session
}

// correlate appends reply to every open session with its nonce.
func (t *sessionTable) correlate(reply *Message) ([]*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var matched []*Session
	for _, session := range t.sessions {
		if session.Nonce == reply.Nonce {
			session.addReply(reply)
			matched = append(matched, session)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: nonce %q", ErrSessionNotFound, reply.Nonce)
	}
	return matched, nil
}

// free removes session. Freeing a collected session does nothing.
func (t *sessionTable) free(session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(func(existing *Session) bool { return existing == session })
}

// collect removes the open session of owner, if any.
func (t *sessionTable) collect(owner uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(func(existing *Session) bool { return existing.owner == owner })
}

// lookup returns the open session of owner.
func (t *sessionTable) lookup(owner uint64) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, session := range t.sessions {
		if session.owner == owner {
			return session, true
		}
	}
	return nil, false
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *sessionTable) removeLocked(match func(*Session) bool) {
	kept := t.sessions[:0]
	for _, session := range t.sessions {
		if match(session) {
			continue
		}
		kept = append(kept, session)
	}
	clear(t.sessions[len(kept):])
	t.sessions = kept
}
