// Package presencetest provides in-memory broker sessions for tests.
package presencetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/renzhidao/m2/internal/presence"
)

// Session is a fake broker session.
type Session struct {
	msgs chan []byte

	mu        sync.Mutex
	topics    []string
	published [][]byte
	closed    bool
	err       error
}

func newSession() *Session { return &Session{msgs: make(chan []byte, 16)} }

func (s *Session) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return nil
}

func (s *Session) Publish(_ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, payload)
	return nil
}

func (s *Session) Messages() <-chan []byte { return s.msgs }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.Drop(nil)
	return nil
}

// Drop ends the session as if the broker went away with err.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.msgs)
}

// Deliver pushes v, JSON encoded, as an inbound payload.
func (s *Session) Deliver(v any) {
	data, _ := json.Marshal(v)
	s.msgs <- data
}

// DeliverRaw pushes data unmodified.
func (s *Session) DeliverRaw(data []byte) { s.msgs <- data }

// Topics lists subscribed topics.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// Announcements decodes everything published so far.
func (s *Session) Announcements() []presence.Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]presence.Announcement, len(s.published))
	for i, p := range s.published {
		_ = json.Unmarshal(p, &out[i])
	}
	return out
}

// IsClosed reports whether the session ended.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Dial records one Dial call.
type Dial struct {
	URL      string
	ClientID string
}

// Dialer hands out fake sessions and records every dial.
type Dialer struct {
	mu       sync.Mutex
	dials    []Dial
	fail     bool
	sessions []*Session
}

func (d *Dialer) Dial(_ context.Context, url, clientID string) (presence.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, Dial{URL: url, ClientID: clientID})
	if d.fail {
		return nil, errors.New("connection refused")
	}
	s := newSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

// SetFail makes subsequent dials fail.
func (d *Dialer) SetFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

// Count returns the number of dials.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// Last returns the latest dial and the latest session handed out.
func (d *Dialer) Last() (Dial, *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s *Session
	if len(d.sessions) > 0 {
		s = d.sessions[len(d.sessions)-1]
	}
	var last Dial
	if len(d.dials) > 0 {
		last = d.dials[len(d.dials)-1]
	}
	return last, s
}

// Sessions counts successful dials.
func (d *Dialer) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
