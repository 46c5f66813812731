package gateway

import "sync"

// Session is the resumable state of one identified connection. It is shared
// by the read loop and the heartbeat loop.
type Session struct {
	mu        sync.Mutex
	id        string
	sequence  int64
	suspended bool
	invalid   bool
}

func NewSession(id string) *Session {
	return &Session{id: id}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

func (s *Session) SetSequence(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = seq
}

func (s *Session) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
}

func (s *Session) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = true
}

func (s *Session) Invalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// ShouldResume is true for a suspended session the server has not rejected.
func (s *Session) ShouldResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended && !s.invalid
}
