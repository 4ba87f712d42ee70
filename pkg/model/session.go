package model

import (
	"sync"
	"time"
)

// Session is one live, authenticated connection. UserID is fixed at
// authentication; Room and JoinTime change only through admission and
// departure.
type Session struct {
	ID     string
	UserID string

	mu       sync.RWMutex
	room     string
	joinTime time.Time
}

// SessionSnapshot is a read-consistent copy of a session's mutable state.
type SessionSnapshot struct {
	ID       string
	UserID   string
	Room     string
	JoinTime time.Time
}

// NewSession creates an Idle session for an authenticated user.
func NewSession(id, userID string) *Session {
	return &Session{ID: id, UserID: userID}
}

// Room returns the room key the session is admitted to, or "" when Idle.
func (s *Session) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// JoinTime returns the history-replay watermark set at admission.
func (s *Session) JoinTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinTime
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{ID: s.ID, UserID: s.UserID, Room: s.room, JoinTime: s.joinTime}
}

// Admit binds the session to a room.
func (s *Session) Admit(room string, at time.Time) {
	s.mu.Lock()
	s.room = room
	s.joinTime = at
	s.mu.Unlock()
}

// Release returns the session to Idle and reports the room it held.
func (s *Session) Release() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.room
	s.room = ""
	s.joinTime = time.Time{}
	return room
}
