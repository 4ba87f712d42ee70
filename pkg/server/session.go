package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/NicolasHaas/roomrelay/pkg/model"
)

// SessionManager tracks live sessions by ID.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session // sessionID -> session
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*model.Session),
	}
}

// Create creates an Idle session for an authenticated user.
func (sm *SessionManager) Create(userID string) *model.Session {
	sess := model.NewSession(uuid.NewString(), userID)

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()
	return sess
}

// Get retrieves a session by ID.
func (sm *SessionManager) Get(id string) *model.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Remove removes a session.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// ByUser returns the live sessions owned by userID.
func (sm *SessionManager) ByUser(userID string) []*model.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var result []*model.Session
	for _, s := range sm.sessions {
		if s.UserID == userID {
			result = append(result, s)
		}
	}
	return result
}
