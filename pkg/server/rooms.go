package server

import (
	"sort"
	"sync"

	"github.com/NicolasHaas/roomrelay/pkg/model"
)

// RoomRegistry maps room keys to the sessions admitted to them. A room
// exists only while it has at least one member.
type RoomRegistry struct {
	mu      sync.RWMutex
	members map[string]map[string]*model.Session // room -> sessionID -> session
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		members: make(map[string]map[string]*model.Session),
	}
}

// Add records sess as a member of room.
func (r *RoomRegistry) Add(room string, sess *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[room]; !ok {
		r.members[room] = make(map[string]*model.Session)
	}
	r.members[room][sess.ID] = sess
}

// Remove deletes a session from room and reports whether it was present.
func (r *RoomRegistry) Remove(room, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.members[room]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.members, room)
	}
	return true
}

// Members returns a snapshot of the sessions in room.
func (r *RoomRegistry) Members(room string) []*model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.members[room]
	result := make([]*model.Session, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s)
	}
	return result
}

// Count returns how many sessions are in room.
func (r *RoomRegistry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[room])
}

// Contains reports whether sessionID is a member of room.
func (r *RoomRegistry) Contains(room, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][sessionID]
	return ok
}

// UserPresent reports whether any session of userID is in room.
func (r *RoomRegistry) UserPresent(room, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.members[room] {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// Rooms returns the non-empty room keys, sorted.
func (r *RoomRegistry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]string, 0, len(r.members))
	for room := range r.members {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Occupancy returns member counts per room.
func (r *RoomRegistry) Occupancy() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.members))
	for room, sessions := range r.members {
		out[room] = len(sessions)
	}
	return out
}
