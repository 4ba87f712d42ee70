package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/roomrelay/pkg/model"
)

// Operation names passed to a MemoryStore fault hook.
const (
	OpFindUser      = "FindByUserID"
	OpUpsertUser    = "UpsertFromExternalProfile"
	OpSetInvite     = "SetInviteCode"
	OpClearInvite   = "ClearInviteCode"
	OpListUsers     = "ListUsers"
	OpAppendMessage = "AppendMessage"
	OpListMessages  = "ListMessagesSince"
	OpDeleteRoom    = "DeleteRoomMessages"
	OpResetRooms    = "ResetRoomState"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now   func() time.Time
	fault func(op string) error

	nextMessageID int64

	usersByID         map[string]*model.User
	usersByExternalID map[string]*model.User
	messages          []model.Message
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:               now,
		nextMessageID:     1,
		usersByID:         make(map[string]*model.User),
		usersByExternalID: make(map[string]*model.User),
	}
}

// SetFault installs a hook consulted before every operation. A non-nil
// return is reported as that operation's error. Pass nil to clear it.
func (s *MemoryStore) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// check fails like database/sql does on a done context, then consults
// the fault hook.
func (s *MemoryStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op); err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// FindByUserID returns a copy of the user, or (nil, nil) if absent.
func (s *MemoryStore) FindByUserID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, OpFindUser); err != nil {
		return nil, err
	}
	u, ok := s.usersByID[id]
	if !ok {
		return nil, nil
	}
	clone := *u
	return &clone, nil
}

// ListUsers returns all users ordered by creation time.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, OpListUsers); err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// UpsertFromExternalProfile creates or refreshes a user.
func (s *MemoryStore) UpsertFromExternalProfile(ctx context.Context, externalID, name, avatar, email string) (*model.User, error) {
	name = strings.TrimSpace(name)
	if err := validateProfile(externalID, name, avatar); err != nil {
		return nil, fmt.Errorf("datastore: upsert user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpUpsertUser); err != nil {
		return nil, err
	}

	if u, ok := s.usersByExternalID[externalID]; ok {
		u.DisplayName = name
		u.AvatarRef = avatar
		u.Email = email
		clone := *u
		return &clone, nil
	}

	u := &model.User{
		ID:          uuid.NewString(),
		ExternalID:  externalID,
		Email:       email,
		DisplayName: name,
		AvatarRef:   avatar,
		CreatedAt:   s.now().Truncate(time.Second),
	}
	s.usersByID[u.ID] = u
	s.usersByExternalID[externalID] = u
	clone := *u
	return &clone, nil
}

// SetInviteCode binds code to the user.
func (s *MemoryStore) SetInviteCode(ctx context.Context, userID, code string) error {
	if err := model.ValidateInviteCode(code); err != nil {
		return fmt.Errorf("datastore: set invite code: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpSetInvite); err != nil {
		return err
	}
	u, ok := s.usersByID[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.InviteCode = code
	return nil
}

// ClearInviteCode unbinds the user's invite code.
func (s *MemoryStore) ClearInviteCode(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpClearInvite); err != nil {
		return err
	}
	u, ok := s.usersByID[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.InviteCode = ""
	return nil
}

// AppendMessage validates and stores a message, assigning its ID.
func (s *MemoryStore) AppendMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	if message.CreatedAt.IsZero() {
		return fmt.Errorf("datastore: append message: created_at not set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpAppendMessage); err != nil {
		return err
	}
	message.ID = s.nextMessageID
	s.nextMessageID++
	message.CreatedAt = message.CreatedAt.UTC().Truncate(time.Microsecond)
	s.messages = append(s.messages, *message)
	return nil
}

// ListMessagesSince returns the room's messages at or after since, oldest first.
func (s *MemoryStore) ListMessagesSince(ctx context.Context, room string, since time.Time) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, OpListMessages); err != nil {
		return nil, err
	}
	since = ceilMicro(since)
	out := []model.Message{}
	for _, m := range s.messages {
		if m.Room == room && !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteRoomMessages purges a room's history.
func (s *MemoryStore) DeleteRoomMessages(ctx context.Context, room string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpDeleteRoom); err != nil {
		return 0, err
	}
	kept := s.messages[:0]
	var n int64
	for _, m := range s.messages {
		if m.Room == room {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return n, nil
}

// ResetRoomState clears every binding and all history.
func (s *MemoryStore) ResetRoomState(ctx context.Context) (RoomStateReset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpResetRooms); err != nil {
		return RoomStateReset{}, err
	}
	var reset RoomStateReset
	for _, u := range s.usersByID {
		if u.InviteCode != "" {
			u.InviteCode = ""
			reset.Bindings++
		}
	}
	reset.Messages = int64(len(s.messages))
	s.messages = nil
	return reset, nil
}
