package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/roomrelay/pkg/model"
)

// DataStore defines the persistence interface used by the relay core.
// Implementations include the default SQLite store and an in-memory
// store for tests.
type DataStore interface {
	IdentityDirectory
	MessageStore

	// ResetRoomState clears every invite code binding and all room
	// history. A starting relay has no occupied rooms, so anything left by
	// a previous process is stale.
	ResetRoomState(ctx context.Context) (RoomStateReset, error)

	Close() error
}

// RoomStateReset reports what ResetRoomState removed.
type RoomStateReset struct {
	Bindings int64 // users whose invite code was cleared
	Messages int64
}

// IdentityDirectory resolves and updates user records by stable identity.
type IdentityDirectory interface {
	UserReadProvider
	UserWriteProvider
}

// MessageStore is an append/query/delete log of room messages.
type MessageStore interface {
	MessageReadProvider
	MessageWriteProvider
}

// Compile-time checks.
var _ DataStore = (*SQLStore)(nil)
var _ DataStore = (*MemoryStore)(nil)

type UserReadProvider interface {
	// FindByUserID returns (nil, nil) if no such user exists.
	FindByUserID(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	// UpsertFromExternalProfile creates the user on first exchange and
	// refreshes the profile fields afterwards. The invite code is untouched.
	UpsertFromExternalProfile(ctx context.Context, externalID, name, avatar, email string) (*model.User, error)
	SetInviteCode(ctx context.Context, userID, code string) error
	ClearInviteCode(ctx context.Context, userID string) error
}

type MessageReadProvider interface {
	// ListMessagesSince returns messages in room with CreatedAt >= since,
	// oldest first.
	ListMessagesSince(ctx context.Context, room string, since time.Time) ([]model.Message, error)
}

type MessageWriteProvider interface {
	// AppendMessage stores message and assigns its ID. CreatedAt is
	// assigned by the caller.
	AppendMessage(ctx context.Context, message *model.Message) error
	// DeleteRoomMessages removes every message in room and returns the count.
	DeleteRoomMessages(ctx context.Context, room string) (int64, error)
}
