package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/model"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
)

type departReason int

const (
	reasonLeft departReason = iota
	reasonDisconnected
)

func (r departReason) String() string {
	if r == reasonDisconnected {
		return "disconnected"
	}
	return "left"
}

func (r departReason) notice(name string) string {
	if r == reasonDisconnected {
		return fmt.Sprintf(model.NoticeDisconnected, name)
	}
	return fmt.Sprintf(model.NoticeLeft, name)
}

// unknownAuthor stands in for a display name the directory could not supply.
const unknownAuthor = "A user"

// depart takes sess out of its room. It is a no-op for an Idle session,
// so a leave followed by a disconnect runs the teardown once.
//
// The invite code is cleared before the departure is committed. If that
// fails on a leave, the session stays in the room and StoreFailure is
// returned, so the client can retry or disconnect. A disconnect always
// completes; a binding it could not clear is stale and join replaces it.
//
// Registry removal, the occupancy check and the purge run under one room
// lock; a concurrent join to the same room waits for it.
func (s *Server) depart(ctx context.Context, sess *model.Session, reason departReason) error {
	unlockUser := s.userLocks.Lock(sess.UserID)
	defer unlockUser()

	room := sess.Room()
	if room == "" {
		return nil
	}

	unlockRoom := s.roomLocks.Lock(room)
	defer unlockRoom()

	log := slog.With("session", sess.ID, "user", sess.UserID, "room", room)

	s.rooms.Remove(room, sess.ID)

	// Another session of the same user still holds the binding.
	if !s.rooms.UserPresent(room, sess.UserID) {
		if err := s.store.ClearInviteCode(ctx, sess.UserID); err != nil {
			switch {
			case errors.Is(err, datastore.ErrUserNotFound):
				log.Warn("departing user missing from identity directory")
			case reason == reasonLeft:
				s.metrics.StoreFailures.Add(1)
				s.rooms.Add(room, sess)
				log.Error("clear invite code failed, session kept in room", "err", err)
				return opError(protocol.CodeStoreFailure, err)
			default:
				s.metrics.StoreFailures.Add(1)
				log.Error("clear invite code failed, binding left stale", "err", err)
			}
		}
	}

	sess.Release()
	remaining := s.rooms.Count(room)
	log.Info("session left room", "reason", reason, "remaining", remaining)

	if remaining > 0 {
		if _, err := s.notice(ctx, room, reason.notice(s.displayName(ctx, sess.UserID)), ""); err != nil {
			log.Warn("departure notice failed", "err", err)
		}
		return nil
	}

	n, err := s.store.DeleteRoomMessages(ctx, room)
	if err != nil {
		s.metrics.StoreFailures.Add(1)
		log.Error("purge room history failed", "err", err)
		return nil
	}
	s.metrics.RoomsPurged.Add(1)
	s.metrics.MessagesPurged.Add(n)
	log.Info("room empty, history purged", "messages", n)
	return nil
}

func (s *Server) displayName(ctx context.Context, userID string) string {
	user, err := s.store.FindByUserID(ctx, userID)
	if err != nil {
		s.metrics.StoreFailures.Add(1)
		slog.Warn("display name lookup failed", "user", userID, "err", err)
		return unknownAuthor
	}
	if user == nil {
		return unknownAuthor
	}
	return user.DisplayName
}
