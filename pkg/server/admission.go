package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/roomrelay/pkg/model"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
)

// join admits sess to the room keyed by code. A user is bound to at most
// one invite code at a time: the first join binds it, and any other code
// is refused until the binding is cleared on departure.
//
// The user lock serializes the bind check against other sessions of the
// same user. The room lock orders the registry insert against a
// concurrent departure, so a join either lands before the reaper's
// occupancy check or after its purge.
func (s *Server) join(ctx context.Context, sess *model.Session, code string) error {
	if err := model.ValidateInviteCode(code); err != nil {
		s.metrics.JoinRejections.Add(1)
		return opError(protocol.CodeInvalidInviteCode, err)
	}

	unlockUser := s.userLocks.Lock(sess.UserID)
	defer unlockUser()

	user, err := s.store.FindByUserID(ctx, sess.UserID)
	if err != nil {
		s.metrics.StoreFailures.Add(1)
		return opError(protocol.CodeStoreFailure, err)
	}
	if user == nil {
		// Authentication only succeeds for known users.
		slog.Error("authenticated user missing from identity directory", "session", sess.ID, "user", sess.UserID)
		s.metrics.JoinRejections.Add(1)
		return opError(protocol.CodeUserNotFound, ErrUserNotFound)
	}

	bound := false
	switch user.InviteCode {
	case code:
	case "":
		bound = true
	default:
		if s.rooms.UserPresent(user.InviteCode, user.ID) {
			s.metrics.JoinRejections.Add(1)
			return opError(protocol.CodeInviteCodeMismatch, ErrInviteCodeMismatch)
		}
		// No session of this user occupies the bound room: a departure
		// failed to clear it.
		slog.Warn("replacing stale invite code binding", "user", user.ID, "stale", user.InviteCode, "room", code)
		bound = true
	}
	if bound {
		if err := s.store.SetInviteCode(ctx, user.ID, code); err != nil {
			s.metrics.StoreFailures.Add(1)
			return opError(protocol.CodeStoreFailure, err)
		}
		slog.Debug("bound invite code", "user", user.ID, "room", code)
	}

	unlockRoom := s.roomLocks.Lock(code)
	defer unlockRoom()

	// History is read before anything is committed so a failed read leaves
	// the session Idle. Under the room lock nothing else reaches the room
	// between the read and the admission.
	joinTime := s.now()
	history, err := s.store.ListMessagesSince(ctx, code, joinTime)
	if err != nil {
		s.metrics.StoreFailures.Add(1)
		if bound {
			s.unbind(ctx, user.ID, code)
		}
		return opError(protocol.CodeStoreFailure, err)
	}

	rejoin := sess.Room() == code && s.rooms.Contains(code, sess.ID)
	sess.Admit(code, joinTime)

	if !rejoin {
		s.rooms.Add(code, sess)
		s.metrics.Joins.Add(1)
		// The joiner sees its own notice through init.
		msg, err := s.notice(ctx, code, fmt.Sprintf(model.NoticeJoined, user.DisplayName), sess.ID)
		if err != nil {
			slog.Warn("join notice failed", "session", sess.ID, "room", code, "err", err)
		} else {
			history = append(history, msg)
		}
	}

	frame, err := protocol.EncodeInit(history)
	if err != nil {
		return opError(protocol.CodeStoreFailure, err)
	}
	s.control.send(sess.ID, frame)

	slog.Info("session joined room", "session", sess.ID, "user", user.ID, "room", code, "rejoin", rejoin, "replayed", len(history))
	return nil
}

// unbind reverts a binding made by a join that then failed. A failure
// leaves the binding stale for the next join to replace.
func (s *Server) unbind(ctx context.Context, userID, code string) {
	if err := s.store.ClearInviteCode(ctx, userID); err != nil {
		s.metrics.StoreFailures.Add(1)
		slog.Error("revert invite code binding failed", "user", userID, "room", code, "err", err)
	}
}
