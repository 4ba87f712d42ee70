package server

import (
	"context"
	"strings"
	"unicode"

	"github.com/NicolasHaas/roomrelay/pkg/model"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
)

// publish persists a chat line from sess and fans it out to every member
// of its room, the sender included. Nothing is sent if the write fails.
func (s *Server) publish(ctx context.Context, sess *model.Session, text string) error {
	room := sess.Room()
	if room == "" {
		return opError(protocol.CodeNotInRoom, ErrNotInRoom)
	}

	text = sanitizeText(strings.TrimSpace(text))
	probe := model.Message{Room: room, Text: text}
	if err := probe.Validate(); err != nil {
		return opError(protocol.CodeInvalidMessage, err)
	}

	user, err := s.store.FindByUserID(ctx, sess.UserID)
	if err != nil {
		s.metrics.StoreFailures.Add(1)
		return opError(protocol.CodeStoreFailure, err)
	}
	if user == nil {
		return opError(protocol.CodeUserNotFound, ErrUserNotFound)
	}

	unlock := s.roomLocks.Lock(room)
	defer unlock()

	msg := &model.Message{
		Room:              room,
		AuthorDisplayName: user.DisplayName,
		AuthorAvatarRef:   user.AvatarRef,
		Text:              text,
	}
	if err := s.persistAndFanOut(ctx, msg, ""); err != nil {
		return opError(protocol.CodeStoreFailure, err)
	}
	s.metrics.ChatMessagesSent.Add(1)
	return nil
}

// notice emits a system message to room, skipping the exclude session,
// and returns it as stored. The caller holds the room lock.
func (s *Server) notice(ctx context.Context, room, text, exclude string) (model.Message, error) {
	msg := &model.Message{
		Room:              room,
		AuthorDisplayName: model.SystemAuthor,
		Text:              text,
	}
	if err := s.persistAndFanOut(ctx, msg, exclude); err != nil {
		return model.Message{}, err
	}
	s.metrics.SystemNotices.Add(1)
	return *msg, nil
}

func (s *Server) persistAndFanOut(ctx context.Context, msg *model.Message, exclude string) error {
	msg.CreatedAt = s.now()
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.metrics.StoreFailures.Add(1)
		return err
	}
	frame, err := protocol.EncodeChat(*msg)
	if err != nil {
		return err
	}
	s.control.broadcastToRoom(msg.Room, frame, exclude)
	return nil
}

// sanitizeText strips control characters from user-supplied text and
// collapses newlines to spaces.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
