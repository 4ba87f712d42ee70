package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 2000

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")
var ErrMessageRoomEmpty = errors.New("message room cannot be empty")

// Message is an immutable chat line or system notice tagged with its room key.
type Message struct {
	ID                int64     `json:"id"`
	Room              string    `json:"room"`
	AuthorDisplayName string    `json:"author"`
	AuthorAvatarRef   string    `json:"avatar,omitempty"`
	Text              string    `json:"text"`
	CreatedAt         time.Time `json:"created_at"`
}

func (m *Message) Validate() error {
	if m.Room == "" {
		return ErrMessageRoomEmpty
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Text) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}

// IsSystem reports whether the message is a synthesized notice.
func (m *Message) IsSystem() bool {
	return m.AuthorDisplayName == SystemAuthor
}
