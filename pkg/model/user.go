package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MaxDisplayNameLength = 64
	MaxInviteCodeLength  = 64
	MaxAvatarRefLength   = 512
)

var ErrDisplayNameEmpty = errors.New("display name must not be empty")
var ErrDisplayNameTooLong = fmt.Errorf("display name must not exceed %d characters", MaxDisplayNameLength)
var ErrAvatarRefTooLong = fmt.Errorf("avatar reference must not exceed %d characters", MaxAvatarRefLength)
var ErrExternalIDEmpty = errors.New("external id must not be empty")
var ErrInviteCodeEmpty = errors.New("invite code must not be empty")
var ErrInviteCodeTooLong = fmt.Errorf("invite code must not exceed %d characters", MaxInviteCodeLength)
var ErrInviteCodeInvalidChars = errors.New("invite code must not contain whitespace or control characters")

// User is a stable identity record. InviteCode is empty while the user
// is not bound to any room.
type User struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	InviteCode  string    `json:"invite_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidateDisplayName checks that a display name is 1-64 characters after trimming.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	return nil
}

// ValidateInviteCode checks that a code is 1-64 characters with no
// whitespace or control characters. Codes are case-sensitive room keys.
func ValidateInviteCode(code string) error {
	if code == "" {
		return ErrInviteCodeEmpty
	}
	if utf8.RuneCountInString(code) > MaxInviteCodeLength {
		return ErrInviteCodeTooLong
	}
	for _, r := range code {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInviteCodeInvalidChars
		}
	}
	return nil
}
