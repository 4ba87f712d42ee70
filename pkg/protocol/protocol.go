// Package protocol defines the JSON event envelope exchanged over the
// WebSocket and the error codes reported to clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NicolasHaas/roomrelay/pkg/model"
	pb "github.com/NicolasHaas/roomrelay/pkg/protocol/pb"
)

// MaxFrameBytes is the default read limit for one inbound frame. A chat
// line of MessageMaxBodyLength four-byte runes plus envelope fits.
const MaxFrameBytes = 16 * 1024

// Event names. ChatMessage is used in both directions.
const (
	EventJoinRoom    = "joinRoom"
	EventChatMessage = "chatMessage"
	EventLeaveRoom   = "leaveRoom"
	EventPing        = "ping"

	EventInit  = "init"
	EventError = "error"
	EventPong  = "pong"
)

// Code is a client-visible error code sent as the data of an error event.
type Code string

const (
	CodeUserNotFound       Code = "UserNotFound"
	CodeInviteCodeMismatch Code = "InviteCodeMismatch"
	CodeNotInRoom          Code = "NotInRoom"
	CodeStoreFailure       Code = "StoreFailure"
	CodeInvalidInviteCode  Code = "InvalidInviteCode"
	CodeInvalidMessage     Code = "InvalidMessage"
	CodeRateLimited        Code = "RateLimited"
	CodeBadRequest         Code = "BadRequest"
	// CodeAuthFailure is only ever sent as an HTTP 401 body.
	CodeAuthFailure Code = "AuthFailure"
)

var ErrUnknownEvent = errors.New("protocol: unknown event")

// Envelope is the frame layout in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses an inbound frame and returns the event type with its
// typed payload: *pb.JoinRoomRequest, *pb.ChatMessageRequest,
// *pb.LeaveRoomRequest or *pb.Ping.
func Decode(frame []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}

	var payload any
	switch env.Type {
	case EventJoinRoom:
		payload = &pb.JoinRoomRequest{}
	case EventChatMessage:
		payload = &pb.ChatMessageRequest{}
	case EventLeaveRoom:
		payload = &pb.LeaveRoomRequest{}
	case EventPing:
		payload = &pb.Ping{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: unmarshal %s: %w", env.Type, err)
		}
	}
	return env.Type, payload, nil
}

// Encode builds an outbound frame.
func Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", eventType, err)
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return frame, nil
}

// EncodeInit builds the history replay sent after admission. A nil slice
// is sent as an empty array.
func EncodeInit(history []model.Message) ([]byte, error) {
	if history == nil {
		history = []model.Message{}
	}
	return Encode(EventInit, history)
}

// EncodeChat builds a chatMessage broadcast.
func EncodeChat(m model.Message) ([]byte, error) {
	return Encode(EventChatMessage, m)
}

// EncodeError builds an error event carrying code.
func EncodeError(code Code) ([]byte, error) {
	return Encode(EventError, string(code))
}

// EncodePong answers a ping.
func EncodePong(p *pb.Ping) ([]byte, error) {
	return Encode(EventPong, pb.Pong{Timestamp: p.Timestamp})
}
