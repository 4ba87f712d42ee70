// Package client implements a roomrelay WebSocket client.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/roomrelay/pkg/model"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
	pb "github.com/NicolasHaas/roomrelay/pkg/protocol/pb"
	"github.com/NicolasHaas/roomrelay/pkg/version"
)

// Event is one decoded server event. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type    string
	History []model.Message // init
	Message *model.Message  // chatMessage
	Code    protocol.Code   // error
	Pong    *pb.Pong        // pong
}

// EventHandler is a callback for incoming server events. It runs on the
// receive goroutine.
type EventHandler func(ev Event)

// ErrHandshake wraps a refused WebSocket upgrade.
var ErrHandshake = errors.New("client: handshake refused")

// ControlClient manages one WebSocket connection to the relay.
type ControlClient struct {
	conn    *websocket.Conn
	mu      sync.Mutex // serializes writes
	handler EventHandler
	done    chan struct{}
}

// Dial connects to the relay's /ws endpoint at url, presenting token as a
// bearer credential.
func Dial(ctx context.Context, url, token string) (*ControlClient, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", version.UserAgent())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s", ErrHandshake, resp.Status)
		}
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &ControlClient{conn: conn, done: make(chan struct{})}, nil
}

// SetEventHandler sets the callback for incoming events. Call it before
// StartReceiving.
func (c *ControlClient) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

func (c *ControlClient) send(eventType string, data any) error {
	frame, err := protocol.Encode(eventType, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("client: send %s: %w", eventType, err)
	}
	return nil
}

// JoinRoom asks to enter the room named by code.
func (c *ControlClient) JoinRoom(code string) error {
	return c.send(protocol.EventJoinRoom, pb.JoinRoomRequest{InviteCode: code})
}

// SendChat publishes text to the current room.
func (c *ControlClient) SendChat(text string) error {
	return c.send(protocol.EventChatMessage, pb.ChatMessageRequest{Text: text})
}

// LeaveRoom leaves the current room.
func (c *ControlClient) LeaveRoom() error {
	return c.send(protocol.EventLeaveRoom, pb.LeaveRoomRequest{})
}

// Ping sends an application-level ping stamped with the current time.
func (c *ControlClient) Ping() error {
	return c.send(protocol.EventPing, pb.Ping{Timestamp: time.Now().UnixMilli()})
}

// StartReceiving starts a goroutine that reads incoming events and
// dispatches them to the event handler.
func (c *ControlClient) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("connection closed by server")
					return
				}
				slog.Debug("read error", "err", err)
				return
			}
			ev, err := decodeEvent(data)
			if err != nil {
				slog.Warn("ignoring malformed server frame", "err", err)
				continue
			}
			if c.handler != nil {
				c.handler(ev)
			}
		}
	}()
}

func decodeEvent(data []byte) (Event, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("client: decode envelope: %w", err)
	}
	ev := Event{Type: env.Type}
	var err error
	switch env.Type {
	case protocol.EventInit:
		err = json.Unmarshal(env.Data, &ev.History)
	case protocol.EventChatMessage:
		ev.Message = &model.Message{}
		err = json.Unmarshal(env.Data, ev.Message)
	case protocol.EventError:
		err = json.Unmarshal(env.Data, &ev.Code)
	case protocol.EventPong:
		ev.Pong = &pb.Pong{}
		err = json.Unmarshal(env.Data, ev.Pong)
	default:
		return ev, fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return ev, fmt.Errorf("client: decode %s: %w", env.Type, err)
	}
	return ev, nil
}

// Close sends a close frame and closes the connection.
func (c *ControlClient) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}
