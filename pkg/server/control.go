package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/NicolasHaas/roomrelay/pkg/auth"
	"github.com/NicolasHaas/roomrelay/pkg/model"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
	pb "github.com/NicolasHaas/roomrelay/pkg/protocol/pb"
)

const (
	writeWait = 10 * time.Second
	// opTimeout bounds the store work of one inbound event.
	opTimeout = 10 * time.Second
)

var (
	ErrBackpressure = errors.New("server: send queue full")
	errConnClosed   = errors.New("server: connection closed")
)

// outbound is the send side of a connection.
type outbound interface {
	trySend(frame []byte) error
	close()
}

// client is one upgraded WebSocket connection. Frames are queued on send
// and written by writePump; nothing else writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{conn: conn, send: make(chan []byte, buffer)}
}

func (c *client) trySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

// close stops the write pump, which then sends a close frame.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ControlHandler upgrades authenticated requests and runs the per-connection
// read and write pumps.
type ControlHandler struct {
	server   *Server
	upgrader websocket.Upgrader

	origins  map[string]struct{}
	allowAll bool

	mu      sync.RWMutex
	connMap map[string]outbound // sessionID -> connection for sending events

	wg sync.WaitGroup
}

// newControlHandler creates a control handler.
func newControlHandler(srv *Server) *ControlHandler {
	ch := &ControlHandler{
		server:  srv,
		connMap: make(map[string]outbound),
	}
	origins, allowAll := normalizeOrigins(srv.cfg.AllowedOrigins)
	ch.origins = make(map[string]struct{}, len(origins))
	for _, o := range origins {
		ch.origins[o] = struct{}{}
	}
	ch.allowAll = allowAll
	ch.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ch.checkOrigin,
	}
	return ch
}

// setConn registers a connection for a session.
func (ch *ControlHandler) setConn(sessionID string, conn outbound) {
	ch.mu.Lock()
	ch.connMap[sessionID] = conn
	ch.mu.Unlock()
}

// removeConn removes a session's connection.
func (ch *ControlHandler) removeConn(sessionID string) {
	ch.mu.Lock()
	delete(ch.connMap, sessionID)
	ch.mu.Unlock()
}

// send queues frame for one session without blocking.
func (ch *ControlHandler) send(sessionID string, frame []byte) bool {
	ch.mu.RLock()
	conn, ok := ch.connMap[sessionID]
	ch.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.trySend(frame); err != nil {
		ch.server.metrics.FanoutDrops.Add(1)
		slog.Warn("dropped outbound frame", "session", sessionID, "err", err)
		return false
	}
	return true
}

// broadcastToRoom queues frame for every member of room except
// excludeSession. A slow or closed recipient is skipped.
func (ch *ControlHandler) broadcastToRoom(room string, frame []byte, excludeSession string) {
	for _, sess := range ch.server.rooms.Members(room) {
		if sess.ID == excludeSession {
			continue
		}
		ch.send(sess.ID, frame)
	}
}

func (ch *ControlHandler) replyError(sessionID string, code protocol.Code) {
	frame, err := protocol.EncodeError(code)
	if err != nil {
		slog.Error("encode error frame", "code", code, "err", err)
		return
	}
	ch.send(sessionID, frame)
}

// closeAll closes every registered connection.
func (ch *ControlHandler) closeAll() {
	ch.mu.RLock()
	conns := make([]outbound, 0, len(ch.connMap))
	for _, c := range ch.connMap {
		conns = append(conns, c)
	}
	ch.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
	slog.Info("closed client connections", "count", len(conns))
}

// wait blocks until every connection handler has returned or ctx is done.
func (ch *ControlHandler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ch.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP authenticates the request, upgrades it and serves the
// connection until it closes.
func (ch *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := ch.server
	s.metrics.TotalConnections.Add(1)

	userID, err := s.auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		slog.Info("authentication failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, string(protocol.CodeAuthFailure), http.StatusUnauthorized)
		return
	}

	conn, err := ch.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ch.wg.Add(1)
	defer ch.wg.Done()

	s.metrics.SuccessfulAuths.Add(1)
	s.metrics.ActiveConnections.Add(1)

	c := newClient(conn, s.cfg.SendBuffer)
	sess := s.sessions.Create(userID)
	ch.setConn(sess.ID, c)
	slog.Info("client connected", "session", sess.ID, "user", userID, "remote", r.RemoteAddr, "agent", r.UserAgent())

	defer func() {
		ctx, cancel := s.teardownContext()
		defer cancel()
		if err := s.depart(ctx, sess, reasonDisconnected); err != nil {
			slog.Error("disconnect teardown failed", "session", sess.ID, "err", err)
		}

		ch.removeConn(sess.ID)
		s.sessions.Remove(sess.ID)
		c.close()
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		slog.Info("client disconnected", "session", sess.ID, "user", userID)
	}()

	go ch.writePump(c)
	ch.readPump(sess, c)
}

func (ch *ControlHandler) pongWait() time.Duration {
	return ch.server.cfg.PingPeriod * 10 / 9
}

// readPump processes inbound events for one session, in order, until the
// connection fails or a handler panics.
func (ch *ControlHandler) readPump(sess *model.Session, c *client) {
	cfg := ch.server.cfg
	c.conn.SetReadLimit(cfg.MaxFrameBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(ch.pongWait())); err != nil {
		slog.Warn("set read deadline", "session", sess.ID, "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ch.pongWait()))
	})

	limiter := rate.NewLimiter(rate.Every(cfg.RateLimit.Interval/time.Duration(cfg.RateLimit.Burst)), cfg.RateLimit.Burst)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			logReadError(sess.ID, err)
			return
		}

		if !limiter.Allow() {
			ch.server.metrics.RateLimited.Add(1)
			slog.Debug("rate limit exceeded, event dropped", "session", sess.ID)
			ch.replyError(sess.ID, protocol.CodeRateLimited)
			continue
		}

		if err := ch.dispatch(sess, data); err != nil {
			slog.Error("closing connection after handler failure", "session", sess.ID, "err", err)
			return
		}
	}
}

// dispatch runs one inbound event. Operation failures are reported to the
// session; only a recovered panic is returned.
func (ch *ControlHandler) dispatch(sess *model.Session, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in event handler: %v", r)
		}
	}()

	s := ch.server
	eventType, payload, err := protocol.Decode(data)
	if err != nil {
		slog.Debug("bad request", "session", sess.ID, "err", err)
		ch.replyError(sess.ID, protocol.CodeBadRequest)
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
	defer cancel()

	var opErr error
	switch p := payload.(type) {
	case *pb.JoinRoomRequest:
		opErr = s.join(ctx, sess, p.InviteCode)
	case *pb.ChatMessageRequest:
		opErr = s.publish(ctx, sess, p.Text)
	case *pb.LeaveRoomRequest:
		leaveCtx, leaveCancel := s.teardownContext()
		defer leaveCancel()
		opErr = s.depart(leaveCtx, sess, reasonLeft)
	case *pb.Ping:
		frame, encErr := protocol.EncodePong(p)
		if encErr != nil {
			return nil
		}
		ch.send(sess.ID, frame)
	}

	if opErr != nil {
		code := codeOf(opErr)
		level := slog.LevelInfo
		if code == protocol.CodeStoreFailure || code == protocol.CodeUserNotFound {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "event failed", "session", sess.ID, "event", eventType, "code", code, "err", opErr)
		ch.replyError(sess.ID, code)
	}
	return nil
}

// writePump drains the send queue and keeps the connection alive with
// pings. It owns all writes to the connection.
func (ch *ControlHandler) writePump(c *client) {
	ticker := time.NewTicker(ch.server.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Debug("close connection", "err", err)
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					slog.Debug("write failed", "err", err)
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func logReadError(sessionID string, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("frame exceeded read limit", "session", sessionID)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		slog.Debug("client closed connection", "session", sessionID)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		slog.Debug("connection closed", "session", sessionID, "err", err)
	default:
		slog.Warn("read error", "session", sessionID, "err", err)
	}
}

// isExpectedCloseError reports errors that occur during normal connection
// teardown.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// ---- Origin policy ----

func normalizeOrigins(origins []string) ([]string, bool) {
	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		n, ok := normalizeOrigin(trimmed)
		if !ok {
			slog.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		normalized = append(normalized, n)
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin allows requests without an Origin header (non-browser
// clients) and browser requests from configured origins.
func (ch *ControlHandler) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || ch.allowAll {
		return true
	}
	n, ok := normalizeOrigin(header)
	if ok {
		if _, allowed := ch.origins[n]; allowed {
			return true
		}
	}
	slog.Warn("blocked websocket connection from disallowed origin", "origin", header)
	return false
}
