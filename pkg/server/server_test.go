package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/roomrelay/pkg/auth"
	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/model"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
)

// recordingConn captures frames queued for one session.
type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (c *recordingConn) trySend(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.full {
		return ErrBackpressure
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recordingConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recordingConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// take returns and clears the queued frames.
func (c *recordingConn) take(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(frames))
	for _, f := range frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("frame is not an envelope: %v (%s)", err, f)
		}
		out = append(out, env)
	}
	return out
}

// summarize renders envelopes as "type:detail" strings for diffing.
func summarize(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		switch env.Type {
		case protocol.EventInit:
			var msgs []model.Message
			if err := json.Unmarshal(env.Data, &msgs); err != nil {
				t.Fatalf("decode init: %v", err)
			}
			s := "init:"
			for i, m := range msgs {
				if i > 0 {
					s += "|"
				}
				s += m.AuthorDisplayName + ">" + m.Text
			}
			out = append(out, s)
		case protocol.EventChatMessage:
			var m model.Message
			if err := json.Unmarshal(env.Data, &m); err != nil {
				t.Fatalf("decode chat: %v", err)
			}
			out = append(out, "chat:"+m.AuthorDisplayName+">"+m.Text)
		case protocol.EventError:
			var code string
			if err := json.Unmarshal(env.Data, &code); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			out = append(out, "error:"+code)
		default:
			out = append(out, env.Type+":"+string(env.Data))
		}
	}
	return out
}

// stepClock advances one millisecond per reading.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type harness struct {
	srv   *Server
	store *datastore.MemoryStore
	auth  *auth.Authenticator
}

func newTestServer(t *testing.T) *harness {
	t.Helper()
	st := datastore.NewMemory()
	a, err := auth.New(auth.Config{Secret: "test-secret", Issuer: "roomrelay", TTL: time.Hour})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	clock := &stepClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.MetricsAddr = ""
	srv := New(cfg, Dependencies{Store: st, Auth: a, Now: clock.Now})
	t.Cleanup(srv.cancel)
	return &harness{srv: srv, store: st, auth: a}
}

// connect registers a directory user and a live session with a recording
// connection.
func (h *harness) connect(t *testing.T, externalID, name string) (*model.Session, *recordingConn) {
	t.Helper()
	u, err := h.store.UpsertFromExternalProfile(context.Background(), externalID, name, "", "")
	if err != nil {
		t.Fatalf("UpsertFromExternalProfile: %v", err)
	}
	return h.attach(u.ID)
}

// attach opens another session for an existing user.
func (h *harness) attach(userID string) (*model.Session, *recordingConn) {
	sess := h.srv.sessions.Create(userID)
	rc := &recordingConn{}
	h.srv.control.setConn(sess.ID, rc)
	return sess, rc
}

func (h *harness) inviteCode(t *testing.T, userID string) string {
	t.Helper()
	u, err := h.store.FindByUserID(context.Background(), userID)
	if err != nil || u == nil {
		t.Fatalf("FindByUserID(%s) = %v, %v", userID, u, err)
	}
	return u.InviteCode
}

func (h *harness) roomTexts(t *testing.T, room string) []string {
	t.Helper()
	msgs, err := h.store.ListMessagesSince(context.Background(), room, time.Time{})
	if err != nil {
		t.Fatalf("ListMessagesSince: %v", err)
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func assertFrames(t *testing.T, rc *recordingConn, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	if diff := cmp.Diff(want, summarize(t, rc.take(t))); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRequiresDependencies(t *testing.T) {
	srv := New(DefaultConfig(), Dependencies{})
	if err := srv.Serve(context.Background(), nil); err == nil {
		t.Fatal("Serve without store: expected error")
	}
}

func TestServeResetsRoomStateBeforeAccepting(t *testing.T) {
	h := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u, err := h.store.UpsertFromExternalProfile(ctx, "ext-a", "Alice", "", "")
	if err != nil {
		t.Fatalf("UpsertFromExternalProfile: %v", err)
	}
	if err := h.store.SetInviteCode(ctx, u.ID, "ABCD"); err != nil {
		t.Fatalf("SetInviteCode: %v", err)
	}
	stale := &model.Message{Room: "ABCD", AuthorDisplayName: "Alice", Text: "from last run", CreatedAt: time.Now()}
	if err := h.store.AppendMessage(ctx, stale); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx, ln) }()

	waitFor(t, "healthz", func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	if got := h.inviteCode(t, u.ID); got != "" {
		t.Errorf("invite code = %q after start, want cleared", got)
	}
	if got := h.roomTexts(t, "ABCD"); len(got) != 0 {
		t.Errorf("history = %v after start, want empty", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeFailsWhenResetFails(t *testing.T) {
	h := newTestServer(t)
	h.store.SetFault(func(op string) error {
		if op == datastore.OpResetRooms {
			return errors.New("locked")
		}
		return nil
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	if err := h.srv.Serve(context.Background(), ln); err == nil {
		t.Fatal("Serve: expected reset error")
	}
}
