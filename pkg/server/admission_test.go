package server

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/model"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
)

func TestJoinBindsInviteCode(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()
	alice, aliceConn := h.connect(t, "ext-a", "Alice")

	if err := h.srv.join(ctx, alice, "ABCD"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if got := h.inviteCode(t, alice.UserID); got != "ABCD" {
		t.Errorf("invite code = %q, want ABCD", got)
	}
	if alice.Room() != "ABCD" || alice.JoinTime().IsZero() {
		t.Errorf("session after join: room=%q joinTime=%v", alice.Room(), alice.JoinTime())
	}
	if !h.srv.rooms.Contains("ABCD", alice.ID) {
		t.Error("registry does not contain the session")
	}
	// The joiner gets its own notice through init, not as a live chat.
	assertFrames(t, aliceConn, "init:System>Alice has joined the room")
}

func TestJoinRejections(t *testing.T) {
	tests := []struct {
		name  string
		bound string
		code  string
		want  protocol.Code
	}{
		{"empty code", "", "", protocol.CodeInvalidInviteCode},
		{"whitespace code", "", "AB CD", protocol.CodeInvalidInviteCode},
		{"bound elsewhere", "WXYZ", "ABCD", protocol.CodeInviteCodeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t)
			ctx := context.Background()
			sess, conn := h.connect(t, "ext-b", "Bob")
			rooms := 0
			if tt.bound != "" {
				// Another session of the same user holds the binding.
				other, _ := h.attach(sess.UserID)
				if err := h.srv.join(ctx, other, tt.bound); err != nil {
					t.Fatalf("join %s: %v", tt.bound, err)
				}
				rooms = 1
			}

			err := h.srv.join(ctx, sess, tt.code)
			if got := codeOf(err); err == nil || got != tt.want {
				t.Fatalf("join error = %v (code %s), want %s", err, got, tt.want)
			}
			if sess.Room() != "" {
				t.Errorf("session room = %q, want empty", sess.Room())
			}
			if got := h.inviteCode(t, sess.UserID); got != tt.bound {
				t.Errorf("invite code = %q, want unchanged %q", got, tt.bound)
			}
			if n := len(h.srv.rooms.Rooms()); n != rooms {
				t.Errorf("registry has %d rooms, want %d", n, rooms)
			}
			assertFrames(t, conn)
		})
	}
}

func TestJoinUnknownUser(t *testing.T) {
	h := newTestServer(t)
	sess, _ := h.attach("ghost")

	err := h.srv.join(context.Background(), sess, "ABCD")
	if !errors.Is(err, ErrUserNotFound) || codeOf(err) != protocol.CodeUserNotFound {
		t.Fatalf("join error = %v, want UserNotFound", err)
	}
	if h.srv.rooms.Count("ABCD") != 0 {
		t.Error("unknown user was admitted")
	}
}

func TestJoinStoreFailureLeavesSessionIdle(t *testing.T) {
	h := newTestServer(t)
	sess, _ := h.connect(t, "ext-a", "Alice")
	h.store.SetFault(func(op string) error {
		if op == datastore.OpSetInvite {
			return errors.New("disk full")
		}
		return nil
	})

	err := h.srv.join(context.Background(), sess, "ABCD")
	if codeOf(err) != protocol.CodeStoreFailure {
		t.Fatalf("join error = %v, want StoreFailure", err)
	}
	if sess.Room() != "" || h.srv.rooms.Count("ABCD") != 0 {
		t.Fatal("session was admitted despite bind failure")
	}
	if h.srv.metrics.StoreFailures.Load() != 1 {
		t.Errorf("StoreFailures = %d, want 1", h.srv.metrics.StoreFailures.Load())
	}
}

func TestRejoinSameRoomRefreshesWithoutNotice(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()
	alice, aliceConn := h.connect(t, "ext-a", "Alice")
	bob, bobConn := h.connect(t, "ext-b", "Bob")

	for _, s := range []*model.Session{alice, bob} {
		if err := h.srv.join(ctx, s, "ABCD"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	aliceConn.take(t)
	bobConn.take(t)
	first := alice.JoinTime()

	if err := h.srv.join(ctx, alice, "ABCD"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !alice.JoinTime().After(first) {
		t.Errorf("join time not refreshed: %v -> %v", first, alice.JoinTime())
	}
	if got := h.srv.rooms.Count("ABCD"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	assertFrames(t, aliceConn, "init:")
	assertFrames(t, bobConn)
}

func TestJoinReplaysOnlySinceJoinTime(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()
	alice, aliceConn := h.connect(t, "ext-a", "Alice")
	bob, bobConn := h.connect(t, "ext-b", "Bob")
	carol, _ := h.connect(t, "ext-c", "Carol")

	if err := h.srv.join(ctx, alice, "ABCD"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if err := h.srv.join(ctx, carol, "WXYZ"); err != nil {
		t.Fatalf("join carol: %v", err)
	}
	if err := h.srv.publish(ctx, alice, "before bob"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.srv.publish(ctx, carol, "other room"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	aliceConn.take(t)

	if err := h.srv.join(ctx, bob, "ABCD"); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	assertFrames(t, bobConn, "init:System>Bob has joined the room")
	assertFrames(t, aliceConn, "chat:System>Bob has joined the room")
}

func TestJoinSecondSessionOfBoundUser(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()
	first, _ := h.connect(t, "ext-a", "Alice")
	if err := h.srv.join(ctx, first, "ABCD"); err != nil {
		t.Fatalf("join: %v", err)
	}

	second, _ := h.attach(first.UserID)
	if err := h.srv.join(ctx, second, "WXYZ"); codeOf(err) != protocol.CodeInviteCodeMismatch {
		t.Fatalf("join other room from second session = %v, want InviteCodeMismatch", err)
	}
	if err := h.srv.join(ctx, second, "ABCD"); err != nil {
		t.Fatalf("join same room from second session: %v", err)
	}
	if got := h.srv.rooms.Count("ABCD"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestJoinReplacesStaleBinding(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()
	sess, conn := h.connect(t, "ext-a", "Alice")
	// Bound to a room no session of the user occupies.
	if err := h.store.SetInviteCode(ctx, sess.UserID, "WXYZ"); err != nil {
		t.Fatalf("SetInviteCode: %v", err)
	}

	if err := h.srv.join(ctx, sess, "ABCD"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := h.inviteCode(t, sess.UserID); got != "ABCD" {
		t.Errorf("invite code = %q, want ABCD", got)
	}
	assertFrames(t, conn, "init:System>Alice has joined the room")
}

func TestJoinHistoryFailureRollsBack(t *testing.T) {
	tests := []struct {
		name      string
		preBound  bool
		wantBound string
	}{
		{"fresh binding reverted", false, ""},
		{"existing binding kept", true, "ABCD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t)
			ctx := context.Background()
			alice, aliceConn := h.connect(t, "ext-a", "Alice")
			bob, bobConn := h.connect(t, "ext-b", "Bob")
			if err := h.srv.join(ctx, bob, "ABCD"); err != nil {
				t.Fatalf("join bob: %v", err)
			}
			bobConn.take(t)
			if tt.preBound {
				other, _ := h.attach(alice.UserID)
				if err := h.srv.join(ctx, other, "ABCD"); err != nil {
					t.Fatalf("join other: %v", err)
				}
				bobConn.take(t)
			}
			before := h.roomTexts(t, "ABCD")
			members := h.srv.rooms.Count("ABCD")

			h.store.SetFault(func(op string) error {
				if op == datastore.OpListMessages {
					return errors.New("read failed")
				}
				return nil
			})
			err := h.srv.join(ctx, alice, "ABCD")
			h.store.SetFault(nil)

			if codeOf(err) != protocol.CodeStoreFailure {
				t.Fatalf("join error = %v, want StoreFailure", err)
			}
			if alice.Room() != "" || h.srv.rooms.Contains("ABCD", alice.ID) {
				t.Errorf("session admitted after failed join: room=%q", alice.Room())
			}
			if got := h.srv.rooms.Count("ABCD"); got != members {
				t.Errorf("Count = %d, want %d", got, members)
			}
			if got := h.inviteCode(t, alice.UserID); got != tt.wantBound {
				t.Errorf("invite code = %q, want %q", got, tt.wantBound)
			}
			if diff := cmp.Diff(before, h.roomTexts(t, "ABCD")); diff != "" {
				t.Errorf("history changed by failed join (-want +got):\n%s", diff)
			}
			assertFrames(t, aliceConn)
			assertFrames(t, bobConn)
		})
	}
}
