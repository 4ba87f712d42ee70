package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/roomrelay/pkg/client"
	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
	"github.com/NicolasHaas/roomrelay/pkg/server"
)

func startRelay(t *testing.T) (url string, token func(extID, name string) string) {
	t.Helper()
	st := datastore.NewMemory()
	cfg := server.DefaultConfig()
	cfg.MetricsAddr = ""
	cfg.Secret = "client-test"
	a, err := server.NewAuthenticator(&cfg)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	srv := server.New(cfg, server.Dependencies{Store: st, Auth: a})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})

	issue := func(extID, name string) string {
		_, tok, err := server.Login(context.Background(), st, a, server.Profile{ExternalID: extID, DisplayName: name})
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		return tok
	}
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", issue
}

func collect(c *client.ControlClient) <-chan client.Event {
	ch := make(chan client.Event, 16)
	c.SetEventHandler(func(ev client.Event) { ch <- ev })
	c.StartReceiving()
	return ch
}

func nextEvent(t *testing.T, ch <-chan client.Event) client.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return client.Event{}
	}
}

func TestClientChat(t *testing.T) {
	url, issue := startRelay(t)
	ctx := context.Background()

	alice, err := client.Dial(ctx, url, issue("ext-a", "Alice"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = alice.Close() }()
	events := collect(alice)

	if err := alice.JoinRoom("ABCD"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	ev := nextEvent(t, events)
	if ev.Type != protocol.EventInit || len(ev.History) != 1 {
		t.Fatalf("first event = %+v, want init with the join notice", ev)
	}

	if err := alice.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	ev = nextEvent(t, events)
	if ev.Message == nil {
		t.Fatalf("event = %+v, want chatMessage", ev)
	}
	if diff := cmp.Diff([]string{"Alice", "hello", "ABCD"},
		[]string{ev.Message.AuthorDisplayName, ev.Message.Text, ev.Message.Room}); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}

	if err := alice.LeaveRoom(); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if err := alice.SendChat("gone"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if ev = nextEvent(t, events); ev.Code != protocol.CodeNotInRoom {
		t.Errorf("event after leave = %+v, want NotInRoom", ev)
	}

	if err := alice.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if ev = nextEvent(t, events); ev.Pong == nil || ev.Pong.Timestamp == 0 {
		t.Errorf("event = %+v, want pong", ev)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	url, _ := startRelay(t)
	_, err := client.Dial(context.Background(), url, "bogus")
	if !errors.Is(err, client.ErrHandshake) {
		t.Fatalf("Dial error = %v, want ErrHandshake", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.yaml")

	s, err := client.LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings missing file: %v", err)
	}
	if diff := cmp.Diff(client.DefaultSettings(), s); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}

	s.Token = "tok"
	s.LastRoom = "ABCD"
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := client.LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}
