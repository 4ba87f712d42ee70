package datastore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/model"

	"github.com/google/go-cmp/cmp"
)

func NewTestSqlConn(t *testing.T) (*datastore.SQLStore, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewSQLStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

func TestSQLStoreReopenKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	st, err := datastore.NewSQLStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	user, err := st.UpsertFromExternalProfile(ctx, "google:1", "Alice", "", "alice@example.com")
	if err != nil {
		t.Fatalf("UpsertFromExternalProfile: %v", err)
	}
	if err := st.SetInviteCode(ctx, user.ID, "ABCD"); err != nil {
		t.Fatalf("SetInviteCode: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Migrations must be idempotent on an existing database.
	st, err = datastore.NewSQLStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLStore (reopen): %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	got, err := st.FindByUserID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByUserID: %v", err)
	}
	if got == nil || got.InviteCode != "ABCD" {
		t.Fatalf("FindByUserID after reopen = %+v, want invite code ABCD", got)
	}
}

func TestSQLStoreMicrosecondTimestamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	early := &model.Message{Room: "ABCD", AuthorDisplayName: "Alice", Text: "early", CreatedAt: base.Add(100 * time.Microsecond)}
	late := &model.Message{Room: "ABCD", AuthorDisplayName: "Alice", Text: "late", CreatedAt: base.Add(900 * time.Microsecond)}
	for _, m := range []*model.Message{early, late} {
		if err := st.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	// A watermark inside the same second must still split the two.
	got, err := st.ListMessagesSince(ctx, "ABCD", base.Add(500*time.Microsecond))
	if err != nil {
		t.Fatalf("ListMessagesSince: %v", err)
	}
	if diff := cmp.Diff([]model.Message{*late}, got); diff != "" {
		t.Errorf("ListMessagesSince mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLStoreRejectsInvalidProfile(t *testing.T) {
	t.Parallel()

	tcases := map[string]struct {
		externalID string
		name       string
	}{
		"empty_external_id": {externalID: "", name: "Alice"},
		"empty_name":        {externalID: "google:1", name: "  "},
		"long_name":         {externalID: "google:1", name: strings.Repeat("x", model.MaxDisplayNameLength+1)},
	}

	for name, tc := range tcases {
		tc := tc // per-iteration copy (go 1.21 loop semantics)
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			if _, err := st.UpsertFromExternalProfile(context.Background(), tc.externalID, tc.name, "", ""); err == nil {
				t.Fatalf("UpsertFromExternalProfile: expected error, got nil")
			}
		})
	}
}
