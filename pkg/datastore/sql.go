// Package datastore provides SQLite-backed and in-memory persistence for
// users and room messages.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/roomrelay/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// DB is the subset of *sql.DB and *sql.Tx the providers need.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

// SQLStore provides database access for users and messages.
type SQLStore struct {
	baseProvider
	db *sql.DB
}

// NewSQLStore opens (or creates) a SQLite database and runs migrations.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLStore{baseProvider: baseProvider{DB: db}, db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// tx runs fn inside a transaction, committing on success.
func (s *SQLStore) tx(ctx context.Context, fn func(p *baseProvider) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin: %w", err)
	}
	if err := fn(&baseProvider{DB: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id           TEXT    PRIMARY KEY,
		external_id  TEXT    NOT NULL UNIQUE CHECK(length(external_id) > 0),
		email        TEXT    NOT NULL DEFAULT '',
		display_name TEXT    NOT NULL CHECK(length(display_name) > 0),
		avatar_ref   TEXT    NOT NULL DEFAULT '',
		invite_code  TEXT    NOT NULL DEFAULT '',
		created_at   TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		room        TEXT    NOT NULL,
		author      TEXT    NOT NULL,
		avatar_ref  TEXT    NOT NULL DEFAULT '',
		body        TEXT    NOT NULL,
		created_at  INTEGER NOT NULL
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room, created_at, id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *SQLStore) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// Message timestamps are stored as unix microseconds so replay
// watermarks compare at sub-second precision.
func toDBMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// ceilMicro rounds t up to the next whole microsecond, so a watermark
// never admits a stored message written earlier in the same microsecond.
func ceilMicro(t time.Time) time.Time {
	if tr := t.Truncate(time.Microsecond); !tr.Equal(t) {
		return tr.Add(time.Microsecond)
	}
	return t
}

func fromDBMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// ---- Users ----

const userColumns = "id, external_id, email, display_name, avatar_ref, invite_code, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.DisplayName, &u.AvatarRef, &u.InviteCode, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

// FindByUserID retrieves a user by ID.
func (s *baseProvider) FindByUserID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: find user: %w", err)
	}
	return u, nil
}

func (s *baseProvider) findByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: find user by external id: %w", err)
	}
	return u, nil
}

// ListUsers returns all users.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpsertFromExternalProfile creates or refreshes a user inside one transaction.
func (s *SQLStore) UpsertFromExternalProfile(ctx context.Context, externalID, name, avatar, email string) (*model.User, error) {
	name = strings.TrimSpace(name)
	if err := validateProfile(externalID, name, avatar); err != nil {
		return nil, fmt.Errorf("datastore: upsert user: %w", err)
	}

	var user *model.User
	err := s.tx(ctx, func(p *baseProvider) error {
		existing, err := p.findByExternalID(ctx, externalID)
		if err != nil {
			return err
		}
		if existing != nil {
			if _, err := p.ExecContext(ctx,
				"UPDATE users SET display_name = ?, avatar_ref = ?, email = ? WHERE id = ?",
				name, avatar, email, existing.ID); err != nil {
				return fmt.Errorf("datastore: update user: %w", err)
			}
			existing.DisplayName = name
			existing.AvatarRef = avatar
			existing.Email = email
			user = existing
			return nil
		}

		id := uuid.NewString()
		if _, err := p.ExecContext(ctx,
			"INSERT INTO users (id, external_id, email, display_name, avatar_ref) VALUES (?, ?, ?, ?, ?)",
			id, externalID, email, name, avatar); err != nil {
			return fmt.Errorf("datastore: create user: %w", err)
		}
		created, err := p.FindByUserID(ctx, id)
		if err != nil {
			return err
		}
		user = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SetInviteCode binds code to the user.
func (s *baseProvider) SetInviteCode(ctx context.Context, userID, code string) error {
	if err := model.ValidateInviteCode(code); err != nil {
		return fmt.Errorf("datastore: set invite code: %w", err)
	}
	return s.updateInviteCode(ctx, userID, code)
}

// ClearInviteCode unbinds the user's invite code.
func (s *baseProvider) ClearInviteCode(ctx context.Context, userID string) error {
	return s.updateInviteCode(ctx, userID, "")
}

func (s *baseProvider) updateInviteCode(ctx context.Context, userID, code string) error {
	res, err := s.ExecContext(ctx, "UPDATE users SET invite_code = ? WHERE id = ?", code, userID)
	if err != nil {
		return fmt.Errorf("datastore: update invite code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("datastore: update invite code: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ---- Messages ----

// AppendMessage validates and stores a message, assigning its ID.
func (s *baseProvider) AppendMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	if message.CreatedAt.IsZero() {
		return fmt.Errorf("datastore: append message: created_at not set")
	}

	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (room, author, avatar_ref, body, created_at) VALUES (?, ?, ?, ?, ?)",
		message.Room, message.AuthorDisplayName, message.AuthorAvatarRef, message.Text, toDBMicros(message.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: append message: %w", err)
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = fromDBMicros(toDBMicros(message.CreatedAt))
	return nil
}

// ListMessagesSince returns the room's messages at or after since, oldest first.
func (s *baseProvider) ListMessagesSince(ctx context.Context, room string, since time.Time) ([]model.Message, error) {
	var sinceMicros int64
	if !since.IsZero() {
		sinceMicros = toDBMicros(ceilMicro(since))
	}
	rows, err := s.QueryContext(ctx, `
		SELECT id, room, author, avatar_ref, body, created_at
		FROM messages
		WHERE room = ? AND created_at >= ?
		ORDER BY created_at, id
	`, room, sinceMicros)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []model.Message{}
	for rows.Next() {
		var m model.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Room, &m.AuthorDisplayName, &m.AuthorAvatarRef, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.CreatedAt = fromDBMicros(createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteRoomMessages purges a room's history.
func (s *baseProvider) DeleteRoomMessages(ctx context.Context, room string) (int64, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM messages WHERE room = ?", room)
	if err != nil {
		return 0, fmt.Errorf("datastore: delete room messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("datastore: delete room messages: %w", err)
	}
	return n, nil
}

// ResetRoomState clears all bindings and history in one transaction.
func (s *SQLStore) ResetRoomState(ctx context.Context) (RoomStateReset, error) {
	var reset RoomStateReset
	err := s.tx(ctx, func(p *baseProvider) error {
		res, err := p.ExecContext(ctx, "UPDATE users SET invite_code = '' WHERE invite_code <> ''")
		if err != nil {
			return fmt.Errorf("datastore: reset invite codes: %w", err)
		}
		if reset.Bindings, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("datastore: reset invite codes: %w", err)
		}
		res, err = p.ExecContext(ctx, "DELETE FROM messages")
		if err != nil {
			return fmt.Errorf("datastore: reset messages: %w", err)
		}
		if reset.Messages, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("datastore: reset messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return RoomStateReset{}, err
	}
	return reset, nil
}

func validateProfile(externalID, name, avatar string) error {
	if strings.TrimSpace(externalID) == "" {
		return model.ErrExternalIDEmpty
	}
	if err := model.ValidateDisplayName(name); err != nil {
		return err
	}
	if len(avatar) > model.MaxAvatarRefLength {
		return model.ErrAvatarRefTooLong
	}
	return nil
}
