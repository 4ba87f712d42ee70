package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomrelay/pkg/datastore"
)

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID          string `yaml:"id"`
	ExternalID  string `yaml:"external_id"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email,omitempty"`
	AvatarRef   string `yaml:"avatar,omitempty"`
	InviteCode  string `yaml:"invite_code,omitempty"`
	CreatedAt   string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadConfig reads a YAML config file over the defaults in base. Keys
// missing from the file keep their base values; unknown keys are rejected.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, base)
}

// ParseConfig decodes YAML config data over base.
func ParseConfig(data []byte, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// Validate checks config values that would otherwise fail at runtime.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("config: listen_addr is required")
	case c.DBPath == "":
		return errors.New("config: db_path is required")
	case c.MaxFrameBytes <= 0:
		return errors.New("config: max_frame_bytes must be positive")
	case c.SendBuffer <= 0:
		return errors.New("config: send_buffer must be positive")
	case c.PingPeriod < time.Second:
		return errors.New("config: ping_period must be at least 1s")
	case c.RateLimit.Burst <= 0 || c.RateLimit.Interval <= 0:
		return errors.New("config: rate_limit burst and interval must be positive")
	case c.TokenTTL <= 0:
		return errors.New("config: token_ttl must be positive")
	}
	return nil
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(ctx context.Context, st datastore.IdentityDirectory) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:          u.ID,
			ExternalID:  u.ExternalID,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			AvatarRef:   u.AvatarRef,
			InviteCode:  u.InviteCode,
			CreatedAt:   u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
