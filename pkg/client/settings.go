package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores connection preferences persisted as YAML.
type Settings struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token,omitempty"`
	LastRoom  string `yaml:"last_room,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{ServerURL: "ws://localhost:8080/ws"}
}

// DefaultSettingsPath returns the per-user settings file location.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "roomrelay.yaml"
	}
	return filepath.Join(dir, "roomrelay", "client.yaml")
}

// LoadSettings reads settings from path. A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag or user config dir
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("client: parse settings: %w", err)
	}
	return s, nil
}

// Save writes settings to path, creating its directory. The file holds a
// bearer token, so it is private to the user.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("client: save settings: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
