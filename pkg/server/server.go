// Package server implements the room relay: admission, message fan-out and
// room teardown over WebSocket connections.
package server

import (
	"context"
	"time"

	"github.com/NicolasHaas/roomrelay/pkg/auth"
	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string          `yaml:"listen_addr"`     // HTTP bind address serving /ws
	MetricsAddr    string          `yaml:"metrics_addr"`    // HTTP bind address for /metrics (empty = disabled)
	DBPath         string          `yaml:"db_path"`         // SQLite database path
	Secret         string          `yaml:"secret"`          // token signing secret (generated if empty)
	TokenIssuer    string          `yaml:"token_issuer"`    // iss claim required on session tokens
	TokenTTL       time.Duration   `yaml:"token_ttl"`       // lifetime of issued tokens
	AllowedOrigins []string        `yaml:"allowed_origins"` // browser origins allowed to connect ("*" = any)
	MaxFrameBytes  int64           `yaml:"max_frame_bytes"` // read limit per inbound frame
	SendBuffer     int             `yaml:"send_buffer"`     // outbound frames queued per connection
	PingPeriod     time.Duration   `yaml:"ping_period"`     // keepalive ping interval
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	// CLI-only actions (run and exit)
	ExportUsers bool   `yaml:"-"` // export all users as YAML and exit
	IssueToken  string `yaml:"-"` // external ID to upsert and mint a token for
}

// RateLimitConfig bounds inbound events per connection: at most Burst
// events per Interval.
type RateLimitConfig struct {
	Burst    int           `yaml:"burst"`
	Interval time.Duration `yaml:"interval"`
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataStore
	Auth  *auth.Authenticator
	// Now overrides the server clock. Defaults to time.Now().UTC().
	Now func() time.Time
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MetricsAddr:    ":9602",
		DBPath:         "roomrelay.db",
		TokenIssuer:    "roomrelay",
		TokenTTL:       24 * time.Hour,
		AllowedOrigins: []string{"*"},
		MaxFrameBytes:  protocol.MaxFrameBytes,
		SendBuffer:     256,
		PingPeriod:     54 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:    10,
			Interval: time.Second,
		},
	}
}

// Server is the main room relay server.
type Server struct {
	cfg       Config
	sessions  *SessionManager
	rooms     *RoomRegistry
	userLocks *keyedMutex
	roomLocks *keyedMutex
	metrics   *Metrics
	store     datastore.DataStore
	auth      *auth.Authenticator
	control   *ControlHandler
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Server{
		cfg:       cfg,
		sessions:  NewSessionManager(),
		rooms:     NewRoomRegistry(),
		userLocks: newKeyedMutex(),
		roomLocks: newKeyedMutex(),
		metrics:   NewMetrics(),
		store:     deps.Store,
		auth:      deps.Auth,
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.control = newControlHandler(s)
	return s
}

// Rooms returns the room registry.
func (s *Server) Rooms() *RoomRegistry {
	return s.rooms
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// teardownContext bounds a departure. It outlives Shutdown so leaves and
// disconnects in flight still clear bindings and purge rooms.
func (s *Server) teardownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), opTimeout)
}
