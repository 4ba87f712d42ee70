package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime upgrade attempts
	ActiveConnections atomic.Int64 // current open WebSocket connections
	FailedAuths       atomic.Int64 // rejected session tokens
	SuccessfulAuths   atomic.Int64 // accepted session tokens
	TotalDisconnects  atomic.Int64 // closed connections (clean + unclean)

	// Room counters
	Joins          atomic.Int64 // admissions (rejoins excluded)
	JoinRejections atomic.Int64 // invalid code, mismatch or unknown user
	RoomsPurged    atomic.Int64 // rooms emptied and purged
	MessagesPurged atomic.Int64 // messages deleted by purges

	// Relay counters
	ChatMessagesSent atomic.Int64 // chat lines persisted and fanned out
	SystemNotices    atomic.Int64 // join/leave notices emitted
	FanoutDrops      atomic.Int64 // frames dropped on full or closed queues
	RateLimited      atomic.Int64 // inbound events over the rate limit

	StoreFailures atomic.Int64 // failed datastore operations
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	Joins          int64 `json:"joins"`
	JoinRejections int64 `json:"join_rejections"`
	RoomsPurged    int64 `json:"rooms_purged"`
	MessagesPurged int64 `json:"messages_purged"`

	ChatMessagesSent int64 `json:"chat_messages_sent"`
	SystemNotices    int64 `json:"system_notices"`
	FanoutDrops      int64 `json:"fanout_drops"`
	RateLimited      int64 `json:"rate_limited"`

	StoreFailures int64 `json:"store_failures"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		Joins:             m.Joins.Load(),
		JoinRejections:    m.JoinRejections.Load(),
		RoomsPurged:       m.RoomsPurged.Load(),
		MessagesPurged:    m.MessagesPurged.Load(),
		ChatMessagesSent:  m.ChatMessagesSent.Load(),
		SystemNotices:     m.SystemNotices.Load(),
		FanoutDrops:       m.FanoutDrops.Load(),
		RateLimited:       m.RateLimited.Load(),
		StoreFailures:     m.StoreFailures.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary(rooms int) {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"rooms", rooms,
		"chat_msgs", s.ChatMessagesSent,
		"fanout_drops", s.FanoutDrops,
		"store_failures", s.StoreFailures,
	)
}

// runPeriodicLog logs a summary every interval until ctx is done.
func (s *Server) runPeriodicLog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.LogSummary(len(s.rooms.Rooms()))
		}
	}
}
