package server

import (
	"fmt"
	"net/http"
	"time"
)

// newMetricsHTTP builds the HTTP server exposing /metrics in Prometheus
// text exposition format and /healthz. It returns nil when
// Config.MetricsAddr is empty.
func (s *Server) newMetricsHTTP() *http.Server {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return nil // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", handleHealthz)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("roomrelay_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("roomrelay_connections_active", "Current open WebSocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("roomrelay_connections_total", "Lifetime WebSocket upgrade attempts.", "counter",
		m.TotalConnections.Load())
	write("roomrelay_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("roomrelay_auth_success_total", "Accepted session tokens.", "counter",
		m.SuccessfulAuths.Load())
	write("roomrelay_auth_failed_total", "Rejected session tokens.", "counter",
		m.FailedAuths.Load())

	write("roomrelay_rooms_active", "Rooms with at least one member.", "gauge",
		int64(len(s.rooms.Rooms())))
	write("roomrelay_joins_total", "Room admissions.", "counter",
		m.Joins.Load())
	write("roomrelay_join_rejections_total", "Refused room admissions.", "counter",
		m.JoinRejections.Load())
	write("roomrelay_rooms_purged_total", "Rooms emptied and purged.", "counter",
		m.RoomsPurged.Load())
	write("roomrelay_messages_purged_total", "Messages deleted by room purges.", "counter",
		m.MessagesPurged.Load())

	write("roomrelay_chat_messages_total", "Chat messages relayed.", "counter",
		m.ChatMessagesSent.Load())
	write("roomrelay_system_notices_total", "System notices emitted.", "counter",
		m.SystemNotices.Load())
	write("roomrelay_fanout_drops_total", "Outbound frames dropped on full or closed queues.", "counter",
		m.FanoutDrops.Load())
	write("roomrelay_rate_limited_total", "Inbound events over the rate limit.", "counter",
		m.RateLimited.Load())

	write("roomrelay_store_failures_total", "Failed datastore operations.", "counter",
		m.StoreFailures.Load())
}
