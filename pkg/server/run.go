package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/roomrelay/pkg/version"
)

const shutdownTimeout = 10 * time.Second

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.control)
	mux.HandleFunc("/healthz", handleHealthz)
	return mux
}

// Run starts the server and blocks until a shutdown signal.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// client connection and the store.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if s.auth == nil {
		return fmt.Errorf("server: missing authenticator dependency")
	}
	st := s.store
	defer func() { _ = st.Close() }()

	// No room is occupied before the first accept.
	reset, err := st.ResetRoomState(ctx)
	if err != nil {
		return fmt.Errorf("server: reset room state: %w", err)
	}
	if reset.Bindings > 0 || reset.Messages > 0 {
		slog.Info("cleared room state left by a previous run", "bindings", reset.Bindings, "messages", reset.Messages)
	}

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := s.newMetricsHTTP()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("room relay listening", "addr", ln.Addr().String(), "version", version.String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			slog.Info("metrics HTTP listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.runPeriodicLog(gctx, 60*time.Second)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = httpSrv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		s.Shutdown()
		if err := s.control.wait(shutdownCtx); err != nil {
			slog.Warn("connections still open at shutdown", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown closes every client connection and cancels in-flight events.
// Departures triggered by the closes still run.
func (s *Server) Shutdown() {
	s.control.closeAll()
	s.cancel()
}
