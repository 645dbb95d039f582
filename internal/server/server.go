// Package server exposes the session manager over HTTP: instruction intake,
// approval responses, status, cancellation and an NDJSON update stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/iambrandonn/overseer/internal/session"
)

const shutdownGrace = 5 * time.Second

// Server serves HTTP endpoints
type Server struct {
	manager *session.Manager
	logger  *slog.Logger
	mux     *http.ServeMux
	now     func() time.Time
	started time.Time
}

// New creates a Server with its routes registered
func New(manager *session.Manager, logger *slog.Logger) *Server {
	s := &Server{
		manager: manager,
		logger:  logger,
		mux:     http.NewServeMux(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.started = s.now()
	s.routes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe listens on addr and serves until ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then shuts down gracefully.
// Request contexts derive from ctx so open event streams end with it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http intake listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http intake stopped")
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /instructions", s.handleInstruction)
	s.mux.HandleFunc("POST /approvals/{id}", s.handleApproval)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /cancel", s.handleCancel)
	s.mux.HandleFunc("GET /events", s.handleEvents)
}
