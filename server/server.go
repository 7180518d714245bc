// Package server runs the relay HTTP servers: the worker API and the
// orchestrator API, both behind bearer authentication.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/GoCodeAlone/relay/server/auth"
)

// Routes registers handlers on a mux.
type Routes interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is a relay HTTP server.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger

	httpSrv *http.Server
}

// New creates a server on addr. Every /api/ route requires a token for
// audience verified with keys; /healthz is public.
func New(addr string, routes Routes, keys auth.KeyFunc, audience string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":9090"
	}
	apiMux := http.NewServeMux()
	routes.RegisterRoutes(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/api/", auth.Middleware(keys, audience, apiMux))

	return &Server{
		addr:    addr,
		handler: mux,
		logger:  logger,
		httpSrv: &http.Server{Handler: mux, ReadHeaderTimeout: 15 * time.Second},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens and serves until Stop. A clean shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server. Open event streams are cut
// when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown incomplete", slog.Any("err", err))
		return s.httpSrv.Close()
	}
	return nil
}
