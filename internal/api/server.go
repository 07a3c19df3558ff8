// Package api assembles the HTTP surface: the public endpoints machines
// and invitees hit, and the session-gated admin tree under /api.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rangeops/rangehub/internal/config"
)

// Server wraps the stdlib HTTP server around the assembled router.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer builds the router from the wired handlers.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{cfg: cfg, handler: SetupRoutes(cfg, deps)}
}

// ListenAndServe starts the server on the configured host and port.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.GetHost(), s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Printf("[API] Listening on %s", addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the assembled router (tests).
func (s *Server) Handler() http.Handler {
	return s.handler
}
