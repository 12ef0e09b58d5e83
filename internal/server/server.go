// Package server assembles the gin engine and the HTTP lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/config"
	"claude-relay-go/internal/middleware"
	"claude-relay-go/internal/pricing"
	"claude-relay-go/internal/relay"
	"claude-relay-go/internal/store"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Dependencies carries the services the routes need.
type Dependencies struct {
	Store    *store.Store
	Keys     *apikey.Service
	Accounts *account.Store
	Engine   *relay.Engine
	Pricing  *pricing.Table
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg  *config.Config
	http *http.Server
}

// New builds the engine with the full middleware chain and all routes.
func New(cfg *config.Config, deps Dependencies) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Recovery(),
		middleware.CORS(),
		middleware.Metrics(),
		middleware.InboundLimiter(cfg.InboundRPS, cfg.InboundBurst),
	)

	registerRoutes(r, cfg, deps)

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: r,
		},
	}
}

// Handler exposes the assembled routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.WithField("addr", s.http.Addr).Info("server_listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
