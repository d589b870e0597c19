// Package web hosts the HTTP front-end: it owns the http.Server, the Gin
// engine and the middleware every request passes through, and mounts the
// route groups provided by package api.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"awg-admin/internal/api"
	"awg-admin/internal/auth"
)

// Server represents the HTTP server for the admin front-end.
type Server struct {
	router *gin.Engine   // Gin HTTP router
	server *http.Server  // HTTP server instance
	config *ServerConfig // Server configuration
	log    logrus.FieldLogger
}

// ServerConfig represents configuration options for the web server.
type ServerConfig struct {
	Listen       string        // Listen address, e.g. ":5000"
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
	Debug        bool          // Gin debug mode
}

// Handlers are the route groups mounted on the engine. Auth and Clients
// are optional; without them no admin routes exist.
type Handlers struct {
	VPN        *api.VPNAPI
	Auth       *api.AuthAPI
	Clients    *api.ClientAPI
	Middleware *auth.AuthMiddleware
}

// NewServer creates a server listening on listen with default timeouts.
func NewServer(listen string, handlers Handlers, logger logrus.FieldLogger) *Server {
	return NewServerWithConfig(&ServerConfig{
		Listen: listen,
		// Provisioning runs several remote commands; leave room for them.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
	}, handlers, logger)
}

// NewServerWithConfig creates a server with a custom configuration.
func NewServerWithConfig(config *ServerConfig, handlers Handlers, logger logrus.FieldLogger) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		router: gin.New(),
		config: config,
		log:    logger,
	}
	// Base64 peer ids may contain an escaped '/'.
	s.router.UseRawPath = true
	s.setupRoutes(handlers)
	s.server = &http.Server{
		Addr:         config.Listen,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Stop.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Stop.
func (s *Server) Serve(l net.Listener) error {
	s.log.WithField("addr", l.Addr().String()).Info("HTTP API listening")
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(h Handlers) {
	s.router.Use(requestID())
	s.router.Use(requestLogger(s.log))
	s.router.Use(recoverer(s.log))
	s.router.Use(corsMiddleware())

	if h.VPN != nil {
		h.VPN.RegisterRoutes(s.router)
	}
	if h.Auth != nil && h.Clients != nil && h.Middleware != nil {
		h.Auth.RegisterRoutes(s.router)
		h.Clients.RegisterRoutes(s.router, h.Middleware)
	}
}
