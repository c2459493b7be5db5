// Package admin exposes the node's local HTTP control surface.
//
// Ownership boundary:
// - health/readiness probes and the Prometheus scrape endpoint
// - registration toggle read/write
// - tracked process counts
//
// The engine owns the state; admin only reads and flips it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/autofab/internal/logging"
	"github.com/danmuck/autofab/internal/observability"
	"github.com/danmuck/autofab/internal/process"
)

const (
	Version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// Node is the engine surface the admin routes operate on.
type Node interface {
	RegistrationEnabled() bool
	SetRegistrationEnabled(enabled bool)
	Processes() *process.Registry
}

type Server struct {
	node    Node
	name    string
	started time.Time
	router  *gin.Engine
	log     zerolog.Logger

	ready chan struct{}
	addr  net.Addr
}

func New(name string, node Node) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	log := logging.Component("admin")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware(name))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		node:    node,
		name:    name,
		started: time.Now(),
		router:  r,
		log:     log,
		ready:   make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type registrationBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.name,
			"version": Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.started).String(),
			"node":    s.name,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/processes", func(c *gin.Context) {
		procs := s.node.Processes()
		c.JSON(http.StatusOK, gin.H{
			"tracked": procs.Len(),
			"alive":   procs.Alive(),
			"pids":    procs.PIDs(),
		})
	})

	s.router.GET("/registration", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"enabled": s.node.RegistrationEnabled()})
	})

	s.router.PUT("/registration", func(c *gin.Context) {
		var body registrationBody
		if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": `expected {"enabled": bool}`})
			return
		}
		s.node.SetRegistrationEnabled(*body.Enabled)
		c.JSON(http.StatusOK, gin.H{"enabled": s.node.RegistrationEnabled()})
	})
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info().Str("addr", s.addr.String()).Msg("admin listening")

	served := make(chan error, 1)
	go func() {
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	s.log.Info().Msg("admin stopped")
	return <-served
}
