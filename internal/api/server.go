// Package api exposes the HTTP surface: the Jellyfin webhook ingress plus
// health, stats and manual sync endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/engine"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of the service.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	router *gin.Engine
}

// New creates the API server and registers all routes.
func New(cfg *config.Config, eng *engine.Engine, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		engine: eng,
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger())
	s.router.Use(gzip.Gzip(gzip.DefaultCompression))

	s.router.POST("/webhook", s.handleWebhook)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/stats", s.handleStats)
	s.router.POST("/sync", s.handleSync)

	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server listening", "listen", s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs every handled request with its latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
