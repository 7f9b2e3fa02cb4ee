// Package api serves a read-only JSON view of standup sessions over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/rhythms/internal/session"
	"github.com/zulandar/rhythms/internal/standup"
	"go.uber.org/zap"
)

// Opts holds the API's collaborators.
type Opts struct {
	Store  *session.Store
	Final  *standup.FinalStore
	Active *standup.ActiveSessions // nil when no daemon runs in-process
	Logger *zap.Logger
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Opts
	Port int
}

// Start runs the API server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	handler, err := NewHandler(opts.Opts)
	if err != nil {
		return err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", zap.Int("port", opts.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewHandler builds the gin engine with every route registered.
func NewHandler(opts Opts) (http.Handler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("api: session store is required")
	}
	if opts.Final == nil {
		return nil, fmt.Errorf("api: final store is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), accessLog(log.Named("api")))
	registerRoutes(router, opts)
	return router, nil
}

// accessLog logs one line per request.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
