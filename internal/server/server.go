package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"taskflow/internal/config"
	"taskflow/internal/core"
	"taskflow/internal/protocol"
	"taskflow/internal/session"
	"taskflow/internal/storage"
)

// Server exposes the task CRUD API, the workspace snapshot and the live-update websocket
type Server struct {
	svc   *core.Service
	store storage.Store
	deps  session.Deps
	cfg   *config.Config
	log   zerolog.Logger

	router   *gin.Engine
	upgrader websocket.Upgrader

	// sessions outlive the request context once hijacked; base bounds them
	base     context.Context
	stop     context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer wires the routes
func NewServer(svc *core.Service, store storage.Store, deps session.Deps, cfg *config.Config, log zerolog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	base, stop := context.WithCancel(context.Background())
	s := &Server{
		svc:    svc,
		store:  store,
		deps:   deps,
		cfg:    cfg,
		log:    log,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// identity is established upstream and carried in the principal header
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		base: base,
		stop: stop,
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWebsocket)

	api := router.Group("/api/workspaces/:ws", s.requireMember)
	{
		api.GET("/snapshot", s.handleSnapshot)

		api.POST("/projects", s.handleCreateProject)
		api.DELETE("/projects/:id", s.handleDeleteProject)

		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.PUT("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)
		api.POST("/tasks/:id/status", s.handleChangeStatus)
		api.POST("/tasks/:id/dependencies", s.handleAddDependency)
		api.DELETE("/tasks/:id/dependencies/:blocker", s.handleRemoveDependency)
		api.POST("/tasks/:id/comments", s.handleAddComment)
	}

	return s
}

// Handler returns the router, for tests and custom listeners
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Close ends every live session and waits for them to tear down
func (s *Server) Close() {
	s.stop()
	s.sessions.Wait()
}

func (s *Server) handleWebsocket(c *gin.Context) {
	principal := c.GetHeader(protocol.PrincipalHeader)
	if principal == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "missing " + protocol.PrincipalHeader + " header",
		})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	tr := protocol.NewWSTransport(ws, s.cfg.Server.WriteTimeout)
	conn := session.NewConn(tr, s.deps, s.cfg.Session, principal, s.log)
	if err := conn.Serve(s.base); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Info().Err(err).Str("conn", conn.ID).Msg("session ended")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok"})
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
