// Package server exposes the recommendation engine as a JSON API for the
// operator console and the customer-facing app.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/logger"
	"github.com/TobiSchelling/finpilot/internal/pipeline"
)

// Server is the HTTP server for the engine.
type Server struct {
	db     *database.DB
	engine *pipeline.Pipeline
	log    *logger.Logger
	router *gin.Engine
}

// New creates a Server.
func New(db *database.DB, engine *pipeline.Pipeline, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		db:     db,
		engine: engine,
		log:    log.With("component", "server"),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), requestID(), requestLogger(s.log))
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", s.handleHealth)

	r.GET("/users/:user_id", s.handleGetUser)
	r.GET("/consent/:user_id", s.handleGetConsent)
	r.POST("/consent", s.handleSetConsent)

	r.GET("/personas/:user_id", s.handleGetPersona)
	r.POST("/personas/:user_id", s.handleAssignPersona)

	r.POST("/recommendations/:user_id/generate", s.handleGenerate)
	r.GET("/recommendations/:user_id", s.handleListRecommendations)
	r.GET("/recommendation/:id", s.handleGetRecommendation)

	r.GET("/products", s.handleListProducts)

	op := r.Group("/operator")
	{
		op.GET("/dashboard", s.handleDashboard)
		op.GET("/review", s.handleReview)
		op.POST("/recommendations/bulk-approve", s.handleBulkApprove)
		op.POST("/recommendations/:id/approve", s.handleApprove)
		op.POST("/recommendations/:id/reject", s.handleReject)
		op.POST("/recommendations/:id/override", s.handleOverride)
		op.GET("/recommendations/:id/actions", s.handleHistory)
		op.GET("/users/:user_id/actions", s.handleUserActions)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		s.respondError(c, fmt.Errorf("database unavailable: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, srv *Server, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("server listening", "addr", "http://"+addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.log.Info("shutting down server")
		return httpSrv.Shutdown(shutdownCtx)
	}
}
