// Package api is the HTTP surface of the server: the catalog and execution
// REST endpoints, the worker queue protocol, event ingestion, SSE streaming,
// and a small GraphQL schema for clients that prefer it.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"

	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/service"
	"github.com/noetl/noetl/pkg/stream"
)

// Server wires the HTTP handlers to the service layer.
type Server struct {
	catalog *service.CatalogService
	runs    *service.RunService
	execs   *service.ExecutionService
	queue   queue.Queue
	ids     *eventlog.IDGen
	sse     *stream.SSEHub
	db      *database.Client
	logger  *slog.Logger

	httpSrv      *http.Server
	graphqlOnce  sync.Once
	graphqlCache graphql.Schema
}

// NewServer creates the API server. sse and db may be nil (no streaming, or
// the in-memory backend).
func NewServer(
	catalogSvc *service.CatalogService,
	runSvc *service.RunService,
	execSvc *service.ExecutionService,
	q queue.Queue,
	ids *eventlog.IDGen,
	sse *stream.SSEHub,
	db *database.Client,
	logger *slog.Logger,
) *Server {
	return &Server{
		catalog: catalogSvc,
		runs:    runSvc,
		execs:   execSvc,
		queue:   q,
		ids:     ids,
		sse:     sse,
		db:      db,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/health", s.Health)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/catalog/playbooks", s.RegisterPlaybook)
		apiGroup.GET("/catalog/playbooks", s.ListPlaybooks)
		apiGroup.GET("/catalog/playbooks/*path", s.GetPlaybook)

		apiGroup.POST("/catalog/credentials", s.PutCredential)
		apiGroup.POST("/credentials", s.PutCredential)
		apiGroup.GET("/credentials", s.ListCredentials)
		apiGroup.GET("/credentials/:name", s.GetCredential)
		apiGroup.DELETE("/credentials/:name", s.DeleteCredential)

		apiGroup.POST("/run/playbook", s.Run)
		apiGroup.POST("/run", s.Run)
		apiGroup.GET("/executions/:id", s.GetExecution)
		apiGroup.GET("/executions/:id/events", s.ListEvents)
		apiGroup.GET("/executions/:id/events/stream", s.StreamEvents)
		apiGroup.POST("/executions/:id/cancel", s.CancelExecution)

		apiGroup.POST("/events", s.IngestEvent)

		apiGroup.POST("/queue/claim", s.QueueClaim)
		apiGroup.POST("/queue/heartbeat", s.QueueHeartbeat)
		apiGroup.POST("/queue/complete", s.QueueComplete)
		apiGroup.POST("/queue/release", s.QueueRelease)
		apiGroup.GET("/queue/depth", s.QueueDepth)
	}

	// Query-addressed SSE stream for browser EventSource clients.
	r.GET("/events", s.StreamEventsQuery)

	r.POST("/graphql", s.GraphQL)

	return r
}

// Start serves HTTP on addr until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs one line per request, skipping the noisy queue poll.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/api/queue/claim" && c.Writer.Status() == http.StatusNoContent {
			return
		}
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
