package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/version"
)

// Health reports server liveness plus database and queue signals.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{
		"status":  "healthy",
		"version": version.Version,
	}

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db.Pool())
		body["database"] = dbHealth
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}

	if depth, err := s.queue.Depth(ctx, ""); err == nil {
		body["queue_depth"] = depth
	}

	c.JSON(http.StatusOK, body)
}
