package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/service"
)

type registerPlaybookRequest struct {
	Content string `json:"content" binding:"required"`
}

// RegisterPlaybook stores one playbook version from YAML content.
func (s *Server) RegisterPlaybook(c *gin.Context) {
	var req registerPlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	entry, err := s.catalog.RegisterPlaybook(c.Request.Context(), req.Content)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListPlaybooks returns the latest version of every registered path.
func (s *Server) ListPlaybooks(c *gin.Context) {
	entries, err := s.catalog.ListPlaybooks(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playbooks": entries})
}

// GetPlaybook returns one registered playbook; ?version selects a specific
// version, otherwise the latest.
func (s *Server) GetPlaybook(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	version, _ := strconv.Atoi(c.Query("version"))
	entry, err := s.catalog.GetPlaybook(c.Request.Context(), path, version)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type putCredentialRequest struct {
	Name string         `json:"name" binding:"required"`
	Type string         `json:"type"`
	Data map[string]any `json:"data" binding:"required"`
}

// PutCredential creates or replaces a credential.
func (s *Server) PutCredential(c *gin.Context) {
	var req putCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	cred := &catalog.Credential{Name: req.Name, Type: req.Type, Data: req.Data}
	if err := s.catalog.PutCredential(c.Request.Context(), cred); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": cred.Name})
}

// ListCredentials returns credential metadata without data payloads.
func (s *Server) ListCredentials(c *gin.Context) {
	creds, err := s.catalog.ListCredentials(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// GetCredential resolves one credential with its data. Workers call this at
// command execution time; the data never travels through the queue.
func (s *Server) GetCredential(c *gin.Context) {
	cred, err := s.catalog.GetCredential(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

// DeleteCredential removes a credential.
func (s *Server) DeleteCredential(c *gin.Context) {
	if err := s.catalog.DeleteCredential(c.Request.Context(), c.Param("name")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type runRequest struct {
	Path    string `json:"path" binding:"required"`
	Version int    `json:"version"`
	// Workload and Parameters are aliases for the same overrides map.
	Workload          map[string]any `json:"workload"`
	Parameters        map[string]any `json:"parameters"`
	Merge             bool           `json:"merge"`
	ParentExecutionID int64          `json:"parent_execution_id"`
	ParentStep        string         `json:"parent_step"`
}

// Run starts an execution of a registered playbook. merge:true deep-merges
// the overrides into the declared workload instead of replacing top-level
// keys.
func (s *Server) Run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	workload := req.Workload
	if workload == nil {
		workload = req.Parameters
	}
	ex, err := s.runs.Run(c.Request.Context(), service.RunInput{
		Path:              req.Path,
		Version:           req.Version,
		Workload:          workload,
		Merge:             req.Merge,
		ParentExecutionID: req.ParentExecutionID,
		ParentStep:        req.ParentStep,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"execution_id": ex.ID,
		"path":         ex.Path,
		"version":      ex.Version,
		"status":       ex.Status,
	})
}

// GetExecution returns one execution, with its final result once terminal.
func (s *Server) GetExecution(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	view, err := s.execs.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListEvents returns one page of the execution's event log, ordered by
// event id. ?after is the cursor, ?limit caps the page.
func (s *Server) ListEvents(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := s.execs.Events(c.Request.Context(), id, after, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].EventID
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_after": next})
}

// StreamEvents streams the execution's events over SSE. The cursor comes from
// ?after or the Last-Event-ID header set by reconnecting EventSource clients.
func (s *Server) StreamEvents(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	if s.sse == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event streaming is not enabled"})
		return
	}
	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	if after == 0 {
		after, _ = strconv.ParseInt(c.GetHeader("Last-Event-ID"), 10, 64)
	}
	s.sse.ServeExecution(c, id, after)
}

// StreamEventsQuery is the query-addressed form of the SSE stream: the
// execution is named by ?execution_id (or a session_token holding the same
// id) instead of the path.
func (s *Server) StreamEventsQuery(c *gin.Context) {
	if s.sse == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event streaming is not enabled"})
		return
	}
	raw := c.Query("execution_id")
	if raw == "" {
		raw = c.Query("session_token")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}
	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	if after == 0 {
		after, _ = strconv.ParseInt(c.GetHeader("Last-Event-ID"), 10, 64)
	}
	s.sse.ServeExecution(c, id, after)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelExecution requests cancellation of a running execution.
func (s *Server) CancelExecution(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.execs.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "status": model.StatusCancelled})
}

// IngestEvent appends one worker-reported event.
func (s *Server) IngestEvent(c *gin.Context) {
	var ev model.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event: " + err.Error()})
		return
	}
	appended, err := s.execs.Ingest(c.Request.Context(), &ev)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": ev.EventID, "appended": appended})
}

func executionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return 0, false
	}
	return id, true
}
