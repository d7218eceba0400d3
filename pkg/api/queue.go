package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
)

type claimRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Pool     string `json:"pool" binding:"required"`
	Runtime  string `json:"runtime"`
	MaxItems int    `json:"max_items"`
	LeaseMS  int64  `json:"lease_ms"`
}

// QueueClaim leases up to max_items claimable commands to the worker and
// records a command.claimed event per lease. 204 means an empty queue.
func (s *Server) QueueClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	cmds, err := s.queue.Claim(ctx, queue.ClaimRequest{
		WorkerID: req.WorkerID,
		Pool:     req.Pool,
		Runtime:  req.Runtime,
		MaxItems: req.MaxItems,
		Lease:    time.Duration(req.LeaseMS) * time.Millisecond,
	})
	if err == queue.ErrNoCommands {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		s.logger.Error("queue claim failed", "worker_id", req.WorkerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim failed"})
		return
	}

	for _, cmd := range cmds {
		ev := &model.Event{
			ExecutionID:  cmd.ExecutionID,
			EventID:      s.ids.NextID(),
			Timestamp:    time.Now().UTC(),
			Type:         model.EventCommandClaimed,
			NodeID:       cmd.NodeID,
			NodeName:     cmd.NodeName,
			Status:       model.StatusRunning,
			Attempt:      cmd.Attempt,
			LoopID:       cmd.LoopID,
			CurrentIndex: cmd.CurrentIndex,
			Meta:         model.JSON{"worker_id": req.WorkerID, "command_id": cmd.ID, "kind": string(cmd.Kind)},
		}
		if _, err := s.execs.Ingest(ctx, ev); err != nil {
			// The claim stands; the lease reaper recovers if the worker dies
			// before reporting.
			s.logger.Warn("command.claimed event not recorded",
				"command_id", cmd.ID, "execution_id", cmd.ExecutionID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

type leaseRequest struct {
	CommandID int64  `json:"command_id" binding:"required"`
	WorkerID  string `json:"worker_id" binding:"required"`
	ExtendMS  int64  `json:"extend_ms"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// QueueHeartbeat extends the worker's lease on one command.
func (s *Server) QueueHeartbeat(c *gin.Context) {
	req, ok := bindLease(c)
	if !ok {
		return
	}
	extend := time.Duration(req.ExtendMS) * time.Millisecond
	if err := s.queue.Heartbeat(c.Request.Context(), req.CommandID, req.WorkerID, extend); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// QueueComplete finalizes a leased command as DONE or FAILED.
func (s *Server) QueueComplete(c *gin.Context) {
	req, ok := bindLease(c)
	if !ok {
		return
	}
	status := model.CommandStatus(req.Status)
	if status != model.CommandDone && status != model.CommandFailed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be DONE or FAILED"})
		return
	}
	applied, err := s.queue.Complete(c.Request.Context(), req.CommandID, req.WorkerID, status)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

// QueueRelease gives a leased command back to the queue.
func (s *Server) QueueRelease(c *gin.Context) {
	req, ok := bindLease(c)
	if !ok {
		return
	}
	if err := s.queue.Release(c.Request.Context(), req.CommandID, req.WorkerID, req.Reason); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// QueueDepth reports the number of claimable commands, optionally per pool.
func (s *Server) QueueDepth(c *gin.Context) {
	depth, err := s.queue.Depth(c.Request.Context(), c.Query("pool"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "depth query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth})
}

func bindLease(c *gin.Context) (leaseRequest, bool) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return req, false
	}
	return req, true
}
