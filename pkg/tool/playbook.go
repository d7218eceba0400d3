package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/pkg/model"
)

// ChildRunner is the control-plane surface the playbook tool needs: start a
// child execution and observe its terminal status. The worker's server client
// implements it.
type ChildRunner interface {
	StartChildExecution(ctx context.Context, path string, version int, workload map[string]any, parentID int64, parentStep string) (int64, error)
	ExecutionResult(ctx context.Context, executionID int64) (model.Status, map[string]any, error)
}

// PlaybookTool runs a sub-playbook as a child execution and waits for its
// terminal status. The parent command stays leased the whole time; the
// worker's heartbeat ticker keeps the lease alive while this plugin polls.
//
// Spec: {path, version}. Args become the child's workload overrides. The
// child is linked to the issuing command's execution and step, so
// cancellation cascades find it.
type PlaybookTool struct {
	runner       ChildRunner
	pollInterval time.Duration
}

// NewPlaybookTool wires the plugin. pollInterval <= 0 defaults to 2s.
func NewPlaybookTool(runner ChildRunner, pollInterval time.Duration) *PlaybookTool {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &PlaybookTool{runner: runner, pollInterval: pollInterval}
}

func (t *PlaybookTool) Name() string { return "playbook" }

func (t *PlaybookTool) Execute(ctx context.Context, req Request) (any, error) {
	path, _ := req.Spec["path"].(string)
	if path == "" {
		return nil, NewError(model.ErrKindValidation, fmt.Errorf("playbook: spec.path is required"))
	}
	version := 0
	switch v := req.Spec["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	}
	childID, err := t.runner.StartChildExecution(ctx, path, version, req.Args, req.ExecutionID, req.NodeID)
	if err != nil {
		return nil, NewError(model.ErrKindTransport, fmt.Errorf("playbook: start child %q: %w", path, err))
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, NewError(model.ErrKindCancelled, fmt.Errorf("playbook: waiting on child %d: %w", childID, ctx.Err()))
		case <-ticker.C:
		}

		status, result, err := t.runner.ExecutionResult(ctx, childID)
		if err != nil {
			return nil, NewError(model.ErrKindTransport, fmt.Errorf("playbook: poll child %d: %w", childID, err))
		}
		switch status {
		case model.StatusCompleted:
			return map[string]any{"execution_id": childID, "status": string(status), "result": result}, nil
		case model.StatusFailed:
			return nil, NewError(model.ErrKindTool, fmt.Errorf("playbook: child execution %d failed", childID))
		case model.StatusCancelled:
			return nil, NewError(model.ErrKindCancelled, fmt.Errorf("playbook: child execution %d cancelled", childID))
		}
	}
}
