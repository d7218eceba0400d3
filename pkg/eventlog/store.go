// Package eventlog is the append-only source of truth for execution state.
// Every state transition, command lifecycle fact, and tool result is an
// event; step status, loop aggregates, and execution terminal status are
// derived from the ordered event stream.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/noetl/noetl/pkg/model"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the execution or event does not exist.
	ErrNotFound = errors.New("not found")
)

// Store is the durable event log plus the executions table it anchors.
// Events are ordered per execution by event_id; Append is idempotent.
type Store interface {
	// CreateExecution inserts a new execution row.
	CreateExecution(ctx context.Context, ex *model.Execution) error
	// GetExecution returns the execution or ErrNotFound.
	GetExecution(ctx context.Context, id int64) (*model.Execution, error)
	// UpdateExecutionStatus transitions the execution status; endedAt is set
	// for terminal transitions.
	UpdateExecutionStatus(ctx context.Context, id int64, status model.Status, endedAt *time.Time) error
	// ListActiveExecutions returns executions not yet in a terminal status.
	ListActiveExecutions(ctx context.Context) ([]*model.Execution, error)
	// ListChildren returns executions whose parent_execution_id is parentID.
	ListChildren(ctx context.Context, parentID int64) ([]*model.Execution, error)

	// Append writes one event. It is idempotent: a duplicate event_id, or a
	// duplicate (execution_id, node_id, event_type, attempt) for
	// command-scoped events, is dropped. Returns false when deduplicated.
	Append(ctx context.Context, ev *model.Event) (bool, error)
	// List returns up to limit events with event_id > afterEventID, in
	// event_id order.
	List(ctx context.Context, executionID, afterEventID int64, limit int) ([]*model.Event, error)
	// LatestStepTerminal returns the most recent terminal-status event for a
	// node, or ErrNotFound.
	LatestStepTerminal(ctx context.Context, executionID int64, nodeID string) (*model.Event, error)
	// LoopResults returns the action.completed events of a loop frame
	// ordered by current_index.
	LoopResults(ctx context.Context, executionID int64, loopID string) ([]*model.Event, error)
	// TerminalStatus derives the execution terminal status from the last
	// playbook.* or execution.cancelled event; empty if still running.
	TerminalStatus(ctx context.Context, executionID int64) (model.Status, error)
}

// IDGen produces monotonically increasing, time-sortable 64-bit identifiers
// for executions and events (snowflake layout).
type IDGen struct {
	node *snowflake.Node
}

// NewIDGen creates a generator for the given instance id (0..1023).
func NewIDGen(instanceID int64) (*IDGen, error) {
	node, err := snowflake.NewNode(instanceID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", instanceID, err)
	}
	return &IDGen{node: node}, nil
}

// NextID returns the next identifier.
func (g *IDGen) NextID() int64 {
	return g.node.Generate().Int64()
}

// GlobalChannel is the NOTIFY channel carrying every execution's lifecycle
// events for global subscribers (execution list views, the orchestrator's
// wakeup path).
const GlobalChannel = "noetl_executions"

// ExecutionChannel returns the NOTIFY channel for one execution's events.
func ExecutionChannel(executionID int64) string {
	return fmt.Sprintf("noetl_execution_%d", executionID)
}
