package model

import "time"

// CommandStatus is the queue-row lifecycle state.
type CommandStatus string

// Command statuses. PENDING rows (or rows with an expired lease) are
// claimable; LEASED rows are owned by exactly one worker until the lease
// elapses or the worker completes/releases.
const (
	CommandPending  CommandStatus = "PENDING"
	CommandLeased   CommandStatus = "LEASED"
	CommandDone     CommandStatus = "DONE"
	CommandFailed   CommandStatus = "FAILED"
	CommandReleased CommandStatus = "RELEASED"
)

// CommandKind distinguishes regular step commands from post-step sinks.
type CommandKind string

// Command kinds.
const (
	CommandKindStep CommandKind = "step"
	CommandKindSink CommandKind = "sink"
)

// Command is a durable queue row targeting a single step of a single
// execution. The scheduler is the sole producer; a command is owned by at
// most one worker at a time via its lease.
type Command struct {
	ID           int64         `json:"id"`
	ExecutionID  int64         `json:"execution_id"`
	NodeID       string        `json:"node_id"`
	NodeName     string        `json:"node_name"`
	Kind         CommandKind   `json:"kind"`
	Action       string        `json:"action"` // tool kind: http, postgres, shell, playbook, ...
	Pool         string        `json:"pool"`
	Runtime      string        `json:"runtime"`
	Spec         JSON          `json:"spec"`    // tool spec + args, unrendered
	Context      JSON          `json:"context"` // frozen context snapshot for rendering
	LoopID       string        `json:"loop_id,omitempty"`
	CurrentIndex *int          `json:"current_index,omitempty"`
	Priority     int           `json:"priority"`
	Attempt      int           `json:"attempt"`
	MaxAttempts  int           `json:"max_attempts"`
	TimeoutMS    int           `json:"timeout_ms,omitempty"`
	Status       CommandStatus `json:"status"`
	WorkerID     string        `json:"worker_id,omitempty"`
	LeaseUntil   *time.Time    `json:"lease_until,omitempty"`
	AvailableAt  time.Time     `json:"available_at"`
	LastBeat     *time.Time    `json:"last_heartbeat,omitempty"`
	Reclaims     int           `json:"reclaim_count"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Claimable reports whether the command can be handed to a worker at t:
// either PENDING/RELEASED and available, or LEASED with an expired lease.
func (c *Command) Claimable(t time.Time) bool {
	switch c.Status {
	case CommandPending, CommandReleased:
		return !c.AvailableAt.After(t)
	case CommandLeased:
		return c.LeaseUntil != nil && c.LeaseUntil.Before(t)
	}
	return false
}
