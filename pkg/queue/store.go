// Package queue is the durable command queue between the scheduler and the
// worker fleet. Commands move PENDING → LEASED → DONE/FAILED, with RELEASED
// as the voluntary give-back path; an expired lease makes the row claimable
// again without scheduler involvement.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/noetl/noetl/pkg/model"
)

// Sentinel errors.
var (
	// ErrNoCommands indicates no claimable command matched the request.
	ErrNoCommands = errors.New("no commands available")
	// ErrLeaseLost indicates the caller no longer owns the command's lease.
	ErrLeaseLost = errors.New("lease lost")
	// ErrNotFound indicates the command does not exist.
	ErrNotFound = errors.New("command not found")
)

// DefaultLease is the lease duration used when a claim does not specify one.
const DefaultLease = 60 * time.Second

// ClaimRequest describes what a worker is willing to take.
type ClaimRequest struct {
	WorkerID string
	// Pool filters commands to a routing pool; empty matches the default pool.
	Pool string
	// Runtime filters by runtime label when non-empty.
	Runtime string
	// MaxItems caps the batch size; values below 1 claim a single command.
	MaxItems int
	// Lease is the ownership window granted per claimed command.
	Lease time.Duration
}

// Queue is the durable command store. Claim hands ownership to exactly one
// worker per command; Complete is idempotent so a duplicate report after a
// reclaim is a no-op.
type Queue interface {
	// Enqueue inserts a command in PENDING status. AvailableAt in the future
	// defers visibility (retry backoff).
	Enqueue(ctx context.Context, cmd *model.Command) error
	// Claim atomically leases up to MaxItems claimable commands, highest
	// priority first, oldest first within a priority class. Returns
	// ErrNoCommands when nothing is claimable.
	Claim(ctx context.Context, req ClaimRequest) ([]*model.Command, error)
	// Heartbeat extends the caller's lease. Returns ErrLeaseLost when the
	// command is no longer leased to workerID.
	Heartbeat(ctx context.Context, id int64, workerID string, extend time.Duration) error
	// Complete finalizes the command as DONE or FAILED. A command already in a
	// terminal status is left unchanged and reported as not updated.
	Complete(ctx context.Context, id int64, workerID string, status model.CommandStatus) (bool, error)
	// Release gives up the lease and returns the command to claimable state
	// immediately.
	Release(ctx context.Context, id int64, workerID string, reason string) error
	// Reap returns expired leases to claimable state and counts the sweep.
	Reap(ctx context.Context) (int, error)
	// Depth counts claimable plus leased commands in a pool, for backpressure.
	Depth(ctx context.Context, pool string) (int, error)
	// Get returns the command or ErrNotFound.
	Get(ctx context.Context, id int64) (*model.Command, error)
	// CancelPending marks the execution's unleased commands FAILED so workers
	// never pick them up after a cancellation.
	CancelPending(ctx context.Context, executionID int64) (int, error)
}
