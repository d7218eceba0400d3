package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/model"
)

// MemoryQueue is an in-memory Queue for unit tests. Semantics mirror the
// Postgres implementation, including lease expiry and idempotent completion.
type MemoryQueue struct {
	mu       sync.Mutex
	commands map[int64]*model.Command
	now      func() time.Time
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		commands: make(map[int64]*model.Command),
		now:      time.Now,
	}
}

// SetClock overrides the queue clock, for lease expiry tests.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, cmd *model.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.commands[cmd.ID]; dup {
		return fmt.Errorf("command %d already enqueued", cmd.ID)
	}
	cp := *cmd
	cp.Status = model.CommandPending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = q.now()
	}
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = cp.CreatedAt
	}
	q.commands[cmd.ID] = &cp
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, req ClaimRequest) ([]*model.Command, error) {
	if req.MaxItems < 1 {
		req.MaxItems = 1
	}
	if req.Lease <= 0 {
		req.Lease = DefaultLease
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var claimable []*model.Command
	for _, cmd := range q.commands {
		if !cmd.Claimable(now) {
			continue
		}
		if cmd.Pool != req.Pool {
			continue
		}
		if req.Runtime != "" && cmd.Runtime != "" && cmd.Runtime != req.Runtime {
			continue
		}
		claimable = append(claimable, cmd)
	}
	if len(claimable) == 0 {
		return nil, ErrNoCommands
	}
	sort.Slice(claimable, func(i, j int) bool {
		if claimable[i].Priority != claimable[j].Priority {
			return claimable[i].Priority > claimable[j].Priority
		}
		return claimable[i].ID < claimable[j].ID
	})
	if len(claimable) > req.MaxItems {
		claimable = claimable[:req.MaxItems]
	}

	until := now.Add(req.Lease)
	out := make([]*model.Command, 0, len(claimable))
	for _, cmd := range claimable {
		if cmd.Status == model.CommandLeased {
			cmd.Reclaims++
		}
		cmd.Status = model.CommandLeased
		cmd.WorkerID = req.WorkerID
		leaseUntil := until
		cmd.LeaseUntil = &leaseUntil
		beat := now
		cmd.LastBeat = &beat
		cp := *cmd
		out = append(out, &cp)
	}
	return out, nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, id int64, workerID string, extend time.Duration) error {
	if extend <= 0 {
		extend = DefaultLease
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[id]
	if !ok {
		return ErrNotFound
	}
	if cmd.Status != model.CommandLeased || cmd.WorkerID != workerID {
		return ErrLeaseLost
	}
	now := q.now()
	if cmd.LeaseUntil != nil && cmd.LeaseUntil.Before(now) {
		return ErrLeaseLost
	}
	until := now.Add(extend)
	cmd.LeaseUntil = &until
	cmd.LastBeat = &now
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id int64, workerID string, status model.CommandStatus) (bool, error) {
	if status != model.CommandDone && status != model.CommandFailed {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[id]
	if !ok {
		return false, ErrNotFound
	}
	if cmd.Status == model.CommandDone || cmd.Status == model.CommandFailed {
		return false, nil
	}
	if cmd.Status == model.CommandLeased && cmd.WorkerID != workerID {
		return false, ErrLeaseLost
	}
	cmd.Status = status
	cmd.LeaseUntil = nil
	return true, nil
}

func (q *MemoryQueue) Release(_ context.Context, id int64, workerID string, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[id]
	if !ok {
		return ErrNotFound
	}
	if cmd.Status != model.CommandLeased || cmd.WorkerID != workerID {
		return ErrLeaseLost
	}
	cmd.Status = model.CommandReleased
	cmd.WorkerID = ""
	cmd.LeaseUntil = nil
	cmd.AvailableAt = q.now()
	return nil
}

func (q *MemoryQueue) Reap(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	reaped := 0
	for _, cmd := range q.commands {
		if cmd.Status == model.CommandLeased && cmd.LeaseUntil != nil && cmd.LeaseUntil.Before(now) {
			cmd.Status = model.CommandReleased
			cmd.WorkerID = ""
			cmd.LeaseUntil = nil
			cmd.AvailableAt = now
			cmd.Reclaims++
			reaped++
		}
	}
	return reaped, nil
}

func (q *MemoryQueue) Depth(_ context.Context, pool string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, cmd := range q.commands {
		if cmd.Pool != pool {
			continue
		}
		switch cmd.Status {
		case model.CommandPending, model.CommandReleased, model.CommandLeased:
			depth++
		}
	}
	return depth, nil
}

func (q *MemoryQueue) Get(_ context.Context, id int64) (*model.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cmd
	return &cp, nil
}

func (q *MemoryQueue) CancelPending(_ context.Context, executionID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cancelled := 0
	for _, cmd := range q.commands {
		if cmd.ExecutionID != executionID {
			continue
		}
		switch cmd.Status {
		case model.CommandPending, model.CommandReleased:
			cmd.Status = model.CommandFailed
			cancelled++
		}
	}
	return cancelled, nil
}
