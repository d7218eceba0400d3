package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/model"
)

const commandColumns = `
	command_id, execution_id, node_id, node_name, kind, action, pool, runtime,
	spec, context, loop_id, current_index, priority, attempt, max_attempts,
	timeout_ms, status, worker_id, lease_until, available_at, last_heartbeat,
	reclaim_count, created_at`

// PGQueue is the PostgreSQL Queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never block each other or double-claim a row.
type PGQueue struct {
	pool *pgxpool.Pool
}

// NewPGQueue wraps an existing pool.
func NewPGQueue(pool *pgxpool.Pool) *PGQueue {
	return &PGQueue{pool: pool}
}

func (q *PGQueue) Enqueue(ctx context.Context, cmd *model.Command) error {
	spec, err := marshalColumn(cmd.Spec)
	if err != nil {
		return err
	}
	cctx, err := marshalColumn(cmd.Context)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO commands
			(command_id, execution_id, node_id, node_name, kind, action, pool, runtime,
			 spec, context, loop_id, current_index, priority, attempt, max_attempts,
			 timeout_ms, status, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        'PENDING', COALESCE($17, now()))`,
		cmd.ID, cmd.ExecutionID, cmd.NodeID, cmd.NodeName, string(cmd.Kind), cmd.Action,
		cmd.Pool, cmd.Runtime, spec, cctx, cmd.LoopID, cmd.CurrentIndex, cmd.Priority,
		cmd.Attempt, cmd.MaxAttempts, cmd.TimeoutMS, nullTime(cmd.AvailableAt))
	if err != nil {
		return fmt.Errorf("enqueue command %d: %w", cmd.ID, err)
	}
	return nil
}

func (q *PGQueue) Claim(ctx context.Context, req ClaimRequest) ([]*model.Command, error) {
	if req.MaxItems < 1 {
		req.MaxItems = 1
	}
	if req.Lease <= 0 {
		req.Lease = DefaultLease
	}

	// Single-statement CTE claim: select claimable rows with SKIP LOCKED,
	// lease them, and return the updated rows. A row whose lease expired is
	// reclaimable and counts a reclaim.
	rows, err := q.pool.Query(ctx, fmt.Sprintf(`
		WITH sel AS (
			SELECT command_id
			FROM commands
			WHERE pool = $1
			  AND ($2 = '' OR runtime = '' OR runtime = $2)
			  AND (
				(status IN ('PENDING', 'RELEASED') AND available_at <= now())
				OR (status = 'LEASED' AND lease_until < now())
			  )
			ORDER BY priority DESC, command_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE commands c SET
			status = 'LEASED',
			worker_id = $4,
			lease_until = now() + $5::interval,
			last_heartbeat = now(),
			reclaim_count = c.reclaim_count + CASE WHEN c.status = 'LEASED' THEN 1 ELSE 0 END
		FROM sel
		WHERE c.command_id = sel.command_id
		RETURNING %s`, qualify(commandColumns, "c")),
		req.Pool, req.Runtime, req.MaxItems, req.WorkerID, req.Lease.String())
	if err != nil {
		return nil, fmt.Errorf("claim commands: %w", err)
	}
	commands, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, ErrNoCommands
	}
	return commands, nil
}

func (q *PGQueue) Heartbeat(ctx context.Context, id int64, workerID string, extend time.Duration) error {
	if extend <= 0 {
		extend = DefaultLease
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE commands SET
			lease_until = now() + $3::interval,
			last_heartbeat = now()
		WHERE command_id = $1 AND worker_id = $2 AND status = 'LEASED' AND lease_until >= now()`,
		id, workerID, extend.String())
	if err != nil {
		return fmt.Errorf("heartbeat command %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PGQueue) Complete(ctx context.Context, id int64, workerID string, status model.CommandStatus) (bool, error) {
	if status != model.CommandDone && status != model.CommandFailed {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE commands SET status = $3, lease_until = NULL
		WHERE command_id = $1
		  AND status NOT IN ('DONE', 'FAILED')
		  AND (status != 'LEASED' OR worker_id = $2)`,
		id, workerID, string(status))
	if err != nil {
		return false, fmt.Errorf("complete command %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Nothing updated: already terminal, leased elsewhere, or missing.
	var current, owner string
	err = q.pool.QueryRow(ctx,
		`SELECT status, COALESCE(worker_id, '') FROM commands WHERE command_id = $1`, id).
		Scan(&current, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("complete command %d: %w", id, err)
	}
	if current == string(model.CommandDone) || current == string(model.CommandFailed) {
		return false, nil
	}
	return false, ErrLeaseLost
}

func (q *PGQueue) Release(ctx context.Context, id int64, workerID string, reason string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE commands SET
			status = 'RELEASED',
			worker_id = NULL,
			lease_until = NULL,
			available_at = now(),
			release_reason = $3
		WHERE command_id = $1 AND worker_id = $2 AND status = 'LEASED'`,
		id, workerID, reason)
	if err != nil {
		return fmt.Errorf("release command %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PGQueue) Reap(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE commands SET
			status = 'RELEASED',
			worker_id = NULL,
			lease_until = NULL,
			available_at = now(),
			reclaim_count = reclaim_count + 1,
			release_reason = 'lease expired'
		WHERE status = 'LEASED' AND lease_until < now()`)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PGQueue) Depth(ctx context.Context, pool string) (int, error) {
	var depth int
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM commands
		WHERE pool = $1 AND status IN ('PENDING', 'RELEASED', 'LEASED')`, pool).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth for pool %q: %w", pool, err)
	}
	return depth, nil
}

func (q *PGQueue) Get(ctx context.Context, id int64) (*model.Command, error) {
	rows, err := q.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM commands WHERE command_id = $1`, commandColumns), id)
	if err != nil {
		return nil, fmt.Errorf("get command %d: %w", id, err)
	}
	commands, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, ErrNotFound
	}
	return commands[0], nil
}

func (q *PGQueue) CancelPending(ctx context.Context, executionID int64) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE commands SET status = 'FAILED'
		WHERE execution_id = $1 AND status IN ('PENDING', 'RELEASED')`, executionID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending commands for %d: %w", executionID, err)
	}
	return int(tag.RowsAffected()), nil
}

func collectCommands(rows pgx.Rows) ([]*model.Command, error) {
	defer rows.Close()
	var out []*model.Command
	for rows.Next() {
		var cmd model.Command
		var kind, status string
		var runtime, workerID, loopID *string
		var spec, cctx []byte
		err := rows.Scan(&cmd.ID, &cmd.ExecutionID, &cmd.NodeID, &cmd.NodeName, &kind,
			&cmd.Action, &cmd.Pool, &runtime, &spec, &cctx, &loopID, &cmd.CurrentIndex,
			&cmd.Priority, &cmd.Attempt, &cmd.MaxAttempts, &cmd.TimeoutMS, &status,
			&workerID, &cmd.LeaseUntil, &cmd.AvailableAt, &cmd.LastBeat, &cmd.Reclaims,
			&cmd.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmd.Kind = model.CommandKind(kind)
		cmd.Status = model.CommandStatus(status)
		if runtime != nil {
			cmd.Runtime = *runtime
		}
		if loopID != nil {
			cmd.LoopID = *loopID
		}
		if workerID != nil {
			cmd.WorkerID = *workerID
		}
		if len(spec) > 0 {
			if err := json.Unmarshal(spec, &cmd.Spec); err != nil {
				return nil, fmt.Errorf("unmarshal command spec: %w", err)
			}
		}
		if len(cctx) > 0 {
			if err := json.Unmarshal(cctx, &cmd.Context); err != nil {
				return nil, fmt.Errorf("unmarshal command context: %w", err)
			}
		}
		out = append(out, &cmd)
	}
	return out, rows.Err()
}

func marshalColumn(m model.JSON) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	out := ""
	for i, col := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	field := ""
	for _, r := range columns {
		switch r {
		case ',':
			if field != "" {
				out = append(out, field)
				field = ""
			}
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}
