package eventlog

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

// PGStore is the PostgreSQL Store. The event table is partitioned by
// timestamp range; appends INSERT and pg_notify in one transaction so the
// notification fires exactly when the row becomes visible.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateExecution(ctx context.Context, ex *model.Execution) error {
	workload, err := marshalJSON(ex.Workload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions
			(execution_id, path, version, status, started_at, parent_execution_id, parent_step, owner_id, workload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ex.ID, ex.Path, ex.Version, string(ex.Status), ex.StartedAt,
		ex.ParentExecutionID, nullEmpty(ex.ParentStep), nullEmpty(ex.OwnerID), workload)
	if err != nil {
		return fmt.Errorf("insert execution %d: %w", ex.ID, err)
	}
	return nil
}

func (s *PGStore) GetExecution(ctx context.Context, id int64) (*model.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT execution_id, path, version, status, started_at, ended_at,
		       parent_execution_id, parent_step, owner_id, workload
		FROM executions WHERE execution_id = $1`, id)
	ex, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	return ex, nil
}

func (s *PGStore) UpdateExecutionStatus(ctx context.Context, id int64, status model.Status, endedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET status = $2, ended_at = COALESCE($3, ended_at) WHERE execution_id = $1`,
		id, string(status), endedAt)
	if err != nil {
		return fmt.Errorf("update execution %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListActiveExecutions(ctx context.Context) ([]*model.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, path, version, status, started_at, ended_at,
		       parent_execution_id, parent_step, owner_id, workload
		FROM executions
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY execution_id`)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	return collectExecutions(rows)
}

func (s *PGStore) ListChildren(ctx context.Context, parentID int64) ([]*model.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, path, version, status, started_at, ended_at,
		       parent_execution_id, parent_step, owner_id, workload
		FROM executions WHERE parent_execution_id = $1 ORDER BY execution_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	return collectExecutions(rows)
}

func (s *PGStore) Append(ctx context.Context, ev *model.Event) (bool, error) {
	if !model.ValidEventType(ev.Type) {
		return false, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Command-scoped events deduplicate on (execution, node, type, attempt)
	// so a reclaimed command's duplicate report is dropped at ingestion.
	if ev.Type.CommandScoped() && ev.NodeID != "" {
		var exists bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM events
				WHERE execution_id = $1 AND node_id = $2 AND event_type = $3 AND attempt = $4
			)`, ev.ExecutionID, ev.NodeID, string(ev.Type), ev.Attempt).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("dedup check: %w", err)
		}
		if exists {
			return false, nil
		}
	}

	contextJSON, err := marshalJSON(ev.Context)
	if err != nil {
		return false, err
	}
	resultJSON, err := marshalJSON(ev.Result)
	if err != nil {
		return false, err
	}
	metaJSON, err := marshalJSON(ev.Meta)
	if err != nil {
		return false, err
	}
	var errJSON []byte
	if ev.Error != nil {
		errJSON, err = json.Marshal(ev.Error)
		if err != nil {
			return false, fmt.Errorf("marshal error info: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO events
			(execution_id, event_id, parent_event_id, timestamp, event_type,
			 node_id, node_name, status, attempt, context, result, meta, error,
			 loop_id, current_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (execution_id, event_id, timestamp) DO NOTHING`,
		ev.ExecutionID, ev.EventID, ev.ParentEventID, ev.Timestamp, string(ev.Type),
		nullEmpty(ev.NodeID), nullEmpty(ev.NodeName), nullEmpty(string(ev.Status)), ev.Attempt,
		contextJSON, resultJSON, metaJSON, errJSON,
		nullEmpty(ev.LoopID), ev.CurrentIndex)
	if err != nil {
		return false, fmt.Errorf("insert event %d/%d: %w", ev.ExecutionID, ev.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// Compact notification: subscribers fetch the full row from the log.
	notify, err := json.Marshal(map[string]any{
		"execution_id": ev.ExecutionID,
		"event_id":     ev.EventID,
		"event_type":   ev.Type,
		"node_id":      ev.NodeID,
		"status":       ev.Status,
	})
	if err != nil {
		return false, fmt.Errorf("marshal notify payload: %w", err)
	}
	for _, channel := range []string{ExecutionChannel(ev.ExecutionID), GlobalChannel} {
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(notify)); err != nil {
			return false, fmt.Errorf("pg_notify %s: %w", channel, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit append: %w", err)
	}
	return true, nil
}

func (s *PGStore) List(ctx context.Context, executionID, afterEventID int64, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, event_id, parent_event_id, timestamp, event_type,
		       node_id, node_name, status, attempt, context, result, meta, error,
		       loop_id, current_index
		FROM events
		WHERE execution_id = $1 AND event_id > $2
		ORDER BY event_id
		LIMIT $3`, executionID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

func (s *PGStore) LatestStepTerminal(ctx context.Context, executionID int64, nodeID string) (*model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, event_id, parent_event_id, timestamp, event_type,
		       node_id, node_name, status, attempt, context, result, meta, error,
		       loop_id, current_index
		FROM events
		WHERE execution_id = $1 AND node_id = $2
		  AND event_type IN ('step.exit', 'loop.completed')
		  AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY event_id DESC
		LIMIT 1`, executionID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("latest step terminal: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

func (s *PGStore) LoopResults(ctx context.Context, executionID int64, loopID string) ([]*model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, event_id, parent_event_id, timestamp, event_type,
		       node_id, node_name, status, attempt, context, result, meta, error,
		       loop_id, current_index
		FROM events
		WHERE execution_id = $1 AND loop_id = $2 AND event_type = 'action.completed'
		ORDER BY current_index`, executionID, loopID)
	if err != nil {
		return nil, fmt.Errorf("loop results: %w", err)
	}
	return collectEvents(rows)
}

func (s *PGStore) TerminalStatus(ctx context.Context, executionID int64) (model.Status, error) {
	var eventType, status string
	err := s.pool.QueryRow(ctx, `
		SELECT event_type, COALESCE(status, '')
		FROM events
		WHERE execution_id = $1
		  AND event_type IN ('playbook.initialized', 'playbook.completed', 'execution.cancelled')
		ORDER BY event_id DESC
		LIMIT 1`, executionID).Scan(&eventType, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("terminal status: %w", err)
	}
	switch model.EventType(eventType) {
	case model.EventPlaybookCompleted:
		return model.Status(status), nil
	case model.EventExecutionCancelled:
		return model.StatusCancelled, nil
	default:
		return "", nil
	}
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var ex model.Execution
	var status string
	var parentStep, ownerID *string
	var workload []byte
	err := row.Scan(&ex.ID, &ex.Path, &ex.Version, &status, &ex.StartedAt, &ex.EndedAt,
		&ex.ParentExecutionID, &parentStep, &ownerID, &workload)
	if err != nil {
		return nil, err
	}
	ex.Status = model.Status(status)
	if parentStep != nil {
		ex.ParentStep = *parentStep
	}
	if ownerID != nil {
		ex.OwnerID = *ownerID
	}
	if len(workload) > 0 {
		if err := json.Unmarshal(workload, &ex.Workload); err != nil {
			return nil, fmt.Errorf("unmarshal workload: %w", err)
		}
	}
	return &ex, nil
}

func collectExecutions(rows pgx.Rows) ([]*model.Execution, error) {
	defer rows.Close()
	var out []*model.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]*model.Event, error) {
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		var ev model.Event
		var eventType string
		var nodeID, nodeName, status, loopID *string
		var contextJSON, resultJSON, metaJSON, errJSON []byte
		err := rows.Scan(&ev.ExecutionID, &ev.EventID, &ev.ParentEventID, &ev.Timestamp, &eventType,
			&nodeID, &nodeName, &status, &ev.Attempt, &contextJSON, &resultJSON, &metaJSON, &errJSON,
			&loopID, &ev.CurrentIndex)
		if err != nil {
			return nil, err
		}
		ev.Type = model.EventType(eventType)
		if nodeID != nil {
			ev.NodeID = *nodeID
		}
		if nodeName != nil {
			ev.NodeName = *nodeName
		}
		if status != nil {
			ev.Status = model.Status(*status)
		}
		if loopID != nil {
			ev.LoopID = *loopID
		}
		for _, pair := range []struct {
			raw []byte
			dst *model.JSON
		}{{contextJSON, &ev.Context}, {resultJSON, &ev.Result}, {metaJSON, &ev.Meta}} {
			if len(pair.raw) > 0 {
				if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
					return nil, fmt.Errorf("unmarshal event json: %w", err)
				}
			}
		}
		if len(errJSON) > 0 {
			ev.Error = &model.ErrorInfo{}
			if err := json.Unmarshal(errJSON, ev.Error); err != nil {
				return nil, fmt.Errorf("unmarshal event error: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func marshalJSON(m model.JSON) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func nullEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
