package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
)

// ExecutionView is the inspection surface for one execution.
type ExecutionView struct {
	*model.Execution
	// Result is the final context bag, present once the workflow completed.
	Result map[string]any `json:"result,omitempty"`
}

// ExecutionService inspects, ingests events for, and cancels executions.
type ExecutionService struct {
	store eventlog.Store
	ids   *eventlog.IDGen
}

// NewExecutionService creates a new ExecutionService.
func NewExecutionService(store eventlog.Store, ids *eventlog.IDGen) *ExecutionService {
	if store == nil || ids == nil {
		panic("NewExecutionService: store and ids must not be nil")
	}
	return &ExecutionService{store: store, ids: ids}
}

// Get returns the execution with its final result when terminal.
func (s *ExecutionService) Get(ctx context.Context, id int64) (*ExecutionView, error) {
	ex, err := s.store.GetExecution(ctx, id)
	if errors.Is(err, eventlog.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	view := &ExecutionView{Execution: ex}
	if ex.Status.Terminal() {
		view.Result = s.finalResult(ctx, id)
	}
	return view, nil
}

// finalResult scans for the workflow.completed payload; a missing payload is
// not an error.
func (s *ExecutionService) finalResult(ctx context.Context, id int64) map[string]any {
	var after int64
	for {
		events, err := s.store.List(ctx, id, after, 500)
		if err != nil || len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			after = ev.EventID
			if ev.Type == model.EventWorkflowCompleted {
				if data, ok := ev.Result["data"].(map[string]any); ok {
					return data
				}
			}
		}
	}
}

// Events returns one page of the execution's event stream.
func (s *ExecutionService) Events(ctx context.Context, id, afterEventID int64, limit int) ([]*model.Event, error) {
	if _, err := s.store.GetExecution(ctx, id); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	return s.store.List(ctx, id, afterEventID, limit)
}

// Ingest validates and appends one worker-reported event. Returns whether
// the event was newly appended (false when deduplicated).
func (s *ExecutionService) Ingest(ctx context.Context, ev *model.Event) (bool, error) {
	if ev.ExecutionID == 0 {
		return false, NewValidationError("execution_id", "execution_id is required")
	}
	if !model.ValidEventType(ev.Type) {
		return false, NewValidationError("event_type", fmt.Sprintf("unknown event type %q", ev.Type))
	}
	ex, err := s.store.GetExecution(ctx, ev.ExecutionID)
	if errors.Is(err, eventlog.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	// Late reports for terminal executions are dropped, not errors: the
	// worker may finish a tool call after a cancellation.
	if ex.Status.Terminal() && ex.Status != model.StatusCancelled {
		return false, nil
	}
	// The server assigns the fold position. A worker-minted id cannot be
	// trusted for ordering: a lagging worker clock would mint ids below the
	// orchestrator's watermark and the event would never fold. Retransmissions
	// are dropped by the command-scoped dedup, not by id.
	ev.EventID = s.ids.NextID()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return s.store.Append(ctx, ev)
}

// Cancel writes execution.cancelled; the orchestrator reacts by releasing
// work and cascading to children.
func (s *ExecutionService) Cancel(ctx context.Context, id int64, reason string) error {
	ex, err := s.store.GetExecution(ctx, id)
	if errors.Is(err, eventlog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	ev := &model.Event{
		ExecutionID: id,
		EventID:     s.ids.NextID(),
		Timestamp:   time.Now().UTC(),
		Type:        model.EventExecutionCancelled,
		Status:      model.StatusCancelled,
	}
	if reason != "" {
		ev.Meta = model.JSON{"reason": reason}
	}
	if _, err := s.store.Append(ctx, ev); err != nil {
		return fmt.Errorf("append cancellation: %w", err)
	}
	return nil
}
