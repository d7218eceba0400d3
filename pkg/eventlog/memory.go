package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/model"
)

// MemoryStore is an in-memory Store used by unit tests and by the fold
// determinism checks. Semantics mirror the Postgres implementation.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[int64]*model.Execution
	events     map[int64][]*model.Event // per execution, event_id ordered
	byEventID  map[string]bool          // "exec:event" dedup
	byAttempt  map[string]bool          // "exec:node:type:attempt" dedup
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[int64]*model.Execution),
		events:     make(map[int64][]*model.Event),
		byEventID:  make(map[string]bool),
		byAttempt:  make(map[string]bool),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, ex *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.executions[ex.ID]; dup {
		return fmt.Errorf("execution %d already exists", ex.ID)
	}
	cp := *ex
	s.executions[ex.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id int64) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (s *MemoryStore) UpdateExecutionStatus(_ context.Context, id int64, status model.Status, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	ex.Status = status
	if endedAt != nil {
		ex.EndedAt = endedAt
	}
	return nil
}

func (s *MemoryStore) ListActiveExecutions(_ context.Context) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, ex := range s.executions {
		if !ex.Status.Terminal() {
			cp := *ex
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListChildren(_ context.Context, parentID int64) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, ex := range s.executions {
		if ex.ParentExecutionID != nil && *ex.ParentExecutionID == parentID {
			cp := *ex
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, ev *model.Event) (bool, error) {
	if !model.ValidEventType(ev.Type) {
		return false, fmt.Errorf("unknown event type %q", ev.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idKey := fmt.Sprintf("%d:%d", ev.ExecutionID, ev.EventID)
	if s.byEventID[idKey] {
		return false, nil
	}
	if ev.Type.CommandScoped() && ev.NodeID != "" {
		attemptKey := fmt.Sprintf("%d:%s:%s:%d", ev.ExecutionID, ev.NodeID, ev.Type, ev.Attempt)
		if s.byAttempt[attemptKey] {
			return false, nil
		}
		s.byAttempt[attemptKey] = true
	}
	s.byEventID[idKey] = true

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	cp := *ev
	s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], &cp)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, executionID, afterEventID int64, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Event
	for _, ev := range s.events[executionID] {
		if ev.EventID > afterEventID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestStepTerminal(_ context.Context, executionID int64, nodeID string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.Event
	for _, ev := range s.events[executionID] {
		if ev.NodeID == nodeID && ev.Status.Terminal() && ev.Type.StepTerminal() {
			if latest == nil || ev.EventID > latest.EventID {
				latest = ev
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) LoopResults(_ context.Context, executionID int64, loopID string) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Event
	for _, ev := range s.events[executionID] {
		if ev.LoopID == loopID && ev.Type == model.EventActionCompleted {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ii, jj := 0, 0
		if out[i].CurrentIndex != nil {
			ii = *out[i].CurrentIndex
		}
		if out[j].CurrentIndex != nil {
			jj = *out[j].CurrentIndex
		}
		return ii < jj
	})
	return out, nil
}

func (s *MemoryStore) TerminalStatus(_ context.Context, executionID int64) (model.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *model.Event
	for _, ev := range s.events[executionID] {
		switch ev.Type {
		case model.EventPlaybookInitialized, model.EventPlaybookCompleted, model.EventExecutionCancelled:
			if last == nil || ev.EventID > last.EventID {
				last = ev
			}
		}
	}
	if last == nil {
		return "", ErrNotFound
	}
	switch last.Type {
	case model.EventPlaybookCompleted:
		return last.Status, nil
	case model.EventExecutionCancelled:
		return model.StatusCancelled, nil
	default:
		return "", nil
	}
}
