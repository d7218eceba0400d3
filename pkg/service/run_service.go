package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
)

// RunInput is one run request.
type RunInput struct {
	Path    string
	Version int // 0 means latest
	// Workload overrides apply over the playbook's declared workload: a
	// shallow key overlay by default, a deep merge when Merge is set.
	Workload          map[string]any
	Merge             bool
	ParentExecutionID int64
	ParentStep        string
}

// Notifier wakes the orchestrator after seeding; typically the orchestrator
// itself.
type Notifier interface {
	Notify()
}

// RunService validates a run request, creates the execution row, and seeds
// the event log so the orchestrator takes over.
type RunService struct {
	cat        catalog.Catalog
	store      eventlog.Store
	ids        *eventlog.IDGen
	instanceID string
	notifier   Notifier
}

// NewRunService creates a new RunService. notifier may be nil.
func NewRunService(cat catalog.Catalog, store eventlog.Store, ids *eventlog.IDGen, instanceID string, notifier Notifier) *RunService {
	if cat == nil || store == nil || ids == nil {
		panic("NewRunService: catalog, store, and ids must not be nil")
	}
	return &RunService{cat: cat, store: store, ids: ids, instanceID: instanceID, notifier: notifier}
}

// Run starts one execution and returns it once seeded.
func (s *RunService) Run(ctx context.Context, input RunInput) (*model.Execution, error) {
	if input.Path == "" {
		return nil, NewValidationError("path", "playbook path is required")
	}

	var entry *catalog.Entry
	var err error
	if input.Version > 0 {
		entry, err = s.cat.Get(ctx, input.Path, input.Version)
	} else {
		entry, err = s.cat.Latest(ctx, input.Path)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load playbook %q: %w", input.Path, err)
	}

	pb, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := playbook.Validate(pb); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	workload := make(map[string]any, len(pb.Workload)+len(input.Workload))
	for k, v := range pb.Workload {
		workload[k] = v
	}
	if input.Merge {
		if err := mergo.Merge(&workload, input.Workload, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge workload: %w", err)
		}
	} else {
		for k, v := range input.Workload {
			workload[k] = v
		}
	}

	ex := &model.Execution{
		ID:        s.ids.NextID(),
		Path:      entry.Path,
		Version:   entry.Version,
		Status:    model.StatusRunning,
		StartedAt: time.Now().UTC(),
		OwnerID:   s.instanceID,
		Workload:  workload,
	}
	if input.ParentExecutionID != 0 {
		parent := input.ParentExecutionID
		ex.ParentExecutionID = &parent
		ex.ParentStep = input.ParentStep
	}
	if err := s.store.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	// Seed the log: the workload snapshot, then the workflow start signal the
	// orchestrator reacts to with the start call. The seeds carry the
	// INITIALIZED status; RUNNING is the fold's reaction, not a seed fact.
	seed := []*model.Event{
		{
			ExecutionID: ex.ID,
			EventID:     s.ids.NextID(),
			Timestamp:   ex.StartedAt,
			Type:        model.EventPlaybookInitialized,
			Status:      model.StatusInitialized,
			Context:     workload,
			Meta:        model.JSON{"path": entry.Path, "version": entry.Version},
		},
		{
			ExecutionID: ex.ID,
			EventID:     s.ids.NextID(),
			Timestamp:   ex.StartedAt,
			Type:        model.EventWorkflowInitialized,
			Status:      model.StatusInitialized,
		},
	}
	for _, ev := range seed {
		if _, err := s.store.Append(ctx, ev); err != nil {
			return nil, fmt.Errorf("seed event %s: %w", ev.Type, err)
		}
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return ex, nil
}
