package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/queue"
)

// OrchestratorConfig tunes the drive loop.
type OrchestratorConfig struct {
	// InstanceID identifies this server instance for execution ownership.
	InstanceID string
	// PollInterval is the fallback cadence when no notification arrives.
	PollInterval time.Duration
	// PollJitter desynchronizes instances polling the same database.
	PollJitter time.Duration
	// ReapInterval is the expired-lease sweep cadence.
	ReapInterval time.Duration
	// MaxQueueDepth pauses command issuing per pool above this depth;
	// zero disables backpressure.
	MaxQueueDepth int
	// Engine carries per-execution engine defaults.
	Engine Config
}

func (c *OrchestratorConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollJitter <= 0 || c.PollJitter >= c.PollInterval {
		c.PollJitter = c.PollInterval / 4
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 15 * time.Second
	}
}

// execState is the in-memory scheduling state of one owned execution.
type execState struct {
	pb      *playbook.Playbook
	engine  *Engine
	proj    *Projection
	backlog []*model.Command // commands held back by backpressure
}

// Orchestrator drives every owned active execution: folds newly appended
// events, reacts with derived events and commands, and sweeps expired
// leases. One goroutine; per-execution processing is serial.
type Orchestrator struct {
	store  eventlog.Store
	queue  queue.Queue
	cat    catalog.Catalog
	ids    *eventlog.IDGen
	cfg    OrchestratorConfig
	logger *slog.Logger

	mu    sync.Mutex
	execs map[int64]*execState
	wake  chan struct{}
}

// NewOrchestrator wires the drive loop.
func NewOrchestrator(store eventlog.Store, q queue.Queue, cat catalog.Catalog, ids *eventlog.IDGen, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		store:  store,
		queue:  q,
		cat:    cat,
		ids:    ids,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		execs:  make(map[int64]*execState),
		wake:   make(chan struct{}, 1),
	}
}

// Notify wakes the loop ahead of the next poll tick. Safe from any goroutine.
func (o *Orchestrator) Notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Orchestrator started",
		"instance_id", o.cfg.InstanceID,
		"poll_interval", o.cfg.PollInterval)

	reap := time.NewTicker(o.cfg.ReapInterval)
	defer reap.Stop()

	for {
		o.cycle(ctx)

		select {
		case <-ctx.Done():
			o.logger.Info("Orchestrator stopped")
			return ctx.Err()
		case <-o.wake:
		case <-reap.C:
			if n, err := o.queue.Reap(ctx); err != nil {
				o.logger.Error("Lease reap failed", "error", err)
			} else if n > 0 {
				o.logger.Info("Reclaimed expired leases", "count", n)
			}
		case <-time.After(o.jitteredPoll()):
		}
	}
}

func (o *Orchestrator) jitteredPoll() time.Duration {
	j := int64(o.cfg.PollJitter)
	return o.cfg.PollInterval - o.cfg.PollJitter + time.Duration(rand.Int64N(2*j))
}

// cycle advances every owned active execution once.
func (o *Orchestrator) cycle(ctx context.Context) {
	active, err := o.store.ListActiveExecutions(ctx)
	if err != nil {
		o.logger.Error("Failed to list active executions", "error", err)
		return
	}
	seen := make(map[int64]bool, len(active))
	for _, ex := range active {
		if !o.owns(ex) {
			continue
		}
		seen[ex.ID] = true
		if err := o.advance(ctx, ex); err != nil {
			o.logger.Error("Failed to advance execution",
				"execution_id", ex.ID, "error", err)
		}
	}

	o.mu.Lock()
	for id := range o.execs {
		if !seen[id] {
			delete(o.execs, id)
		}
	}
	o.mu.Unlock()
}

// owns applies the ownership rule: an execution is driven by the instance
// recorded on its row, or adopted when unowned.
func (o *Orchestrator) owns(ex *model.Execution) bool {
	return ex.OwnerID == "" || ex.OwnerID == o.cfg.InstanceID
}

func (o *Orchestrator) advance(ctx context.Context, ex *model.Execution) error {
	st, err := o.state(ctx, ex)
	if err != nil {
		return err
	}

	o.flushBacklog(ctx, st)

	for {
		events, err := o.store.List(ctx, ex.ID, st.proj.Watermark, 200)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			if err := st.proj.Apply(st.pb, ev); err != nil {
				return fmt.Errorf("fold event %d: %w", ev.EventID, err)
			}
			eff, err := st.engine.React(st.proj, ev)
			if err != nil {
				return fmt.Errorf("react to event %d: %w", ev.EventID, err)
			}
			if err := o.applyEffects(ctx, ex, st, eff); err != nil {
				return err
			}
			if ev.Type == model.EventExecutionCancelled {
				o.cascadeCancel(ctx, ex.ID)
			}
		}
	}
}

// state loads or rebuilds the in-memory scheduling state. A rebuild refolds
// the full event stream and recovers parked calls and staged loop fan-out.
func (o *Orchestrator) state(ctx context.Context, ex *model.Execution) (*execState, error) {
	o.mu.Lock()
	st, ok := o.execs[ex.ID]
	o.mu.Unlock()
	if ok {
		return st, nil
	}

	entry, err := o.cat.Get(ctx, ex.Path, ex.Version)
	if err != nil {
		return nil, fmt.Errorf("load playbook %s v%d: %w", ex.Path, ex.Version, err)
	}
	pb, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", ex.Path, err)
	}

	st = &execState{
		pb:     pb,
		engine: NewEngine(pb, o.ids, o.cfg.Engine),
		proj:   NewProjection(ex.ID),
	}

	// Refold everything already in the log, then recover decisions that
	// existed only in the previous owner's memory.
	for {
		events, err := o.store.List(ctx, ex.ID, st.proj.Watermark, 500)
		if err != nil {
			return nil, fmt.Errorf("refold events: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if err := st.proj.Apply(pb, ev); err != nil {
				return nil, fmt.Errorf("refold event %d: %w", ev.EventID, err)
			}
		}
	}
	if st.proj.Watermark > 0 {
		eff, err := st.engine.Recover(st.proj)
		if err != nil {
			return nil, fmt.Errorf("recover execution: %w", err)
		}
		if !eff.empty() {
			o.logger.Info("Recovered in-flight execution",
				"execution_id", ex.ID,
				"derived_events", len(eff.Events),
				"commands", len(eff.Commands))
		}
		if err := o.applyEffects(ctx, ex, st, eff); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	o.execs[ex.ID] = st
	o.mu.Unlock()
	return st, nil
}

func (o *Orchestrator) applyEffects(ctx context.Context, ex *model.Execution, st *execState, eff *Effects) error {
	for _, ev := range eff.Events {
		if _, err := o.store.Append(ctx, ev); err != nil {
			return fmt.Errorf("append derived event: %w", err)
		}
	}
	for _, cmd := range eff.Commands {
		if !o.admit(ctx, cmd.Pool) {
			st.backlog = append(st.backlog, cmd)
			continue
		}
		if err := o.queue.Enqueue(ctx, cmd); err != nil {
			return fmt.Errorf("enqueue command %d: %w", cmd.ID, err)
		}
	}
	if eff.CancelQueue {
		if n, err := o.queue.CancelPending(ctx, ex.ID); err != nil {
			o.logger.Error("Failed to cancel pending commands",
				"execution_id", ex.ID, "error", err)
		} else if n > 0 {
			o.logger.Info("Cancelled pending commands",
				"execution_id", ex.ID, "count", n)
		}
	}
	if eff.Status != nil {
		err := o.store.UpdateExecutionStatus(ctx, ex.ID, *eff.Status, eff.EndedAt)
		if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
			return fmt.Errorf("update execution status: %w", err)
		}
		if eff.Status.Terminal() {
			o.logger.Info("Execution reached terminal status",
				"execution_id", ex.ID, "status", string(*eff.Status))
		}
	}
	return nil
}

// admit applies backpressure: issuing pauses while the pool is saturated.
func (o *Orchestrator) admit(ctx context.Context, pool string) bool {
	if o.cfg.MaxQueueDepth <= 0 {
		return true
	}
	depth, err := o.queue.Depth(ctx, pool)
	if err != nil {
		o.logger.Error("Failed to read queue depth", "pool", pool, "error", err)
		return true
	}
	return depth < o.cfg.MaxQueueDepth
}

func (o *Orchestrator) flushBacklog(ctx context.Context, st *execState) {
	if len(st.backlog) == 0 {
		return
	}
	var held []*model.Command
	for _, cmd := range st.backlog {
		if !o.admit(ctx, cmd.Pool) {
			held = append(held, cmd)
			continue
		}
		if err := o.queue.Enqueue(ctx, cmd); err != nil {
			o.logger.Error("Failed to enqueue held command",
				"command_id", cmd.ID, "error", err)
			held = append(held, cmd)
		}
	}
	st.backlog = held
}

// cascadeCancel propagates cancellation to child executions.
func (o *Orchestrator) cascadeCancel(ctx context.Context, parentID int64) {
	children, err := o.store.ListChildren(ctx, parentID)
	if err != nil {
		o.logger.Error("Failed to list child executions",
			"execution_id", parentID, "error", err)
		return
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		ev := &model.Event{
			ExecutionID: child.ID,
			EventID:     o.ids.NextID(),
			Timestamp:   time.Now().UTC(),
			Type:        model.EventExecutionCancelled,
			Meta:        model.JSON{"cascaded_from": parentID},
		}
		if _, err := o.store.Append(ctx, ev); err != nil {
			o.logger.Error("Failed to cascade cancellation",
				"execution_id", child.ID, "error", err)
		}
	}
}
