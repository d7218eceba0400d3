package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/masking"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/pkg/tool"
)

// ControlPlane is the server surface a runner needs while holding a command.
type ControlPlane interface {
	Heartbeat(ctx context.Context, id int64, workerID string, extend time.Duration) error
	Complete(ctx context.Context, id int64, workerID string, status model.CommandStatus) error
	Release(ctx context.Context, id int64, workerID, reason string) error
	PostEvent(ctx context.Context, ev *model.Event) error
	GetCredential(ctx context.Context, name string) (*catalog.Credential, error)
}

// RunnerConfig tunes command processing.
type RunnerConfig struct {
	// HeartbeatInterval is the lease-extension cadence.
	HeartbeatInterval time.Duration
	// LeaseExtend is the extension granted per heartbeat. It must exceed the
	// command timeout headroom so genuine long runs never lose their lease.
	LeaseExtend time.Duration
}

func (c *RunnerConfig) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.LeaseExtend <= 0 {
		c.LeaseExtend = queue.DefaultLease
	}
}

// Runner executes one claimed command end to end: resolve credentials,
// render, dispatch the tool plugin, report events, finalize the lease.
type Runner struct {
	server ControlPlane
	tools  *tool.Registry
	masker *masking.Service
	ids    *eventlog.IDGen
	r      *template.Renderer
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner wires a runner.
func NewRunner(server ControlPlane, tools *tool.Registry, masker *masking.Service, ids *eventlog.IDGen, cfg RunnerConfig, logger *slog.Logger) *Runner {
	cfg.withDefaults()
	return &Runner{
		server: server,
		tools:  tools,
		masker: masker,
		ids:    ids,
		r:      template.New(),
		cfg:    cfg,
		logger: logger,
	}
}

// Process runs the command and reports whether the tool call succeeded.
// Lease loss discards the result silently; the reclaiming worker's report
// wins.
func (r *Runner) Process(ctx context.Context, workerID string, cmd *model.Command) bool {
	logger := r.logger.With(
		"command_id", cmd.ID,
		"execution_id", cmd.ExecutionID,
		"node_id", cmd.NodeID,
		"action", cmd.Action,
		"attempt", cmd.Attempt)
	logger.Info("Processing command")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	leaseLost := r.startHeartbeat(runCtx, cancel, workerID, cmd, logger)

	result, toolErr := r.execute(runCtx, cmd, logger)

	if leaseLost.Load() {
		logger.Warn("Lease lost, discarding result")
		return false
	}
	if runCtx.Err() != nil && ctx.Err() != nil {
		// Shutdown, not timeout: hand the command back untouched.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := r.server.Release(releaseCtx, cmd.ID, workerID, "worker shutdown"); err != nil {
			logger.Error("Failed to release command on shutdown", "error", err)
		}
		return false
	}

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()
	r.report(reportCtx, workerID, cmd, result, toolErr, logger)
	return toolErr == nil
}

// startHeartbeat keeps the lease alive until the context ends. On lease loss
// it cancels the run so the tool call stops doing doomed work.
func (r *Runner) startHeartbeat(ctx context.Context, cancel context.CancelFunc, workerID string, cmd *model.Command, logger *slog.Logger) *atomic.Bool {
	lost := &atomic.Bool{}
	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := r.server.Heartbeat(ctx, cmd.ID, workerID, r.leaseFor(cmd))
			if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrNotFound) {
				lost.Store(true)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Error("Heartbeat failed", "error", err)
			}
		}
	}()
	return lost
}

// leaseFor keeps the lease at least as long as the command timeout.
func (r *Runner) leaseFor(cmd *model.Command) time.Duration {
	lease := r.cfg.LeaseExtend
	if timeout := time.Duration(cmd.TimeoutMS) * time.Millisecond; timeout > lease {
		lease = timeout + 10*time.Second
	}
	return lease
}

func (r *Runner) execute(ctx context.Context, cmd *model.Command, logger *slog.Logger) (any, error) {
	tctx := commandContext(cmd)

	if cmd.Kind != model.CommandKindSink {
		r.post(ctx, r.event(cmd, model.EventStepEnter, func(ev *model.Event) {
			ev.Status = model.StatusStarted
		}), logger)
	}

	spec, _ := cmd.Spec["spec"].(map[string]any)
	args, _ := cmd.Spec["args"].(map[string]any)

	creds, err := r.resolveCredentials(ctx, spec)
	if err != nil {
		return nil, tool.NewError(model.ErrKindValidation, err)
	}

	renderedSpec, err := r.renderMap(spec, tctx)
	if err != nil {
		return nil, tool.NewError(model.ErrKindTemplate, err)
	}
	renderedArgs, err := r.renderMap(args, tctx)
	if err != nil {
		return nil, tool.NewError(model.ErrKindTemplate, err)
	}

	plugin, err := r.tools.Get(cmd.Action)
	if err != nil {
		return nil, tool.NewError(model.ErrKindValidation, err)
	}

	if cmd.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	return plugin.Execute(ctx, tool.Request{
		ExecutionID: cmd.ExecutionID,
		NodeID:      cmd.NodeID,
		Spec:        renderedSpec,
		Args:        renderedArgs,
		Credentials: creds,
	})
}

// resolveCredentials fetches every credential the spec references by `auth`
// and registers the secret values with the masker.
func (r *Runner) resolveCredentials(ctx context.Context, spec map[string]any) (map[string]map[string]any, error) {
	names := credentialNames(spec)
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		cred, err := r.server.GetCredential(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %q: %w", name, err)
		}
		out[name] = cred.Data
		for _, v := range cred.Data {
			if s, ok := v.(string); ok {
				r.masker.RegisterValues(s)
			}
		}
	}
	return out, nil
}

func credentialNames(spec map[string]any) []string {
	var names []string
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if name, ok := t["auth"].(string); ok && name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(spec)
	return names
}

func (r *Runner) renderMap(m map[string]any, tctx *template.Context) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := r.r.RenderValue(m, tctx)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rendered value is not an object")
	}
	return out, nil
}

func (r *Runner) report(ctx context.Context, workerID string, cmd *model.Command, result any, toolErr error, logger *slog.Logger) {
	if cmd.Kind == model.CommandKindSink {
		r.reportSink(ctx, workerID, cmd, toolErr, logger)
		return
	}

	if toolErr == nil {
		masked := r.masker.MaskValue(result)
		r.post(ctx, r.event(cmd, model.EventActionCompleted, func(ev *model.Event) {
			ev.Status = model.StatusCompleted
			ev.Result = model.JSON{"data": masked}
			if childID := childExecutionID(cmd, result); childID != 0 {
				ev.Meta = model.JSON{"child_execution_id": childID}
			}
		}), logger)
		r.post(ctx, r.event(cmd, model.EventStepExit, func(ev *model.Event) {
			ev.Status = model.StatusCompleted
		}), logger)
		r.post(ctx, r.event(cmd, model.EventCommandCompleted, func(ev *model.Event) {
			ev.Status = model.StatusCompleted
			ev.Meta = model.JSON{"kind": string(cmd.Kind)}
		}), logger)
		r.finalize(ctx, workerID, cmd, model.CommandDone, logger)
		logger.Info("Command completed")
		return
	}

	info := classify(toolErr)
	info.Message = r.masker.Mask(info.Message)
	r.post(ctx, r.event(cmd, model.EventActionError, func(ev *model.Event) {
		ev.Status = model.StatusFailed
		ev.Error = info
	}), logger)
	r.post(ctx, r.event(cmd, model.EventCommandFailed, func(ev *model.Event) {
		ev.Status = model.StatusFailed
		ev.Error = info
		ev.Meta = model.JSON{"kind": string(cmd.Kind)}
	}), logger)
	r.finalize(ctx, workerID, cmd, model.CommandFailed, logger)
	logger.Warn("Command failed", "error_kind", string(info.Kind), "error", info.Message)
}

func (r *Runner) reportSink(ctx context.Context, workerID string, cmd *model.Command, toolErr error, logger *slog.Logger) {
	failParent, _ := cmd.Spec["fail_parent"].(bool)
	if toolErr == nil {
		r.post(ctx, r.event(cmd, model.EventSinkExecuted, func(ev *model.Event) {
			ev.Status = model.StatusCompleted
		}), logger)
		r.finalize(ctx, workerID, cmd, model.CommandDone, logger)
		return
	}
	info := classify(toolErr)
	info.Message = r.masker.Mask(info.Message)
	r.post(ctx, r.event(cmd, model.EventSinkFailed, func(ev *model.Event) {
		ev.Status = model.StatusFailed
		ev.Error = info
		ev.Meta = model.JSON{"fail_parent": failParent}
	}), logger)
	r.finalize(ctx, workerID, cmd, model.CommandFailed, logger)
}

func (r *Runner) finalize(ctx context.Context, workerID string, cmd *model.Command, status model.CommandStatus, logger *slog.Logger) {
	err := r.server.Complete(ctx, cmd.ID, workerID, status)
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		logger.Error("Failed to finalize command", "error", err)
	}
}

func (r *Runner) event(cmd *model.Command, typ model.EventType, fill func(*model.Event)) *model.Event {
	ev := &model.Event{
		ExecutionID:  cmd.ExecutionID,
		EventID:      r.ids.NextID(),
		Timestamp:    time.Now().UTC(),
		Type:         typ,
		NodeID:       cmd.NodeID,
		NodeName:     cmd.NodeName,
		Attempt:      cmd.Attempt,
		LoopID:       cmd.LoopID,
		CurrentIndex: cmd.CurrentIndex,
		Context:      cmd.Context,
	}
	if fill != nil {
		fill(ev)
	}
	return ev
}

func (r *Runner) post(ctx context.Context, ev *model.Event, logger *slog.Logger) {
	if err := r.server.PostEvent(ctx, ev); err != nil {
		logger.Error("Failed to post event",
			"event_type", string(ev.Type), "error", err)
	}
}

// childExecutionID lifts the spawned execution id out of a sub-playbook
// result so the parent's stream links to the child.
func childExecutionID(cmd *model.Command, result any) int64 {
	if cmd.Action != "playbook" {
		return 0
	}
	m, ok := result.(map[string]any)
	if !ok {
		return 0
	}
	switch v := m["execution_id"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// classify maps any error to the taxonomy, honoring tool.Error kinds.
func classify(err error) *model.ErrorInfo {
	var te *tool.Error
	if errors.As(err, &te) {
		return &model.ErrorInfo{Kind: te.Kind, Message: te.Err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ErrorInfo{Kind: model.ErrKindTool, Message: "command timeout exceeded"}
	}
	return &model.ErrorInfo{Kind: model.ErrKindTool, Message: err.Error()}
}

// commandContext rebuilds the renderer context from the command's frozen
// snapshot.
func commandContext(cmd *model.Command) *template.Context {
	workload, _ := cmd.Context["workload"].(map[string]any)
	vars, _ := cmd.Context["vars"].(map[string]any)
	steps, _ := cmd.Context["step"].(map[string]any)
	iter, _ := cmd.Context["iter"].(map[string]any)
	if iter == nil {
		iter = map[string]any{}
	}
	var frozen *template.Frozen
	if raw, ok := cmd.Context["_frozen"].(map[string]any); ok {
		frozen = template.UnmarshalFrozen(raw)
	}
	return &template.Context{
		Workload: workload,
		Vars:     vars,
		Steps:    steps,
		Iter:     iter,
		Frozen:   frozen,
	}
}
