package scheduler

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/template"
)

// Config tunes engine defaults.
type Config struct {
	// DefaultPool routes commands whose tool spec names no pool.
	DefaultPool string
	// DefaultMaxAttempts applies to steps without a retry policy.
	DefaultMaxAttempts int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Effects is what one React pass wants done: derived events appended (and
// folded, and reacted to in turn), commands enqueued, execution row updated.
type Effects struct {
	Events      []*model.Event
	Commands    []*model.Command
	CancelQueue bool
	Status      *model.Status
	EndedAt     *time.Time
}

func (e *Effects) empty() bool {
	return len(e.Events) == 0 && len(e.Commands) == 0 && !e.CancelQueue && e.Status == nil
}

// Engine makes owner decisions for one execution. React must only run on the
// instance that owns the execution; Apply (on Projection) is safe everywhere.
type Engine struct {
	pb  *playbook.Playbook
	ids *eventlog.IDGen
	r   *template.Renderer
	cfg Config
	now func() time.Time

	// finished latches once workflow.completed is staged, so late reactions in
	// the same drive cycle cannot stage a second one before the first folds.
	finished bool

	// inflight counts step commands staged this drive cycle whose
	// command.issued fact has not folded into Outstanding yet.
	inflight int
}

// NewEngine builds an engine for one playbook.
func NewEngine(pb *playbook.Playbook, ids *eventlog.IDGen, cfg Config) *Engine {
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{pb: pb, ids: ids, r: template.New(), cfg: cfg, now: now}
}

// React inspects one freshly folded event and decides what happens next.
func (e *Engine) React(p *Projection, ev *model.Event) (*Effects, error) {
	eff := &Effects{}

	switch ev.Type {
	case model.EventWorkflowInitialized:
		if err := e.call(p, eff, playbook.StartStep); err != nil {
			return nil, err
		}

	case model.EventStepExit:
		if p.Cancelled {
			break
		}
		e.reevaluateParked(p, eff, stepID(ev))
		step := e.pb.StepByID(stepID(ev))
		if step != nil && step.Tool == nil {
			if err := e.route(p, eff, step); err != nil {
				return nil, err
			}
			e.maybeComplete(p, eff)
		}

	case model.EventLoopCompleted:
		if p.Cancelled {
			break
		}
		e.reevaluateParked(p, eff, stepID(ev))
		step := e.pb.StepByID(stepID(ev))
		if ev.Status == model.StatusFailed && step != nil && step.Tool != nil && !step.Tool.ContinueOnError {
			e.failWorkflow(p, eff)
			break
		}
		if step != nil {
			if err := e.route(p, eff, step); err != nil {
				return nil, err
			}
		}
		e.maybeComplete(p, eff)

	case model.EventCommandIssued:
		if kind, _ := ev.Meta[MetaCommandKind].(string); kind != string(model.CommandKindSink) && e.inflight > 0 {
			e.inflight--
		}

	case model.EventCommandCompleted:
		if p.Cancelled {
			e.exitCancelled(p, eff, ev)
			e.completeCancelled(p, eff)
			break
		}
		if f := p.frameFor(ev); f != nil && !f.Closed {
			e.advanceLoop(p, eff, f)
			break
		}
		step := e.pb.StepByID(stepID(ev))
		if step != nil {
			e.dispatchSinks(p, eff, step, ev)
			if err := e.route(p, eff, step); err != nil {
				return nil, err
			}
		}
		e.maybeComplete(p, eff)

	case model.EventCommandFailed:
		if p.Cancelled {
			e.exitCancelled(p, eff, ev)
			e.completeCancelled(p, eff)
			break
		}
		if err := e.handleFailure(p, eff, ev); err != nil {
			return nil, err
		}

	case model.EventWorkflowCompleted:
		eff.Events = append(eff.Events, e.newEvent(p, model.EventPlaybookCompleted, func(out *model.Event) {
			out.Status = ev.Status
		}))
		status := ev.Status
		eff.Status = &status
		t := e.now().UTC()
		eff.EndedAt = &t

	case model.EventPlaybookCompleted:
		status := ev.Status
		eff.Status = &status

	case model.EventExecutionCancelled:
		// The execution row stays active until the terminal pair folds, so the
		// drive loop keeps watching for in-flight workers to report back.
		eff.CancelQueue = true
		e.completeCancelled(p, eff)

	case model.EventSinkExecuted:
		// Sinks never gate completion, but a sink staged in the same batch as
		// the parent's completion suppressed the check; re-run it here.
		e.maybeComplete(p, eff)

	case model.EventSinkFailed:
		if fail, _ := ev.Meta["fail_parent"].(bool); fail {
			e.failWorkflow(p, eff)
			break
		}
		e.maybeComplete(p, eff)
	}
	return eff, nil
}

// Recover re-derives parked calls and missed routing after a refold: for
// every completed step, routing targets that were never issued are either
// called (gate now true) or parked again.
func (e *Engine) Recover(p *Projection) (*Effects, error) {
	eff := &Effects{}
	if p.Cancelled {
		e.completeCancelled(p, eff)
		return eff, nil
	}
	if p.Status.Terminal() {
		return eff, nil
	}
	if len(p.Steps) == 0 {
		return eff, e.call(p, eff, playbook.StartStep)
	}
	for id, s := range p.Steps {
		if s.Status != model.StatusCompleted {
			continue
		}
		step := e.pb.StepByID(id)
		if step == nil {
			continue
		}
		for _, edge := range step.Next {
			target := p.Steps[edge.Step]
			if target != nil && target.Status != model.StatusInitialized {
				continue
			}
			if err := e.call(p, eff, edge.Step); err != nil {
				return nil, err
			}
		}
	}
	for _, f := range p.Loops {
		if !f.Closed {
			e.advanceLoop(p, eff, f)
		}
	}
	e.maybeComplete(p, eff)
	return eff, nil
}

// call runs the step-call protocol for one target step.
func (e *Engine) call(p *Projection, eff *Effects, id string) error {
	step := e.pb.StepByID(id)
	if step == nil {
		return fmt.Errorf("call to unknown step %q", id)
	}
	s := p.step(id)
	// A successful step runs at most once; an in-flight step absorbs
	// duplicate calls. Only a failed continue_on_error step may be re-called.
	switch s.Status {
	case model.StatusInitialized, model.StatusFailed:
	default:
		return nil
	}

	ok, err := e.r.EvalWhen(step.When, p.Context(nil))
	if err != nil {
		s.Error = &model.ErrorInfo{Kind: model.ErrKindTemplate, Message: err.Error()}
		e.emitStepExit(p, eff, step, id, model.StatusFailed, s.Error, nil)
		if step.Tool == nil || !step.Tool.ContinueOnError {
			e.failWorkflow(p, eff)
		}
		return nil
	}
	if !ok {
		e.park(p, id, step.When)
		return nil
	}

	frozen := template.NewFrozen(e.now().UTC())
	ctx := p.Context(frozen)

	updates, err := e.renderBind(step, ctx)
	if err != nil {
		s.Error = &model.ErrorInfo{Kind: model.ErrKindTemplate, Message: err.Error()}
		e.emitStepExit(p, eff, step, id, model.StatusFailed, s.Error, nil)
		if step.Tool == nil || !step.Tool.ContinueOnError {
			e.failWorkflow(p, eff)
		}
		return nil
	}

	switch {
	case step.Loop != nil:
		return e.openLoop(p, eff, step, ctx, frozen, updates)
	case step.Tool != nil:
		e.issueCommand(p, eff, step, id, nil, "", nil, 1, frozen, updates, time.Time{})
		return nil
	default:
		// Pure routing step: enters and exits in the same decision.
		eff.Events = append(eff.Events, e.newEvent(p, model.EventStepEnter, func(out *model.Event) {
			out.NodeID = id
			out.NodeName = id
			out.Status = model.StatusStarted
			out.Attempt = 1
			if len(updates) > 0 {
				out.Meta = model.JSON{MetaContextUpdates: updates}
			}
		}))
		e.emitStepExit(p, eff, step, id, model.StatusCompleted, nil, nil)
		return nil
	}
}

func (e *Engine) renderBind(step *playbook.Step, ctx *template.Context) (map[string]any, error) {
	if len(step.Bind) == 0 {
		return nil, nil
	}
	updates := make(map[string]any, len(step.Bind))
	for name, tpl := range step.Bind {
		if name == playbook.ReservedContextName {
			return nil, fmt.Errorf("bind to reserved name %q", name)
		}
		v, err := e.r.RenderValue(tpl, ctx)
		if err != nil {
			return nil, fmt.Errorf("bind %q: %w", name, err)
		}
		updates[name] = v
	}
	return updates, nil
}

func (e *Engine) openLoop(p *Projection, eff *Effects, step *playbook.Step, ctx *template.Context, frozen *template.Frozen, updates map[string]any) error {
	id := step.Step
	v, err := e.r.Render(step.Loop.In, ctx)
	if err != nil {
		s := p.step(id)
		s.Error = &model.ErrorInfo{Kind: model.ErrKindTemplate, Message: err.Error()}
		e.emitStepExit(p, eff, step, id, model.StatusFailed, s.Error, nil)
		if !step.Tool.ContinueOnError {
			e.failWorkflow(p, eff)
		}
		return nil
	}
	elements, ok := v.([]any)
	if !ok {
		s := p.step(id)
		s.Error = &model.ErrorInfo{Kind: model.ErrKindTemplate, Message: fmt.Sprintf("loop.in of step %q is not a list", id)}
		e.emitStepExit(p, eff, step, id, model.StatusFailed, s.Error, nil)
		if !step.Tool.ContinueOnError {
			e.failWorkflow(p, eff)
		}
		return nil
	}

	loopID := strconv.FormatInt(e.ids.NextID(), 10)
	total := len(elements)
	if total == 0 {
		eff.Events = append(eff.Events, e.newEvent(p, model.EventLoopCompleted, func(out *model.Event) {
			out.NodeID = id
			out.NodeName = id
			out.Status = model.StatusCompleted
			out.LoopID = loopID
			out.Result = model.JSON{"data": map[string]any{"count": 0, "results": []any{}}}
			if len(updates) > 0 {
				out.Meta = model.JSON{MetaContextUpdates: updates}
			}
		}))
		return nil
	}

	parallelism := step.Loop.Parallelism
	if parallelism <= 0 || parallelism > total {
		parallelism = total
	}

	for i, el := range elements {
		i, el := i, el
		eff.Events = append(eff.Events, e.newEvent(p, model.EventLoopIteration, func(out *model.Event) {
			out.NodeID = fmt.Sprintf("%s[%d]", id, i)
			out.NodeName = id
			out.LoopID = loopID
			out.CurrentIndex = &i
			out.Context = model.JSON{step.Loop.As: el}
			out.Meta = model.JSON{
				MetaTotal:       total,
				MetaLoopAs:      step.Loop.As,
				MetaParallelism: parallelism,
			}
			if i == 0 && len(updates) > 0 {
				out.Meta[MetaContextUpdates] = updates
			}
		}))
	}
	for i := 0; i < parallelism; i++ {
		iter := map[string]any{step.Loop.As: elements[i], "current_index": i}
		idx := i
		e.issueCommand(p, eff, step, fmt.Sprintf("%s[%d]", id, i), &idx, loopID, iter, 1, frozen, nil, time.Time{})
	}
	return nil
}

// advanceLoop issues the next staged element or closes the frame.
func (e *Engine) advanceLoop(p *Projection, eff *Effects, f *LoopFrame) {
	step := e.pb.StepByID(f.StepID)
	if step == nil || step.Loop == nil {
		return
	}
	// Stage against a local counter; the fold of the staged command.issued
	// events advances f.Issued itself.
	issued := f.Issued
	for issued < f.Total && issued-f.Succeeded-f.Failed < f.Parallelism {
		i := issued
		iter := map[string]any{f.As: f.Elements[i], "current_index": i}
		idx := i
		frozen := template.NewFrozen(e.now().UTC())
		e.issueCommand(p, eff, step, fmt.Sprintf("%s[%d]", f.StepID, i), &idx, f.LoopID, iter, 1, frozen, nil, time.Time{})
		issued++
	}
	if issued == f.Total && f.Outstanding() == 0 {
		status := model.StatusCompleted
		if f.Failed > 0 {
			status = model.StatusFailed
		}
		results := make([]any, f.Total)
		copy(results, f.Results)
		eff.Events = append(eff.Events, e.newEvent(p, model.EventLoopCompleted, func(out *model.Event) {
			out.NodeID = f.StepID
			out.NodeName = f.StepID
			out.Status = status
			out.LoopID = f.LoopID
			out.Result = model.JSON{"data": map[string]any{"count": f.Total, "results": results}}
		}))
	}
}

// handleFailure decides between a retry and a terminal FAILED step.
func (e *Engine) handleFailure(p *Projection, eff *Effects, ev *model.Event) error {
	id := stepID(ev)
	step := e.pb.StepByID(id)
	if step == nil || step.Tool == nil {
		return nil
	}
	s := p.step(id)
	var kind string
	if s.Error != nil {
		kind = string(s.Error.Kind)
	}

	retry := step.Tool.Retry
	if retry != nil && ev.Attempt < retry.MaxAttempts && retry.RetryableOn(kind) {
		frozen := template.NewFrozen(e.now().UTC())
		var updates map[string]any
		if retry.Rebind {
			var err error
			updates, err = e.renderBind(step, p.Context(frozen))
			if err != nil {
				updates = nil
			}
		}
		var iter map[string]any
		var index *int
		if f := p.frameFor(ev); f != nil && validIndex(ev, f) {
			i := *ev.CurrentIndex
			iter = map[string]any{f.As: f.Elements[i], "current_index": i}
			index = &i
		}
		e.issueCommand(p, eff, step, ev.NodeID, index, ev.LoopID, iter, ev.Attempt+1, frozen, updates, e.retryAt(retry, ev.Attempt))
		return nil
	}

	if f := p.frameFor(ev); f != nil && !f.Closed {
		// Element exhausted its attempts; the loop continues and closes with
		// a FAILED aggregate.
		e.advanceLoop(p, eff, f)
		return nil
	}

	e.emitStepExit(p, eff, step, id, model.StatusFailed, s.Error, nil)
	if step.Tool.ContinueOnError {
		// Route against the failed status now; the staged exit folds to the
		// same value, so gates like fail('x') see it either way.
		s.Status = model.StatusFailed
		e.reevaluateParked(p, eff, id)
		if err := e.route(p, eff, step); err != nil {
			return err
		}
		e.maybeComplete(p, eff)
		return nil
	}
	e.failWorkflow(p, eff)
	return nil
}

func (e *Engine) retryAt(retry *playbook.RetrySpec, attempt int) time.Time {
	backoff := time.Duration(retry.BackoffMS) * time.Millisecond
	delay := backoff << (attempt - 1)
	if retry.JitterMS > 0 {
		j := int64(retry.JitterMS) * int64(time.Millisecond)
		delay += time.Duration(rand.Int64N(2*j) - j)
	}
	if delay < 0 {
		delay = 0
	}
	return e.now().UTC().Add(delay)
}

// issueCommand emits command.issued and stages the queue row.
func (e *Engine) issueCommand(p *Projection, eff *Effects, step *playbook.Step, nodeID string, index *int, loopID string, iter map[string]any, attempt int, frozen *template.Frozen, updates map[string]any, availableAt time.Time) {
	tool := step.Tool
	snapshot := model.JSON{
		"workload": p.Workload,
		"vars":     p.Vars,
		"step":     p.StatusMaps(),
		"_frozen":  frozen.Marshal(),
	}
	if iter != nil {
		snapshot["iter"] = iter
	}

	spec := model.JSON{"spec": tool.Spec, "args": tool.Args}
	cmd := &model.Command{
		ID:           e.ids.NextID(),
		ExecutionID:  p.ExecutionID,
		NodeID:       nodeID,
		NodeName:     step.Step,
		Kind:         model.CommandKindStep,
		Action:       tool.Kind,
		Pool:         e.pool(tool),
		Runtime:      strValue(tool.Spec, "runtime"),
		Spec:         spec,
		Context:      snapshot,
		LoopID:       loopID,
		CurrentIndex: index,
		Priority:     intValue(tool.Spec, "priority"),
		Attempt:      attempt,
		MaxAttempts:  e.maxAttempts(tool),
		TimeoutMS:    tool.TimeoutMS,
		AvailableAt:  availableAt,
	}
	eff.Commands = append(eff.Commands, cmd)
	e.inflight++

	eff.Events = append(eff.Events, e.newEvent(p, model.EventCommandIssued, func(out *model.Event) {
		out.NodeID = nodeID
		out.NodeName = step.Step
		out.Status = model.StatusPending
		out.Attempt = attempt
		out.LoopID = loopID
		out.CurrentIndex = index
		out.Context = snapshot
		out.Meta = model.JSON{MetaCommandKind: string(model.CommandKindStep)}
		if len(updates) > 0 {
			out.Meta[MetaContextUpdates] = updates
		}
	}))
}

// dispatchSinks stages one sink command per declared sink, carrying the
// picked step result.
func (e *Engine) dispatchSinks(p *Projection, eff *Effects, step *playbook.Step, ev *model.Event) {
	if step.Tool == nil || step.Tool.Result == nil || len(step.Tool.Result.Sinks) == 0 {
		return
	}
	s := p.step(step.Step)
	for i, sink := range step.Tool.Result.Sinks {
		nodeID := fmt.Sprintf("%s.sink[%d]", step.Step, i)
		cmd := &model.Command{
			ID:          e.ids.NextID(),
			ExecutionID: p.ExecutionID,
			NodeID:      nodeID,
			NodeName:    step.Step,
			Kind:        model.CommandKindSink,
			Action:      sink.Kind,
			Pool:        e.cfg.DefaultPool,
			Spec:        model.JSON{"spec": sink.Spec, "fail_parent": sink.FailParent},
			Context:     model.JSON{"result": s.Result, "vars": p.Vars, "workload": p.Workload},
			MaxAttempts: 1,
			Attempt:     1,
		}
		eff.Commands = append(eff.Commands, cmd)
		eff.Events = append(eff.Events, e.newEvent(p, model.EventCommandIssued, func(out *model.Event) {
			out.NodeID = nodeID
			out.NodeName = step.Step
			out.Status = model.StatusPending
			out.Attempt = 1
			out.ParentEventID = &ev.EventID
			out.Meta = model.JSON{MetaCommandKind: string(model.CommandKindSink), "fail_parent": sink.FailParent}
		}))
	}
}

// route evaluates next edges in declaration order: unconditional edges all
// fire, and the first conditional edge whose gate holds fires.
func (e *Engine) route(p *Projection, eff *Effects, from *playbook.Step) error {
	conditionalRouted := false
	for _, edge := range from.Next {
		if edge.When == "" {
			if err := e.call(p, eff, edge.Step); err != nil {
				return err
			}
			continue
		}
		if conditionalRouted {
			continue
		}
		ok, err := e.r.EvalWhen(edge.When, p.Context(nil))
		if err != nil {
			return fmt.Errorf("next gate on %q: %w", from.Step, err)
		}
		if ok {
			conditionalRouted = true
			if err := e.call(p, eff, edge.Step); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) park(p *Projection, id, when string) {
	for _, parked := range p.Parked {
		if parked.StepID == id {
			return
		}
	}
	p.Parked = append(p.Parked, &ParkedCall{StepID: id, Deps: template.ReferencedSteps(when)})
}

// reevaluateParked retries every parked call that references the step which
// just reached a terminal state. A still-false gate re-parks.
func (e *Engine) reevaluateParked(p *Projection, eff *Effects, terminalStep string) {
	var kept []*ParkedCall
	var wake []*ParkedCall
	for _, parked := range p.Parked {
		depends := false
		for _, dep := range parked.Deps {
			if dep == terminalStep {
				depends = true
				break
			}
		}
		if depends {
			wake = append(wake, parked)
		} else {
			kept = append(kept, parked)
		}
	}
	p.Parked = kept
	for _, parked := range wake {
		// call re-parks when the gate is still false.
		_ = e.call(p, eff, parked.StepID)
	}
}

func (e *Engine) emitStepExit(p *Projection, eff *Effects, step *playbook.Step, id string, status model.Status, errInfo *model.ErrorInfo, updates map[string]any) {
	s := p.step(id)
	eff.Events = append(eff.Events, e.newEvent(p, model.EventStepExit, func(out *model.Event) {
		out.NodeID = id
		out.NodeName = id
		out.Status = status
		out.Attempt = maxInt(s.Attempt, 1)
		out.Error = errInfo
		if len(updates) > 0 {
			out.Meta = model.JSON{MetaContextUpdates: updates}
		}
	}))
}

func (e *Engine) exitCancelled(p *Projection, eff *Effects, ev *model.Event) {
	s := p.step(stepID(ev))
	if s.Status.Terminal() {
		return
	}
	e.emitStepExit(p, eff, e.pb.StepByID(stepID(ev)), stepID(ev), model.StatusCancelled, nil, nil)
}

func (e *Engine) failWorkflow(p *Projection, eff *Effects) {
	if e.finished || p.Status.Terminal() {
		return
	}
	e.finished = true
	eff.Events = append(eff.Events, e.newEvent(p, model.EventWorkflowCompleted, func(out *model.Event) {
		out.Status = model.StatusFailed
		out.Result = model.JSON{"data": p.Vars}
	}))
	eff.CancelQueue = true
}

// completeCancelled ends a cancelled execution once the last leased command
// has reported its CANCELLED terminal. Pending queue rows were failed in
// place by the queue cancel and never report.
func (e *Engine) completeCancelled(p *Projection, eff *Effects) {
	if e.finished || p.Ended || p.Leased > 0 {
		return
	}
	e.finished = true
	eff.Events = append(eff.Events, e.newEvent(p, model.EventWorkflowCompleted, func(out *model.Event) {
		out.Status = model.StatusCancelled
		out.Result = model.JSON{"data": p.Vars}
	}))
}

// maybeComplete emits workflow.completed once nothing remains outstanding:
// no leased or pending commands, no open loop frames, and no new work staged
// in this batch.
func (e *Engine) maybeComplete(p *Projection, eff *Effects) {
	if e.finished || p.Cancelled || p.Status.Terminal() || p.Outstanding > 0 || e.inflight > 0 || len(eff.Commands) > 0 {
		return
	}
	for _, f := range p.Loops {
		if !f.Closed {
			return
		}
	}
	for _, ev := range eff.Events {
		switch ev.Type {
		case model.EventCommandIssued, model.EventStepExit, model.EventLoopCompleted, model.EventWorkflowCompleted:
			return
		}
	}
	e.finished = true
	eff.Events = append(eff.Events, e.newEvent(p, model.EventWorkflowCompleted, func(out *model.Event) {
		out.Status = model.StatusCompleted
		out.Result = model.JSON{"data": p.Vars}
	}))
}

func (e *Engine) newEvent(p *Projection, typ model.EventType, fill func(*model.Event)) *model.Event {
	ev := &model.Event{
		ExecutionID: p.ExecutionID,
		EventID:     e.ids.NextID(),
		Timestamp:   e.now().UTC(),
		Type:        typ,
	}
	if fill != nil {
		fill(ev)
	}
	return ev
}

func (e *Engine) pool(tool *playbook.Tool) string {
	if pool := strValue(tool.Spec, "pool"); pool != "" {
		return pool
	}
	return e.cfg.DefaultPool
}

func (e *Engine) maxAttempts(tool *playbook.Tool) int {
	if tool.Retry != nil && tool.Retry.MaxAttempts > 0 {
		return tool.Retry.MaxAttempts
	}
	return e.cfg.DefaultMaxAttempts
}

func strValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intValue(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	return toInt(m[key])
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
