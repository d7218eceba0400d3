// Package scheduler owns execution progression. It folds the per-execution
// event stream into a deterministic projection (Apply) and, for the owning
// server instance, reacts to newly appended events with derived events and
// queue commands (React). Replaying the same event sequence against the same
// playbook always yields the same projection.
package scheduler

import (
	"fmt"
	"time"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/template"
)

// Event meta keys the fold understands.
const (
	// MetaContextUpdates carries name→value writes merged into the execution
	// context when the event is folded (bind and result.as applications).
	MetaContextUpdates = "context_updates"
	// MetaTotal carries the loop element count on loop.iteration events.
	MetaTotal = "total"
	// MetaLoopAs carries the iterator variable name on loop.iteration events.
	MetaLoopAs = "as"
	// MetaParallelism carries the concurrency cap on loop.iteration events.
	MetaParallelism = "parallelism"
	// MetaCommandKind distinguishes sink commands on command.* events so the
	// fold excludes them from the workflow-completion outstanding count.
	MetaCommandKind = "kind"
)

// StepState is the projected state of one step node.
type StepState struct {
	Status     model.Status
	Attempt    int
	StartedAt  *time.Time
	FinishedAt *time.Time
	Result     any
	Error      *model.ErrorInfo

	// Loop counters; zero for non-loop steps.
	Total     int
	Completed int
	Succeeded int
	Failed    int
}

// LoopFrame tracks one loop fan-out until every element reaches a terminal
// state. Results keep original element order regardless of completion order.
// Elements and counters are rebuilt from loop.iteration and command events,
// so a refold restores staged fan-out mid-flight.
type LoopFrame struct {
	LoopID      string
	StepID      string
	As          string
	Total       int
	Parallelism int
	Elements    []any
	Results     []any
	Done        []bool
	Issued      int
	Succeeded   int
	Failed      int
	Closed      bool
}

// Open reports how many elements have not reached a terminal state.
func (f *LoopFrame) Outstanding() int {
	return f.Total - f.Succeeded - f.Failed
}

// ParkedCall is a step call whose when-gate evaluated false. It is indexed by
// the step identifiers the gate references and re-evaluated when any of them
// reaches a terminal state.
type ParkedCall struct {
	StepID string
	Deps   []string
}

// Projection is the deterministic fold of one execution's event stream.
type Projection struct {
	ExecutionID int64
	Status      model.Status
	Cancelled   bool

	// Vars is the execution context: workload-level writes from bind and
	// result.as directives.
	Vars     map[string]any
	Workload map[string]any

	Steps  map[string]*StepState
	Loops  map[string]*LoopFrame // by loop id
	Parked []*ParkedCall

	// Outstanding counts issued step commands and scheduler-internal calls
	// that have not reached a terminal state. Sink commands are excluded.
	Outstanding int

	// Leased counts claimed step commands a worker has not reported back on.
	// After a cancellation only these remain in flight; pending queue rows are
	// failed in place and never report.
	Leased int

	// Ended latches once workflow.completed folds, so a restart after a
	// cancellation does not emit a second terminal pair.
	Ended bool

	// Watermark is the highest folded event id.
	Watermark int64
}

// NewProjection returns an empty projection for an execution.
func NewProjection(executionID int64) *Projection {
	return &Projection{
		ExecutionID: executionID,
		Status:      model.StatusInitialized,
		Vars:        make(map[string]any),
		Workload:    make(map[string]any),
		Steps:       make(map[string]*StepState),
		Loops:       make(map[string]*LoopFrame),
	}
}

func (p *Projection) step(id string) *StepState {
	s, ok := p.Steps[id]
	if !ok {
		s = &StepState{Status: model.StatusInitialized}
		p.Steps[id] = s
	}
	return s
}

// StatusMaps builds the read-only step.<id> view the renderer exposes.
func (p *Projection) StatusMaps() map[string]any {
	out := make(map[string]any, len(p.Steps))
	for id, s := range p.Steps {
		m := map[string]any{
			template.KeyDone:      s.Status.Terminal(),
			template.KeyOK:        s.Status == model.StatusCompleted,
			template.KeyFailed:    s.Status == model.StatusFailed,
			template.KeyRunning:   s.Status == model.StatusStarted || s.Status == model.StatusRunning,
			template.KeyStatus:    string(s.Status),
			template.KeyTotal:     s.Total,
			template.KeyCompleted: s.Completed,
			template.KeySucceeded: s.Succeeded,
			template.KeyFailedNum: s.Failed,
			template.KeyResult:    s.Result,
		}
		if s.StartedAt != nil {
			m[template.KeyStartedAt] = s.StartedAt.UTC().Format(time.RFC3339Nano)
		}
		if s.FinishedAt != nil {
			m[template.KeyFinishedAt] = s.FinishedAt.UTC().Format(time.RFC3339Nano)
		}
		if s.Error != nil {
			m[template.KeyError] = s.Error.Message
		}
		out[id] = m
	}
	return out
}

// Context builds the renderer context for the current projection state.
// A nil frozen leaves now()/uuid() live; callers evaluating on behalf of a
// command pass the command's snapshot.
func (p *Projection) Context(frozen *template.Frozen) *template.Context {
	return &template.Context{
		Workload: p.Workload,
		Vars:     p.Vars,
		Steps:    p.StatusMaps(),
		Iter:     map[string]any{},
		Frozen:   frozen,
	}
}

// Apply folds one event into the projection. It is pure with respect to the
// event sequence and the playbook: no clocks, no effects. Events are expected
// in event_id order; out-of-order events are rejected.
func (p *Projection) Apply(pb *playbook.Playbook, ev *model.Event) error {
	if ev.EventID <= p.Watermark {
		return fmt.Errorf("event %d at or below watermark %d", ev.EventID, p.Watermark)
	}
	p.Watermark = ev.EventID

	if updates, ok := ev.Meta[MetaContextUpdates].(map[string]any); ok {
		for k, v := range updates {
			p.Vars[k] = v
		}
	}

	switch ev.Type {
	case model.EventPlaybookInitialized:
		p.Status = model.StatusRunning
		for k, v := range ev.Context {
			p.Workload[k] = v
		}

	case model.EventWorkflowInitialized:
		// The start call is the reaction, not state.

	case model.EventCommandIssued:
		s := p.step(stepID(ev))
		if s.Status == model.StatusInitialized || s.Status == model.StatusPending {
			s.Status = model.StatusPending
		}
		s.Attempt = ev.Attempt
		if kind, _ := ev.Meta[MetaCommandKind].(string); kind != string(model.CommandKindSink) {
			p.Outstanding++
		}
		if f := p.frameFor(ev); f != nil && ev.Attempt <= 1 {
			f.Issued++
		}

	case model.EventCommandClaimed:
		if kind, _ := ev.Meta[MetaCommandKind].(string); kind != string(model.CommandKindSink) {
			p.Leased++
		}

	case model.EventStepEnter:
		s := p.step(stepID(ev))
		s.Status = model.StatusStarted
		if s.StartedAt == nil {
			t := ev.Timestamp
			s.StartedAt = &t
		}

	case model.EventActionCompleted:
		p.applyActionCompleted(pb, ev)

	case model.EventActionError:
		s := p.step(stepID(ev))
		s.Error = ev.Error
		if f := p.frameFor(ev); f != nil && validIndex(ev, f) && elementExhausted(pb, ev) {
			i := *ev.CurrentIndex
			if !f.Done[i] {
				f.Done[i] = true
				f.Failed++
				s.Completed++
				s.Failed++
			}
		}

	case model.EventStepExit:
		s := p.step(stepID(ev))
		s.Status = ev.Status
		t := ev.Timestamp
		s.FinishedAt = &t

	case model.EventCommandCompleted, model.EventCommandFailed:
		if kind, _ := ev.Meta[MetaCommandKind].(string); kind != string(model.CommandKindSink) {
			if p.Outstanding > 0 {
				p.Outstanding--
			}
			if p.Leased > 0 {
				p.Leased--
			}
		}

	case model.EventLoopIteration:
		p.applyLoopIteration(ev)

	case model.EventLoopCompleted:
		p.applyLoopCompleted(pb, ev)

	case model.EventWorkflowCompleted:
		p.Ended = true
		if !p.Status.Terminal() {
			p.Status = ev.Status
		}

	case model.EventPlaybookCompleted:
		p.Status = ev.Status

	case model.EventExecutionCancelled:
		p.Cancelled = true
		p.Status = model.StatusCancelled

	case model.EventSinkExecuted, model.EventSinkFailed:
		// Sinks are fire-and-forget; they never gate workflow completion.

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

func (p *Projection) applyActionCompleted(pb *playbook.Playbook, ev *model.Event) {
	raw := rawResult(ev)
	id := stepID(ev)
	s := p.step(id)

	if f := p.frameFor(ev); f != nil {
		if validIndex(ev, f) {
			i := *ev.CurrentIndex
			if !f.Done[i] {
				f.Done[i] = true
				f.Results[i] = raw
				f.Succeeded++
				s.Completed++
				s.Succeeded++
			}
		}
		return
	}

	s.Result = applyResultDirectives(pb, id, raw, p, ev)
}

func (p *Projection) applyLoopIteration(ev *model.Event) {
	f, ok := p.Loops[ev.LoopID]
	if !ok {
		total := toInt(ev.Meta[MetaTotal])
		as, _ := ev.Meta[MetaLoopAs].(string)
		f = &LoopFrame{
			LoopID:      ev.LoopID,
			StepID:      stepID(ev),
			As:          as,
			Total:       total,
			Parallelism: toInt(ev.Meta[MetaParallelism]),
			Elements:    make([]any, total),
			Results:     make([]any, total),
			Done:        make([]bool, total),
		}
		p.Loops[ev.LoopID] = f
		s := p.step(f.StepID)
		s.Total = total
		s.Status = model.StatusRunning
	}
	if validIndex(ev, f) && f.As != "" {
		f.Elements[*ev.CurrentIndex] = ev.Context[f.As]
	}
}

func (p *Projection) applyLoopCompleted(pb *playbook.Playbook, ev *model.Event) {
	id := stepID(ev)
	s := p.step(id)
	s.Status = ev.Status
	t := ev.Timestamp
	s.FinishedAt = &t
	if f, ok := p.Loops[ev.LoopID]; ok {
		f.Closed = true
	}

	// The aggregate {count, results} travels on the event so replay does not
	// depend on frame bookkeeping.
	if data, ok := ev.Result["data"].(map[string]any); ok {
		results, _ := data["results"].([]any)
		s.Result = results
		step := pb.StepByID(id)
		key := id
		if step != nil && step.Loop != nil && step.Loop.Collect != nil && step.Loop.Collect.Into != "" {
			key = step.Loop.Collect.Into
		}
		p.Vars[key] = results
	}
}

// applyResultDirectives evaluates pick and writes as/collect targets. The
// directives are pure given the event payload and current context, so the
// fold can apply them deterministically.
func applyResultDirectives(pb *playbook.Playbook, id string, raw any, p *Projection, ev *model.Event) any {
	step := pb.StepByID(id)
	if step == nil || step.Tool == nil || step.Tool.Result == nil {
		return raw
	}
	spec := step.Tool.Result

	out := raw
	if spec.Pick != "" {
		frozen := frozenFrom(ev)
		picked, err := template.New().EvalPick(spec.Pick, raw, p.Context(frozen))
		if err == nil {
			out = picked
		}
	}
	if spec.As != "" {
		p.Vars[spec.As] = out
	}
	if spec.Collect != nil && spec.Collect.Into != "" {
		list, _ := p.Vars[spec.Collect.Into].([]any)
		p.Vars[spec.Collect.Into] = append(list, out)
	}
	return out
}

func (p *Projection) frameFor(ev *model.Event) *LoopFrame {
	if ev.LoopID == "" {
		return nil
	}
	return p.Loops[ev.LoopID]
}

// elementExhausted reports whether a failed loop element is out of attempts.
// A retryable failure leaves the element slot open so the retry's result can
// still land in it.
func elementExhausted(pb *playbook.Playbook, ev *model.Event) bool {
	step := pb.StepByID(stepID(ev))
	if step == nil || step.Tool == nil || step.Tool.Retry == nil {
		return true
	}
	retry := step.Tool.Retry
	var kind string
	if ev.Error != nil {
		kind = string(ev.Error.Kind)
	}
	return ev.Attempt >= retry.MaxAttempts || !retry.RetryableOn(kind)
}

func validIndex(ev *model.Event, f *LoopFrame) bool {
	return ev.CurrentIndex != nil && *ev.CurrentIndex >= 0 && *ev.CurrentIndex < f.Total
}

// stepID returns the logical step identifier: NodeName for loop elements
// (whose NodeID embeds the element index), NodeID otherwise.
func stepID(ev *model.Event) string {
	if ev.NodeName != "" {
		return ev.NodeName
	}
	return ev.NodeID
}

func rawResult(ev *model.Event) any {
	if ev.Result == nil {
		return nil
	}
	if data, ok := ev.Result["data"]; ok {
		return data
	}
	return map[string]any(ev.Result)
}

func frozenFrom(ev *model.Event) *template.Frozen {
	if ev.Context == nil {
		return nil
	}
	if raw, ok := ev.Context["_frozen"].(map[string]any); ok {
		return template.UnmarshalFrozen(raw)
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}
