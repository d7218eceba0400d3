package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
)

// harness drives one execution the way the orchestrator does: append seed
// events, then repeatedly fold every unfolded event in id order, react, and
// append the derived events. Staged commands are "claimed" by the test, which
// plays the worker by appending the report events itself.
type harness struct {
	t   *testing.T
	ctx context.Context

	pb    *playbook.Playbook
	ids   *eventlog.IDGen
	store *eventlog.MemoryStore
	eng   *Engine
	p     *Projection

	pending     []*model.Command
	cancelQueue bool
	lastStatus  model.Status
}

func newHarness(t *testing.T, doc string, cfg Config) *harness {
	t.Helper()
	pb, err := playbook.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, playbook.Validate(pb))

	ids, err := eventlog.NewIDGen(1)
	require.NoError(t, err)
	if cfg.DefaultPool == "" {
		cfg.DefaultPool = "default"
	}
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		pb:    pb,
		ids:   ids,
		store: eventlog.NewMemoryStore(),
		p:     NewProjection(1),
	}
	h.eng = NewEngine(pb, ids, cfg)
	return h
}

func (h *harness) append(ev *model.Event) {
	h.t.Helper()
	ev.ExecutionID = 1
	if ev.EventID == 0 {
		ev.EventID = h.ids.NextID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := h.store.Append(h.ctx, ev)
	require.NoError(h.t, err)
}

func (h *harness) start(workload map[string]any) {
	h.t.Helper()
	h.append(&model.Event{Type: model.EventPlaybookInitialized, Status: model.StatusRunning, Context: workload})
	h.append(&model.Event{Type: model.EventWorkflowInitialized, Status: model.StatusRunning})
	h.drive()
}

// drive folds and reacts until the log is quiet.
func (h *harness) drive() {
	h.t.Helper()
	for {
		events, err := h.store.List(h.ctx, 1, h.p.Watermark, 500)
		require.NoError(h.t, err)
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			require.NoError(h.t, h.p.Apply(h.pb, ev))
			eff, err := h.eng.React(h.p, ev)
			require.NoError(h.t, err)
			for _, out := range eff.Events {
				h.append(out)
			}
			h.pending = append(h.pending, eff.Commands...)
			if eff.CancelQueue {
				h.cancelQueue = true
			}
			if eff.Status != nil {
				h.lastStatus = *eff.Status
			}
		}
	}
}

// claim pops the oldest staged command.
func (h *harness) claim() *model.Command {
	h.t.Helper()
	require.NotEmpty(h.t, h.pending, "no staged command to claim")
	cmd := h.pending[0]
	h.pending = h.pending[1:]
	return cmd
}

func (h *harness) workerEvent(cmd *model.Command, typ model.EventType, fill func(*model.Event)) *model.Event {
	ev := &model.Event{
		Type:         typ,
		NodeID:       cmd.NodeID,
		NodeName:     cmd.NodeName,
		Attempt:      cmd.Attempt,
		LoopID:       cmd.LoopID,
		CurrentIndex: cmd.CurrentIndex,
	}
	if fill != nil {
		fill(ev)
	}
	return ev
}

// completeStep plays a worker succeeding on a step command.
func (h *harness) completeStep(cmd *model.Command, result any) {
	h.t.Helper()
	h.append(h.workerEvent(cmd, model.EventStepEnter, func(ev *model.Event) {
		ev.Status = model.StatusStarted
	}))
	h.append(h.workerEvent(cmd, model.EventActionCompleted, func(ev *model.Event) {
		ev.Status = model.StatusCompleted
		ev.Result = model.JSON{"data": result}
		ev.Context = cmd.Context
	}))
	h.append(h.workerEvent(cmd, model.EventStepExit, func(ev *model.Event) {
		ev.Status = model.StatusCompleted
	}))
	h.append(h.workerEvent(cmd, model.EventCommandCompleted, func(ev *model.Event) {
		ev.Status = model.StatusCompleted
		ev.Meta = model.JSON{MetaCommandKind: string(cmd.Kind)}
	}))
	h.drive()
}

// failStep plays a worker failing on a step command with the given error kind.
func (h *harness) failStep(cmd *model.Command, kind model.ErrorKind, msg string) {
	h.t.Helper()
	info := &model.ErrorInfo{Kind: kind, Message: msg}
	h.append(h.workerEvent(cmd, model.EventStepEnter, func(ev *model.Event) {
		ev.Status = model.StatusStarted
	}))
	h.append(h.workerEvent(cmd, model.EventActionError, func(ev *model.Event) {
		ev.Status = model.StatusFailed
		ev.Error = info
	}))
	h.append(h.workerEvent(cmd, model.EventCommandFailed, func(ev *model.Event) {
		ev.Status = model.StatusFailed
		ev.Error = info
		ev.Meta = model.JSON{MetaCommandKind: string(cmd.Kind)}
	}))
	h.drive()
}

func (h *harness) eventTypes() []model.EventType {
	h.t.Helper()
	events, err := h.store.List(h.ctx, 1, 0, 0)
	require.NoError(h.t, err)
	out := make([]model.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestEngine_LinearWorkflowCompletes(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: "{{ workload.url }}"
      result:
        as: fetched
    next: [finish]
  - step: finish
`, Config{})

	h.start(map[string]any{"url": "https://example.com"})

	require.Len(t, h.pending, 1)
	cmd := h.claim()
	assert.Equal(t, "start", cmd.NodeID)
	assert.Equal(t, "http", cmd.Action)
	assert.Equal(t, "default", cmd.Pool)
	assert.Equal(t, 1, cmd.Attempt)
	assert.Equal(t, model.CommandKindStep, cmd.Kind)
	// The command carries the frozen context snapshot for worker rendering.
	assert.Equal(t, "https://example.com", cmd.Context["workload"].(map[string]any)["url"])
	assert.Contains(t, cmd.Context, "_frozen")

	h.completeStep(cmd, map[string]any{"status": 200})

	assert.Equal(t, model.StatusCompleted, h.p.Status)
	assert.Equal(t, model.StatusCompleted, h.lastStatus)
	assert.Equal(t, map[string]any{"status": 200}, h.p.Vars["fetched"])
	assert.Equal(t, model.StatusCompleted, h.p.Steps["start"].Status)
	assert.Equal(t, model.StatusCompleted, h.p.Steps["finish"].Status)
	assert.Empty(t, h.pending)
	assert.False(t, h.cancelQueue)

	assert.Equal(t, []model.EventType{
		model.EventPlaybookInitialized,
		model.EventWorkflowInitialized,
		model.EventCommandIssued,
		model.EventStepEnter,
		model.EventActionCompleted,
		model.EventStepExit,
		model.EventCommandCompleted,
		model.EventStepEnter,
		model.EventStepExit,
		model.EventWorkflowCompleted,
		model.EventPlaybookCompleted,
	}, h.eventTypes())

	status, err := h.store.TerminalStatus(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status)
}

func TestEngine_BindWritesAndWhenGateParks(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    bind:
      greeting: "{{ 'hello ' + workload.name }}"
    next:
      - fetch
      - join
  - step: fetch
    tool:
      kind: http
      spec:
        url: x
  - step: join
    when: "{{ ok('fetch') }}"
`, Config{})

	h.start(map[string]any{"name": "world"})

	assert.Equal(t, "hello world", h.p.Vars["greeting"])
	require.Len(t, h.pending, 1)

	// join's gate was false at call time, so it parked on its dependency.
	require.Len(t, h.p.Parked, 1)
	assert.Equal(t, "join", h.p.Parked[0].StepID)
	assert.Equal(t, []string{"fetch"}, h.p.Parked[0].Deps)

	h.completeStep(h.claim(), "ok")

	assert.Empty(t, h.p.Parked)
	assert.Equal(t, model.StatusCompleted, h.p.Steps["join"].Status)
	assert.Equal(t, model.StatusCompleted, h.p.Status)

	// Exactly one workflow.completed even though the join exit and the final
	// command completion raced in the same drive cycle.
	var terminals int
	for _, typ := range h.eventTypes() {
		if typ == model.EventWorkflowCompleted {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestEngine_LoopFanOutAggregatesInOrder(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    next: [scan]
  - step: scan
    loop:
      in: "{{ workload.items }}"
      as: item
      parallelism: 2
      collect:
        into: gathered
    tool:
      kind: http
      spec:
        url: "{{ item }}"
`, Config{})

	h.start(map[string]any{"items": []any{"a", "b", "c"}})

	// Parallelism caps the initial fan-out.
	require.Len(t, h.pending, 2)
	first := h.claim()
	second := h.claim()
	assert.Equal(t, "scan[0]", first.NodeID)
	assert.Equal(t, "scan", first.NodeName)
	require.NotNil(t, first.CurrentIndex)
	assert.Equal(t, 0, *first.CurrentIndex)
	iter := second.Context["iter"].(map[string]any)
	assert.Equal(t, "b", iter["item"])
	assert.Equal(t, 1, iter["current_index"])

	// Element 1 finishes before element 0; its completion stages element 2.
	h.completeStep(second, "B")
	require.Len(t, h.pending, 1)
	third := h.claim()
	assert.Equal(t, "scan[2]", third.NodeID)

	h.completeStep(first, "A")
	assert.Empty(t, h.pending)
	assert.Equal(t, model.StatusRunning, h.p.Status)

	h.completeStep(third, "C")

	// Results keep element order regardless of completion order.
	assert.Equal(t, []any{"A", "B", "C"}, h.p.Vars["gathered"])
	assert.Equal(t, model.StatusCompleted, h.p.Steps["scan"].Status)
	assert.Equal(t, 3, h.p.Steps["scan"].Succeeded)
	assert.Equal(t, model.StatusCompleted, h.p.Status)

	for _, f := range h.p.Loops {
		assert.True(t, f.Closed)
	}
}

func TestEngine_EmptyLoopCompletesImmediately(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    loop:
      in: "{{ workload.items }}"
      as: item
      collect:
        into: gathered
    tool:
      kind: http
`, Config{})

	h.start(map[string]any{"items": []any{}})

	assert.Empty(t, h.pending)
	assert.Equal(t, model.StatusCompleted, h.p.Status)
	assert.Equal(t, []any{}, h.p.Vars["gathered"])
	assert.Equal(t, model.StatusCompleted, h.p.Steps["start"].Status)
}

func TestEngine_RetryWithBackoffThenSuccess(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      retry:
        max_attempts: 3
        backoff_ms: 200
        "on": [tool]
`, Config{Now: func() time.Time { return base }})

	h.start(nil)
	first := h.claim()
	assert.Equal(t, 3, first.MaxAttempts)

	h.failStep(first, model.ErrKindTool, "connection reset")

	// A retry command is staged with exponential backoff from the base delay.
	require.Len(t, h.pending, 1)
	second := h.claim()
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, "start", second.NodeID)
	assert.Equal(t, base.Add(200*time.Millisecond), second.AvailableAt)
	assert.Equal(t, model.StatusRunning, h.p.Status)

	h.failStep(second, model.ErrKindTool, "connection reset")
	require.Len(t, h.pending, 1)
	third := h.claim()
	assert.Equal(t, 3, third.Attempt)
	assert.Equal(t, base.Add(400*time.Millisecond), third.AvailableAt)

	h.completeStep(third, "finally")

	assert.Equal(t, model.StatusCompleted, h.p.Status)
	assert.Equal(t, 3, h.p.Steps["start"].Attempt)
}

func TestEngine_LoopElementRetryKeepsSlotOpen(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    next: [scan]
  - step: scan
    loop:
      in: "{{ workload.items }}"
      as: item
      collect:
        into: gathered
    tool:
      kind: http
      spec:
        url: "{{ item }}"
      retry:
        max_attempts: 3
        backoff_ms: 10
        "on": [transport]
`, Config{})

	h.start(map[string]any{"items": []any{"a"}})

	require.Len(t, h.pending, 1)
	h.failStep(h.claim(), model.ErrKindTransport, "connection reset")

	// The retryable failure stages a fresh attempt instead of closing the
	// element as FAILED.
	require.Len(t, h.pending, 1)
	retry := h.claim()
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, "scan[0]", retry.NodeID)
	assert.Equal(t, model.StatusRunning, h.p.Status)

	h.completeStep(retry, "A")

	// The retry's result lands in the element slot and the loop closes clean.
	assert.Equal(t, []any{"A"}, h.p.Vars["gathered"])
	assert.Equal(t, model.StatusCompleted, h.p.Steps["scan"].Status)
	assert.Equal(t, 1, h.p.Steps["scan"].Succeeded)
	assert.Equal(t, 0, h.p.Steps["scan"].Failed)
	assert.Equal(t, model.StatusCompleted, h.p.Status)
}

func TestEngine_LoopElementExhaustedRetriesFailLoop(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    next: [scan]
  - step: scan
    loop:
      in: "{{ workload.items }}"
      as: item
    tool:
      kind: http
      spec:
        url: "{{ item }}"
      retry:
        max_attempts: 2
        backoff_ms: 10
        "on": [transport]
`, Config{})

	h.start(map[string]any{"items": []any{"a"}})
	h.failStep(h.claim(), model.ErrKindTransport, "connection reset")
	h.failStep(h.claim(), model.ErrKindTransport, "still down")

	assert.Empty(t, h.pending)
	assert.Equal(t, 1, h.p.Steps["scan"].Failed)
	assert.Equal(t, model.StatusFailed, h.p.Steps["scan"].Status)
	assert.Equal(t, model.StatusFailed, h.p.Status)
}

func TestEngine_NonRetryableKindFailsImmediately(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      retry:
        max_attempts: 3
        "on": [transport]
`, Config{})

	h.start(nil)
	h.failStep(h.claim(), model.ErrKindValidation, "bad spec")

	assert.Empty(t, h.pending)
	assert.Equal(t, model.StatusFailed, h.p.Status)
	assert.True(t, h.cancelQueue)
}

func TestEngine_RetriesExhaustedFailWorkflow(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      retry:
        max_attempts: 2
        backoff_ms: 10
`, Config{})

	h.start(nil)
	h.failStep(h.claim(), model.ErrKindTool, "boom")
	h.failStep(h.claim(), model.ErrKindTool, "boom again")

	assert.Empty(t, h.pending)
	assert.Equal(t, model.StatusFailed, h.p.Steps["start"].Status)
	assert.Equal(t, model.StatusFailed, h.p.Status)
	assert.Equal(t, model.StatusFailed, h.lastStatus)
	assert.True(t, h.cancelQueue)
	require.NotNil(t, h.p.Steps["start"].Error)
	assert.Equal(t, "boom again", h.p.Steps["start"].Error.Message)
}

func TestEngine_ContinueOnErrorRoutesFallback(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      continue_on_error: true
    next:
      - step: fallback
        when: "{{ fail('start') }}"
      - step: happy
        when: "{{ ok('start') }}"
  - step: fallback
  - step: happy
`, Config{})

	h.start(nil)
	h.failStep(h.claim(), model.ErrKindTool, "boom")

	assert.Equal(t, model.StatusCompleted, h.p.Steps["fallback"].Status)
	assert.Nil(t, h.p.Steps["happy"])
	assert.Equal(t, model.StatusFailed, h.p.Steps["start"].Status)
	assert.Equal(t, model.StatusCompleted, h.p.Status)
	assert.False(t, h.cancelQueue)
}

func TestEngine_ConditionalRoutingPicksFirstTrueEdge(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      result:
        as: resp
    next:
      - step: big
        when: "{{ resp.count > 10 }}"
      - step: small
        when: "{{ resp.count <= 10 }}"
      - step: audit
  - step: big
  - step: small
  - step: audit
`, Config{})

	h.start(nil)
	h.completeStep(h.claim(), map[string]any{"count": 3})

	// The unconditional edge always routes; among conditionals only the first
	// true one does.
	assert.Nil(t, h.p.Steps["big"])
	assert.Equal(t, model.StatusCompleted, h.p.Steps["small"].Status)
	assert.Equal(t, model.StatusCompleted, h.p.Steps["audit"].Status)
	assert.Equal(t, model.StatusCompleted, h.p.Status)
}

func TestEngine_CancellationStopsIssuing(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
    next: [finish]
  - step: finish
    tool:
      kind: http
      spec:
        url: y
`, Config{})

	h.start(nil)
	cmd := h.claim()

	h.append(&model.Event{Type: model.EventExecutionCancelled, Status: model.StatusCancelled})
	h.drive()

	assert.True(t, h.cancelQueue)
	assert.Equal(t, model.StatusCancelled, h.lastStatus)
	assert.True(t, h.p.Cancelled)

	// A late worker report folds but produces no further routing.
	h.completeStep(cmd, "late")
	assert.Empty(t, h.pending)
	assert.Equal(t, model.StatusCancelled, h.p.Status)
	assert.Nil(t, h.p.Steps["finish"])
}

func TestEngine_CancellationClosesStreamAfterInflightReports(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
    next: [finish]
  - step: finish
    tool:
      kind: http
      spec:
        url: y
`, Config{})

	h.start(nil)
	cmd := h.claim()
	h.append(h.workerEvent(cmd, model.EventCommandClaimed, func(ev *model.Event) {
		ev.Status = model.StatusRunning
		ev.Meta = model.JSON{"worker_id": "w1", MetaCommandKind: string(cmd.Kind)}
	}))
	h.drive()

	h.append(&model.Event{Type: model.EventExecutionCancelled, Status: model.StatusCancelled})
	h.drive()

	// The leased command is still in flight, so the stream stays open.
	assert.True(t, h.cancelQueue)
	assert.NotContains(t, h.eventTypes(), model.EventWorkflowCompleted)

	// The worker observes the cancellation and reports its terminal.
	h.append(h.workerEvent(cmd, model.EventCommandFailed, func(ev *model.Event) {
		ev.Status = model.StatusCancelled
		ev.Error = &model.ErrorInfo{Kind: model.ErrKindCancelled, Message: "cancelled"}
		ev.Meta = model.JSON{MetaCommandKind: string(cmd.Kind)}
	}))
	h.drive()

	assert.Equal(t, model.StatusCancelled, h.p.Steps["start"].Status)
	assert.Nil(t, h.p.Steps["finish"])
	assert.Equal(t, model.StatusCancelled, h.p.Status)
	assert.Equal(t, model.StatusCancelled, h.lastStatus)

	// Exactly one CANCELLED terminal pair closes the stream.
	types := h.eventTypes()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, model.EventWorkflowCompleted, types[len(types)-2])
	assert.Equal(t, model.EventPlaybookCompleted, types[len(types)-1])
	status, err := h.store.TerminalStatus(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, status)
}

func TestEngine_SinkDispatchAndCompletion(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      result:
        as: fetched
        sink:
          - kind: postgres
            spec:
              table: results
`, Config{})

	h.start(nil)
	h.completeStep(h.claim(), map[string]any{"rows": 3})

	// The sink command is staged after the step result; the workflow stays
	// open only until the sink outcome is known.
	require.Len(t, h.pending, 1)
	sink := h.claim()
	assert.Equal(t, model.CommandKindSink, sink.Kind)
	assert.Equal(t, "start.sink[0]", sink.NodeID)
	assert.Equal(t, "postgres", sink.Action)
	assert.Equal(t, 1, sink.MaxAttempts)
	assert.Equal(t, map[string]any{"rows": 3}, sink.Context["result"])

	assert.Equal(t, model.StatusRunning, h.p.Status)

	h.append(h.workerEvent(sink, model.EventSinkExecuted, func(ev *model.Event) {
		ev.Status = model.StatusCompleted
	}))
	h.drive()

	assert.Equal(t, model.StatusCompleted, h.p.Status)
}

func TestEngine_SinkFailureFailsParentWhenAsked(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      result:
        sink:
          - kind: postgres
            fail_parent: true
`, Config{})

	h.start(nil)
	h.completeStep(h.claim(), "data")

	sink := h.claim()
	h.append(h.workerEvent(sink, model.EventSinkFailed, func(ev *model.Event) {
		ev.Status = model.StatusFailed
		ev.Error = &model.ErrorInfo{Kind: model.ErrKindTool, Message: "insert failed"}
		ev.Meta = model.JSON{"fail_parent": true}
	}))
	h.drive()

	assert.Equal(t, model.StatusFailed, h.p.Status)
	assert.True(t, h.cancelQueue)
}

func TestEngine_GateTemplateErrorFailsWorkflow(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    next: [broken]
  - step: broken
    when: "{{ 1 +++ }}"
`, Config{})

	h.start(nil)

	assert.Equal(t, model.StatusFailed, h.p.Steps["broken"].Status)
	require.NotNil(t, h.p.Steps["broken"].Error)
	assert.Equal(t, model.ErrKindTemplate, h.p.Steps["broken"].Error.Kind)
	assert.Equal(t, model.StatusFailed, h.p.Status)
}

func TestEngine_ReplayYieldsIdenticalProjection(t *testing.T) {
	h := newHarness(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
      result:
        as: fetched
    next: [finish]
  - step: finish
`, Config{})

	h.start(map[string]any{"url": "x"})
	h.completeStep(h.claim(), map[string]any{"status": 200})
	require.Equal(t, model.StatusCompleted, h.p.Status)

	// Refold the full log into a fresh projection: pure fold, no engine.
	replayed := NewProjection(1)
	events, err := h.store.List(h.ctx, 1, 0, 0)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, replayed.Apply(h.pb, ev))
	}

	assert.Equal(t, h.p.Status, replayed.Status)
	assert.Equal(t, h.p.Watermark, replayed.Watermark)
	assert.Equal(t, h.p.Outstanding, replayed.Outstanding)
	assert.Equal(t, h.p.Vars, replayed.Vars)
	require.Len(t, replayed.Steps, len(h.p.Steps))
	for id, s := range h.p.Steps {
		assert.Equal(t, s.Status, replayed.Steps[id].Status, id)
		assert.Equal(t, s.Result, replayed.Steps[id].Result, id)
	}
}

func TestEngine_RecoverSeedsStartCall(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
    tool:
      kind: http
      spec:
        url: x
`)
	ids, err := eventlog.NewIDGen(2)
	require.NoError(t, err)
	eng := NewEngine(pb, ids, Config{DefaultPool: "default", DefaultMaxAttempts: 1})

	// A previous owner appended the seeds and died before reacting.
	p := NewProjection(1)
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1, Type: model.EventPlaybookInitialized, Status: model.StatusRunning,
	}))
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 2, Type: model.EventWorkflowInitialized, Status: model.StatusRunning,
	}))

	eff, err := eng.Recover(p)
	require.NoError(t, err)
	require.Len(t, eff.Commands, 1)
	assert.Equal(t, "start", eff.Commands[0].NodeID)
}

func TestEngine_RecoverIsQuietOnTerminalExecution(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
`)
	ids, err := eventlog.NewIDGen(2)
	require.NoError(t, err)
	eng := NewEngine(pb, ids, Config{})

	p := NewProjection(1)
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1, Type: model.EventPlaybookCompleted, Status: model.StatusCompleted,
	}))

	eff, err := eng.Recover(p)
	require.NoError(t, err)
	assert.Empty(t, eff.Events)
	assert.Empty(t, eff.Commands)
}
