package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
)

func parsePlaybook(t *testing.T, doc string) *playbook.Playbook {
	t.Helper()
	pb, err := playbook.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, playbook.Validate(pb))
	return pb
}

func intp(i int) *int { return &i }

func TestProjection_WatermarkRejectsReplay(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
`)
	p := NewProjection(1)
	ev := &model.Event{ExecutionID: 1, EventID: 10, Type: model.EventPlaybookInitialized, Status: model.StatusRunning}
	require.NoError(t, p.Apply(pb, ev))
	assert.Equal(t, int64(10), p.Watermark)

	require.Error(t, p.Apply(pb, ev))
	require.Error(t, p.Apply(pb, &model.Event{ExecutionID: 1, EventID: 9, Type: model.EventStepEnter, NodeID: "start"}))
}

func TestProjection_WorkloadAndContextUpdates(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
`)
	p := NewProjection(1)

	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1,
		Type:    model.EventPlaybookInitialized,
		Status:  model.StatusRunning,
		Context: model.JSON{"name": "world", "pages": 2},
	}))
	assert.Equal(t, model.StatusRunning, p.Status)
	assert.Equal(t, "world", p.Workload["name"])

	// Bind writes travel as event meta and fold into Vars.
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 2,
		Type:   model.EventStepEnter,
		NodeID: "start", NodeName: "start",
		Status: model.StatusStarted,
		Meta:   model.JSON{MetaContextUpdates: map[string]any{"greeting": "hello world"}},
	}))
	assert.Equal(t, "hello world", p.Vars["greeting"])
	assert.Equal(t, model.StatusStarted, p.Steps["start"].Status)
}

func TestProjection_OutstandingExcludesSinks(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
    tool:
      kind: http
`)
	p := NewProjection(1)
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1, Type: model.EventCommandIssued,
		NodeID: "start", NodeName: "start", Attempt: 1, Status: model.StatusPending,
		Meta: model.JSON{MetaCommandKind: string(model.CommandKindStep)},
	}))
	assert.Equal(t, 1, p.Outstanding)
	assert.Equal(t, model.StatusPending, p.Steps["start"].Status)

	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 2, Type: model.EventCommandIssued,
		NodeID: "start.sink[0]", NodeName: "start", Attempt: 1, Status: model.StatusPending,
		Meta: model.JSON{MetaCommandKind: string(model.CommandKindSink)},
	}))
	assert.Equal(t, 1, p.Outstanding)

	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 3, Type: model.EventCommandCompleted,
		NodeID: "start", NodeName: "start", Attempt: 1,
		Meta: model.JSON{MetaCommandKind: string(model.CommandKindStep)},
	}))
	assert.Zero(t, p.Outstanding)
}

func TestProjection_ResultDirectives(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
    tool:
      kind: http
      result:
        pick: "{{ result.value }}"
        as: picked
        collect:
          into: all_picked
`)
	p := NewProjection(1)
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1,
		Type:   model.EventActionCompleted,
		NodeID: "start", NodeName: "start", Attempt: 1,
		Status: model.StatusCompleted,
		Result: model.JSON{"data": map[string]any{"value": 7, "noise": true}},
	}))

	assert.Equal(t, 7, p.Vars["picked"])
	assert.Equal(t, []any{7}, p.Vars["all_picked"])
	assert.Equal(t, 7, p.Steps["start"].Result)
}

func TestProjection_LoopFold(t *testing.T) {
	pb := parsePlaybook(t, `
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
`)
	p := NewProjection(1)
	ts := time.Now().UTC()
	seq := int64(0)
	next := func() int64 { seq++; return seq }

	for i, el := range []string{"a", "b"} {
		require.NoError(t, p.Apply(pb, &model.Event{
			ExecutionID: 1, EventID: next(),
			Type:   model.EventLoopIteration,
			NodeID: fmt.Sprintf("scan[%d]", i), NodeName: "scan",
			LoopID: "L1", CurrentIndex: intp(i),
			Context: model.JSON{"item": el},
			Meta:    model.JSON{MetaTotal: 2, MetaLoopAs: "item", MetaParallelism: 2},
		}))
	}

	f := p.Loops["L1"]
	require.NotNil(t, f)
	assert.Equal(t, 2, f.Total)
	assert.Equal(t, []any{"a", "b"}, f.Elements)
	assert.Equal(t, model.StatusRunning, p.Steps["scan"].Status)
	assert.Equal(t, 2, p.Steps["scan"].Total)

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Apply(pb, &model.Event{
			ExecutionID: 1, EventID: next(),
			Type:   model.EventCommandIssued,
			NodeID: fmt.Sprintf("scan[%d]", i), NodeName: "scan",
			Attempt: 1, LoopID: "L1", CurrentIndex: intp(i),
			Meta: model.JSON{MetaCommandKind: string(model.CommandKindStep)},
		}))
	}
	assert.Equal(t, 2, f.Issued)
	assert.Equal(t, 2, p.Outstanding)

	// Element 1 succeeds, element 0 fails.
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: next(),
		Type:   model.EventActionCompleted,
		NodeID: "scan[1]", NodeName: "scan",
		Attempt: 1, LoopID: "L1", CurrentIndex: intp(1),
		Result: model.JSON{"data": "B"},
	}))
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: next(),
		Type:   model.EventActionError,
		NodeID: "scan[0]", NodeName: "scan",
		Attempt: 1, LoopID: "L1", CurrentIndex: intp(0),
		Error: &model.ErrorInfo{Kind: model.ErrKindTool, Message: "boom"},
	}))

	assert.Equal(t, 1, f.Succeeded)
	assert.Equal(t, 1, f.Failed)
	assert.Zero(t, f.Outstanding())
	assert.Equal(t, []any{nil, "B"}, f.Results)
	assert.Equal(t, 2, p.Steps["scan"].Completed)

	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: next(),
		Type:   model.EventLoopCompleted,
		NodeID: "scan", NodeName: "scan",
		Status: model.StatusFailed, LoopID: "L1",
		Timestamp: ts,
		Result:    model.JSON{"data": map[string]any{"count": 2, "results": []any{nil, "B"}}},
	}))

	assert.True(t, f.Closed)
	assert.Equal(t, model.StatusFailed, p.Steps["scan"].Status)
	assert.Equal(t, []any{nil, "B"}, p.Vars["gathered"])
}

func TestProjection_DuplicateElementFactsCountOnce(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: scan
    loop:
      in: "{{ workload.items }}"
      as: item
    tool:
      kind: http
  - step: start
`)
	p := NewProjection(1)
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1,
		Type:   model.EventLoopIteration,
		NodeID: "scan[0]", NodeName: "scan",
		LoopID: "L1", CurrentIndex: intp(0),
		Context: model.JSON{"item": "a"},
		Meta:    model.JSON{MetaTotal: 1, MetaLoopAs: "item", MetaParallelism: 1},
	}))

	// A reclaimed worker can report the same element twice with fresh event
	// ids; the frame counters must not double.
	for id := int64(2); id <= 3; id++ {
		require.NoError(t, p.Apply(pb, &model.Event{
			ExecutionID: 1, EventID: id,
			Type:   model.EventActionCompleted,
			NodeID: "scan[0]", NodeName: "scan",
			Attempt: int(id - 1), LoopID: "L1", CurrentIndex: intp(0),
			Result: model.JSON{"data": "A"},
		}))
	}

	f := p.Loops["L1"]
	assert.Equal(t, 1, f.Succeeded)
	assert.Equal(t, 1, p.Steps["scan"].Completed)
}

func TestProjection_CancellationFold(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
`)
	p := NewProjection(1)
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1,
		Type: model.EventExecutionCancelled, Status: model.StatusCancelled,
	}))
	assert.True(t, p.Cancelled)
	assert.Equal(t, model.StatusCancelled, p.Status)

	// A terminal status is sticky against later workflow.completed folds.
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 2,
		Type: model.EventWorkflowCompleted, Status: model.StatusCompleted,
	}))
	assert.Equal(t, model.StatusCancelled, p.Status)
}

func TestProjection_StatusMaps(t *testing.T) {
	pb := parsePlaybook(t, `
workflow:
  - step: start
    tool:
      kind: http
`)
	p := NewProjection(1)
	started := time.Now().UTC()
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 1,
		Type: model.EventStepEnter, NodeID: "start", NodeName: "start",
		Attempt: 1, Status: model.StatusStarted, Timestamp: started,
	}))
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 2,
		Type: model.EventActionCompleted, NodeID: "start", NodeName: "start",
		Attempt: 1, Result: model.JSON{"data": 42},
	}))
	require.NoError(t, p.Apply(pb, &model.Event{
		ExecutionID: 1, EventID: 3,
		Type: model.EventStepExit, NodeID: "start", NodeName: "start",
		Attempt: 1, Status: model.StatusCompleted, Timestamp: started.Add(time.Second),
	}))

	m := p.StatusMaps()["start"].(map[string]any)
	assert.Equal(t, true, m["done"])
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, false, m["failed"])
	assert.Equal(t, false, m["running"])
	assert.Equal(t, "COMPLETED", m["status"])
	assert.Equal(t, 42, m["result"])
	assert.NotEmpty(t, m["started_at"])
	assert.NotEmpty(t, m["finished_at"])
}
