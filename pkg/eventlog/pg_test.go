package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/test/util"
)

func newPGStore(t *testing.T) *PGStore {
	t.Helper()
	return NewPGStore(util.SetupDatabase(t).Pool())
}

func TestPGStore_ExecutionLifecycle(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.CreateExecution(ctx, &model.Execution{
		ID: 1, Path: "flows/test", Version: 2,
		Status: model.StatusRunning, StartedAt: started,
		OwnerID:  "inst-1",
		Workload: model.JSON{"name": "world"},
	}))

	ex, err := s.GetExecution(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "flows/test", ex.Path)
	assert.Equal(t, 2, ex.Version)
	assert.Equal(t, "inst-1", ex.OwnerID)
	assert.Equal(t, "world", ex.Workload["name"])
	assert.Nil(t, ex.EndedAt)

	active, err := s.ListActiveExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	ended := started.Add(time.Second)
	require.NoError(t, s.UpdateExecutionStatus(ctx, 1, model.StatusCompleted, &ended))

	ex, err = s.GetExecution(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, ex.Status)
	require.NotNil(t, ex.EndedAt)

	active, err = s.ListActiveExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetExecution(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateExecutionStatus(ctx, 99, model.StatusFailed, nil), ErrNotFound)
}

func TestPGStore_ListChildren(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateExecution(ctx, &model.Execution{
		ID: 1, Path: "flows/parent", Version: 1, Status: model.StatusRunning, StartedAt: now,
	}))
	parentID := int64(1)
	require.NoError(t, s.CreateExecution(ctx, &model.Execution{
		ID: 2, Path: "flows/child", Version: 1, Status: model.StatusRunning, StartedAt: now,
		ParentExecutionID: &parentID, ParentStep: "spawn",
	}))

	children, err := s.ListChildren(ctx, 1)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, int64(2), children[0].ID)
	assert.Equal(t, "spawn", children[0].ParentStep)
}

func TestPGStore_AppendDedupAndList(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	applied, err := s.Append(ctx, &model.Event{
		ExecutionID: 1, EventID: 10, Type: model.EventPlaybookInitialized,
		Status: model.StatusRunning, Context: model.JSON{"name": "world"},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Append(ctx, &model.Event{
		ExecutionID: 1, EventID: 11, Type: model.EventStepEnter,
		NodeID: "fetch", NodeName: "fetch", Status: model.StatusStarted, Attempt: 1,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// A reclaimed command retransmitting the same fact is dropped.
	applied, err = s.Append(ctx, &model.Event{
		ExecutionID: 1, EventID: 12, Type: model.EventStepEnter,
		NodeID: "fetch", NodeName: "fetch", Status: model.StatusStarted, Attempt: 1,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	// A retry carries a new attempt and lands.
	applied, err = s.Append(ctx, &model.Event{
		ExecutionID: 1, EventID: 13, Type: model.EventActionError,
		NodeID: "fetch", NodeName: "fetch", Status: model.StatusFailed, Attempt: 1,
		Error: &model.ErrorInfo{Kind: model.ErrKindTool, Message: "boom"},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	events, err := s.List(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{10, 11, 13},
		[]int64{events[0].EventID, events[1].EventID, events[2].EventID})
	assert.Equal(t, "world", events[0].Context["name"])
	require.NotNil(t, events[2].Error)
	assert.Equal(t, model.ErrKindTool, events[2].Error.Kind)

	// Pagination by event id.
	events, err = s.List(ctx, 1, 11, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(13), events[0].EventID)

	_, err = s.Append(ctx, &model.Event{ExecutionID: 1, EventID: 14, Type: "step.telemetry"})
	assert.Error(t, err)
}

func TestPGStore_LatestStepTerminal(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	for i, status := range []model.Status{model.StatusFailed, model.StatusCompleted} {
		_, err := s.Append(ctx, &model.Event{
			ExecutionID: 1, EventID: int64(20 + i), Type: model.EventStepExit,
			NodeID: "fetch", NodeName: "fetch", Status: status, Attempt: i + 1,
		})
		require.NoError(t, err)
	}

	ev, err := s.LatestStepTerminal(ctx, 1, "fetch")
	require.NoError(t, err)
	assert.Equal(t, int64(21), ev.EventID)
	assert.Equal(t, model.StatusCompleted, ev.Status)

	_, err = s.LatestStepTerminal(ctx, 1, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGStore_TerminalStatus(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	_, err := s.TerminalStatus(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Append(ctx, &model.Event{
		ExecutionID: 1, EventID: 1, Type: model.EventPlaybookInitialized, Status: model.StatusRunning,
	})
	require.NoError(t, err)

	status, err := s.TerminalStatus(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, status)

	_, err = s.Append(ctx, &model.Event{
		ExecutionID: 1, EventID: 2, Type: model.EventPlaybookCompleted, Status: model.StatusCompleted,
	})
	require.NoError(t, err)

	status, err = s.TerminalStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status)

	_, err = s.Append(ctx, &model.Event{
		ExecutionID: 2, EventID: 3, Type: model.EventExecutionCancelled,
	})
	require.NoError(t, err)

	status, err = s.TerminalStatus(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, status)
}
