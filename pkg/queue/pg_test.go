package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/test/util"
)

func newPGQueue(t *testing.T) *PGQueue {
	t.Helper()
	return NewPGQueue(util.SetupDatabase(t).Pool())
}

func pgCommand(id int64, priority int) *model.Command {
	return &model.Command{
		ID:          id,
		ExecutionID: 1,
		NodeID:      "fetch",
		NodeName:    "fetch",
		Kind:        model.CommandKindStep,
		Action:      "http",
		Pool:        "default",
		Spec:        model.JSON{"url": "http://example.com"},
		Context:     model.JSON{"vars": map[string]any{"page": float64(1)}},
		Priority:    priority,
		Attempt:     1,
		MaxAttempts: 3,
	}
}

func TestPGQueue_ClaimLifecycle(t *testing.T) {
	q := newPGQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pgCommand(1, 0)))
	require.NoError(t, q.Enqueue(ctx, pgCommand(2, 5)))

	depth, err := q.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	cmds, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", Pool: "default", MaxItems: 2, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	// Priority wins over insertion order.
	assert.Equal(t, int64(2), cmds[0].ID)
	assert.Equal(t, int64(1), cmds[1].ID)
	assert.Equal(t, model.CommandLeased, cmds[0].Status)
	assert.Equal(t, "w1", cmds[0].WorkerID)
	require.NotNil(t, cmds[0].LeaseUntil)

	// JSON columns survive the roundtrip.
	assert.Equal(t, "http://example.com", cmds[0].Spec["url"])
	vars := cmds[0].Context["vars"].(map[string]any)
	assert.Equal(t, float64(1), vars["page"])

	require.NoError(t, q.Heartbeat(ctx, 2, "w1", time.Minute))
	assert.ErrorIs(t, q.Heartbeat(ctx, 2, "w2", time.Minute), ErrLeaseLost)

	applied, err := q.Complete(ctx, 2, "w1", model.CommandDone)
	require.NoError(t, err)
	assert.True(t, applied)

	// Completion is idempotent.
	applied, err = q.Complete(ctx, 2, "w1", model.CommandDone)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := q.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.CommandDone, got.Status)

	depth, err = q.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	_, err = q.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGQueue_ReleaseMakesClaimable(t *testing.T) {
	q := newPGQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pgCommand(1, 0)))
	_, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", Pool: "default", Lease: time.Minute})
	require.NoError(t, err)

	assert.ErrorIs(t, q.Release(ctx, 1, "w2", "not mine"), ErrLeaseLost)
	require.NoError(t, q.Release(ctx, 1, "w1", "shutdown"))

	cmds, err := q.Claim(ctx, ClaimRequest{WorkerID: "w2", Pool: "default", Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "w2", cmds[0].WorkerID)
}

func TestPGQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	q := newPGQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pgCommand(1, 0)))
	_, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", Pool: "default", Lease: 100 * time.Millisecond})
	require.NoError(t, err)

	// While the lease is live the command is invisible.
	_, err = q.Claim(ctx, ClaimRequest{WorkerID: "w2", Pool: "default", Lease: time.Minute})
	assert.ErrorIs(t, err, ErrNoCommands)

	time.Sleep(200 * time.Millisecond)

	cmds, err := q.Claim(ctx, ClaimRequest{WorkerID: "w2", Pool: "default", Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "w2", cmds[0].WorkerID)
	assert.Equal(t, 1, cmds[0].Reclaims)

	// The dead worker's finalization bounces.
	_, err = q.Complete(ctx, 1, "w1", model.CommandDone)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestPGQueue_ReapExpiredLeases(t *testing.T) {
	q := newPGQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pgCommand(1, 0)))
	_, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", Pool: "default", Lease: 100 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	reaped, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := q.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CommandReleased, got.Status)
	assert.Equal(t, 1, got.Reclaims)
}

func TestPGQueue_RuntimeFilter(t *testing.T) {
	q := newPGQueue(t)
	ctx := context.Background()

	cmd := pgCommand(1, 0)
	cmd.Runtime = "gpu"
	require.NoError(t, q.Enqueue(ctx, cmd))

	_, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", Pool: "default", Runtime: "cpu", Lease: time.Minute})
	assert.ErrorIs(t, err, ErrNoCommands)

	cmds, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", Pool: "default", Runtime: "gpu", Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "gpu", cmds[0].Runtime)
}

func TestPGQueue_CancelPending(t *testing.T) {
	q := newPGQueue(t)
	ctx := context.Background()

	claimed := pgCommand(1, 0)
	pending := pgCommand(2, 0)
	pending.NodeID, pending.NodeName = "next", "next"
	require.NoError(t, q.Enqueue(ctx, claimed))
	require.NoError(t, q.Enqueue(ctx, pending))

	_, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", Pool: "default", MaxItems: 1, Lease: time.Minute})
	require.NoError(t, err)

	// Only undelivered rows are failed; the leased one finishes on its own.
	n, err := q.CancelPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, got.Status)

	got, err = q.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CommandLeased, got.Status)
}
