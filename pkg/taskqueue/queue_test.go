package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewFromClient(rdb)
	q := New(st, config.QueueConfig{
		PullTimeout:  200 * time.Millisecond,
		PullInterval: 20 * time.Millisecond,
	})
	return q, st
}

func register(t *testing.T, st *store.Store, id string, roles []string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.RegisterInstance(context.Background(), &models.Instance{
		ID:            id,
		Roles:         roles,
		MaxLoad:       3,
		Status:        models.InstanceIdle,
		LastHeartbeat: now,
		StartedAt:     now,
	}))
}

func TestPullReturnsImmediatelyWhenWorkIsReady(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	register(t, st, "w1", []string{"backend"})
	decomp := &models.Decomposition{TaskID: "t1", Subtasks: []models.DecompSubtask{
		{ID: "a", Specialist: models.KindBackend, Priority: 50},
	}}
	_, err := st.DecomposeAndStoreSubtasks(ctx, "t1", decomp, time.Now())
	require.NoError(t, err)

	res, err := q.Pull(ctx, "w1")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "a", res.SubtaskID)
	assert.Equal(t, "t1", res.ParentID)
}

func TestPullTimesOutEmpty(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	register(t, st, "w1", []string{"backend"})
	start := time.Now()
	res, err := q.Pull(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestPullPicksUpWorkMidPoll(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	register(t, st, "w1", []string{"backend"})
	go func() {
		time.Sleep(60 * time.Millisecond)
		decomp := &models.Decomposition{TaskID: "t1", Subtasks: []models.DecompSubtask{
			{ID: "a", Specialist: models.KindBackend, Priority: 50},
		}}
		_, _ = st.DecomposeAndStoreSubtasks(ctx, "t1", decomp, time.Now())
	}()

	res, err := q.Pull(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, res.Found)
}

func TestPullUnknownInstanceFailsFast(t *testing.T) {
	q, _ := newTestQueue(t)
	start := time.Now()
	_, err := q.Pull(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrUnknownInstance)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestEnqueueThenPullHonorsPriority(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	register(t, st, "w1", []string{"backend"})
	decomp := &models.Decomposition{TaskID: "t1", Subtasks: []models.DecompSubtask{
		{ID: "low", Specialist: models.KindBackend, Priority: 10, Dependencies: []string{"gate"}},
		{ID: "high", Specialist: models.KindBackend, Priority: 90, Dependencies: []string{"gate"}},
		{ID: "gate", Specialist: models.KindBackend, Priority: 5},
	}}
	_, err := st.DecomposeAndStoreSubtasks(ctx, "t1", decomp, now)
	require.NoError(t, err)

	// Bypass the gate and enqueue both dependents directly.
	require.NoError(t, q.Enqueue(ctx, "t1", "low", 10))
	require.NoError(t, q.Enqueue(ctx, "t1", "high", 90))

	res, err := q.Pull(ctx, "w1")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "high", res.SubtaskID)
}

func TestCompleteUnblocksAndFreesCapacity(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	register(t, st, "w1", []string{"backend"})
	decomp := &models.Decomposition{TaskID: "t1", Subtasks: []models.DecompSubtask{
		{ID: "a", Specialist: models.KindBackend, Priority: 50},
		{ID: "b", Specialist: models.KindBackend, Priority: 50, Dependencies: []string{"a"}},
	}}
	_, err := st.DecomposeAndStoreSubtasks(ctx, "t1", decomp, time.Now())
	require.NoError(t, err)

	res, err := q.Pull(ctx, "w1")
	require.NoError(t, err)
	require.True(t, res.Found)

	prog, err := q.Complete(ctx, "t1", "a", models.TaskCompleted, "done")
	require.NoError(t, err)
	assert.Equal(t, 1, prog.UnblockedCount)

	res, err = q.Pull(ctx, "w1")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "b", res.SubtaskID)
}
