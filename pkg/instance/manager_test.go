package instance

import (
	"context"
	"strconv"
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

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewFromClient(rdb)
	m := NewManager(st, config.InstanceConfig{
		OfflineAfter:  30 * time.Second,
		SweepInterval: time.Second,
	})
	return m, st
}

func registerWorker(t *testing.T, st *store.Store, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.RegisterInstance(context.Background(), &models.Instance{
		ID:            id,
		Roles:         []string{"backend"},
		Capabilities:  []string{"go"},
		MaxLoad:       3,
		Status:        models.InstanceIdle,
		LastHeartbeat: now,
		StartedAt:     now,
	}))
}

func staleHeartbeat(t *testing.T, st *store.Store, id string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age).UnixMilli()
	err := st.Client().HSet(context.Background(),
		store.KeyPrefix+"instance:"+id,
		"last_heartbeat", strconv.FormatInt(old, 10)).Err()
	require.NoError(t, err)
}

func TestSweepMarksStaleInstanceOffline(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	registerWorker(t, st, "w1")
	staleHeartbeat(t, st, "w1", time.Minute)

	require.NoError(t, m.Sweep(ctx))

	inst, err := st.GetInstance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceOffline, inst.Status)
}

func TestSweepReassignsQueuedWork(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	registerWorker(t, st, "w1")
	decomp := &models.Decomposition{TaskID: "t1", Subtasks: []models.DecompSubtask{
		{ID: "a", Specialist: models.KindBackend, Priority: 50},
	}}
	_, err := st.DecomposeAndStoreSubtasks(ctx, "t1", decomp, now)
	require.NoError(t, err)
	res, err := st.AssignToSpecialist(ctx, "t1", "a", models.KindBackend, nil, now)
	require.NoError(t, err)
	require.Equal(t, "w1", res.SpecialistID)

	staleHeartbeat(t, st, "w1", time.Minute)
	require.NoError(t, m.Sweep(ctx))

	// The subtask went back to the ready queue at its old priority.
	ready, err := st.ReadyQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1:a"}, ready)

	st1, err := st.GetSubtask(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, st1.Status)
}

func TestSweepLeavesFreshInstancesAlone(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	registerWorker(t, st, "w1")
	require.NoError(t, m.Sweep(ctx))

	inst, err := st.GetInstance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceIdle, inst.Status)
}

func TestHeartbeatRevivesOfflineInstance(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	registerWorker(t, st, "w1")
	staleHeartbeat(t, st, "w1", time.Minute)
	require.NoError(t, m.Sweep(ctx))

	require.NoError(t, st.Heartbeat(ctx, "w1", nil, time.Now()))
	inst, err := st.GetInstance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceIdle, inst.Status)

	// A revived instance is not re-swept.
	require.NoError(t, m.Sweep(ctx))
	inst, err = st.GetInstance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceIdle, inst.Status)
}

func TestStartRunsRecoverySweep(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	registerWorker(t, st, "w1")
	staleHeartbeat(t, st, "w1", time.Minute)

	require.NoError(t, m.Start(ctx))
	t.Cleanup(m.Stop)

	inst, err := st.GetInstance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceOffline, inst.Status)
}
