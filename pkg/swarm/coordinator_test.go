package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobehq/cobe/pkg/events"
	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/sampling"
	"github.com/cobehq/cobe/pkg/store"
)

// fakeProvider scripts each phase and counts calls.
type fakeProvider struct {
	decompose  func(*sampling.DecomposeRequest) (*sampling.DecomposeResponse, error)
	context    func(*sampling.ContextRequest) (*sampling.ContextResponse, error)
	resolve    func(*sampling.ResolveRequest) (*sampling.ResolveResponse, error)
	synthesize func(*sampling.SynthesizeRequest) (*sampling.SynthesizeResponse, error)

	decomposeCalls int
	contextCalls   int
}

func (f *fakeProvider) Decompose(_ context.Context, req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error) {
	f.decomposeCalls++
	if f.decompose == nil {
		return nil, errors.New("not scripted")
	}
	return f.decompose(req)
}

func (f *fakeProvider) Context(_ context.Context, req *sampling.ContextRequest) (*sampling.ContextResponse, error) {
	f.contextCalls++
	if f.context == nil {
		return nil, errors.New("not scripted")
	}
	return f.context(req)
}

func (f *fakeProvider) Resolve(_ context.Context, req *sampling.ResolveRequest) (*sampling.ResolveResponse, error) {
	if f.resolve == nil {
		return nil, errors.New("not scripted")
	}
	return f.resolve(req)
}

func (f *fakeProvider) Synthesize(_ context.Context, req *sampling.SynthesizeRequest) (*sampling.SynthesizeResponse, error) {
	if f.synthesize == nil {
		return nil, errors.New("not scripted")
	}
	return f.synthesize(req)
}

func newTestCoordinator(t *testing.T, p Provider) (*Coordinator, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewFromClient(rdb)
	bus := events.NewBus(rdb, 1000)
	return NewCoordinator(st, p, bus), st
}

func createTask(t *testing.T, st *store.Store, id, text string) {
	t.Helper()
	require.NoError(t, st.CreateTask(context.Background(), &models.Task{
		ID: id, Text: text, Priority: 50, Status: models.TaskPending, CreatedAt: time.Now(),
	}))
}

func TestDecomposeInstallsProviderResult(t *testing.T) {
	p := &fakeProvider{decompose: func(req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error) {
		return &sampling.DecomposeResponse{
			Reasoning: "layered",
			Subtasks: []sampling.ProposedSubtask{
				{ID: "api", Description: "api", Specialist: "backend", Priority: 60},
				{ID: "ui", Description: "ui", Specialist: "frontend", Priority: 40, Dependencies: []string{"api"}},
			},
		}, nil
	}}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()

	createTask(t, st, "t1", "build the dashboard")
	res, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SubtaskCount)
	assert.Equal(t, 1, res.QueuedCount)

	ready, err := st.ReadyQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1:api"}, ready)
}

func TestDecomposeFallsBackWhenProviderFails(t *testing.T) {
	p := &fakeProvider{} // every phase errors
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()

	createTask(t, st, "t1", "build the dashboard")
	res, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SubtaskCount)
	assert.Equal(t, 1, res.QueuedCount)

	sub, err := st.GetSubtask(ctx, "t1", "main")
	require.NoError(t, err)
	assert.Equal(t, models.KindGeneral, sub.Specialist)
	assert.Equal(t, "build the dashboard", sub.Description)
}

func TestDecomposePhaseKeyMakesRetriesNoOps(t *testing.T) {
	p := &fakeProvider{decompose: func(req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error) {
		return &sampling.DecomposeResponse{
			Subtasks: []sampling.ProposedSubtask{{ID: "a", Description: "a", Specialist: "general"}},
		}, nil
	}}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()

	createTask(t, st, "t1", "work")
	_, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)

	res, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, 1, p.decomposeCalls)
}

func TestContextGeneratedOnceAndCached(t *testing.T) {
	p := &fakeProvider{
		decompose: func(req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error) {
			return &sampling.DecomposeResponse{
				Subtasks: []sampling.ProposedSubtask{{ID: "a", Description: "wire the api", Specialist: "backend"}},
			}, nil
		},
		context: func(req *sampling.ContextRequest) (*sampling.ContextResponse, error) {
			return &sampling.ContextResponse{
				Scope:           "wire the api",
				SuccessCriteria: []string{"handlers respond"},
			}, nil
		},
	}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()

	createTask(t, st, "t1", "work")
	_, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)

	att, err := c.Context(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, "context_a", att.Key)
	assert.Equal(t, models.AttachmentJSON, att.Type)

	again, err := c.Context(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, att.ID, again.ID)
	assert.Equal(t, 1, p.contextCalls)
}

func TestResolvePicksProviderWinner(t *testing.T) {
	p := &fakeProvider{resolve: func(req *sampling.ResolveRequest) (*sampling.ResolveResponse, error) {
		return &sampling.ResolveResponse{WinnerID: "w2", Reasoning: "fits the client"}, nil
	}}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()
	now := time.Now()

	_, err := st.DetectAndQueueConflict(ctx, "t1", "a", models.Proposal{InstanceID: "w1", Approach: "REST"}, now)
	require.NoError(t, err)
	_, err = st.DetectAndQueueConflict(ctx, "t1", "a", models.Proposal{InstanceID: "w2", Approach: "GraphQL"}, now)
	require.NoError(t, err)

	res, err := c.Resolve(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, "w2", res.WinnerID)
	assert.Equal(t, "GraphQL", res.Approach)

	stored, err := st.GetResolution(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, "w2", stored.WinnerID)

	// The conflict left the pending queue.
	pending, err := st.Client().LRange(ctx, store.ConflictQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveFallsBackOnUnknownWinner(t *testing.T) {
	p := &fakeProvider{resolve: func(req *sampling.ResolveRequest) (*sampling.ResolveResponse, error) {
		return &sampling.ResolveResponse{WinnerID: "nobody"}, nil
	}}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()
	now := time.Now()

	_, err := st.DetectAndQueueConflict(ctx, "t1", "a", models.Proposal{InstanceID: "w1", Approach: "REST"}, now)
	require.NoError(t, err)
	_, err = st.DetectAndQueueConflict(ctx, "t1", "a", models.Proposal{InstanceID: "w2", Approach: "GraphQL"}, now)
	require.NoError(t, err)

	res, err := c.Resolve(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, "w1", res.WinnerID)
}

func TestResolveNeedsTwoProposals(t *testing.T) {
	c, st := newTestCoordinator(t, &fakeProvider{})
	ctx := context.Background()

	_, err := st.DetectAndQueueConflict(ctx, "t1", "a", models.Proposal{InstanceID: "w1", Approach: "REST"}, time.Now())
	require.NoError(t, err)

	_, err = c.Resolve(ctx, "t1", "a")
	require.Error(t, err)
}

func TestSynthesizeWritesVerdict(t *testing.T) {
	p := &fakeProvider{
		decompose: func(req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error) {
			return &sampling.DecomposeResponse{
				Subtasks: []sampling.ProposedSubtask{{ID: "a", Description: "a", Specialist: "general"}},
			}, nil
		},
		synthesize: func(req *sampling.SynthesizeRequest) (*sampling.SynthesizeResponse, error) {
			return &sampling.SynthesizeResponse{
				Status:           "ready_for_integration",
				Summary:          "all pieces in place",
				IntegrationSteps: []string{"merge", "deploy"},
			}, nil
		},
	}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()

	createTask(t, st, "t1", "work")
	_, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)
	_, err = st.SynthesizeProgress(ctx, "t1", "a", models.TaskCompleted, "done", time.Now())
	require.NoError(t, err)

	syn, err := c.Synthesize(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.SynthesisReadyForIntegration, syn.Status)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	_, err = st.GetAttachment(ctx, "t1", "synthesis")
	require.NoError(t, err)
}

func TestSynthesizeRejectsUnfinishedTask(t *testing.T) {
	p := &fakeProvider{decompose: func(req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error) {
		return &sampling.DecomposeResponse{
			Subtasks: []sampling.ProposedSubtask{{ID: "a", Description: "a", Specialist: "general"}},
		}, nil
	}}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()

	createTask(t, st, "t1", "work")
	_, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)

	_, err = c.Synthesize(ctx, "t1")
	require.Error(t, err)
}

func TestSynthesizeFallbackReportsFailures(t *testing.T) {
	p := &fakeProvider{decompose: func(req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error) {
		return &sampling.DecomposeResponse{
			Subtasks: []sampling.ProposedSubtask{
				{ID: "a", Description: "a", Specialist: "general"},
				{ID: "b", Description: "b", Specialist: "general"},
			},
		}, nil
	}}
	c, st := newTestCoordinator(t, p)
	ctx := context.Background()
	now := time.Now()

	createTask(t, st, "t1", "work")
	_, err := c.Decompose(ctx, "t1", nil)
	require.NoError(t, err)
	_, err = st.SynthesizeProgress(ctx, "t1", "a", models.TaskCompleted, "done", now)
	require.NoError(t, err)
	_, err = st.SynthesizeProgress(ctx, "t1", "b", models.TaskFailed, "boom", now)
	require.NoError(t, err)

	syn, err := c.Synthesize(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.SynthesisRequiresFixes, syn.Status)
	assert.Contains(t, syn.NextActions, "b")
}
