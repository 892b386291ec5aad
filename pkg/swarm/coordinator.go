// Package swarm orchestrates the LLM-driven phases: decomposition, subtask
// briefs, conflict arbitration, and synthesis. The provider supplies the
// intelligence; the coordinator supplies idempotence, fallbacks, and the
// state writes.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cobehq/cobe/pkg/events"
	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/sampling"
	"github.com/cobehq/cobe/pkg/store"
)

// phaseTTL bounds how long a claimed phase key blocks a retry. A crashed
// coordinator mid-phase frees the phase after this.
const phaseTTL = 10 * time.Minute

// Provider is the sampling surface the coordinator needs. *sampling.Client
// implements it; tests substitute fakes.
type Provider interface {
	Decompose(ctx context.Context, req *sampling.DecomposeRequest) (*sampling.DecomposeResponse, error)
	Context(ctx context.Context, req *sampling.ContextRequest) (*sampling.ContextResponse, error)
	Resolve(ctx context.Context, req *sampling.ResolveRequest) (*sampling.ResolveResponse, error)
	Synthesize(ctx context.Context, req *sampling.SynthesizeRequest) (*sampling.SynthesizeResponse, error)
}

// Coordinator drives the provider phases against the store.
type Coordinator struct {
	store    *store.Store
	provider Provider
	bus      *events.Bus
}

// NewCoordinator wires the coordinator.
func NewCoordinator(st *store.Store, provider Provider, bus *events.Bus) *Coordinator {
	return &Coordinator{store: st, provider: provider, bus: bus}
}

// Decompose asks the provider to break the task into subtasks and installs
// the result. The (taskId, "decompose") phase key makes retried calls
// no-ops; a persistently failing provider degrades to a single general
// subtask covering the whole project, so a submitted task never wedges.
func (c *Coordinator) Decompose(ctx context.Context, taskID string, constraints map[string]string) (*store.DecomposeResult, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	claimed, err := c.store.BeginPhase(ctx, taskID, "decompose", phaseTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &store.DecomposeResult{Success: true, Idempotent: true}, nil
	}

	pool := c.poolSnapshot(ctx)
	decomp := c.requestDecomposition(ctx, task, pool, constraints)

	res, err := c.store.DecomposeAndStoreSubtasks(ctx, taskID, decomp, time.Now())
	if err != nil {
		// Free the phase so the caller can retry the install.
		_ = c.store.ClearPhase(ctx, taskID, "decompose")
		return nil, err
	}
	_, _ = c.bus.Publish(ctx, "task:"+taskID, "task.decomposed", map[string]any{
		"task_id":       taskID,
		"subtask_count": res.SubtaskCount,
		"queued":        res.QueuedCount,
		"source":        decomp.Source,
	})
	return res, nil
}

func (c *Coordinator) requestDecomposition(ctx context.Context, task *models.Task, pool []sampling.SpecialistSnapshot, constraints map[string]string) *models.Decomposition {
	resp, err := c.provider.Decompose(ctx, &sampling.DecomposeRequest{
		TaskID:      task.ID,
		Text:        renderDecomposePrompt(task, pool),
		Priority:    task.Priority,
		Constraints: constraints,
		Specialists: pool,
	})
	if err != nil {
		slog.Warn("Decomposition provider failed, using fallback",
			"task_id", task.ID, "error", err)
		return fallbackDecomposition(task)
	}
	return resp.Decomposition(task.ID)
}

// fallbackDecomposition is the deterministic degradation: the whole project
// as one general subtask.
func fallbackDecomposition(task *models.Task) *models.Decomposition {
	return &models.Decomposition{
		TaskID: task.ID,
		Source: "fallback",
		Subtasks: []models.DecompSubtask{{
			ID:          "main",
			Description: task.Text,
			Specialist:  models.KindGeneral,
			Priority:    task.Priority,
		}},
	}
}

func (c *Coordinator) poolSnapshot(ctx context.Context) []sampling.SpecialistSnapshot {
	var out []sampling.SpecialistSnapshot
	for _, kind := range []models.SpecialistKind{
		models.KindFrontend, models.KindBackend, models.KindTesting, models.KindDocs, models.KindGeneral,
	} {
		pool, err := c.store.SpecialistPool(ctx, kind)
		if err != nil {
			slog.Warn("Failed to snapshot specialist pool", "kind", kind, "error", err)
			continue
		}
		for id, rec := range pool {
			out = append(out, sampling.SpecialistSnapshot{
				ID:           id,
				Kind:         string(kind),
				Capabilities: rec.Capabilities,
				CurrentLoad:  rec.CurrentLoad,
				MaxLoad:      rec.MaxLoad,
			})
		}
	}
	return out
}

// Context produces the execution brief for a subtask, generated once and
// cached as the context_{subtaskId} attachment on the parent task.
func (c *Coordinator) Context(ctx context.Context, parentTaskID, subtaskID string) (*models.Attachment, error) {
	key := "context_" + subtaskID
	if att, err := c.store.GetAttachment(ctx, parentTaskID, key); err == nil {
		return att, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	sub, err := c.store.GetSubtask(ctx, parentTaskID, subtaskID)
	if err != nil {
		return nil, err
	}
	completed := c.completedOutputs(ctx, parentTaskID, subtaskID)

	brief, err := c.provider.Context(ctx, &sampling.ContextRequest{
		SubtaskID:     subtaskID,
		ParentTaskID:  parentTaskID,
		Specialist:    string(sub.Specialist),
		Description:   sub.Description,
		CompletedWork: completed,
	})
	if err != nil {
		slog.Warn("Context provider failed, using fallback brief",
			"subtask_id", subtaskID, "error", err)
		brief = &sampling.ContextResponse{Scope: sub.Description, RelatedWork: completed}
	}

	att := &models.Attachment{
		ID:        uuid.New().String(),
		TaskID:    parentTaskID,
		Key:       key,
		Type:      models.AttachmentJSON,
		Value:     brief,
		CreatedAt: time.Now(),
		CreatedBy: "coordinator",
	}
	if err := c.store.PutAttachment(ctx, att); err != nil {
		return nil, err
	}
	return att, nil
}

func (c *Coordinator) completedOutputs(ctx context.Context, parentTaskID, excludeID string) []string {
	subtasks, err := c.store.ListSubtasks(ctx, parentTaskID)
	if err != nil {
		return nil
	}
	var out []string
	for _, st := range subtasks {
		if st.ID != excludeID && st.Status == models.TaskCompleted && st.Output != "" {
			out = append(out, fmt.Sprintf("%s [%s]: %s", st.ID, st.Specialist, st.Output))
		}
	}
	return out
}

// Resolve arbitrates a detected conflict: the provider picks a winner, the
// resolution is written at its stable key, and conflict.resolved goes out
// on the task stream so the losing specialists learn their fate. A provider
// that fails or names an unknown winner falls back to the first proposal.
func (c *Coordinator) Resolve(ctx context.Context, taskID, subtaskID string) (*models.Resolution, error) {
	conflict, err := c.store.GetConflict(ctx, taskID, subtaskID)
	if err != nil {
		return nil, err
	}
	if len(conflict.Proposals) < 2 {
		return nil, fmt.Errorf("conflict %s has %d proposals, arbitration needs at least 2",
			conflict.ID, len(conflict.Proposals))
	}

	winner := conflict.Proposals[0]
	reasoning := "provider unavailable, first proposal wins"
	resp, err := c.provider.Resolve(ctx, &sampling.ResolveRequest{
		ConflictID: conflict.ID,
		Solutions:  conflict.Proposals,
		Context:    renderResolvePrompt(conflict),
	})
	if err != nil {
		slog.Warn("Resolve provider failed, using first proposal",
			"conflict_id", conflict.ID, "error", err)
	} else {
		found := false
		for _, p := range conflict.Proposals {
			if p.InstanceID == resp.WinnerID {
				winner, found = p, true
				break
			}
		}
		if found {
			reasoning = resp.Reasoning
		} else {
			slog.Warn("Resolve provider named unknown winner, using first proposal",
				"conflict_id", conflict.ID, "winner_id", resp.WinnerID)
		}
	}

	res := &models.Resolution{
		ConflictID: conflict.ID,
		WinnerID:   winner.InstanceID,
		Approach:   winner.Approach,
		Reasoning:  reasoning,
		ResolvedAt: time.Now(),
	}
	if err := c.store.ResolveConflict(ctx, taskID, subtaskID, res); err != nil {
		return nil, err
	}
	_, _ = c.bus.Publish(ctx, "task:"+taskID, "conflict.resolved", map[string]any{
		"task_id":    taskID,
		"subtask_id": subtaskID,
		"winner_id":  winner.InstanceID,
		"approach":   winner.Approach,
	})
	return res, nil
}

// Synthesize runs the integration phase over a finished task: the verdict
// and steps land as the synthesis attachment on the parent, the parent goes
// terminal, and task.synthesized is published. Failed subtasks are reported
// in the synthesis rather than blocking it.
func (c *Coordinator) Synthesize(ctx context.Context, taskID string) (*models.Synthesis, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	subtasks, err := c.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, st := range subtasks {
		if !st.Status.Terminal() {
			return nil, fmt.Errorf("subtask %s is %s, synthesis needs every subtask terminal", st.ID, st.Status)
		}
	}

	claimed, err := c.store.BeginPhase(ctx, taskID, "synthesize", phaseTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// The attachment value comes back as decoded JSON; re-map it.
		if att, err := c.store.GetAttachment(ctx, taskID, "synthesis"); err == nil {
			var syn models.Synthesis
			blob, _ := json.Marshal(att.Value)
			if json.Unmarshal(blob, &syn) == nil && syn.TaskID != "" {
				return &syn, nil
			}
		}
		return nil, fmt.Errorf("synthesis for %s already in progress", taskID)
	}

	syn := c.requestSynthesis(ctx, task, subtasks)
	att := &models.Attachment{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Key:       "synthesis",
		Type:      models.AttachmentJSON,
		Value:     syn,
		CreatedAt: syn.CreatedAt,
		CreatedBy: "coordinator",
	}
	if err := c.store.PutAttachment(ctx, att); err != nil {
		_ = c.store.ClearPhase(ctx, taskID, "synthesize")
		return nil, err
	}

	status := models.TaskCompleted
	if syn.Status == models.SynthesisRequiresFixes {
		status = models.TaskFailed
	}
	if _, err := c.store.UpdateTask(ctx, taskID, &status, nil, time.Now()); err != nil {
		return nil, err
	}
	_, _ = c.bus.Publish(ctx, "task:"+taskID, "task.synthesized", map[string]any{
		"task_id": taskID,
		"status":  string(syn.Status),
	})
	return syn, nil
}

func (c *Coordinator) requestSynthesis(ctx context.Context, task *models.Task, subtasks []*models.Subtask) *models.Synthesis {
	var failed []string
	for _, st := range subtasks {
		if st.Status == models.TaskFailed {
			failed = append(failed, st.ID)
		}
	}

	resp, err := c.provider.Synthesize(ctx, &sampling.SynthesizeRequest{
		TaskID:            task.ID,
		ParentTask:        task,
		CompletedSubtasks: subtasks,
	})
	if err != nil {
		slog.Warn("Synthesize provider failed, using deterministic verdict",
			"task_id", task.ID, "error", err)
		status := models.SynthesisReadyForIntegration
		summary := renderSynthesizePrompt(task, subtasks)
		if len(failed) > 0 {
			status = models.SynthesisRequiresFixes
		}
		return &models.Synthesis{
			TaskID:      task.ID,
			Status:      status,
			Summary:     summary,
			NextActions: failed,
			CreatedAt:   time.Now(),
		}
	}
	return &models.Synthesis{
		TaskID:           task.ID,
		Status:           models.SynthesisStatus(resp.Status),
		Summary:          resp.Summary,
		IntegrationSteps: resp.IntegrationSteps,
		NextActions:      resp.NextActions,
		CreatedAt:        time.Now(),
	}
}
