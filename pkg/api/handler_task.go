package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/registry"
	"github.com/cobehq/cobe/pkg/sink"
	"github.com/cobehq/cobe/pkg/store"
)

type createTaskParams struct {
	TaskID   string            `json:"task_id"`
	Text     string            `json:"text" validate:"required"`
	Priority *int              `json:"priority" validate:"omitempty,gte=0,lte=100"`
	Metadata map[string]string `json:"metadata"`
}

type listTasksParams struct {
	Limit int `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

type taskIDParams struct {
	TaskID string `json:"task_id" validate:"required"`
}

type updateTaskParams struct {
	TaskID   string            `json:"task_id" validate:"required"`
	Status   string            `json:"status" validate:"omitempty,oneof=pending in_progress completed failed"`
	Metadata map[string]string `json:"metadata"`
}

type assignParams struct {
	TaskID       string   `json:"task_id" validate:"required"`
	SubtaskID    string   `json:"subtask_id" validate:"required"`
	Specialist   string   `json:"specialist" validate:"omitempty,oneof=frontend backend testing docs general"`
	Capabilities []string `json:"capabilities"`
}

type claimParams struct {
	InstanceID string `json:"instance_id" validate:"required"`
}

type completeParams struct {
	TaskID    string `json:"task_id" validate:"required"`
	SubtaskID string `json:"subtask_id" validate:"required"`
	Status    string `json:"status" validate:"omitempty,oneof=completed failed"`
	Output    string `json:"output"`

	// A diverging approach submitted alongside completion enters conflict
	// detection before the subtask is finalized.
	InstanceID string `json:"instance_id"`
	Approach   string `json:"approach"`
	Reasoning  string `json:"reasoning"`
}

type createAttachmentParams struct {
	TaskID    string `json:"task_id" validate:"required"`
	Key       string `json:"key" validate:"required"`
	Type      string `json:"type" validate:"required,oneof=json markdown text url binary"`
	Value     any    `json:"value"`
	Content   string `json:"content"`
	URL       string `json:"url"`
	Bytes     []byte `json:"bytes"`
	CreatedBy string `json:"created_by"`
}

type attachmentKeyParams struct {
	TaskID string `json:"task_id" validate:"required"`
	Key    string `json:"key" validate:"required"`
}

type attachmentBatchParams struct {
	TaskID string   `json:"task_id" validate:"required"`
	Keys   []string `json:"keys" validate:"required,min=1,max=100"`
}

func (s *Server) registerTaskMethods() {
	rate := s.defaultRate()

	s.registry.Register("task.create", s.handleTaskCreate, registry.HandlerConfig{RateLimit: rate, Persist: true})
	s.registry.Register("task.list", s.handleTaskList, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("task.get_project", s.handleTaskGetProject, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("task.update", s.handleTaskUpdate, registry.HandlerConfig{RateLimit: rate, Persist: true})
	s.registry.Register("task.assign", s.handleTaskAssign, registry.HandlerConfig{RateLimit: rate, Persist: true})
	s.registry.Register("task.claim", s.handleTaskClaim, registry.HandlerConfig{
		// Long poll: bounded by the queue's own pull timeout, not the
		// registry default.
		Timeout: s.cfg.Queue.PullTimeout + 5*time.Second,
	})
	s.registry.Register("task.complete", s.handleTaskComplete, registry.HandlerConfig{RateLimit: rate, Persist: true})
	s.registry.Register("task.create_attachment", s.handleCreateAttachment, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("task.get_attachment", s.handleGetAttachment, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("task.list_attachments", s.handleListAttachments, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("task.get_attachments_batch", s.handleGetAttachmentsBatch, registry.HandlerConfig{RateLimit: rate})
}

func (s *Server) handleTaskCreate(ctx context.Context, call *registry.Call) (any, error) {
	var p createTaskParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	priority := 50
	if p.Priority != nil {
		priority = *p.Priority
	}
	if p.TaskID == "" {
		p.TaskID = uuid.New().String()
	}

	now := time.Now()
	task := &models.Task{
		ID:        p.TaskID,
		Text:      p.Text,
		Priority:  priority,
		Status:    models.TaskPending,
		Metadata:  p.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, registry.ValidationError(fmt.Sprintf("task already exists: %s", p.TaskID))
		}
		return nil, err
	}
	s.publish(ctx, "task:"+task.ID, "task.create", map[string]any{
		"task_id":  task.ID,
		"priority": task.Priority,
	})
	return task, nil
}

func (s *Server) handleTaskList(ctx context.Context, call *registry.Call) (any, error) {
	var p listTasksParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = 50
	}
	ids, err := s.store.ListPendingTasks(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.store.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

// handleTaskGetProject returns the full project view: the parent task, its
// subtasks, and the per-subtask dependency edges.
func (s *Server) handleTaskGetProject(ctx context.Context, call *registry.Call) (any, error) {
	var p taskIDParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("task not found: %s", p.TaskID))
		}
		return nil, err
	}
	subtasks, err := s.store.ListSubtasks(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	deps := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		d, err := s.store.Dependencies(ctx, p.TaskID, st.ID)
		if err != nil {
			return nil, err
		}
		deps[st.ID] = d
	}
	attachments, err := s.store.ListAttachmentKeys(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"task":            task,
		"subtasks":        subtasks,
		"dependencies":    deps,
		"attachment_keys": attachments,
	}, nil
}

func (s *Server) handleTaskUpdate(ctx context.Context, call *registry.Call) (any, error) {
	var p updateTaskParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	var status *models.TaskStatus
	if p.Status != "" {
		st := models.TaskStatus(p.Status)
		status = &st
	}
	task, err := s.store.UpdateTask(ctx, p.TaskID, status, p.Metadata, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("task not found: %s", p.TaskID))
		}
		return nil, err
	}
	s.publish(ctx, "task:"+task.ID, "task.update", map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	})
	return task, nil
}

// handleTaskAssign routes one subtask to the best specialist. The kind
// defaults to the subtask's recorded specialist.
func (s *Server) handleTaskAssign(ctx context.Context, call *registry.Call) (any, error) {
	var p assignParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	kind := models.SpecialistKind(p.Specialist)
	if kind == "" {
		st, err := s.store.GetSubtask(ctx, p.TaskID, p.SubtaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, registry.ValidationError(fmt.Sprintf("subtask not found: %s/%s", p.TaskID, p.SubtaskID))
			}
			return nil, err
		}
		kind = st.Specialist
	}
	res, err := s.queue.Assign(ctx, p.TaskID, p.SubtaskID, kind, p.Capabilities)
	if err != nil {
		if errors.Is(err, store.ErrNoneAvailable) {
			return nil, registry.HandlerError("NONE_AVAILABLE", "no specialist with free capacity")
		}
		return nil, err
	}
	s.publish(ctx, "task:"+p.TaskID, "subtask.assigned", map[string]any{
		"task_id":       p.TaskID,
		"subtask_id":    p.SubtaskID,
		"specialist_id": res.SpecialistID,
	})
	return res, nil
}

// handleTaskClaim long-polls the ready queue on behalf of an instance.
func (s *Server) handleTaskClaim(ctx context.Context, call *registry.Call) (any, error) {
	var p claimParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	res, err := s.queue.Pull(ctx, p.InstanceID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnknownInstance):
			return nil, registry.ValidationError(fmt.Sprintf("unknown instance: %s", p.InstanceID))
		case errors.Is(err, store.ErrAtCapacity):
			return nil, registry.HandlerError("AT_CAPACITY", "instance is at max load")
		}
		return nil, err
	}
	if res.Found {
		s.publish(ctx, "task:"+res.ParentID, "subtask.claimed", map[string]any{
			"task_id":     res.ParentID,
			"subtask_id":  res.SubtaskID,
			"instance_id": p.InstanceID,
		})
	}
	return res, nil
}

func (s *Server) handleTaskComplete(ctx context.Context, call *registry.Call) (any, error) {
	var p completeParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	status := models.TaskCompleted
	if p.Status != "" {
		status = models.TaskStatus(p.Status)
	}

	// A proposal alongside completion goes through conflict detection
	// first; a detected conflict parks the subtask until arbitration.
	if p.Approach != "" {
		conflict, err := s.store.DetectAndQueueConflict(ctx, p.TaskID, p.SubtaskID, models.Proposal{
			InstanceID: p.InstanceID,
			Approach:   p.Approach,
			Reasoning:  p.Reasoning,
		}, time.Now())
		if err != nil {
			return nil, err
		}
		if conflict.ConflictDetected {
			s.publish(ctx, "task:"+p.TaskID, "conflict.detected", map[string]any{
				"task_id":        p.TaskID,
				"subtask_id":     p.SubtaskID,
				"solution_count": conflict.SolutionCount,
			})
			return conflict, nil
		}
	}

	res, err := s.queue.Complete(ctx, p.TaskID, p.SubtaskID, status, p.Output)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("subtask not found: %s/%s", p.TaskID, p.SubtaskID))
		}
		return nil, err
	}
	s.publish(ctx, "task:"+p.TaskID, "subtask.completed", map[string]any{
		"task_id":             p.TaskID,
		"subtask_id":          p.SubtaskID,
		"status":              string(status),
		"unblocked_count":     res.UnblockedCount,
		"ready_for_synthesis": res.ReadyForSynthesis,
	})
	return res, nil
}

// handleCreateAttachment writes through to the sink: both the store copy and
// the durable copy must succeed, or the whole create fails.
func (s *Server) handleCreateAttachment(ctx context.Context, call *registry.Call) (any, error) {
	var p createAttachmentParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTask(ctx, p.TaskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("task not found: %s", p.TaskID))
		}
		return nil, err
	}

	att := &models.Attachment{
		ID:        uuid.New().String(),
		TaskID:    p.TaskID,
		Key:       p.Key,
		Type:      models.AttachmentType(p.Type),
		Value:     p.Value,
		Content:   p.Content,
		URL:       p.URL,
		Bytes:     p.Bytes,
		CreatedAt: time.Now().UTC(),
		CreatedBy: p.CreatedBy,
	}
	if s.sink != nil {
		if err := s.sink.SaveAttachment(ctx, att); err != nil {
			return nil, fmt.Errorf("sink write failed: %w", err)
		}
	}
	if err := s.store.PutAttachment(ctx, att); err != nil {
		return nil, err
	}
	s.publish(ctx, "task:"+p.TaskID, "task.attachment", map[string]any{
		"task_id": p.TaskID,
		"key":     p.Key,
		"type":    p.Type,
	})
	return att, nil
}

// handleGetAttachment reads the store copy, falling through to the sink and
// re-hydrating the store on a hit there.
func (s *Server) handleGetAttachment(ctx context.Context, call *registry.Call) (any, error) {
	var p attachmentKeyParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	att, err := s.getAttachment(ctx, p.TaskID, p.Key)
	if err != nil {
		return nil, err
	}
	return att, nil
}

func (s *Server) getAttachment(ctx context.Context, taskID, key string) (*models.Attachment, error) {
	att, err := s.store.GetAttachment(ctx, taskID, key)
	if err == nil {
		return att, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if s.sink == nil {
		return nil, registry.ValidationError(fmt.Sprintf("attachment not found: %s/%s", taskID, key))
	}
	att, err = s.sink.GetAttachment(ctx, taskID, key)
	if errors.Is(err, sink.ErrNotFound) {
		return nil, registry.ValidationError(fmt.Sprintf("attachment not found: %s/%s", taskID, key))
	}
	if err != nil {
		return nil, err
	}
	// Re-hydrate the store copy so the next read is local.
	if err := s.store.PutAttachment(ctx, att); err != nil {
		return nil, err
	}
	return att, nil
}

func (s *Server) handleListAttachments(ctx context.Context, call *registry.Call) (any, error) {
	var p taskIDParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	keys, err := s.store.ListAttachmentKeys(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"keys": keys, "count": len(keys)}, nil
}

func (s *Server) handleGetAttachmentsBatch(ctx context.Context, call *registry.Call) (any, error) {
	var p attachmentBatchParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	out := make(map[string]*models.Attachment, len(p.Keys))
	missing := make([]string, 0)
	for _, key := range p.Keys {
		att, err := s.getAttachment(ctx, p.TaskID, key)
		if err != nil {
			var rpcErr *registry.Error
			if errors.As(err, &rpcErr) && rpcErr.Code == registry.CodeValidationError {
				missing = append(missing, key)
				continue
			}
			return nil, err
		}
		out[key] = att
	}
	return map[string]any{"attachments": out, "missing": missing}, nil
}
