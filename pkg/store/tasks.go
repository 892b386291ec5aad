package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cobehq/cobe/pkg/models"
)

// GetTask reads one task record.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return taskFromHash(fields)
}

// ListPendingTasks returns task ids from the pending queue in priority
// order (highest first, FIFO within a priority).
func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}
	return s.rdb.ZRevRange(ctx, pendingTasksKey, 0, int64(limit-1)).Result()
}

// UpdateTask applies a partial update. Terminal statuses set completed_at;
// a task is terminal iff completed_at is set.
func (s *Store) UpdateTask(ctx context.Context, taskID string, status *models.TaskStatus, metadata map[string]string, now time.Time) (*models.Task, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	exists, err := s.rdb.Exists(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("update task exists check: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	fields := []interface{}{"updated_at", strconv.FormatInt(now.UnixMilli(), 10)}
	if status != nil {
		fields = append(fields, "status", string(*status))
		if status.Terminal() {
			fields = append(fields, "completed_at", strconv.FormatInt(now.UnixMilli(), 10))
		}
	}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal task metadata: %w", err)
		}
		fields = append(fields, "metadata", string(b))
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), fields...)
	if status != nil && status.Terminal() {
		pipe.ZRem(ctx, pendingTasksKey, taskID)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey("task:" + taskID),
		Values: map[string]interface{}{
			"type":    "task.update",
			"task_id": taskID,
			"ts":      strconv.FormatInt(now.UnixMilli(), 10),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return s.GetTask(ctx, taskID)
}

// GetSubtask reads one subtask record.
func (s *Store) GetSubtask(ctx context.Context, parentID, subtaskID string) (*models.Subtask, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, subtaskKey(parentID, subtaskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return subtaskFromHash(fields), nil
}

// ListSubtasks reads every subtask of a parent.
func (s *Store) ListSubtasks(ctx context.Context, parentID string) ([]*models.Subtask, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, subtaskIndexKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subtask ids: %w", err)
	}
	out := make([]*models.Subtask, 0, len(ids))
	for _, id := range ids {
		st, err := s.GetSubtask(ctx, parentID, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Dependencies returns the declared predecessors of a subtask.
func (s *Store) Dependencies(ctx context.Context, parentID, subtaskID string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.SMembers(ctx, dependenciesKey(parentID, subtaskID)).Result()
}

// Dependents returns the reverse index: subtasks depending on this one.
func (s *Store) Dependents(ctx context.Context, parentID, subtaskID string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.SMembers(ctx, dependentsKey(parentID, subtaskID)).Result()
}

// ReadyQueue returns the composite members of the ready queue in priority
// order, highest first.
func (s *Store) ReadyQueue(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.ZRevRange(ctx, ReadyQueueKey, 0, -1).Result()
}

// EnqueueSubtask places a subtask on the ready queue at the given priority.
// Score encodes priority-then-FIFO: equal priorities pop in enqueue order.
// A member already queued keeps its original position.
func (s *Store) EnqueueSubtask(ctx context.Context, parentID, subtaskID string, priority int) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	member := QueueMember(parentID, subtaskID)
	_, err := s.rdb.ZScore(ctx, ReadyQueueKey, member).Result()
	if err == nil {
		return nil
	}
	if err != redis.Nil {
		return fmt.Errorf("enqueue score check: %w", err)
	}
	seq, err := s.rdb.Incr(ctx, queueSeqKey).Result()
	if err != nil {
		return fmt.Errorf("enqueue seq: %w", err)
	}
	score := float64(priority)*1e10 + (1e10 - float64(seq))
	if err := s.rdb.ZAdd(ctx, ReadyQueueKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("enqueue subtask: %w", err)
	}
	return nil
}

// BlockedSet returns the composite members held back by failed predecessors.
func (s *Store) BlockedSet(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.SMembers(ctx, blockedSetKey).Result()
}

// GetConflict reads the proposal list for a subtask, if any.
func (s *Store) GetConflict(ctx context.Context, taskID, subtaskID string) (*models.Conflict, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	items, err := s.rdb.LRange(ctx, conflictKey(taskID, subtaskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	conflict := &models.Conflict{
		ID:        taskID + ":" + subtaskID,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Proposals: make([]models.Proposal, 0, len(items)),
	}
	for _, item := range items {
		var p models.Proposal
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("decode proposal: %w", err)
		}
		conflict.Proposals = append(conflict.Proposals, p)
	}
	return conflict, nil
}

// ResolveConflict records an arbitration outcome: the resolution at its
// stable key, the winning approach on the subtask record, and the conflict
// dropped from the pending conflict queue. Event emission is the caller's
// job (the coordinator publishes conflict.resolved through the bus).
func (s *Store) ResolveConflict(ctx context.Context, taskID, subtaskID string, res *models.Resolution) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, resolutionKey(taskID, subtaskID), string(blob), 0)
	pipe.HSet(ctx, subtaskKey(taskID, subtaskID),
		"resolution", string(blob),
		"updated_at", strconv.FormatInt(res.ResolvedAt.UnixMilli(), 10),
	)
	pipe.LRem(ctx, ConflictQueueKey, 0, taskID+":"+subtaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return nil
}

// GetResolution reads a recorded arbitration outcome.
func (s *Store) GetResolution(ctx context.Context, taskID, subtaskID string) (*models.Resolution, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	blob, err := s.rdb.Get(ctx, resolutionKey(taskID, subtaskID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution: %w", err)
	}
	var res models.Resolution
	if err := json.Unmarshal([]byte(blob), &res); err != nil {
		return nil, fmt.Errorf("decode resolution: %w", err)
	}
	return &res, nil
}

// BeginPhase claims the (taskId, phase) idempotence key. Returns false when
// the phase already ran; retried provider calls then skip the state write.
func (s *Store) BeginPhase(ctx context.Context, taskID, phase string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.SetNX(ctx, phaseKey(taskID, phase), "1", ttl).Result()
}

// ClearPhase releases a phase key so a failed phase can be retried.
func (s *Store) ClearPhase(ctx context.Context, taskID, phase string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.Del(ctx, phaseKey(taskID, phase)).Err()
}

// PutAttachment writes the in-store attachment copy and its index entry.
// The relational sink write is handled by the caller; store and sink must
// both succeed for the create to succeed.
func (s *Store) PutAttachment(ctx context.Context, att *models.Attachment) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	blob, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, attachmentKey(att.TaskID, att.Key),
		"id", att.ID,
		"payload", string(blob),
		"created_at", strconv.FormatInt(att.CreatedAt.UnixMilli(), 10),
	)
	pipe.ZAdd(ctx, attachmentIndexKey(att.TaskID), redis.Z{
		Score:  float64(att.CreatedAt.UnixMilli()),
		Member: att.Key,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put attachment: %w", err)
	}
	return nil
}

// GetAttachment reads the in-store attachment copy. ErrNotFound signals the
// caller to fall through to the sink.
func (s *Store) GetAttachment(ctx context.Context, taskID, key string) (*models.Attachment, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	blob, err := s.rdb.HGet(ctx, attachmentKey(taskID, key), "payload").Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	var att models.Attachment
	if err := json.Unmarshal([]byte(blob), &att); err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return &att, nil
}

// ListAttachmentKeys returns the ordered attachment keys of a task.
func (s *Store) ListAttachmentKeys(ctx context.Context, taskID string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.ZRange(ctx, attachmentIndexKey(taskID), 0, -1).Result()
}

// EvictAttachment drops the in-store copy, leaving the sink authoritative.
func (s *Store) EvictAttachment(ctx context.Context, taskID, key string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, attachmentKey(taskID, key))
	// Index entry stays: list operations should still show the key.
	_, err := pipe.Exec(ctx)
	return err
}

// IncrCounter bumps a named metrics counter.
func (s *Store) IncrCounter(ctx context.Context, name string, delta int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.rdb.HIncrBy(ctx, countersKey, name, delta).Err()
}

// Counters returns all metrics counters.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	raw, err := s.rdb.HGetAll(ctx, countersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func taskFromHash(fields map[string]string) (*models.Task, error) {
	t := &models.Task{
		ID:     fields["id"],
		Text:   fields["text"],
		Status: models.TaskStatus(fields["status"]),
	}
	t.Priority, _ = strconv.Atoi(fields["priority"])
	if m := fields["metadata"]; m != "" && m != "{}" {
		if err := json.Unmarshal([]byte(m), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		t.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		t.UpdatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["completed_at"], 10, 64); err == nil {
		ts := time.UnixMilli(ms)
		t.CompletedAt = &ts
	}
	return t, nil
}

func subtaskFromHash(fields map[string]string) *models.Subtask {
	st := &models.Subtask{
		ID:          fields["id"],
		ParentID:    fields["parent_id"],
		Description: fields["description"],
		Specialist:  models.SpecialistKind(fields["specialist"]),
		Status:      models.TaskStatus(fields["status"]),
		AssignedTo:  fields["assigned_to"],
		Output:      fields["output"],
	}
	st.Priority, _ = strconv.Atoi(fields["priority"])
	st.Complexity, _ = strconv.Atoi(fields["complexity"])
	st.EstimatedMinutes, _ = strconv.Atoi(fields["estimated_minutes"])
	if deps := fields["dependencies"]; deps != "" {
		_ = json.Unmarshal([]byte(deps), &st.Dependencies)
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		st.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		st.UpdatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["completed_at"], 10, 64); err == nil {
		ts := time.UnixMilli(ms)
		st.CompletedAt = &ts
	}
	return st
}
