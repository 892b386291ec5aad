package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cobehq/cobe/pkg/models"
)

// Script-level business failures. These are values, not transport errors:
// the handler surfaces them as HANDLER_ERROR with a structured kind and
// never retries them silently.
var (
	ErrNoneAvailable   = errors.New("no specialist with free capacity")
	ErrUnknownInstance = errors.New("unknown instance")
	ErrAtCapacity      = errors.New("instance at max load")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
)

// DecomposeResult reports a decomposition install.
type DecomposeResult struct {
	Success      bool `json:"success"`
	SubtaskCount int  `json:"subtaskCount"`
	QueuedCount  int  `json:"queuedCount"`
	Idempotent   bool `json:"idempotent"`
}

// AssignResult reports a specialist assignment.
type AssignResult struct {
	Success       bool   `json:"success"`
	SpecialistID  string `json:"specialistId"`
	Score         int    `json:"score"`
	QueuePosition int    `json:"queuePosition"`
	Idempotent    bool   `json:"idempotent"`
	Error         string `json:"error"`
}

// ConflictResult reports a proposal append.
type ConflictResult struct {
	ConflictDetected bool `json:"conflictDetected"`
	SolutionCount    int  `json:"solutionCount"`
	Emitted          bool `json:"emitted"`
}

// ProgressResult reports a subtask completion.
type ProgressResult struct {
	Success           bool   `json:"success"`
	UnblockedCount    int    `json:"unblockedCount"`
	ReadyForSynthesis bool   `json:"readyForSynthesis"`
	Idempotent        bool   `json:"idempotent"`
	Error             string `json:"error"`
}

// ReassignResult reports an instance drain.
type ReassignResult struct {
	ReassignedCount int `json:"reassignedCount"`
}

// PullResult reports a claimed subtask, if any.
type PullResult struct {
	Found       bool   `json:"found"`
	ParentID    string `json:"parentId"`
	SubtaskID   string `json:"subtaskId"`
	Specialist  string `json:"specialist"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Error       string `json:"error"`
}

// DecomposeAndStoreSubtasks installs a decomposition atomically: subtask
// records, dependency graph (both directions), and ready-queue entries for
// dependency-free subtasks. Members of a cycle are never queued.
func (s *Store) DecomposeAndStoreSubtasks(ctx context.Context, parentID string, decomp *models.Decomposition, now time.Time) (*DecomposeResult, error) {
	blob, err := json.Marshal(decomp)
	if err != nil {
		return nil, fmt.Errorf("marshal decomposition: %w", err)
	}
	raw, err := s.runScript(ctx, decomposeScript, KeyPrefix, parentID, string(blob), nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("decompose script: %w", err)
	}
	var res DecomposeResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode decompose result: %w", err)
	}
	return &res, nil
}

// AssignToSpecialist atomically picks and loads the best specialist of the
// given kind for a subtask. Returns ErrNoneAvailable when no candidate has
// free capacity and the required capabilities.
func (s *Store) AssignToSpecialist(ctx context.Context, parentID, subtaskID string, kind models.SpecialistKind, requiredCaps []string, now time.Time) (*AssignResult, error) {
	if requiredCaps == nil {
		requiredCaps = []string{}
	}
	caps, err := json.Marshal(requiredCaps)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	raw, err := s.runScript(ctx, assignScript, KeyPrefix, subtaskID, parentID, string(kind), string(caps), nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("assign script: %w", err)
	}
	var res AssignResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode assign result: %w", err)
	}
	if !res.Success && res.Error == "NONE_AVAILABLE" {
		return &res, ErrNoneAvailable
	}
	return &res, nil
}

// DetectAndQueueConflict appends a proposal; the second proposal for the
// same subtask flips conflictDetected and enqueues a conflict-ready marker.
func (s *Store) DetectAndQueueConflict(ctx context.Context, taskID, subtaskID string, proposal models.Proposal, now time.Time) (*ConflictResult, error) {
	blob, err := json.Marshal(proposal)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}
	raw, err := s.runScript(ctx, conflictScript, KeyPrefix, taskID, subtaskID, string(blob), nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("conflict script: %w", err)
	}
	var res ConflictResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode conflict result: %w", err)
	}
	return &res, nil
}

// SynthesizeProgress marks a subtask terminal and promotes newly-ready
// dependents into the ready queue. Idempotent under re-delivery.
func (s *Store) SynthesizeProgress(ctx context.Context, parentID, subtaskID string, status models.TaskStatus, output string, now time.Time) (*ProgressResult, error) {
	if status != models.TaskCompleted && status != models.TaskFailed {
		return nil, fmt.Errorf("progress status must be terminal, got %q", status)
	}
	raw, err := s.runScript(ctx, progressScript, KeyPrefix, parentID, subtaskID, string(status), output, nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("progress script: %w", err)
	}
	var res ProgressResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode progress result: %w", err)
	}
	if !res.Success && res.Error == "NOT_FOUND" {
		return &res, ErrNotFound
	}
	return &res, nil
}

// ReassignFromInstance drains an OFFLINE instance's queue, releasing
// assignments and re-queueing (or blocking) each subtask.
func (s *Store) ReassignFromInstance(ctx context.Context, instanceID string, now time.Time) (*ReassignResult, error) {
	raw, err := s.runScript(ctx, reassignScript, KeyPrefix, instanceID, nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("reassign script: %w", err)
	}
	var res ReassignResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode reassign result: %w", err)
	}
	return &res, nil
}

// PullNext claims the highest-priority ready subtask matching the pulling
// instance's roles. Returns ErrAtCapacity / ErrUnknownInstance for the
// corresponding script outcomes; Found=false with no error means the queue
// had nothing matching.
func (s *Store) PullNext(ctx context.Context, instanceID string, now time.Time) (*PullResult, error) {
	raw, err := s.runScript(ctx, pullScript, KeyPrefix, instanceID, nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("pull script: %w", err)
	}
	var res PullResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode pull result: %w", err)
	}
	switch res.Error {
	case "UNKNOWN_INSTANCE":
		return &res, ErrUnknownInstance
	case "AT_CAPACITY":
		return &res, ErrAtCapacity
	}
	return &res, nil
}

// CreateTask writes a task record and enqueues it on the pending queue.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	meta := "{}"
	if len(task.Metadata) > 0 {
		b, err := json.Marshal(task.Metadata)
		if err != nil {
			return fmt.Errorf("marshal task metadata: %w", err)
		}
		meta = string(b)
	}
	raw, err := s.runScript(ctx, createTaskScript,
		KeyPrefix, task.ID, task.Text, task.Priority, meta, nowMillis(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("create task script: %w", err)
	}
	var res struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return fmt.Errorf("decode create task result: %w", err)
	}
	if !res.Success {
		if res.Error == "ALREADY_EXISTS" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task failed: %s", res.Error)
	}
	return nil
}
