// Package models holds the domain types shared across the store, the
// coordinator, and the RPC surface. JSON tags double as the wire shape and
// the script-side cjson shape, so changing one changes both.
package models

import "time"

// TaskStatus is the lifecycle state of a task or subtask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// SpecialistKind is a worker role.
type SpecialistKind string

const (
	KindFrontend SpecialistKind = "frontend"
	KindBackend  SpecialistKind = "backend"
	KindTesting  SpecialistKind = "testing"
	KindDocs     SpecialistKind = "docs"
	KindGeneral  SpecialistKind = "general"
)

// ValidSpecialistKind reports whether kind is a known role.
func ValidSpecialistKind(kind SpecialistKind) bool {
	switch kind {
	case KindFrontend, KindBackend, KindTesting, KindDocs, KindGeneral:
		return true
	}
	return false
}

// Task is a parent task (a project) submitted for decomposition.
type Task struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Priority    int               `json:"priority"`
	Status      TaskStatus        `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Subtask is one unit of decomposed work.
type Subtask struct {
	ID               string         `json:"id"`
	ParentID         string         `json:"parent_id"`
	Description      string         `json:"description"`
	Specialist       SpecialistKind `json:"specialist"`
	Status           TaskStatus     `json:"status"`
	Priority         int            `json:"priority"`
	Complexity       int            `json:"complexity"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	AssignedTo       string         `json:"assigned_to,omitempty"`
	Output           string         `json:"output,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// DecompSubtask is a subtask as proposed by the sampling provider, before
// installation. Optional fields carry omitempty so the install script sees
// absent rather than null.
type DecompSubtask struct {
	ID               string         `json:"id"`
	Description      string         `json:"description,omitempty"`
	Specialist       SpecialistKind `json:"specialist,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	Complexity       int            `json:"complexity,omitempty"`
	EstimatedMinutes int            `json:"estimated_minutes,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
}

// Decomposition is the full provider output for one parent task.
type Decomposition struct {
	TaskID    string          `json:"task_id"`
	Subtasks  []DecompSubtask `json:"subtasks"`
	Reasoning string          `json:"reasoning,omitempty"`
	Source    string          `json:"source,omitempty"`
}
