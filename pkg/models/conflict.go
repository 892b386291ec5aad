package models

import "time"

// Proposal is one specialist's suggested approach for a subtask. Two or
// more proposals for the same subtask constitute a conflict.
type Proposal struct {
	InstanceID string `json:"instance_id"`
	Approach   string `json:"approach"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// Conflict is the accumulated proposal list for a contested subtask.
type Conflict struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id"`
	SubtaskID  string      `json:"subtask_id"`
	Proposals  []Proposal  `json:"proposals"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolution is the arbitration outcome for a conflict.
type Resolution struct {
	ConflictID string    `json:"conflict_id"`
	WinnerID   string    `json:"winner_id"`
	Approach   string    `json:"approach"`
	Reasoning  string    `json:"reasoning,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// SynthesisStatus is the integration verdict for a finished task.
type SynthesisStatus string

const (
	SynthesisReadyForIntegration SynthesisStatus = "ready_for_integration"
	SynthesisRequiresFixes       SynthesisStatus = "requires_fixes"
	SynthesisIntegrated          SynthesisStatus = "integrated"
)

// ValidSynthesisStatus reports whether status is a known verdict.
func ValidSynthesisStatus(status SynthesisStatus) bool {
	switch status {
	case SynthesisReadyForIntegration, SynthesisRequiresFixes, SynthesisIntegrated:
		return true
	}
	return false
}

// Synthesis is the provider's integration summary over a task's completed
// subtasks.
type Synthesis struct {
	TaskID           string          `json:"task_id"`
	Status           SynthesisStatus `json:"status"`
	Summary          string          `json:"summary,omitempty"`
	IntegrationSteps []string        `json:"integration_steps,omitempty"`
	NextActions      []string        `json:"next_actions,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
