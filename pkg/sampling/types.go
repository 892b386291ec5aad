package sampling

import "github.com/cobehq/cobe/pkg/models"

// SpecialistSnapshot is one pool entry in the decomposition prompt context.
type SpecialistSnapshot struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities,omitempty"`
	CurrentLoad  int      `json:"current_load"`
	MaxLoad      int      `json:"max_load"`
}

// DecomposeRequest carries the project description and the current pool.
type DecomposeRequest struct {
	TaskID      string               `json:"task_id"`
	Text        string               `json:"text"`
	Priority    int                  `json:"priority"`
	Constraints map[string]string    `json:"constraints,omitempty"`
	Specialists []SpecialistSnapshot `json:"specialists,omitempty"`
}

// DecomposeResponse is the provider's structured decomposition.
type DecomposeResponse struct {
	Subtasks  []ProposedSubtask `json:"subtasks" validate:"required,min=1,dive"`
	Reasoning string            `json:"reasoning"`
}

// ProposedSubtask is one provider-proposed subtask.
type ProposedSubtask struct {
	ID               string   `json:"id" validate:"required"`
	Description      string   `json:"description" validate:"required"`
	Specialist       string   `json:"specialist" validate:"required,oneof=frontend backend testing docs general"`
	Priority         int      `json:"priority" validate:"gte=0,lte=100"`
	Complexity       int      `json:"complexity" validate:"gte=0,lte=10"`
	EstimatedMinutes int      `json:"estimated_minutes" validate:"gte=0"`
	Dependencies     []string `json:"dependencies,omitempty"`
}

// Decomposition converts the response into the installable form.
func (r *DecomposeResponse) Decomposition(taskID string) *models.Decomposition {
	d := &models.Decomposition{
		TaskID:    taskID,
		Reasoning: r.Reasoning,
		Source:    "provider",
		Subtasks:  make([]models.DecompSubtask, 0, len(r.Subtasks)),
	}
	for _, st := range r.Subtasks {
		d.Subtasks = append(d.Subtasks, models.DecompSubtask{
			ID:               st.ID,
			Description:      st.Description,
			Specialist:       models.SpecialistKind(st.Specialist),
			Priority:         st.Priority,
			Complexity:       st.Complexity,
			EstimatedMinutes: st.EstimatedMinutes,
			Dependencies:     st.Dependencies,
		})
	}
	return d
}

// ContextRequest asks for a subtask execution brief.
type ContextRequest struct {
	SubtaskID     string   `json:"subtask_id"`
	ParentTaskID  string   `json:"parent_task_id"`
	Specialist    string   `json:"specialist"`
	Description   string   `json:"description"`
	CompletedWork []string `json:"completed_work,omitempty"`
}

// ContextResponse is the execution brief.
type ContextResponse struct {
	Scope                   string   `json:"scope" validate:"required"`
	MandatoryReadings       []string `json:"mandatory_readings,omitempty"`
	ArchitectureConstraints []string `json:"architecture_constraints,omitempty"`
	SuccessCriteria         []string `json:"success_criteria,omitempty"`
	RelatedWork             []string `json:"related_work,omitempty"`
}

// ResolveRequest asks the provider to arbitrate a conflict.
type ResolveRequest struct {
	ConflictID string            `json:"conflict_id"`
	Solutions  []models.Proposal `json:"solutions"`
	Context    string            `json:"context,omitempty"`
}

// ResolveResponse names the winning proposal.
type ResolveResponse struct {
	WinnerID  string `json:"winner_id" validate:"required"`
	Approach  string `json:"approach"`
	Reasoning string `json:"reasoning"`
}

// SynthesizeRequest asks for the integration summary of a finished task.
type SynthesizeRequest struct {
	TaskID            string            `json:"task_id"`
	ParentTask        *models.Task      `json:"parent_task,omitempty"`
	CompletedSubtasks []*models.Subtask `json:"completed_subtasks"`
}

// SynthesizeResponse is the integration verdict.
type SynthesizeResponse struct {
	Status           string   `json:"status" validate:"required,oneof=ready_for_integration requires_fixes integrated"`
	Summary          string   `json:"summary"`
	IntegrationSteps []string `json:"integration_steps,omitempty"`
	NextActions      []string `json:"next_actions,omitempty"`
}
