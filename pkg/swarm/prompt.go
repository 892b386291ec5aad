package swarm

import (
	"html/template"
	"strings"

	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/sampling"
)

// Prompt templates for the provider phases. html/template so task text and
// specialist output cannot inject markup into the rendered prompt; every
// range is total over empty slices.

var decomposePrompt = template.Must(template.New("decompose").Parse(
	`Project: {{.Text}}
Priority: {{.Priority}}
Available specialists:
{{- range .Specialists}}
- {{.ID}} ({{.Kind}}) load {{.CurrentLoad}}/{{.MaxLoad}} capabilities: {{range $i, $c := .Capabilities}}{{if $i}}, {{end}}{{$c}}{{end}}
{{- else}}
(none registered)
{{- end}}
Break the project into subtasks with dependencies, one specialist kind each.`))

var resolvePrompt = template.Must(template.New("resolve").Parse(
	`Conflict on subtask {{.SubtaskID}} of task {{.TaskID}}.
Proposals:
{{- range .Proposals}}
- {{.InstanceID}}: {{.Approach}}{{with .Reasoning}} ({{.}}){{end}}
{{- end}}
Choose the proposal that best fits the task.`))

var synthesizePrompt = template.Must(template.New("synthesize").Parse(
	`Task: {{.Text}}
Completed subtasks:
{{- range .Subtasks}}
- {{.ID}} [{{.Specialist}}] {{.Status}}: {{.Output}}
{{- else}}
(none)
{{- end}}
Summarize integration status, steps, and next actions.`))

type decomposePromptData struct {
	Text        string
	Priority    int
	Specialists []sampling.SpecialistSnapshot
}

type resolvePromptData struct {
	TaskID    string
	SubtaskID string
	Proposals []models.Proposal
}

type synthesizePromptData struct {
	Text     string
	Subtasks []*models.Subtask
}

func renderDecomposePrompt(task *models.Task, pool []sampling.SpecialistSnapshot) string {
	var b strings.Builder
	_ = decomposePrompt.Execute(&b, decomposePromptData{
		Text:        task.Text,
		Priority:    task.Priority,
		Specialists: pool,
	})
	return b.String()
}

func renderResolvePrompt(conflict *models.Conflict) string {
	var b strings.Builder
	_ = resolvePrompt.Execute(&b, resolvePromptData{
		TaskID:    conflict.TaskID,
		SubtaskID: conflict.SubtaskID,
		Proposals: conflict.Proposals,
	})
	return b.String()
}

func renderSynthesizePrompt(task *models.Task, subtasks []*models.Subtask) string {
	var b strings.Builder
	_ = synthesizePrompt.Execute(&b, synthesizePromptData{
		Text:     task.Text,
		Subtasks: subtasks,
	})
	return b.String()
}
