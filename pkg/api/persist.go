package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/registry"
	"github.com/cobehq/cobe/pkg/store"
)

// persistResult mirrors successful mutations into the relational sink for
// methods registered with Persist: true. The store write already committed,
// so sink failures are logged, not surfaced. Attachments are the exception;
// the create handler writes through synchronously instead.
func (s *Server) persistResult(ctx context.Context, method string, call *registry.Call, result any) {
	if s.sink == nil {
		return
	}

	var err error
	switch method {
	case "task.create", "task.update":
		if task, ok := result.(*models.Task); ok {
			err = s.sink.SaveTask(ctx, task)
		}

	case "task.complete":
		// The conflict-detection path returns a ConflictResult; nothing
		// terminal happened, so there is nothing to archive yet.
		if _, ok := result.(*store.ProgressResult); ok {
			err = s.persistSubtask(ctx, call)
		}

	case "task.assign", "swarm.assign":
		if res, ok := result.(*store.AssignResult); ok && res.Success {
			err = s.persistAssignment(ctx, call, res.SpecialistID)
		}
	}

	if err != nil {
		slog.Warn("Sink persistence failed", "method", method, "error", err)
	}
}

func (s *Server) persistSubtask(ctx context.Context, call *registry.Call) error {
	taskID, _ := call.Params["task_id"].(string)
	subtaskID, _ := call.Params["subtask_id"].(string)
	st, err := s.store.GetSubtask(ctx, taskID, subtaskID)
	if err != nil {
		return err
	}
	return s.sink.SaveSubtask(ctx, st)
}

func (s *Server) persistAssignment(ctx context.Context, call *registry.Call, specialistID string) error {
	taskID, _ := call.Params["task_id"].(string)
	subtaskID, _ := call.Params["subtask_id"].(string)
	st, err := s.store.GetSubtask(ctx, taskID, subtaskID)
	if err != nil {
		return err
	}
	if err := s.sink.SaveSubtask(ctx, st); err != nil {
		return err
	}
	return s.sink.RecordAssignment(ctx, taskID, subtaskID, specialistID, string(st.Specialist), time.Now())
}
