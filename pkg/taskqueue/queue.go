// Package taskqueue fronts the ready queue: bounded long-poll pulls for
// workers, explicit admin assignment, and completion.
package taskqueue

import (
	"context"
	"time"

	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/store"
)

// Queue wraps the store's queue scripts with polling semantics.
type Queue struct {
	store  *store.Store
	config config.QueueConfig
}

// New creates a queue front over the store.
func New(st *store.Store, cfg config.QueueConfig) *Queue {
	return &Queue{store: st, config: cfg}
}

// Pull claims the highest-priority ready subtask matching the instance's
// roles, long-polling up to the configured timeout (or the caller's
// deadline, whichever is sooner). Returns Found=false when nothing matched
// within the window. UNKNOWN_INSTANCE and AT_CAPACITY fail immediately;
// waiting would not change either.
func (q *Queue) Pull(ctx context.Context, instanceID string) (*store.PullResult, error) {
	deadline := time.Now().Add(q.config.PullTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		res, err := q.store.PullNext(ctx, instanceID, time.Now())
		if err != nil {
			return res, err
		}
		if res.Found {
			return res, nil
		}
		if time.Now().Add(q.config.PullInterval).After(deadline) {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(q.config.PullInterval):
		}
	}
}

// Enqueue places a subtask on the ready queue at a priority. Admin path;
// decomposition and unblocking enqueue through the scripts.
func (q *Queue) Enqueue(ctx context.Context, parentID, subtaskID string, priority int) error {
	return q.store.EnqueueSubtask(ctx, parentID, subtaskID, priority)
}

// Assign is the explicit admin override: pick the best specialist of a
// kind for the subtask regardless of who is polling.
func (q *Queue) Assign(ctx context.Context, parentID, subtaskID string, kind models.SpecialistKind, requiredCaps []string) (*store.AssignResult, error) {
	return q.store.AssignToSpecialist(ctx, parentID, subtaskID, kind, requiredCaps, time.Now())
}

// Complete marks a subtask terminal, releases its assignment, and promotes
// newly-ready dependents.
func (q *Queue) Complete(ctx context.Context, parentID, subtaskID string, status models.TaskStatus, output string) (*store.ProgressResult, error) {
	return q.store.SynthesizeProgress(ctx, parentID, subtaskID, status, output, time.Now())
}
