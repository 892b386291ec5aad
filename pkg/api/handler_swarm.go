package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/registry"
	"github.com/cobehq/cobe/pkg/store"
)

type decomposeParams struct {
	TaskID      string            `json:"task_id" validate:"required"`
	Constraints map[string]string `json:"constraints"`
}

type subtaskRefParams struct {
	TaskID    string `json:"task_id" validate:"required"`
	SubtaskID string `json:"subtask_id" validate:"required"`
}

type swarmAssignParams struct {
	TaskID       string   `json:"task_id" validate:"required"`
	SubtaskID    string   `json:"subtask_id" validate:"required"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) registerSwarmMethods() {
	rate := s.defaultRate()
	circuit := s.providerCircuit()
	timeout := s.cfg.Registry.DefaultTimeout

	// The provider-reaching phases share one breaker configuration so a
	// stalled provider trips fast across the board.
	s.registry.Register("swarm.decompose", s.handleSwarmDecompose, registry.HandlerConfig{
		RateLimit: rate, Circuit: circuit, Timeout: timeout,
	})
	s.registry.Register("swarm.context", s.handleSwarmContext, registry.HandlerConfig{
		RateLimit: rate, Circuit: circuit, Timeout: timeout,
	})
	s.registry.Register("swarm.resolve", s.handleSwarmResolve, registry.HandlerConfig{
		RateLimit: rate, Circuit: circuit, Timeout: timeout,
	})
	s.registry.Register("swarm.synthesize", s.handleSwarmSynthesize, registry.HandlerConfig{
		RateLimit: rate, Circuit: circuit, Timeout: timeout,
	})
	s.registry.Register("swarm.assign", s.handleSwarmAssign, registry.HandlerConfig{
		RateLimit: rate, Persist: true,
	})
}

func (s *Server) handleSwarmDecompose(ctx context.Context, call *registry.Call) (any, error) {
	var p decomposeParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	res, err := s.coordinator.Decompose(ctx, p.TaskID, p.Constraints)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("task not found: %s", p.TaskID))
		}
		return nil, err
	}
	return res, nil
}

func (s *Server) handleSwarmContext(ctx context.Context, call *registry.Call) (any, error) {
	var p subtaskRefParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	att, err := s.coordinator.Context(ctx, p.TaskID, p.SubtaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("subtask not found: %s/%s", p.TaskID, p.SubtaskID))
		}
		return nil, err
	}
	return att, nil
}

func (s *Server) handleSwarmResolve(ctx context.Context, call *registry.Call) (any, error) {
	var p subtaskRefParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	res, err := s.coordinator.Resolve(ctx, p.TaskID, p.SubtaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("conflict not found: %s/%s", p.TaskID, p.SubtaskID))
		}
		return nil, err
	}
	return res, nil
}

func (s *Server) handleSwarmSynthesize(ctx context.Context, call *registry.Call) (any, error) {
	var p taskIDParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	synth, err := s.coordinator.Synthesize(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("task not found: %s", p.TaskID))
		}
		return nil, err
	}
	return synth, nil
}

// handleSwarmAssign routes a subtask by its recorded specialist kind. Unlike
// task.assign, the caller never picks the kind: the decomposition did.
func (s *Server) handleSwarmAssign(ctx context.Context, call *registry.Call) (any, error) {
	var p swarmAssignParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	st, err := s.store.GetSubtask(ctx, p.TaskID, p.SubtaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, registry.ValidationError(fmt.Sprintf("subtask not found: %s/%s", p.TaskID, p.SubtaskID))
		}
		return nil, err
	}
	kind := st.Specialist
	if kind == "" {
		kind = models.KindGeneral
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
