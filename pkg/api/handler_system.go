package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/registry"
	"github.com/cobehq/cobe/pkg/store"
	"github.com/cobehq/cobe/pkg/version"
)

const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
)

// HealthCheck is one component's verdict inside system.health.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResult is the system.health response.
type HealthResult struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// StateResult is the system.get_state response without a task filter.
type StateResult struct {
	Instances     []*models.Instance `json:"instances"`
	PendingTasks  []string           `json:"pending_tasks"`
	ReadyQueue    []string           `json:"ready_queue"`
	BlockedSet    []string           `json:"blocked_set"`
	Counters      map[string]int64   `json:"counters"`
	WSConnections int                `json:"ws_connections"`
}

// TaskStateResult is the system.get_state response scoped to one task.
type TaskStateResult struct {
	Task     *models.Task      `json:"task"`
	Subtasks []*models.Subtask `json:"subtasks"`
}

type registerParams struct {
	InstanceID   string            `json:"instance_id" validate:"required"`
	Roles        []string          `json:"roles"`
	Capabilities []string          `json:"capabilities"`
	MaxLoad      int               `json:"max_load" validate:"gte=0,lte=100"`
	Metadata     map[string]string `json:"metadata"`
}

type instanceIDParams struct {
	InstanceID string            `json:"instance_id" validate:"required"`
	Metadata   map[string]string `json:"metadata"`
}

type getStateParams struct {
	TaskID string `json:"task_id"`
}

type flushParams struct {
	Confirm string `json:"confirm" validate:"required"`
}

type pgQueryParams struct {
	Query string `json:"query" validate:"required"`
}

func (s *Server) registerSystemMethods() {
	rate := s.defaultRate()

	s.registry.Register("system.register", s.handleRegister, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("system.heartbeat", s.handleHeartbeat, registry.HandlerConfig{})
	s.registry.Register("system.unregister", s.handleUnregister, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("system.get_state", s.handleGetState, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("system.health", s.handleHealth, registry.HandlerConfig{})
	s.registry.Register("system.metrics", s.handleMetrics, registry.HandlerConfig{RateLimit: rate})
	s.registry.Register("system.flush", s.handleFlush, registry.HandlerConfig{})
	s.registry.Register("system.postgres.tables", s.handlePostgresTables, registry.HandlerConfig{
		RateLimit: rate,
		Cache:     s.readCache(),
	})
	s.registry.Register("system.postgres.query", s.handlePostgresQuery, registry.HandlerConfig{
		RateLimit: rate,
		Timeout:   s.cfg.Registry.DefaultTimeout,
	})
}

func (s *Server) handleRegister(ctx context.Context, call *registry.Call) (any, error) {
	var p registerParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	for _, role := range p.Roles {
		if !models.ValidSpecialistKind(models.SpecialistKind(role)) {
			return nil, registry.InvalidParams(fmt.Sprintf("unknown role: %s", role))
		}
	}
	if p.MaxLoad == 0 {
		p.MaxLoad = s.cfg.Instance.DefaultMaxLoad
	}

	now := time.Now()
	inst := &models.Instance{
		ID:            p.InstanceID,
		Roles:         p.Roles,
		Capabilities:  p.Capabilities,
		MaxLoad:       p.MaxLoad,
		Status:        models.InstanceIdle,
		Metadata:      p.Metadata,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	if err := s.store.RegisterInstance(ctx, inst); err != nil {
		return nil, err
	}
	s.publish(ctx, "global", "instance.registered", map[string]any{"instance_id": inst.ID})
	return inst, nil
}

func (s *Server) handleHeartbeat(ctx context.Context, call *registry.Call) (any, error) {
	var p instanceIDParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if err := s.store.Heartbeat(ctx, p.InstanceID, p.Metadata, time.Now()); err != nil {
		if errors.Is(err, store.ErrUnknownInstance) {
			return nil, registry.ValidationError(fmt.Sprintf("unknown instance: %s", p.InstanceID))
		}
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// handleUnregister drains the instance's queue back into the ready queue
// before removing its record, so no subtask is lost.
func (s *Server) handleUnregister(ctx context.Context, call *registry.Call) (any, error) {
	var p instanceIDParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	now := time.Now()
	drained, err := s.store.ReassignFromInstance(ctx, p.InstanceID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.UnregisterInstance(ctx, p.InstanceID, now); err != nil {
		if errors.Is(err, store.ErrUnknownInstance) {
			return nil, registry.ValidationError(fmt.Sprintf("unknown instance: %s", p.InstanceID))
		}
		return nil, err
	}
	s.publish(ctx, "global", "instance.unregistered", map[string]any{
		"instance_id": p.InstanceID,
		"reassigned":  drained.ReassignedCount,
	})
	return map[string]any{"ok": true, "reassigned_count": drained.ReassignedCount}, nil
}

func (s *Server) handleGetState(ctx context.Context, call *registry.Call) (any, error) {
	var p getStateParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}

	if p.TaskID != "" {
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
		return &TaskStateResult{Task: task, Subtasks: subtasks}, nil
	}

	instances, err := s.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListPendingTasks(ctx, 50)
	if err != nil {
		return nil, err
	}
	ready, err := s.store.ReadyQueue(ctx)
	if err != nil {
		return nil, err
	}
	blocked, err := s.store.BlockedSet(ctx)
	if err != nil {
		return nil, err
	}
	counters, err := s.store.Counters(ctx)
	if err != nil {
		return nil, err
	}
	state := &StateResult{
		Instances:    instances,
		PendingTasks: pending,
		ReadyQueue:   ready,
		BlockedSet:   blocked,
		Counters:     counters,
	}
	if s.connManager != nil {
		state.WSConnections = s.connManager.ActiveConnections()
	}
	return state, nil
}

func (s *Server) handleHealth(ctx context.Context, _ *registry.Call) (any, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthHealthy

	if err := s.store.Ping(checkCtx); err != nil {
		status = healthUnhealthy
		checks["store"] = HealthCheck{Status: healthUnhealthy, Message: err.Error()}
	} else {
		checks["store"] = HealthCheck{Status: healthHealthy}
	}

	if s.sink != nil {
		if err := s.sink.Ping(checkCtx); err != nil {
			if status == healthHealthy {
				status = healthDegraded
			}
			checks["sink"] = HealthCheck{Status: healthDegraded, Message: err.Error()}
		} else {
			checks["sink"] = HealthCheck{Status: healthHealthy}
		}
	}

	return &HealthResult{
		Status:  status,
		Version: version.Full(),
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Checks:  checks,
	}, nil
}

func (s *Server) handleMetrics(ctx context.Context, _ *registry.Call) (any, error) {
	counters, err := s.store.Counters(ctx)
	if err != nil {
		return nil, err
	}
	latency := s.registry.LatencySummary()

	rdb := s.store.Client()
	readyDepth, _ := rdb.ZCard(ctx, store.ReadyQueueKey).Result()
	conflictDepth, _ := rdb.LLen(ctx, store.ConflictQueueKey).Result()

	out := map[string]any{
		"counters":       counters,
		"latency":        latency,
		"ready_depth":    readyDepth,
		"conflict_depth": conflictDepth,
		"methods":        s.registry.Methods(),
	}
	if s.connManager != nil {
		out["ws_connections"] = s.connManager.ActiveConnections()
	}
	return out, nil
}

// handleFlush wipes the store. Guarded by the configured confirm token; an
// empty token disables the method entirely.
func (s *Server) handleFlush(ctx context.Context, call *registry.Call) (any, error) {
	var p flushParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if s.cfg.FlushToken == "" {
		return nil, registry.NewError(registry.CodeUnauthorized, "flush is disabled")
	}
	if p.Confirm != s.cfg.FlushToken {
		return nil, registry.NewError(registry.CodeUnauthorized, "invalid confirm token")
	}
	if err := s.store.FlushAll(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handlePostgresTables(ctx context.Context, _ *registry.Call) (any, error) {
	if s.sink == nil {
		return nil, registry.HandlerError("SINK_UNAVAILABLE", "relational sink is not configured")
	}
	tables, err := s.sink.Tables(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tables": tables}, nil
}

func (s *Server) handlePostgresQuery(ctx context.Context, call *registry.Call) (any, error) {
	if s.sink == nil {
		return nil, registry.HandlerError("SINK_UNAVAILABLE", "relational sink is not configured")
	}
	var p pgQueryParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	rows, err := s.sink.Query(ctx, p.Query)
	if err != nil {
		return nil, registry.ValidationError(err.Error())
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}
