package api

import (
	"context"
	"errors"

	"github.com/cobehq/cobe/pkg/hooks"
	"github.com/cobehq/cobe/pkg/registry"
)

type preToolParams struct {
	SessionID string         `json:"session_id" validate:"required"`
	Tool      string         `json:"tool" validate:"required"`
	Params    map[string]any `json:"params"`
}

type postToolParams struct {
	SessionID string         `json:"session_id" validate:"required"`
	Tool      string         `json:"tool" validate:"required"`
	Result    map[string]any `json:"result"`
}

type userPromptParams struct {
	SessionID string `json:"session_id" validate:"required"`
	Prompt    string `json:"prompt" validate:"required"`
}

type todoWriteParams struct {
	SessionID string           `json:"session_id" validate:"required"`
	Todos     []map[string]any `json:"todos" validate:"required"`
}

func (s *Server) registerHookMethods() {
	// Hook methods carry their own per-session rate limit inside the
	// validator; no per-client registry bucket on top.
	s.registry.Register("hook.pre_tool", s.handlePreTool, registry.HandlerConfig{})
	s.registry.Register("hook.post_tool", s.handlePostTool, registry.HandlerConfig{})
	s.registry.Register("hook.user_prompt", s.handleUserPrompt, registry.HandlerConfig{})
	s.registry.Register("hook.todo_write", s.handleTodoWrite, registry.HandlerConfig{})
}

func (s *Server) handlePreTool(ctx context.Context, call *registry.Call) (any, error) {
	var p preToolParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	d, err := s.validator.PreTool(ctx, p.SessionID, p.Tool, p.Params)
	if err != nil {
		if errors.Is(err, hooks.ErrSessionRateLimited) {
			return nil, registry.NewError(registry.CodeRateLimitExceeded, err.Error())
		}
		return nil, err
	}
	return d, nil
}

func (s *Server) handlePostTool(ctx context.Context, call *registry.Call) (any, error) {
	var p postToolParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	out, err := s.validator.PostTool(ctx, p.SessionID, p.Tool, p.Result)
	if err != nil {
		if errors.Is(err, hooks.ErrSessionRateLimited) {
			return nil, registry.NewError(registry.CodeRateLimitExceeded, err.Error())
		}
		return nil, err
	}
	return map[string]any{"result": out}, nil
}

func (s *Server) handleUserPrompt(ctx context.Context, call *registry.Call) (any, error) {
	var p userPromptParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	d, err := s.validator.UserPrompt(ctx, p.SessionID, p.Prompt)
	if err != nil {
		if errors.Is(err, hooks.ErrSessionRateLimited) {
			return nil, registry.NewError(registry.CodeRateLimitExceeded, err.Error())
		}
		return nil, err
	}
	return d, nil
}

func (s *Server) handleTodoWrite(ctx context.Context, call *registry.Call) (any, error) {
	var p todoWriteParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	d, err := s.validator.TodoWrite(ctx, p.SessionID, p.Todos)
	if err != nil {
		if errors.Is(err, hooks.ErrSessionRateLimited) {
			return nil, registry.NewError(registry.CodeRateLimitExceeded, err.Error())
		}
		return nil, err
	}
	return d, nil
}
