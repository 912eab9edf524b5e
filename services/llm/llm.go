// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the generative client: one Generate call per task role,
// routed to a configured model on one of several providers.
//
// # Description
//
// Providers implement ChatClient (model + messages in, text out) and
// classify their errors into pkg/retry's TransientError and FatalError.
// Router maps each Role to a model and implements Generator, which is what
// the orchestrator consumes. Retrying with backoff is the caller's job.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role names a generation task. Each role may be routed to its own model.
type Role string

const (
	RoleIdea       Role = "idea"
	RoleSuggestion Role = "suggestion"
	RoleScoring    Role = "scoring"
	RoleSummary    Role = "summary"
	RoleReflection Role = "reflection"
	RoleCode       Role = "code"
	RoleValidation Role = "validation"
	RoleReview     Role = "review"
	RoleParsing    Role = "parsing"
)

// AllRoles returns every role in a stable order.
func AllRoles() []Role {
	return []Role{
		RoleIdea, RoleSuggestion, RoleScoring, RoleSummary, RoleReflection,
		RoleCode, RoleValidation, RoleReview, RoleParsing,
	}
}

// ParseRole returns the role named s.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllRoles() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Message speaker roles.
const (
	SpeakerSystem    = "system"
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System, User and Assistant build messages.
func System(content string) Message    { return Message{Role: SpeakerSystem, Content: content} }
func User(content string) Message      { return Message{Role: SpeakerUser, Content: content} }
func Assistant(content string) Message { return Message{Role: SpeakerAssistant, Content: content} }

// GenerationParams are optional sampling parameters.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Generator produces text for a role.
type Generator interface {
	Generate(ctx context.Context, role Role, messages []Message) (string, error)
}

// ChatClient is one provider.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []Message, params GenerationParams) (string, error)
}

// ErrNoModel is returned when neither the role nor the default has a model.
var ErrNoModel = errors.New("no model configured")

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response")

// =============================================================================
// Router
// =============================================================================

// Router implements Generator over a single ChatClient, choosing the model
// per role and falling back to DefaultModel.
type Router struct {
	client       ChatClient
	models       map[Role]string
	defaultModel string
	params       map[Role]GenerationParams
}

// RouterConfig configures a Router.
type RouterConfig struct {
	DefaultModel string
	Models       map[Role]string
	Params       map[Role]GenerationParams
}

// NewRouter builds a router.
func NewRouter(client ChatClient, cfg RouterConfig) (*Router, error) {
	if client == nil {
		return nil, errors.New("router requires a chat client")
	}
	models := make(map[Role]string, len(cfg.Models))
	for r, m := range cfg.Models {
		if m != "" {
			models[r] = m
		}
	}
	if cfg.DefaultModel == "" {
		for _, r := range AllRoles() {
			if models[r] == "" {
				return nil, fmt.Errorf("%w for role %s and no default model", ErrNoModel, r)
			}
		}
	}
	return &Router{client: client, models: models, defaultModel: cfg.DefaultModel, params: cfg.Params}, nil
}

// ModelFor returns the model used for role.
func (r *Router) ModelFor(role Role) string {
	if m, ok := r.models[role]; ok {
		return m
	}
	return r.defaultModel
}

// Models returns the resolved model for every role, sorted by role name.
func (r *Router) Models() [][2]string {
	out := make([][2]string, 0, len(AllRoles()))
	for _, role := range AllRoles() {
		out = append(out, [2]string{string(role), r.ModelFor(role)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Generate implements Generator.
func (r *Router) Generate(ctx context.Context, role Role, messages []Message) (string, error) {
	model := r.ModelFor(role)
	if model == "" {
		return "", fmt.Errorf("%w for role %s", ErrNoModel, role)
	}
	return r.client.Chat(ctx, model, messages, r.params[role])
}
