// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
)

// GeminiConfig configures the Google provider.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Logger  *slog.Logger
}

// GeminiClient is a thin wrapper around the official genai client.
type GeminiClient struct {
	cli    *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates the provider.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, retry.Fatal("gemini", errors.New("GOOGLE_API_KEY is missing"))
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, retry.Fatal("gemini", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{cli: cli, logger: logger}, nil
}

// Chat implements ChatClient. Assistant turns map to the "model" role.
func (g *GeminiClient) Chat(ctx context.Context, model string, messages []Message, params GenerationParams) (string, error) {
	const op = "gemini chat"

	config := &genai.GenerateContentConfig{Temperature: params.Temperature}
	if params.MaxTokens != nil {
		config.MaxOutputTokens = int32(*params.MaxTokens)
	}

	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case SpeakerSystem:
			system = append(system, m.Content)
		case SpeakerAssistant:
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}

	g.logger.Debug("gemini chat", "model", model, "messages", len(contents))
	resp, err := g.cli.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", retry.FromHTTPStatus(op, apiErr.Code, err)
		}
		return "", classifyTransport(op, err)
	}
	text := resp.Text()
	if text == "" {
		return "", retry.Transient(op, ErrEmptyResponse)
	}
	return text, nil
}
