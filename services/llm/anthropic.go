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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
)

const (
	anthropicAPIVersion   = "2023-06-01"
	anthropicDefaultURL   = "https://api.anthropic.com/v1/messages"
	anthropicDefaultLimit = 4096
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// AnthropicClient calls the Anthropic Messages API over plain HTTP.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	url        string
	logger     *slog.Logger
}

// NewAnthropicClient creates the provider.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, retry.Fatal("anthropic", errors.New("ANTHROPIC_API_KEY is missing"))
	}
	url := cfg.BaseURL
	if url == "" {
		url = anthropicDefaultURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     cfg.APIKey,
		url:        url,
		logger:     logger,
	}, nil
}

// Chat implements ChatClient. System messages are joined into the
// top-level system prompt.
func (a *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, params GenerationParams) (string, error) {
	const op = "anthropic chat"

	var apiMessages []anthropicMessage
	var system []string
	for _, msg := range messages {
		if strings.EqualFold(msg.Role, SpeakerSystem) {
			system = append(system, msg.Content)
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	payload := anthropicRequest{
		Model:       model,
		Messages:    apiMessages,
		MaxTokens:   anthropicDefaultLimit,
		Temperature: params.Temperature,
	}
	if params.MaxTokens != nil {
		payload.MaxTokens = *params.MaxTokens
	}
	if len(system) > 0 {
		block := systemBlock{Type: "text", Text: strings.Join(system, "\n\n")}
		if len(block.Text) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		payload.System = []systemBlock{block}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", retry.Fatal(op, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", retry.Fatal(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	a.logger.Debug("anthropic chat", "model", model, "messages", len(apiMessages))
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.Transient(op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", retry.FromHTTPStatus(op, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 512)))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", retry.Fatal(op, fmt.Errorf("parse response: %w", err))
	}
	if apiResp.Error != nil {
		if apiResp.Error.Type == "overloaded_error" || apiResp.Error.Type == "rate_limit_error" {
			return "", retry.Transient(op, fmt.Errorf("%s: %s", apiResp.Error.Type, apiResp.Error.Message))
		}
		return "", retry.Fatal(op, fmt.Errorf("%s: %s", apiResp.Error.Type, apiResp.Error.Message))
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", retry.Transient(op, ErrEmptyResponse)
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
