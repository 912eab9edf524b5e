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
	"fmt"
	"log/slog"
	"strings"
)

// Provider names a ChatClient implementation.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider Provider
	APIKey   string
	BaseURL  string
	// RequestsPerMinute throttles calls. Zero means unlimited.
	RequestsPerMinute int
	Logger            *slog.Logger
}

// NewChatClient builds the configured provider, rate limited when
// RequestsPerMinute is set.
func NewChatClient(ctx context.Context, cfg ProviderConfig) (ChatClient, error) {
	var (
		client ChatClient
		err    error
	)
	switch Provider(strings.ToLower(string(cfg.Provider))) {
	case ProviderOpenAI, "":
		client, err = NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Logger: cfg.Logger})
	case ProviderAnthropic:
		client, err = NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Logger: cfg.Logger})
	case ProviderGoogle, "gemini":
		client, err = NewGeminiClient(ctx, GeminiConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return RateLimited(client, NewLimiter(cfg.RequestsPerMinute)), nil
}
