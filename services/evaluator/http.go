// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

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

// HTTPConfig configures a remote evaluation service.
type HTTPConfig struct {
	// URL is the full endpoint, e.g. "http://evaluator:8000/evaluate".
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout"`
	Logger  *slog.Logger  `yaml:"-"`
}

// HTTP posts code and config to a remote service that answers with an
// Outcome.
type HTTP struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

type httpRequest struct {
	Code      string         `json:"code"`
	ClassName string         `json:"class_name,omitempty"`
	Config    PipelineConfig `json:"config"`
}

// NewHTTP creates the evaluator.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, errors.New("http evaluator requires a url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{url: cfg.URL, client: &http.Client{Timeout: timeout}, logger: logger}, nil
}

// ValidateAndScore implements Evaluator. Status codes map onto the retry
// taxonomy; a 422 carries an invalid Outcome in its body.
func (h *HTTP) ValidateAndScore(ctx context.Context, code string, cfg PipelineConfig) (Outcome, error) {
	const op = "http evaluate"

	body, err := json.Marshal(httpRequest{Code: code, ClassName: cfg.FeatureMap.ImplementName, Config: cfg})
	if err != nil {
		return Outcome{}, retry.Fatal(op, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, retry.Fatal(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, retry.Transient(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxOutput))
	if err != nil {
		return Outcome{}, retry.Transient(op, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusUnprocessableEntity:
		var out Outcome
		if err := json.Unmarshal(respBody, &out); err != nil {
			return Outcome{}, retry.Fatal(op, fmt.Errorf("parse response: %w", err))
		}
		if resp.StatusCode == http.StatusUnprocessableEntity && out.Status == "" {
			out = Invalid("%s", strings.TrimSpace(string(respBody)))
		}
		h.logger.Debug("remote evaluation finished", "status", out.Status)
		return out.Normalize(), nil
	default:
		return Outcome{}, retry.FromHTTPStatus(op, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
}
