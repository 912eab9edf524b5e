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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
)

type guarded struct {
	next   Evaluator
	logger *slog.Logger
}

// Guard wraps e so that a panic or a non-cancellation error becomes an
// invalid Outcome whose diagnostic is the error text. Cancellation of ctx
// still returns ctx.Err().
func Guard(e Evaluator, logger *slog.Logger) Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &guarded{next: e, logger: logger}
}

func (g *guarded) ValidateAndScore(ctx context.Context, code string, cfg PipelineConfig) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("evaluator panicked", "panic", r, "stack", string(debug.Stack()))
			out, err = Invalid("evaluator panic: %v", r), nil
		}
	}()

	out, err = g.next.ValidateAndScore(ctx, code, cfg)
	if err == nil {
		return out.Normalize(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome{}, ctxErr
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{}, err
	}
	g.logger.Warn("evaluator failed, recording invalid outcome", "error", err)
	return Invalid("%v", err), nil
}

type retrying struct {
	next   Evaluator
	policy retry.Policy
}

// Retrying retries transient evaluator errors with policy. Place it inside
// Guard so exhausted retries become invalid outcomes.
func Retrying(e Evaluator, policy retry.Policy) Evaluator {
	return &retrying{next: e, policy: policy}
}

func (r *retrying) ValidateAndScore(ctx context.Context, code string, cfg PipelineConfig) (Outcome, error) {
	out, err := retry.DoValue(ctx, r.policy, "evaluate", func(ctx context.Context) (Outcome, error) {
		return r.next.ValidateAndScore(ctx, code, cfg)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate: %w", err)
	}
	return out, nil
}
