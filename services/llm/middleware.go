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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
)

var tracer = otel.Tracer("qforge.llm")

// =============================================================================
// Rate limiting
// =============================================================================

type rateLimited struct {
	next    ChatClient
	limiter *rate.Limiter
}

// RateLimited wraps a ChatClient so that every call waits on limiter first.
// A nil limiter returns next unchanged.
func RateLimited(next ChatClient, limiter *rate.Limiter) ChatClient {
	if limiter == nil {
		return next
	}
	return &rateLimited{next: next, limiter: limiter}
}

// NewLimiter returns a limiter for requestsPerMinute with a burst of one
// minute's worth of requests. Zero or negative means unlimited.
func NewLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
}

func (r *rateLimited) Chat(ctx context.Context, model string, messages []Message, params GenerationParams) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Wait fails without a context error when the deadline is shorter
		// than the required delay.
		return "", retry.Transient("rate limit", err)
	}
	return r.next.Chat(ctx, model, messages, params)
}

// =============================================================================
// Instrumentation
// =============================================================================

// CallObserver receives one callback per generation.
type CallObserver interface {
	ObserveCall(role Role, model string, duration time.Duration, err error)
}

// Instrumented wraps a Generator with a span per call and an optional
// observer.
type Instrumented struct {
	next     Generator
	models   interface{ ModelFor(Role) string }
	observer CallObserver
}

// NewInstrumented wraps next. If next is a *Router the span carries the
// resolved model name.
func NewInstrumented(next Generator, observer CallObserver) *Instrumented {
	in := &Instrumented{next: next, observer: observer}
	if m, ok := next.(interface{ ModelFor(Role) string }); ok {
		in.models = m
	}
	return in
}

// Generate implements Generator.
func (in *Instrumented) Generate(ctx context.Context, role Role, messages []Message) (string, error) {
	model := ""
	if in.models != nil {
		model = in.models.ModelFor(role)
	}
	ctx, span := tracer.Start(ctx, "llm.Generate", trace.WithAttributes(
		attribute.String("llm.role", string(role)),
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(messages)),
	))
	defer span.End()

	start := time.Now()
	out, err := in.next.Generate(ctx, role, messages)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("llm.response_chars", len(out)))
	}
	if in.observer != nil {
		in.observer.ObserveCall(role, model, elapsed, err)
	}
	return out, err
}
