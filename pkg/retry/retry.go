// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry provides the collaborator error taxonomy and bounded
// exponential backoff used when calling LLM providers and the knowledge store.
//
// Errors returned by collaborators are classified as either transient
// (timeouts, rate limits, 5xx, dropped connections) or fatal (authentication,
// malformed requests, configuration). Only transient errors are retried.
// Anything unclassified is treated as fatal so that unknown failures stop the
// run instead of burning the retry budget.
//
// Thread Safety: All functions are safe for concurrent use.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAttemptsExhausted is returned when every attempt failed with a
	// transient error.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidPolicy is returned by Policy.Validate.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// =============================================================================
// Error taxonomy
// =============================================================================

// TransientError marks a collaborator failure that may succeed on retry.
type TransientError struct {
	// Op names the failing operation, e.g. "openai.chat".
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a collaborator failure that must not be retried.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for a nil error.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Fatal wraps err as a FatalError. Returns nil for a nil error.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried.
//
// Description:
//
//	An explicit FatalError always wins. Otherwise an explicit TransientError,
//	a deadline, or a network-level failure is transient. Cancellation is
//	never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// net.OpError implements net.Error, check it first.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsFatal reports whether err must stop the run without retry.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

// FromHTTPStatus classifies an HTTP status code returned by a provider.
//
// 408, 409, 425, 429 and 5xx are transient; everything else is fatal.
func FromHTTPStatus(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case status == 408, status == 409, status == 425, status == 429:
		return Transient(op, err)
	case status >= 500:
		return Transient(op, err)
	default:
		return Fatal(op, err)
	}
}

// =============================================================================
// Policy
// =============================================================================

// Policy configures bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps any single delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter is the ± fraction applied to each delay (0.25 = ±25%).
	Jitter float64 `yaml:"jitter" validate:"gte=0,lte=1"`

	// OnRetry is called before each backoff sleep. Optional.
	OnRetry func(op string, attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultPolicy returns three attempts starting at 500ms, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.25,
	}
}

// Validate checks the policy for nonsensical values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must be non-negative", ErrInvalidPolicy)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("%w: jitter must be within [0,1], got %f", ErrInvalidPolicy, p.Jitter)
	}
	return nil
}

// Backoff returns the delay before the given retry (attempt >= 1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	backoff := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && (backoff > p.MaxDelay || backoff <= 0) {
		backoff = p.MaxDelay
	}

	jitterRange := float64(backoff) * p.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff < 0 {
		backoff = p.BaseDelay
	}
	return backoff
}

// Do calls fn until it succeeds, fails non-transiently, or the attempt
// budget is spent.
//
// Description:
//
//	Transient failures are retried after Policy.Backoff. Fatal failures are
//	returned as-is on the first occurrence. When every attempt fails
//	transiently the returned error wraps both ErrAttemptsExhausted and the
//	last failure, so callers can still errors.As the TransientError.
//
// Inputs:
//
//	ctx - Context for cancellation. Cancellation during a backoff sleep
//	      returns ctx.Err().
//	p - Retry policy.
//	op - Operation name used for tracing and error messages.
//	fn - The call to make.
//
// Outputs:
//
//	error - nil on success.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	ctx, span := otel.Tracer("qforge.retry").Start(ctx, "retry.Do",
		trace.WithAttributes(
			attribute.String("op", op),
			attribute.Int("max_attempts", maxAttempts),
		),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Backoff(attempt)
			if p.OnRetry != nil {
				p.OnRetry(op, attempt, lastErr, delay)
			}
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", delay.Milliseconds()),
			))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				span.SetStatus(codes.Error, "cancelled")
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			span.SetStatus(codes.Ok, "success")
			return nil
		}
		if !IsTransient(lastErr) {
			span.RecordError(lastErr)
			span.SetStatus(codes.Error, "fatal")
			return lastErr
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries failed")
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrAttemptsExhausted, maxAttempts, lastErr)
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
