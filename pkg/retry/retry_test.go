// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", Transient("op", errors.New("429")), true},
		{"explicit fatal", Fatal("op", errors.New("401")), false},
		{"fatal wrapping deadline", Fatal("op", context.DeadlineExceeded), false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	base := errors.New("status")
	assert.True(t, IsTransient(FromHTTPStatus("op", 429, base)))
	assert.True(t, IsTransient(FromHTTPStatus("op", 503, base)))
	assert.True(t, IsFatal(FromHTTPStatus("op", 401, base)))
	assert.True(t, IsFatal(FromHTTPStatus("op", 400, base)))
	assert.Nil(t, FromHTTPStatus("op", 500, nil))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(_ string, attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}

	err := Do(context.Background(), p, "idea", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient("idea", errors.New("rate limited"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), "idea", func(context.Context) error {
		calls++
		return Transient("idea", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	var transient *TransientError
	assert.ErrorAs(t, err, &transient)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), "idea", func(context.Context) error {
		calls++
		return Fatal("idea", errors.New("invalid api key"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NotErrorIs(t, err, ErrAttemptsExhausted)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}

	err := Do(ctx, p, "idea", func(context.Context) error {
		cancel()
		return Transient("idea", errors.New("503"))
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), fastPolicy(1), "op", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 250*time.Millisecond, p.Backoff(3), "capped at MaxDelay")

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.ErrorIs(t, Policy{MaxAttempts: 0}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{MaxAttempts: 1, Jitter: 2}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{MaxAttempts: 1, BaseDelay: -time.Second}.Validate(), ErrInvalidPolicy)
}
