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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
)

type fakeChat struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
}

func (f *fakeChat) Chat(_ context.Context, model string, _ []Message, _ GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model)
	return f.reply, f.err
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Code ")
	require.NoError(t, err)
	assert.Equal(t, RoleCode, r)

	_, err = ParseRole("poetry")
	assert.Error(t, err)
}

func TestRouter_ModelPerRole(t *testing.T) {
	chat := &fakeChat{reply: "ok"}
	r, err := NewRouter(chat, RouterConfig{
		DefaultModel: "base",
		Models:       map[Role]string{RoleCode: "coder", RoleIdea: ""},
	})
	require.NoError(t, err)

	assert.Equal(t, "coder", r.ModelFor(RoleCode))
	assert.Equal(t, "base", r.ModelFor(RoleIdea))

	out, err := r.Generate(context.Background(), RoleCode, []Message{User("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"coder"}, chat.calls)

	models := r.Models()
	assert.Len(t, models, len(AllRoles()))
	assert.Equal(t, "code", models[0][0])
}

func TestRouter_RequiresDefaultOrFullMap(t *testing.T) {
	_, err := NewRouter(&fakeChat{}, RouterConfig{Models: map[Role]string{RoleCode: "coder"}})
	assert.ErrorIs(t, err, ErrNoModel)

	full := make(map[Role]string)
	for _, role := range AllRoles() {
		full[role] = "m-" + string(role)
	}
	_, err = NewRouter(&fakeChat{}, RouterConfig{Models: full})
	assert.NoError(t, err)

	_, err = NewRouter(nil, RouterConfig{DefaultModel: "x"})
	assert.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	chat := &fakeChat{reply: "ok"}
	assert.Same(t, ChatClient(chat), RateLimited(chat, nil))
	assert.Nil(t, NewLimiter(0))

	limited := RateLimited(chat, rate.NewLimiter(rate.Every(time.Hour), 1))
	_, err := limited.Chat(context.Background(), "m", nil, GenerationParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Chat(ctx, "m", nil, GenerationParams{})
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err) || errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, chat.calls, 1)
}

type recordingObserver struct {
	role  Role
	model string
	err   error
	calls int
}

func (o *recordingObserver) ObserveCall(role Role, model string, _ time.Duration, err error) {
	o.role, o.model, o.err = role, model, err
	o.calls++
}

func TestInstrumented(t *testing.T) {
	chat := &fakeChat{err: retry.Fatal("chat", errors.New("bad request"))}
	r, err := NewRouter(chat, RouterConfig{DefaultModel: "base"})
	require.NoError(t, err)

	obs := &recordingObserver{}
	gen := NewInstrumented(r, obs)
	_, err = gen.Generate(context.Background(), RoleReview, []Message{User("x")})
	require.Error(t, err)

	assert.Equal(t, 1, obs.calls)
	assert.Equal(t, RoleReview, obs.role)
	assert.Equal(t, "base", obs.model)
	assert.Error(t, obs.err)
}

func TestTruncateHistory(t *testing.T) {
	msgs := []Message{
		System("sys"),
		User("u1"), Assistant("a1"),
		User("u2"), Assistant("a2"),
		User("u3"),
	}

	contents := func(ms []Message) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.Content
		}
		return out
	}

	assert.Equal(t, []string{"sys", "u1", "a1", "u2", "a2", "u3"}, contents(TruncateHistory(msgs, -1)))
	assert.Equal(t, []string{"sys", "u2", "a2", "u3"}, contents(TruncateHistory(msgs, 1)))
	assert.Equal(t, []string{"sys", "u3"}, contents(TruncateHistory(msgs, 0)))
	assert.Equal(t, []string{"sys", "u1", "a1", "u2", "a2", "u3"}, contents(TruncateHistory(msgs, 5)))

	closed := msgs[:5]
	assert.Equal(t, []string{"sys", "u2", "a2"}, contents(TruncateHistory(closed, 1)))
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  x = 1\n", "x = 1"},
		{"python", "Here:\n```python\nclass A:\n    pass\n```\nDone.", "class A:\n    pass"},
		{"untagged", "```\nprint(1)\n```", "print(1)"},
		{"python preferred", "```text\nnotes\n```\n```py\ny = 2\n```", "y = 2"},
		{"unterminated", "```python\nz = 3\n", "z = 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFence(tt.in))
		})
	}
}

type countingEmbedder struct {
	batches [][]string
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.batches = append(c.batches, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (c *countingEmbedder) Dimensions() int { return 1 }

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	ctx := context.Background()
	v, err := cached.Embed(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, v)

	v, err = cached.Embed(ctx, []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2}, {3}, {1}}, v)

	require.Len(t, inner.batches, 2)
	assert.Equal(t, []string{"ccc"}, inner.batches[1])

	hits, misses := cached.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(3), misses)
	assert.Equal(t, 1, cached.Dimensions())
}

func TestNewChatClient_UnknownProvider(t *testing.T) {
	_, err := NewChatClient(context.Background(), ProviderConfig{Provider: "mystery", APIKey: "k"})
	assert.Error(t, err)

	_, err = NewChatClient(context.Background(), ProviderConfig{Provider: ProviderAnthropic})
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err))
}
