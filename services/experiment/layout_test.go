// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal Store used by package tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemStore() *memStore { return &memStore{recs: map[string]Record{}} }

func (m *memStore) Append(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(rec.Key.Encode())
	if _, ok := m.recs[k]; ok {
		return ErrDuplicateIndex
	}
	m.recs[k] = rec
	return nil
}

func (m *memStore) Get(_ context.Context, key RecordKey) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[string(key.Encode())]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) Scan(_ context.Context, prefix IndexPath) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := string(EncodePrefix(prefix))
	var keys []string
	for k := range m.recs {
		if len(k) >= len(p) && k[:len(p)] == p {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.recs[k])
	}
	return out, nil
}

func (m *memStore) HistoryForIdea(ctx context.Context, t, i int) ([]Record, error) {
	return HistoryForIdea(ctx, m, t, i)
}

func (m *memStore) HistoryForSuggestion(ctx context.Context, t, i, s int) ([]Record, error) {
	return HistoryForSuggestion(ctx, m, t, i, s)
}

func (m *memStore) BestResult(ctx context.Context, t int) (Record, bool, error) {
	return BestResult(ctx, m, t, DefaultPrimaryMetric)
}

func (m *memStore) Close() error { return nil }

func TestLayout_Paths(t *testing.T) {
	l := Layout{Root: "/data", Experiment: "exp1"}
	assert.Equal(t, "/data/exp1", l.Dir())
	assert.Equal(t, "/data/exp1/state", l.StateDir())
	assert.Equal(t, "/data/exp1/summary.json", l.SummaryPath())
	assert.Equal(t, "/data/exp1/STOP", l.StopPath())
	assert.Equal(t, "/data/exp1/trial_2/feature_map_2_1_0_3.py", l.ArtifactPath(RoundPath(2, 1, 0, 3)))
	assert.Error(t, Layout{Root: "/x"}.Ensure())
}

func TestLayoutStore_WritesArtifactOnce(t *testing.T) {
	l := Layout{Root: t.TempDir(), Experiment: "exp"}
	require.NoError(t, l.Ensure())
	s := NewLayoutStore(newMemStore(), l, nil)
	ctx := context.Background()

	path := RoundPath(0, 0, 1, 0)
	rec := MustRecord(path, &CodeArtifact{Attempt: 0, Source: "class FM: pass\n", Status: ValidationPending})
	require.NoError(t, s.Append(ctx, rec))

	data, err := os.ReadFile(l.ArtifactPath(path))
	require.NoError(t, err)
	assert.Equal(t, "class FM: pass\n", string(data))

	assert.ErrorIs(t, s.Append(ctx, rec), ErrDuplicateIndex)

	// A stray file from an earlier run is never overwritten.
	other := RoundPath(0, 0, 1, 1)
	require.NoError(t, os.WriteFile(l.ArtifactPath(other), []byte("old"), 0640))
	err = s.Append(ctx, MustRecord(other, &CodeArtifact{Attempt: 1, Source: "new", Status: ValidationPending}))
	assert.ErrorIs(t, err, ErrDuplicateIndex)
	data, _ = os.ReadFile(l.ArtifactPath(other))
	assert.Equal(t, "old", string(data))
}

func TestLayoutStore_NonArtifactSkipsFiles(t *testing.T) {
	l := Layout{Root: t.TempDir(), Experiment: "exp"}
	s := NewLayoutStore(newMemStore(), l, nil)
	require.NoError(t, s.Append(context.Background(), MustRecord(IdeaPath(0, 0), &Idea{Name: "x"})))
	_, err := os.Stat(l.TrialDir(0))
	assert.True(t, os.IsNotExist(err))
}

func TestLayout_SummaryRoundTrip(t *testing.T) {
	l := Layout{Root: t.TempDir(), Experiment: "exp"}
	_, err := l.ReadSummary()
	assert.ErrorIs(t, err, ErrNotFound)

	best := RoundPath(1, 0, 2, 0)
	want := Summary{
		Experiment:    "exp",
		PrimaryMetric: "accuracy",
		Trials: []TrialSummary{
			{Index: 0, Status: TrialExhausted, BestScore: Scored(0.6)},
			{Index: 1, Status: TrialCompleted, Best: &best, BestScore: Scored(0.91)},
		},
		Best:      &best,
		BestScore: Scored(0.91),
	}
	require.NoError(t, l.WriteSummary(want))
	got, err := l.ReadSummary()
	require.NoError(t, err)
	assert.Equal(t, want.Trials, got.Trials)
	assert.Equal(t, best, *got.Best)

	entries, err := os.ReadDir(l.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestWatchStop_CancelsOnCreate(t *testing.T) {
	dir := t.TempDir()
	stop := filepath.Join(dir, StopFileName)

	ctx, w, err := WatchStop(context.Background(), stop, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(stop, nil, 0640))

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, context.Cause(ctx), ErrStopRequested)
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled")
	}
}

func TestWatchStop_ExistingSentinel(t *testing.T) {
	dir := t.TempDir()
	stop := filepath.Join(dir, StopFileName)
	require.NoError(t, os.WriteFile(stop, nil, 0640))

	ctx, w, err := WatchStop(context.Background(), stop, nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.ErrorIs(t, context.Cause(ctx), ErrStopRequested)
}

func TestWatchStop_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, w, err := WatchStop(context.Background(), filepath.Join(dir, StopFileName), nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), nil, 0640))
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, ctx.Err())

	w.Stop()
	assert.Error(t, ctx.Err())
}
