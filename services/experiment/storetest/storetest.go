// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest is a conformance suite run against every
// experiment.Store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// Factory opens a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) experiment.Store

// Run executes the conformance suite.
func Run(t *testing.T, open Factory) {
	t.Run("AppendAndGet", func(t *testing.T) { testAppendAndGet(t, open(t)) })
	t.Run("DuplicateIndex", func(t *testing.T) { testDuplicateIndex(t, open(t)) })
	t.Run("SharedPathDifferentKinds", func(t *testing.T) { testSharedPath(t, open(t)) })
	t.Run("RejectsInvalidRecord", func(t *testing.T) { testRejectsInvalid(t, open(t)) })
	t.Run("HistoryOrdering", func(t *testing.T) { testHistoryOrdering(t, open(t)) })
	t.Run("BestResultTieBreak", func(t *testing.T) { testBestResultTieBreak(t, open(t)) })
	t.Run("BestResultEmpty", func(t *testing.T) { testBestResultEmpty(t, open(t)) })
	t.Run("ConcurrentDuplicateAppend", func(t *testing.T) { testConcurrentDuplicate(t, open(t)) })
}

// Evaluation builds an evaluation record with a single accuracy metric.
func Evaluation(path experiment.IndexPath, accuracy float64) experiment.Record {
	return experiment.MustRecord(path, &experiment.EvaluationResult{
		Metrics:       map[string]float64{"accuracy": accuracy},
		PrimaryMetric: "accuracy",
	})
}

func testAppendAndGet(t *testing.T, s experiment.Store) {
	defer s.Close()
	ctx := context.Background()

	rec := experiment.MustRecord(experiment.IdeaPath(0, 0), &experiment.Idea{
		Name:        "ZZRotation",
		Description: "alternate ZZ entanglers with data re-uploading",
		Provenance:  []string{"arxiv:2101.00001"},
	})
	require.NoError(t, s.Append(ctx, rec))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	require.NotNil(t, got.Idea)
	assert.Equal(t, "ZZRotation", got.Idea.Name)
	assert.Equal(t, []string{"arxiv:2101.00001"}, got.Idea.Provenance)

	_, err = s.Get(ctx, experiment.RecordKey{Path: experiment.IdeaPath(0, 1), Kind: experiment.KindIdea})
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

func testDuplicateIndex(t *testing.T, s experiment.Store) {
	defer s.Close()
	ctx := context.Background()
	path := experiment.SuggestionPath(0, 0, 0)

	first := experiment.MustRecord(path, &experiment.Suggestion{Text: "add a CZ ladder"})
	require.NoError(t, s.Append(ctx, first))

	replay := experiment.MustRecord(path, &experiment.Suggestion{Text: "something else"})
	err := s.Append(ctx, replay)
	require.Error(t, err)
	assert.ErrorIs(t, err, experiment.ErrDuplicateIndex)

	got, err := s.Get(ctx, first.Key)
	require.NoError(t, err)
	assert.Equal(t, "add a CZ ladder", got.Suggestion.Text, "existing record must be untouched")

	all, err := experiment.AllRecords(ctx, s)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testSharedPath(t *testing.T, s experiment.Store) {
	defer s.Close()
	ctx := context.Background()
	path := experiment.RoundPath(0, 0, 0, 0)

	require.NoError(t, s.Append(ctx, experiment.MustRecord(path, &experiment.CodeArtifact{
		Attempt: 0, Source: "class A: pass", Status: experiment.ValidationValid,
	})))
	require.NoError(t, s.Append(ctx, Evaluation(path, 0.7)))
	require.NoError(t, s.Append(ctx, experiment.MustRecord(path, &experiment.Reflection{
		Round: 0, Cause: experiment.CauseBelowThreshold, Input: "accuracy=0.7", Output: "deepen",
	})))

	recs, err := s.HistoryForSuggestion(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, experiment.KindCodeArtifact, recs[0].Key.Kind)
	assert.Equal(t, experiment.KindEvaluation, recs[1].Key.Kind)
	assert.Equal(t, experiment.KindReflection, recs[2].Key.Kind)
}

func testRejectsInvalid(t *testing.T, s experiment.Store) {
	defer s.Close()
	ctx := context.Background()

	bad := experiment.Record{
		Key:  experiment.RecordKey{Path: experiment.IdeaPath(0, 0), Kind: experiment.KindSuggestion},
		Idea: &experiment.Idea{Name: "x"},
	}
	assert.ErrorIs(t, s.Append(ctx, bad), experiment.ErrInvalidRecord)

	all, err := experiment.AllRecords(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testHistoryOrdering(t *testing.T, s experiment.Store) {
	defer s.Close()
	ctx := context.Background()

	// Append out of order; listings must come back in key order.
	appendAll(t, s,
		experiment.MustRecord(experiment.SuggestionPath(0, 1, 1), &experiment.Suggestion{Text: "s11"}),
		experiment.MustRecord(experiment.IdeaPath(0, 1), &experiment.Idea{Name: "i1"}),
		experiment.MustRecord(experiment.SuggestionPath(0, 1, 0), &experiment.Suggestion{Text: "s10"}),
		experiment.MustRecord(experiment.IdeaPath(0, 0), &experiment.Idea{Name: "i0"}),
		experiment.MustRecord(experiment.SuggestionPath(0, 0, 0), &experiment.Suggestion{Text: "s00"}),
		experiment.MustRecord(experiment.IdeaPath(1, 0), &experiment.Idea{Name: "t1i0"}),
		experiment.MustRecord(experiment.IdeaPath(0, 10), &experiment.Idea{Name: "i10"}),
	)

	recs, err := s.HistoryForIdea(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "i1", recs[0].Idea.Name)
	assert.Equal(t, "s10", recs[1].Suggestion.Text)
	assert.Equal(t, "s11", recs[2].Suggestion.Text)

	trial0, err := s.Scan(ctx, experiment.TrialPath(0))
	require.NoError(t, err)
	require.Len(t, trial0, 6)
	assert.Equal(t, "i0", trial0[0].Idea.Name)
	assert.Equal(t, "i10", trial0[5].Idea.Name, "numeric, not lexical, ordering of indices")

	for i := 1; i < len(trial0); i++ {
		assert.Negative(t, trial0[i-1].Key.Compare(trial0[i].Key))
	}
}

func testBestResultTieBreak(t *testing.T, s experiment.Store) {
	defer s.Close()
	ctx := context.Background()

	appendAll(t, s,
		Evaluation(experiment.RoundPath(0, 1, 0, 0), 0.9),
		Evaluation(experiment.RoundPath(0, 0, 2, 1), 0.9),
		Evaluation(experiment.RoundPath(0, 0, 2, 0), 0.8),
		Evaluation(experiment.RoundPath(1, 0, 0, 0), 0.99),
	)

	best, ok, err := s.BestResult(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, experiment.RoundPath(0, 0, 2, 1), best.Key.Path, "earliest index wins a tie")

	best, ok, err = s.BestResult(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.99, best.Evaluation.Metrics["accuracy"])
}

func testBestResultEmpty(t *testing.T, s experiment.Store) {
	defer s.Close()
	_, ok, err := s.BestResult(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentDuplicate(t *testing.T, s experiment.Store) {
	defer s.Close()
	ctx := context.Background()
	path := experiment.IdeaPath(0, 0)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			err := s.Append(ctx, experiment.MustRecord(path, &experiment.Idea{Name: fmt.Sprintf("w%d", w)}))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, experiment.ErrDuplicateIndex)
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func appendAll(t *testing.T, s experiment.Store, recs ...experiment.Record) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, s.Append(context.Background(), r))
	}
}
