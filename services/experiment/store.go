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
	"fmt"
)

// DefaultPrimaryMetric is the metric used for best-result selection when
// none is configured.
const DefaultPrimaryMetric = "accuracy"

// Store is the append-only log of a run's trial tree.
//
// Implementations must reject a repeated key with an error wrapping
// ErrDuplicateIndex and must leave the stored record untouched. All listing
// methods return records in key order (see RecordKey.Compare).
type Store interface {
	// Append adds a record. The record is validated first.
	Append(ctx context.Context, rec Record) error

	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key RecordKey) (Record, error)

	// Scan returns every record whose path lies under prefix.
	Scan(ctx context.Context, prefix IndexPath) ([]Record, error)

	// HistoryForIdea returns the idea record and everything beneath it.
	HistoryForIdea(ctx context.Context, trial, idea int) ([]Record, error)

	// HistoryForSuggestion returns the suggestion record and everything
	// beneath it.
	HistoryForSuggestion(ctx context.Context, trial, idea, suggestion int) ([]Record, error)

	// BestResult returns the trial's best evaluation by the store's primary
	// metric, ties going to the earliest index. ok is false if the trial has
	// no evaluations.
	BestResult(ctx context.Context, trial int) (rec Record, ok bool, err error)

	// Close releases resources.
	Close() error
}

// Scanner is the part of Store that the shared helpers need.
type Scanner interface {
	Scan(ctx context.Context, prefix IndexPath) ([]Record, error)
}

// HistoryForIdea implements Store.HistoryForIdea on top of Scan.
func HistoryForIdea(ctx context.Context, s Scanner, trial, idea int) ([]Record, error) {
	return s.Scan(ctx, IdeaPath(trial, idea))
}

// HistoryForSuggestion implements Store.HistoryForSuggestion on top of Scan.
func HistoryForSuggestion(ctx context.Context, s Scanner, trial, idea, suggestion int) ([]Record, error) {
	return s.Scan(ctx, SuggestionPath(trial, idea, suggestion))
}

// BestResult implements Store.BestResult on top of Scan.
func BestResult(ctx context.Context, s Scanner, trial int, metric string) (Record, bool, error) {
	records, err := s.Scan(ctx, TrialPath(trial))
	if err != nil {
		return Record{}, false, fmt.Errorf("scan trial %d: %w", trial, err)
	}
	rec, ok := SelectBest(records, metric)
	return rec, ok, nil
}

// HistoryForTrial returns every record of one trial.
func HistoryForTrial(ctx context.Context, s Scanner, trial int) ([]Record, error) {
	return s.Scan(ctx, TrialPath(trial))
}

// AllRecords returns every record in the store.
func AllRecords(ctx context.Context, s Scanner) ([]Record, error) {
	return s.Scan(ctx, IndexPath{Trial: Unset, Idea: Unset, Suggestion: Unset, Round: Unset})
}

// Filter returns the records of the given kinds, preserving order.
func Filter(records []Record, kinds ...RecordKind) []Record {
	want := make(map[RecordKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if want[r.Key.Kind] {
			out = append(out, r)
		}
	}
	return out
}

// TrialIndices returns the distinct trial indices present in records.
func TrialIndices(records []Record) []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range records {
		if !seen[r.Key.Path.Trial] {
			seen[r.Key.Path.Trial] = true
			out = append(out, r.Key.Path.Trial)
		}
	}
	return out
}
