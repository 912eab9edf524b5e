// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/QuantumForge/pkg/ux"
	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// recordTextWidth truncates free text in record tables.
const recordTextWidth = 60

func formatBudgets(b experiment.Budgets) string {
	return fmt.Sprintf("trials=%d ideas=%d suggestions=%d reflections=%d",
		b.MaxTrials, b.MaxIdeas, b.MaxSuggestions, b.MaxReflections)
}

func formatPath(p *experiment.IndexPath) string {
	if p == nil {
		return "-"
	}
	return p.String()
}

// formatMetrics renders metrics sorted by name.
func formatMetrics(m map[string]float64) string {
	if len(m) == 0 {
		return "-"
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%.4f", k, m[k])
	}
	return strings.Join(parts, " ")
}

// printSummary renders the per-trial table and the overall best.
func printSummary(out *ux.Printer, s experiment.Summary) {
	rows := make([][]string, 0, len(s.Trials))
	for _, t := range s.Trials {
		rows = append(rows, []string{
			fmt.Sprint(t.Index), string(t.Status), formatPath(t.Best), t.BestScore.String(), formatMetrics(t.Metrics),
		})
	}
	out.Table([]string{"TRIAL", "STATUS", "BEST", s.PrimaryMetric, "METRICS"}, rows)

	if s.StopReason != "" {
		out.Info("stopped: " + s.StopReason)
	}
	switch status := s.FinalStatus(); {
	case status == experiment.TrialAborted:
		out.Error(fmt.Sprintf("run %s aborted", s.RunID))
	case s.Best != nil:
		out.Success(fmt.Sprintf("best %s = %s at %s", s.PrimaryMetric, s.BestScore, s.Best))
	default:
		out.Warning("no valid evaluation")
	}
}

// printRecords renders one line per record.
func printRecords(out *ux.Printer, records []experiment.Record) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Key.Path.String(), string(r.Key.Kind), describeRecord(r), r.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	out.Table([]string{"PATH", "KIND", "DETAIL", "CREATED"}, rows)
}

// describeRecord returns a one-line digest of a record's payload.
func describeRecord(r experiment.Record) string {
	var s string
	switch r.Key.Kind {
	case experiment.KindReview:
		s = r.Review.Guidance
		if r.Review.Completed {
			s = "COMPLETED " + s
		}
	case experiment.KindIdea:
		s = r.Idea.Name + ": " + r.Idea.Description
	case experiment.KindIdeaAssessment:
		s = fmt.Sprintf("originality=%s feasibility=%s versatility=%s",
			r.Assessment.Originality, r.Assessment.Feasibility, r.Assessment.Versatility)
	case experiment.KindSuggestion:
		s = r.Suggestion.Text
	case experiment.KindCodeArtifact:
		s = string(r.Artifact.Status)
		if r.Artifact.ClassName != "" {
			s += " " + r.Artifact.ClassName
		}
		if r.Artifact.Diagnostics != "" {
			s += ": " + r.Artifact.Diagnostics
		}
	case experiment.KindEvaluation:
		s = formatMetrics(r.Evaluation.Metrics)
		if r.Evaluation.Accepted {
			s = "accepted " + s
		}
	case experiment.KindReflection:
		s = string(r.Reflection.Cause) + ": " + r.Reflection.Output
	case experiment.KindSuggestionOutcome:
		s = fmt.Sprintf("%s after %d attempts", r.Outcome.State, r.Outcome.Attempts)
	case experiment.KindIdeaScore:
		s = fmt.Sprintf("%s=%s", r.IdeaScore.Metric, r.IdeaScore.Score)
	case experiment.KindTrial:
		s = string(r.Trial.Status)
		if r.Trial.AbortReason != "" {
			s += ": " + r.Trial.AbortReason
		}
	}
	return truncate(strings.Join(strings.Fields(s), " "), recordTextWidth)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
