// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// Performance buckets for the change of the primary metric between trials.
const (
	PerfSignificantlyImproved = "Significantly improved"
	PerfImproved              = "Improved"
	PerfMarginallyImproved    = "Marginally improved"
	PerfUnchanged             = "Unchanged"
	PerfDroppedSlightly       = "Dropped slightly"
	PerfDroppedSignificantly  = "Dropped significantly"
	PerfOutOfRange            = "Out of range"
)

// PerformanceBucket classifies diff, the current best minus the previous
// best, for metrics in [0, 1].
func PerformanceBucket(diff float64) string {
	switch {
	case diff > 0.2 && diff <= 1:
		return PerfSignificantlyImproved
	case diff > 0.05 && diff <= 0.2:
		return PerfImproved
	case diff > 0 && diff <= 0.05:
		return PerfMarginallyImproved
	case diff == 0:
		return PerfUnchanged
	case diff >= -0.2 && diff < 0:
		return PerfDroppedSlightly
	case diff >= -1 && diff < -0.2:
		return PerfDroppedSignificantly
	}
	return PerfOutOfRange
}

var reviewDirections = map[string]string{
	PerfSignificantlyImproved: "Find the changes behind this improvement across all past trials and push them further.",
	PerfImproved:              "Identify what contributed to this progress and propose refinements for a larger gain.",
	PerfMarginallyImproved:    "Identify what contributed to this progress and propose refinements for a larger gain.",
	PerfUnchanged:             "Compare the past trials to find what is holding the score back and propose a different direction.",
	PerfDroppedSlightly:       "Find the changes that hurt the result and propose targeted fixes.",
	PerfDroppedSignificantly:  "Analyse the root cause of this drop across all past trials and recommend how to recover.",
}

// PerformanceReview compares the best primary metric of the last two scored
// trials. It returns "" when fewer than two trials have a score.
func PerformanceReview(trials []experiment.TrialSummary, metric string) string {
	var scored []experiment.Score
	for _, t := range trials {
		if t.BestScore.Scored {
			scored = append(scored, t.BestScore)
		}
	}
	if len(scored) < 2 {
		return ""
	}
	diff := scored[len(scored)-1].Value - scored[len(scored)-2].Value
	bucket := PerformanceBucket(diff)
	out := fmt.Sprintf("In the previous trial, the %s %q.", metric, bucket)
	if dir := reviewDirections[bucket]; dir != "" {
		out += " " + dir
	}
	return out
}

// renderTrial formats one trial's ideas, scores and evaluations for the
// reviewer.
func renderTrial(records []experiment.Record, metric string) string {
	var sb strings.Builder
	for _, r := range records {
		p := r.Key.Path
		switch r.Key.Kind {
		case experiment.KindIdea:
			fmt.Fprintf(&sb, "\n## Idea %d: %s\n%s\n", p.Idea, r.Idea.Name, r.Idea.Description)
		case experiment.KindIdeaAssessment:
			a := r.Assessment
			fmt.Fprintf(&sb, "Assessment: originality=%s feasibility=%s versatility=%s\n",
				a.Originality, a.Feasibility, a.Versatility)
		case experiment.KindSuggestion:
			fmt.Fprintf(&sb, "### Suggestion %d\n%s\n", p.Suggestion, r.Suggestion.Text)
		case experiment.KindEvaluation:
			fmt.Fprintf(&sb, "- attempt %d: %s\n", p.Round, renderMetrics(r.Evaluation.Metrics))
		case experiment.KindSuggestionOutcome:
			fmt.Fprintf(&sb, "- outcome: %s after %d attempts\n", r.Outcome.State, r.Outcome.Attempts)
		case experiment.KindIdeaScore:
			fmt.Fprintf(&sb, "Idea %d best %s: %s\n", p.Idea, metric, r.IdeaScore.Score)
		}
	}
	if sb.Len() == 0 {
		return "(no results)"
	}
	return strings.TrimSpace(sb.String())
}

// renderMetrics formats metrics sorted by name.
func renderMetrics(metrics map[string]float64) string {
	names := make([]string, 0, len(metrics))
	for n := range metrics {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%.*f", n, defaultMetricsPrecision, metrics[n])
	}
	return strings.Join(parts, ", ")
}
