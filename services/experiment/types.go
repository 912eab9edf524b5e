// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment holds the data model of a feature-map design run and the
// append-only store that records it.
//
// Every step of a run (idea, suggestion, code artifact, evaluation,
// reflection, trial outcome) is a Record addressed by a RecordKey: the index
// path (trial, idea, suggestion, round) plus the record kind. The store never
// overwrites a key; appending an existing key fails with ErrDuplicateIndex.
//
// Thread Safety:
//
//	Value types in this package are immutable by convention. Store
//	implementations document their own guarantees.
package experiment

import (
	"errors"
	"fmt"
	"time"
)

// Unset marks an index path level that does not apply to a record.
const Unset = -1

var (
	// ErrDuplicateIndex is returned when appending a key that already exists.
	ErrDuplicateIndex = errors.New("duplicate index")

	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned when a record's payload does not match its
	// kind or its index path has the wrong shape.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidBudgets is returned by Budgets.Validate.
	ErrInvalidBudgets = errors.New("invalid budgets")
)

// =============================================================================
// Statuses
// =============================================================================

// TrialStatus is the terminal status of a trial.
type TrialStatus string

const (
	// TrialCompleted means an evaluation satisfied the acceptance policy.
	TrialCompleted TrialStatus = "completed"

	// TrialExhausted means every budget was consumed without acceptance.
	TrialExhausted TrialStatus = "exhausted"

	// TrialAborted means a collaborator failed unrecoverably or the run was
	// cancelled.
	TrialAborted TrialStatus = "aborted"
)

func (s TrialStatus) String() string { return string(s) }

// IsSuccess reports whether the status maps to a zero exit code.
func (s TrialStatus) IsSuccess() bool {
	return s == TrialCompleted || s == TrialExhausted
}

// ValidationStatus is the validation state of a code artifact.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// SuggestionState is a state of the per-suggestion lifecycle.
//
// Valid transitions are enforced by the orchestrator's state machine.
type SuggestionState string

const (
	StateCreated       SuggestionState = "CREATED"
	StateCodeGenerated SuggestionState = "CODE_GENERATED"
	StateValidating    SuggestionState = "VALIDATING"
	StateInvalid       SuggestionState = "INVALID"
	StateValid         SuggestionState = "VALID"
	StateEvaluating    SuggestionState = "EVALUATING"
	StateReflecting    SuggestionState = "REFLECTING"
	StateAccepted      SuggestionState = "ACCEPTED"
	StateExhausted     SuggestionState = "EXHAUSTED"
)

func (s SuggestionState) String() string { return string(s) }

// IsTerminal returns true for ACCEPTED and EXHAUSTED.
func (s SuggestionState) IsTerminal() bool {
	return s == StateAccepted || s == StateExhausted
}

// AllSuggestionStates returns every suggestion state.
func AllSuggestionStates() []SuggestionState {
	return []SuggestionState{
		StateCreated,
		StateCodeGenerated,
		StateValidating,
		StateInvalid,
		StateValid,
		StateEvaluating,
		StateReflecting,
		StateAccepted,
		StateExhausted,
	}
}

// =============================================================================
// Scores
// =============================================================================

// Score is a numeric score that may be absent.
//
// The zero value is Unscored. Use Scored to build a present score so that a
// real 0.0 is never confused with "no score".
type Score struct {
	Value  float64 `json:"value"`
	Scored bool    `json:"scored"`
}

// Unscored is the sentinel for an idea or field that never received a score.
var Unscored = Score{}

// Scored returns a present score.
func Scored(v float64) Score { return Score{Value: v, Scored: true} }

func (s Score) String() string {
	if !s.Scored {
		return "unscored"
	}
	return fmt.Sprintf("%.4f", s.Value)
}

// =============================================================================
// Budgets
// =============================================================================

// Budgets bounds the nested search.
type Budgets struct {
	MaxTrials      int `json:"max_trial_num" yaml:"max_trial_num" validate:"gte=1"`
	MaxIdeas       int `json:"max_idea_num" yaml:"max_idea_num" validate:"gte=1"`
	MaxSuggestions int `json:"max_suggestion_num" yaml:"max_suggestion_num" validate:"gte=1"`
	MaxReflections int `json:"max_reflection_round" yaml:"max_reflection_round" validate:"gte=1"`
}

// Default budgets.
const (
	DefaultMaxTrials      = 10
	DefaultMaxIdeas       = 2
	DefaultMaxSuggestions = 3
	DefaultMaxReflections = 3
)

// DefaultBudgets returns the default search budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxTrials:      DefaultMaxTrials,
		MaxIdeas:       DefaultMaxIdeas,
		MaxSuggestions: DefaultMaxSuggestions,
		MaxReflections: DefaultMaxReflections,
	}
}

// Validate returns ErrInvalidBudgets if any budget is not positive.
func (b Budgets) Validate() error {
	switch {
	case b.MaxTrials < 1:
		return fmt.Errorf("%w: max_trial_num must be positive, got %d", ErrInvalidBudgets, b.MaxTrials)
	case b.MaxIdeas < 1:
		return fmt.Errorf("%w: max_idea_num must be positive, got %d", ErrInvalidBudgets, b.MaxIdeas)
	case b.MaxSuggestions < 1:
		return fmt.Errorf("%w: max_suggestion_num must be positive, got %d", ErrInvalidBudgets, b.MaxSuggestions)
	case b.MaxReflections < 1:
		return fmt.Errorf("%w: max_reflection_round must be positive, got %d", ErrInvalidBudgets, b.MaxReflections)
	}
	return nil
}

// =============================================================================
// Payloads
// =============================================================================

// Trial is one bounded run of the idea-to-evaluation loop. Written once, when
// the trial terminates.
type Trial struct {
	Index       int         `json:"index"`
	Experiment  string      `json:"experiment"`
	Description string      `json:"description"`
	RunID       string      `json:"run_id"`
	Budgets     Budgets     `json:"budgets"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	Status      TrialStatus `json:"status"`
	AbortReason string      `json:"abort_reason,omitempty"`

	// Best points at the trial's best evaluation, if any.
	Best      *IndexPath `json:"best,omitempty"`
	BestScore Score      `json:"best_score"`
}

// Review is the guidance produced before a trial from the previous trial's
// results.
type Review struct {
	// Performance is the bucketed comparison of the last two trials.
	Performance string `json:"performance,omitempty"`
	Guidance    string `json:"guidance"`
	// Completed is true when the reviewer signalled that the work is done.
	Completed bool `json:"completed"`
}

// Idea is a high-level design direction for a feature map.
type Idea struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Provenance lists the knowledge chunk IDs that informed the idea.
	Provenance []string `json:"provenance,omitempty"`
}

// IdeaAssessment is the LLM assessment of an idea before implementation.
type IdeaAssessment struct {
	Originality Score `json:"originality"`
	Feasibility Score `json:"feasibility"`
	Versatility Score `json:"versatility"`
	Rounds      int   `json:"rounds"`
	// RelatedWork lists the paper chunk IDs consulted.
	RelatedWork []string `json:"related_work,omitempty"`
}

// Suggestion is a concrete refinement of an idea.
type Suggestion struct {
	Text string `json:"text"`
}

// CodeArtifact is one generated version of the feature-map source.
type CodeArtifact struct {
	Attempt   int              `json:"attempt"`
	ClassName string           `json:"class_name,omitempty"`
	Source    string           `json:"source"`
	Status    ValidationStatus `json:"status"`
	// Diagnostics is set iff Status is invalid.
	Diagnostics string `json:"diagnostics,omitempty"`
}

// EvaluationResult holds the metrics for a valid artifact.
type EvaluationResult struct {
	Metrics       map[string]float64 `json:"metrics"`
	PrimaryMetric string             `json:"primary_metric"`
	Accepted      bool               `json:"accepted"`
	Duration      time.Duration      `json:"duration"`
}

// Value returns the named metric.
func (e *EvaluationResult) Value(metric string) (float64, bool) {
	if e == nil {
		return 0, false
	}
	v, ok := e.Metrics[metric]
	return v, ok
}

// ReflectionCause says what triggered a reflection.
type ReflectionCause string

const (
	CauseInvalid        ReflectionCause = "invalid"
	CauseBelowThreshold ReflectionCause = "below_threshold"
)

// Reflection is guidance for the next code attempt.
type Reflection struct {
	Round  int             `json:"round"`
	Cause  ReflectionCause `json:"cause"`
	Input  string          `json:"input"`
	Output string          `json:"output"`
}

// SuggestionOutcome is the terminal state of a suggestion.
type SuggestionOutcome struct {
	State       SuggestionState `json:"state"`
	Attempts    int             `json:"attempts"`
	Reflections int             `json:"reflections"`
}

// IdeaScore is the aggregate score attached to an idea after its
// suggestions ran.
type IdeaScore struct {
	Metric string     `json:"metric"`
	Score  Score      `json:"score"`
	Source *IndexPath `json:"source,omitempty"`
}

// =============================================================================
// Summary
// =============================================================================

// TrialSummary is the per-trial line of an experiment summary.
type TrialSummary struct {
	Index     int                `json:"index"`
	Status    TrialStatus        `json:"status"`
	Best      *IndexPath         `json:"best,omitempty"`
	BestScore Score              `json:"best_score"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Summary describes an experiment run. It is written as summary.json.
type Summary struct {
	Experiment    string         `json:"experiment"`
	Description   string         `json:"description"`
	RunID         string         `json:"run_id"`
	PrimaryMetric string         `json:"primary_metric"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	Trials        []TrialSummary `json:"trials"`
	Best          *IndexPath     `json:"best,omitempty"`
	BestScore     Score          `json:"best_score"`
	// StopReason is set when the run ended before max_trial_num.
	StopReason string `json:"stop_reason,omitempty"`
}

// FinalStatus returns the status of the last trial, or exhausted for a run
// with no trials.
func (s Summary) FinalStatus() TrialStatus {
	if len(s.Trials) == 0 {
		return TrialExhausted
	}
	return s.Trials[len(s.Trials)-1].Status
}
