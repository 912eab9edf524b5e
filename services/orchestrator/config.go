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
	"errors"
	"fmt"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
	"github.com/AleutianAI/QuantumForge/services/evaluator"
	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// Defaults for Config.
const (
	DefaultMaxParseRetries  = 2
	DefaultScoringRounds    = 3
	DefaultKnowledgeTopK    = 5
	DefaultCodeHistory      = 1
	UnlimitedHistory        = -1
	DefaultAssessmentTopK   = 3
	summaryMaxWords         = 1000
	defaultMetricsPrecision = 4
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid orchestrator config")

// Acceptance decides when an evaluation ends a suggestion.
//
// With no threshold the first valid evaluation is accepted. StopOnAccept
// defaults to true when a threshold is set and false otherwise.
type Acceptance struct {
	Threshold    *float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	StopOnAccept *bool    `yaml:"stop_on_accept,omitempty" json:"stop_on_accept,omitempty"`
}

// Accepts reports whether a valid evaluation passes. present says whether
// the evaluation reported the primary metric; without a threshold it does
// not need to.
func (a Acceptance) Accepts(value float64, present bool) bool {
	if a.Threshold == nil {
		return true
	}
	return present && value >= *a.Threshold
}

// StopsOnAccept reports whether the first acceptance ends the trial.
func (a Acceptance) StopsOnAccept() bool {
	if a.StopOnAccept != nil {
		return *a.StopOnAccept
	}
	return a.Threshold != nil
}

// Scoring configures idea assessment.
type Scoring struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	MaxRounds int  `yaml:"max_rounds" json:"max_rounds" validate:"gte=0"`
	// TopK is the number of papers retrieved per round.
	TopK int `yaml:"top_k" json:"top_k" validate:"gte=0"`
}

// History sets how many past exchanges each conversation keeps. A negative
// value keeps everything.
type History struct {
	Idea   int `yaml:"idea" json:"idea"`
	Review int `yaml:"review" json:"review"`
	Code   int `yaml:"code" json:"code"`
}

// DefaultHistory keeps the full idea and review conversations and the last
// code exchange.
func DefaultHistory() History {
	return History{Idea: UnlimitedHistory, Review: UnlimitedHistory, Code: DefaultCodeHistory}
}

// Config configures an Orchestrator.
type Config struct {
	Experiment  string
	Description string
	RunID       string

	Budgets experiment.Budgets

	// PrimaryMetric ranks evaluations. Default: accuracy.
	PrimaryMetric string

	Acceptance Acceptance
	Retry      retry.Policy

	// MaxParseRetries is the number of re-asks for malformed structured
	// output before falling back. Nil means DefaultMaxParseRetries; zero
	// falls back immediately.
	MaxParseRetries *int

	Scoring Scoring
	History History

	// KnowledgeTopK is the number of chunks retrieved for idea and code
	// generation.
	KnowledgeTopK int

	// Pipeline is passed to the evaluator with the generated class name
	// filled in. Its device width is shown to the idea and code roles.
	Pipeline evaluator.PipelineConfig

	// SeedCode is the base module every code prompt starts from. Empty
	// means DefaultSeedCode.
	SeedCode string
}

// ParseRetries returns the effective re-ask budget.
func (c Config) ParseRetries() int {
	if c.MaxParseRetries == nil {
		return DefaultMaxParseRetries
	}
	return *c.MaxParseRetries
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.PrimaryMetric == "" {
		c.PrimaryMetric = experiment.DefaultPrimaryMetric
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.MaxParseRetries == nil {
		n := DefaultMaxParseRetries
		c.MaxParseRetries = &n
	}
	if c.SeedCode == "" {
		c.SeedCode = DefaultSeedCode
	}
	if c.Scoring.MaxRounds == 0 {
		c.Scoring.MaxRounds = DefaultScoringRounds
	}
	if c.Scoring.TopK == 0 {
		c.Scoring.TopK = DefaultAssessmentTopK
	}
	if c.History == (History{}) {
		c.History = DefaultHistory()
	}
	if c.KnowledgeTopK == 0 {
		c.KnowledgeTopK = DefaultKnowledgeTopK
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	if c.Experiment == "" {
		return fmt.Errorf("%w: experiment name is required", ErrInvalidConfig)
	}
	if err := c.Budgets.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.ParseRetries() < 0 {
		return fmt.Errorf("%w: max_parse_retries must not be negative", ErrInvalidConfig)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
