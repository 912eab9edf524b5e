// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluator runs generated feature-map code through the quantum
// kernel pipeline and reports whether it is valid and how it scored.
//
// # Description
//
// Evaluator is the capability the orchestrator consumes. Subprocess runs a
// local runner script, HTTP posts to a remote evaluation service. Guard
// turns crashes and collaborator errors into invalid outcomes so a broken
// artifact never aborts a trial, and Retrying retries transient failures
// before Guard sees them.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// ErrInvalidPipeline is returned by PipelineConfig.Validate.
var ErrInvalidPipeline = errors.New("invalid pipeline config")

// SplitTolerance is the allowed deviation of the split sum from 1.
const SplitTolerance = 1e-6

// Outcome is the result of validating and scoring one artifact.
type Outcome struct {
	Status      experiment.ValidationStatus `json:"status"`
	Diagnostics string                      `json:"diagnostics,omitempty"`
	Metrics     map[string]float64          `json:"metrics,omitempty"`
}

// Valid reports whether the artifact ran.
func (o Outcome) Valid() bool { return o.Status == experiment.ValidationValid }

// Invalid builds an invalid outcome.
func Invalid(format string, args ...any) Outcome {
	return Outcome{Status: experiment.ValidationInvalid, Diagnostics: fmt.Sprintf(format, args...)}
}

// Normalize checks the outcome shape: a valid outcome carries metrics and no
// diagnostics, an invalid one carries a diagnostic.
func (o Outcome) Normalize() Outcome {
	switch o.Status {
	case experiment.ValidationValid:
		if len(o.Metrics) == 0 {
			return Invalid("evaluation reported valid without metrics")
		}
		for name, v := range o.Metrics {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Invalid("metric %s is not finite", name)
			}
		}
		o.Diagnostics = ""
		return o
	case experiment.ValidationInvalid:
		if strings.TrimSpace(o.Diagnostics) == "" {
			o.Diagnostics = "evaluation failed without a diagnostic"
		}
		o.Metrics = nil
		return o
	}
	return Invalid("unknown evaluation status %q", o.Status)
}

// Evaluator validates and scores generated code.
type Evaluator interface {
	ValidateAndScore(ctx context.Context, code string, cfg PipelineConfig) (Outcome, error)
}

// Func adapts a function to Evaluator.
type Func func(ctx context.Context, code string, cfg PipelineConfig) (Outcome, error)

// ValidateAndScore implements Evaluator.
func (f Func) ValidateAndScore(ctx context.Context, code string, cfg PipelineConfig) (Outcome, error) {
	return f(ctx, code, cfg)
}

// =============================================================================
// Pipeline config
// =============================================================================

// PipelineConfig describes the dataset, device, modules and model the
// evaluator runs. It is passed through to the runner unchanged, apart from
// FeatureMap.ImplementName which is set per artifact.
type PipelineConfig struct {
	Dataset    DatasetConfig    `yaml:"dataset" json:"dataset"`
	Device     DeviceConfig     `yaml:"device" json:"device"`
	FeatureMap ModuleRef        `yaml:"feature_map" json:"feature_map"`
	Kernel     ModuleRef        `yaml:"kernel" json:"kernel"`
	Model      ModelConfig      `yaml:"model" json:"model"`
	Evaluation EvaluationConfig `yaml:"evaluation" json:"evaluation"`
}

// DatasetConfig selects the data.
type DatasetConfig struct {
	// Source is "file", "generate" or "openml".
	Source     string         `yaml:"source" json:"source" validate:"required,oneof=file generate openml"`
	Path       string         `yaml:"path,omitempty" json:"path,omitempty"`
	Generate   map[string]any `yaml:"generate,omitempty" json:"generate,omitempty"`
	Features   []string       `yaml:"features,omitempty" json:"features,omitempty"`
	Label      string         `yaml:"label,omitempty" json:"label,omitempty"`
	RandomSeed int            `yaml:"random_seed" json:"random_seed"`
	Split      Split          `yaml:"split" json:"split" validate:"splitsum"`
}

// Split is the train/validation/test proportion.
type Split struct {
	Train      float64 `yaml:"train" json:"train" validate:"gte=0,lte=1"`
	Validation float64 `yaml:"validation" json:"validation" validate:"gte=0,lte=1"`
	Test       float64 `yaml:"test" json:"test" validate:"gte=0,lte=1"`
}

// Sum returns the total proportion.
func (s Split) Sum() float64 { return s.Train + s.Validation + s.Test }

// Validate requires the proportions to be non-negative and sum to one.
func (s Split) Validate() error {
	if s.Train < 0 || s.Validation < 0 || s.Test < 0 {
		return fmt.Errorf("%w: split proportions must be non-negative", ErrInvalidPipeline)
	}
	if math.Abs(s.Sum()-1) > SplitTolerance {
		return fmt.Errorf("%w: split must sum to 1, got %g", ErrInvalidPipeline, s.Sum())
	}
	return nil
}

// DeviceConfig selects the simulator.
type DeviceConfig struct {
	Platform   string `yaml:"platform" json:"platform"`
	DeviceName string `yaml:"device_name" json:"device_name"`
	NQubits    int    `yaml:"n_qubits" json:"n_qubits" validate:"gte=1"`
	Shots      *int   `yaml:"shots,omitempty" json:"shots,omitempty"`
}

// ModuleRef names a Python class and its constructor parameters.
type ModuleRef struct {
	ModuleName    string         `yaml:"module_name" json:"module_name"`
	ImplementName string         `yaml:"implement_name" json:"implement_name"`
	Params        map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// ModelConfig selects the kernel model.
type ModelConfig struct {
	Name   string         `yaml:"name" json:"name" validate:"required"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// EvaluationConfig lists the metrics to compute.
type EvaluationConfig struct {
	DefaultMetrics []string    `yaml:"default_metrics" json:"default_metrics" validate:"min=1"`
	CustomMetrics  []ModuleRef `yaml:"custom_metrics,omitempty" json:"custom_metrics,omitempty"`
}

// DefaultPipelineConfig returns a small generated-dataset pipeline.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Dataset: DatasetConfig{
			Source:     "generate",
			Generate:   map[string]any{"generate_method": "linear", "n_samples": 100, "n_features": 2},
			RandomSeed: 42,
			Split:      Split{Train: 0.7, Validation: 0.1, Test: 0.2},
		},
		Device: DeviceConfig{
			Platform:   "pennylane",
			DeviceName: "default.qubit",
			NQubits:    2,
		},
		FeatureMap: ModuleRef{ModuleName: "generated.feature_map"},
		Kernel:     ModuleRef{ModuleName: "qxmt.kernels.pennylane", ImplementName: "FidelityKernel"},
		Model:      ModelConfig{Name: "qsvc", Params: map[string]any{"C": 1.0}},
		Evaluation: EvaluationConfig{DefaultMetrics: []string{"accuracy", "precision", "recall", "f1_score"}},
	}
}

// Validate checks the parts of the config the evaluators rely on.
func (c PipelineConfig) Validate() error {
	if err := c.Dataset.Split.Validate(); err != nil {
		return err
	}
	if c.Device.NQubits < 1 {
		return fmt.Errorf("%w: device.n_qubits must be positive", ErrInvalidPipeline)
	}
	if len(c.Evaluation.DefaultMetrics) == 0 && len(c.Evaluation.CustomMetrics) == 0 {
		return fmt.Errorf("%w: at least one evaluation metric is required", ErrInvalidPipeline)
	}
	return nil
}

// WithImplementation returns a copy naming className as the feature map.
func (c PipelineConfig) WithImplementation(className string) PipelineConfig {
	c.FeatureMap.ImplementName = className
	return c
}

// Metrics returns the configured metric names, sorted.
func (c PipelineConfig) Metrics() []string {
	out := append([]string(nil), c.Evaluation.DefaultMetrics...)
	for _, m := range c.Evaluation.CustomMetrics {
		out = append(out, m.ImplementName)
	}
	sort.Strings(out)
	return out
}
