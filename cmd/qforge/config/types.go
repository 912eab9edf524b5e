// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the qforge configuration file schema and loader.
package config

import (
	"time"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
	"github.com/AleutianAI/QuantumForge/services/evaluator"
	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/experiment/mirror"
	"github.com/AleutianAI/QuantumForge/services/experiment/sink"
	"github.com/AleutianAI/QuantumForge/services/knowledge"
	"github.com/AleutianAI/QuantumForge/services/llm"
	"github.com/AleutianAI/QuantumForge/services/orchestrator"
	"github.com/AleutianAI/QuantumForge/services/telemetry"
)

// Backend names.
const (
	EvaluatorSubprocess = "subprocess"
	EvaluatorHTTP       = "http"

	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Config is the root of qforge.yaml.
type Config struct {
	Experiment ExperimentConfig         `yaml:"experiment"`
	Pipeline   evaluator.PipelineConfig `yaml:"pipeline"`
	LLM        LLMConfig                `yaml:"llm"`
	Knowledge  KnowledgeConfig          `yaml:"knowledge"`
	Evaluator  EvaluatorConfig          `yaml:"evaluator"`
	Store      StoreConfig              `yaml:"store"`
	Retry      retry.Policy             `yaml:"retry"`
	Telemetry  telemetry.Config         `yaml:"telemetry"`
	Sinks      SinksConfig              `yaml:"sinks"`
	Export     ExportConfig             `yaml:"export"`
	Logging    LoggingConfig            `yaml:"logging"`
}

// ExperimentConfig holds the search settings. Name and Description are
// usually given on the command line.
type ExperimentConfig struct {
	Name            string                  `yaml:"name,omitempty"`
	Description     string                  `yaml:"description,omitempty"`
	Budgets         experiment.Budgets      `yaml:"budgets"`
	PrimaryMetric   string                  `yaml:"primary_metric" validate:"required"`
	Acceptance      orchestrator.Acceptance `yaml:"acceptance"`
	MaxParseRetries int                     `yaml:"max_parse_retries" validate:"gte=0"`
	Scoring         orchestrator.Scoring    `yaml:"scoring"`
	History         orchestrator.History    `yaml:"history"`
	KnowledgeTopK   int                     `yaml:"knowledge_top_k" validate:"gte=0"`
	// SeedCode is a Python file every code prompt starts from. Empty uses
	// the built-in seed feature map.
	SeedCode string `yaml:"seed_code,omitempty"`
	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// LLMConfig selects the chat provider and the per-role models.
type LLMConfig struct {
	Provider          string                            `yaml:"provider" validate:"provider"`
	BaseURL           string                            `yaml:"base_url,omitempty" validate:"omitempty,url"`
	DefaultModel      string                            `yaml:"default_model" validate:"required"`
	Models            map[llm.Role]string               `yaml:"models,omitempty"`
	Params            map[llm.Role]llm.GenerationParams `yaml:"params,omitempty"`
	RequestsPerMinute int                               `yaml:"requests_per_minute" validate:"gte=0"`
	Embedding         EmbeddingConfig                   `yaml:"embedding"`
}

// EmbeddingConfig configures the OpenAI embedder used by the knowledge base.
type EmbeddingConfig struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions" validate:"gte=0"`
	CacheSize  int    `yaml:"cache_size" validate:"gte=0"`
}

// RouterConfig converts the role maps for llm.NewRouter.
func (c LLMConfig) RouterConfig() llm.RouterConfig {
	return llm.RouterConfig{DefaultModel: c.DefaultModel, Models: c.Models, Params: c.Params}
}

// KnowledgeConfig configures retrieval. A nil Weaviate disables it.
type KnowledgeConfig struct {
	Weaviate *knowledge.WeaviateConfig `yaml:"weaviate,omitempty"`

	// DocsCheck enables the retrieval-augmented argument check.
	DocsCheck bool `yaml:"docs_check"`
	// Module is the framework alias checked in generated code.
	Module     string  `yaml:"module"`
	TopKFactor float64 `yaml:"top_k_factor" validate:"gte=0"`

	ChunkSize    int `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0"`
	BatchSize    int `yaml:"batch_size" validate:"gte=0"`
	Concurrency  int `yaml:"concurrency" validate:"gte=0"`
}

// EvaluatorConfig selects the evaluation backend.
type EvaluatorConfig struct {
	Backend    string                      `yaml:"backend" validate:"oneof=subprocess http"`
	Subprocess *evaluator.SubprocessConfig `yaml:"subprocess,omitempty"`
	HTTP       *evaluator.HTTPConfig       `yaml:"http,omitempty"`
}

// StoreConfig selects the record store. Root holds one directory per
// experiment.
type StoreConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=badger sqlite"`
	Root       string `yaml:"root" validate:"required"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// Layout returns the on-disk layout of the named experiment.
func (c StoreConfig) Layout(name string) experiment.Layout {
	return experiment.Layout{Root: c.Root, Experiment: name}
}

// SinksConfig lists optional evaluation sinks.
type SinksConfig struct {
	Influx *sink.InfluxConfig `yaml:"influx,omitempty"`
}

// ExportConfig configures "qforge export". Credentials come from the
// environment.
type ExportConfig struct {
	Prefix string            `yaml:"prefix,omitempty"`
	GCS    *mirror.GCSConfig `yaml:"gcs,omitempty"`
	S3     *mirror.S3Config  `yaml:"s3,omitempty"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Experiment: ExperimentConfig{
			Budgets:       experiment.DefaultBudgets(),
			PrimaryMetric: experiment.DefaultPrimaryMetric,
			Scoring: orchestrator.Scoring{
				MaxRounds: orchestrator.DefaultScoringRounds,
				TopK:      orchestrator.DefaultAssessmentTopK,
			},
			MaxParseRetries: orchestrator.DefaultMaxParseRetries,
			History:         orchestrator.DefaultHistory(),
			KnowledgeTopK:   orchestrator.DefaultKnowledgeTopK,
		},
		Pipeline: evaluator.DefaultPipelineConfig(),
		LLM: LLMConfig{
			Provider:     string(llm.ProviderOpenAI),
			DefaultModel: "gpt-4o",
			Embedding: EmbeddingConfig{
				Model:      llm.DefaultEmbeddingModel,
				Dimensions: llm.DefaultEmbeddingDimensions,
				CacheSize:  llm.DefaultEmbeddingCacheSize,
			},
		},
		Knowledge: KnowledgeConfig{
			DocsCheck:    true,
			Module:       knowledge.DefaultCallModule,
			TopKFactor:   1,
			ChunkSize:    knowledge.DefaultChunkSize,
			ChunkOverlap: knowledge.DefaultChunkOverlap,
			BatchSize:    knowledge.DefaultBatchSize,
			Concurrency:  knowledge.DefaultConcurrency,
		},
		Evaluator: EvaluatorConfig{
			Backend: EvaluatorSubprocess,
			Subprocess: &evaluator.SubprocessConfig{
				Command: "python3",
				Args: []string{
					"-m", "qforge_runner",
					"--code", evaluator.PlaceholderCode,
					"--config", evaluator.PlaceholderConfig,
					"--class", evaluator.PlaceholderClass,
				},
				Timeout:   evaluator.DefaultTimeout,
				MaxOutput: evaluator.DefaultMaxOutput,
			},
		},
		Store: StoreConfig{
			Backend:    StoreBadger,
			Root:       "./experiments",
			SyncWrites: true,
		},
		Retry:     retry.DefaultPolicy(),
		Telemetry: telemetry.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}
