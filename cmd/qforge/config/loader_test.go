// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/QuantumForge/pkg/secrets"
	"github.com/AleutianAI/QuantumForge/services/experiment/mirror"
	"github.com/AleutianAI/QuantumForge/services/experiment/sink"
	"github.com/AleutianAI/QuantumForge/services/knowledge"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "accuracy", cfg.Experiment.PrimaryMetric)
	assert.Equal(t, StoreBadger, cfg.Store.Backend)
	assert.Nil(t, cfg.Knowledge.Weaviate)
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "qforge.yaml")

	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)
	assert.Equal(t, DefaultConfig().Experiment.Budgets, cfg.Experiment.Budgets)

	again, created, err := Load(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Retry.MaxAttempts, again.Retry.MaxAttempts)
	assert.Equal(t, cfg.Retry.BaseDelay, again.Retry.BaseDelay)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
experiment:
  budgets:
    max_trial_num: 4
    max_idea_num: 1
    max_suggestion_num: 2
    max_reflection_round: 5
  acceptance:
    threshold: 0.9
  timeout: 2h
llm:
  provider: anthropic
  default_model: claude-sonnet
  models:
    code: code-model
retry:
  max_attempts: 5
  base_delay: 250ms
`))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Experiment.Budgets.MaxTrials)
	assert.Equal(t, 5, cfg.Experiment.Budgets.MaxReflections)
	require.NotNil(t, cfg.Experiment.Acceptance.Threshold)
	assert.InDelta(t, 0.9, *cfg.Experiment.Acceptance.Threshold, 1e-9)
	assert.Equal(t, 2*time.Hour, cfg.Experiment.Timeout)
	assert.Equal(t, "code-model", cfg.LLM.Models[llm.RoleCode])
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, secrets.AnthropicAPIKey, cfg.LLM.APIKeyName())

	// untouched sections keep their defaults
	assert.Equal(t, DefaultConfig().Pipeline.Device, cfg.Pipeline.Device)
	assert.Equal(t, EvaluatorSubprocess, cfg.Evaluator.Backend)
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("experiment: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero budget", func(c *Config) { c.Experiment.Budgets.MaxIdeas = 0 }},
		{"split does not sum to one", func(c *Config) { c.Pipeline.Dataset.Split.Train = 0.5 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "mystery" }},
		{"missing default model", func(c *Config) { c.LLM.DefaultModel = "" }},
		{"unknown role", func(c *Config) { c.LLM.Models = map[llm.Role]string{"poetry": "m"} }},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }},
		{"missing store root", func(c *Config) { c.Store.Root = "" }},
		{"unknown evaluator", func(c *Config) { c.Evaluator.Backend = "grpc" }},
		{"http backend without section", func(c *Config) { c.Evaluator.Backend = EvaluatorHTTP }},
		{"subprocess without command", func(c *Config) { c.Evaluator.Subprocess.Command = "" }},
		{"bad weaviate url", func(c *Config) { c.Knowledge.Weaviate = &knowledge.WeaviateConfig{URL: "not a url"} }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"negative parse retries", func(c *Config) { c.Experiment.MaxParseRetries = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"QFORGE_CODE_MODEL":   "big-coder",
		"QFORGE_REVIEW_MODEL": "",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, map[llm.Role]string{llm.RoleCode: "big-coder"}, cfg.LLM.Models)
}

func TestApplySecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Knowledge.Weaviate = &knowledge.WeaviateConfig{URL: "http://localhost:8080"}
	cfg.Sinks.Influx = &sink.InfluxConfig{URL: "http://localhost:8086"}
	cfg.Export.S3 = &mirror.S3Config{Bucket: "runs"}

	v := secrets.NewVault()
	v.Set(secrets.WeaviateAPIKey, "w-key")
	v.Set(secrets.InfluxDBToken, "i-token")
	v.Set(secrets.MinioAccessKey, "access")
	v.Set(secrets.MinioSecretKey, "secret")
	cfg.ApplySecrets(v)

	assert.Equal(t, "w-key", cfg.Knowledge.Weaviate.APIKey)
	assert.Equal(t, "i-token", cfg.Sinks.Influx.Token)
	assert.Equal(t, "access", cfg.Export.S3.AccessKey)
	assert.Equal(t, "secret", cfg.Export.S3.SecretKey)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("QFORGE_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("QFORGE_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("QFORGE_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("QFORGE_TEST_DOTENV"))
}
