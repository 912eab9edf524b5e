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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/QuantumForge/cmd/qforge/config"
	"github.com/AleutianAI/QuantumForge/pkg/ux"
	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/experiment/badgerstore"
	"github.com/AleutianAI/QuantumForge/services/experiment/mirror"
	"github.com/AleutianAI/QuantumForge/services/experiment/sqlitestore"
	"github.com/AleutianAI/QuantumForge/services/experiment/storetest"
)

func TestApplyRunFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := runOptions{
		name:        "ring-search",
		description: "find a ring",
		budgets:     experiment.Budgets{MaxTrials: 7, MaxReflections: 1},
		threshold:   0.85,
		timeout:     time.Hour,
	}
	set := map[string]bool{"desc": true, "max_trial_num": true, "max_reflection_round": true, "threshold": true}
	applyRunFlags(&cfg, opts, func(name string) bool { return set[name] })

	assert.Equal(t, "ring-search", cfg.Experiment.Name)
	assert.Equal(t, "find a ring", cfg.Experiment.Description)
	assert.Equal(t, 7, cfg.Experiment.Budgets.MaxTrials)
	assert.Equal(t, 1, cfg.Experiment.Budgets.MaxReflections)
	// unset flags keep the configured budgets
	assert.Equal(t, experiment.DefaultMaxIdeas, cfg.Experiment.Budgets.MaxIdeas)
	require.NotNil(t, cfg.Experiment.Acceptance.Threshold)
	assert.InDelta(t, 0.85, *cfg.Experiment.Acceptance.Threshold, 1e-9)
	assert.Zero(t, cfg.Experiment.Timeout)
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Experiment.Name = "demo"
	cfg.Experiment.MaxParseRetries = 0
	oc, err := orchestratorConfig(&cfg, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "demo", oc.Experiment)
	assert.Equal(t, "run-1", oc.RunID)
	assert.Equal(t, cfg.Experiment.Budgets, oc.Budgets)
	assert.Equal(t, cfg.Retry.MaxAttempts, oc.Retry.MaxAttempts)
	assert.Equal(t, cfg.Pipeline.Device, oc.Pipeline.Device)
	assert.Equal(t, 0, oc.ParseRetries(), "zero disables re-asks")
	assert.Empty(t, oc.SeedCode)
	require.NoError(t, oc.Validate())

	seed := filepath.Join(t.TempDir(), "seed.py")
	require.NoError(t, os.WriteFile(seed, []byte("class Seed: pass\n"), 0o644))
	cfg.Experiment.SeedCode = seed
	oc, err = orchestratorConfig(&cfg, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "class Seed: pass\n", oc.SeedCode)

	cfg.Experiment.SeedCode = filepath.Join(t.TempDir(), "missing.py")
	_, err = orchestratorConfig(&cfg, "run-1")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, exitCode(nil))
	assert.Equal(t, ExitFailure, exitCode(errors.New("boom")))

	aborted := &ExitError{Code: ExitAborted, Wrapped: errors.New("evaluator down")}
	assert.Equal(t, ExitAborted, exitCode(aborted))
	assert.False(t, silent(aborted))
	assert.True(t, silent(&ExitError{Code: ExitAborted}))
	assert.Contains(t, aborted.Error(), "evaluator down")
}

func TestExportTarget(t *testing.T) {
	gcs := &mirror.GCSConfig{Bucket: "b"}
	s3 := &mirror.S3Config{Bucket: "b"}

	tests := []struct {
		name    string
		cfg     config.ExportConfig
		target  string
		want    string
		wantErr bool
	}{
		{"explicit gcs", config.ExportConfig{GCS: gcs}, "gcs", "gcs", false},
		{"explicit s3 missing", config.ExportConfig{GCS: gcs}, "s3", "", true},
		{"only s3", config.ExportConfig{S3: s3}, "", "s3", false},
		{"ambiguous", config.ExportConfig{GCS: gcs, S3: s3}, "", "", true},
		{"none", config.ExportConfig{}, "", "", true},
		{"unknown", config.ExportConfig{GCS: gcs}, "ftp", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := exportTarget(tt.cfg, tt.target)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "runs/demo", exportPrefix(config.ExportConfig{Prefix: "runs"}, "", "demo"))
	assert.Equal(t, "custom", exportPrefix(config.ExportConfig{Prefix: "runs"}, "custom", "demo"))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	out := ux.NewPrinter(&buf, ux.ModeMachine)
	best := experiment.RoundPath(1, 0, 2, 1)
	printSummary(out, experiment.Summary{
		RunID:         "r1",
		PrimaryMetric: "accuracy",
		Trials: []experiment.TrialSummary{
			{Index: 0, Status: experiment.TrialExhausted},
			{Index: 1, Status: experiment.TrialCompleted, Best: best.Ptr(), BestScore: experiment.Scored(0.9),
				Metrics: map[string]float64{"f1_score": 0.8, "accuracy": 0.9}},
		},
		Best:      best.Ptr(),
		BestScore: experiment.Scored(0.9),
	})

	text := buf.String()
	assert.Contains(t, text, "TRIAL\tSTATUS\tBEST\taccuracy\tMETRICS")
	assert.Contains(t, text, "0\texhausted\t-\tunscored\t-")
	assert.Contains(t, text, "1\tcompleted\tt1/i0/s2/r1\t0.9000\taccuracy=0.9000 f1_score=0.8000")
	assert.Contains(t, text, "OK\tbest accuracy = 0.9000 at t1/i0/s2/r1")
}

func TestDescribeRecord(t *testing.T) {
	tests := []struct {
		rec  experiment.Record
		want string
	}{
		{experiment.MustRecord(experiment.IdeaPath(0, 1), &experiment.Idea{Name: "ring", Description: "CNOT\nring"}), "ring: CNOT ring"},
		{storetest.Evaluation(experiment.RoundPath(0, 0, 0, 0), 0.75), "accuracy=0.7500"},
		{experiment.MustRecord(experiment.SuggestionPath(0, 0, 0), &experiment.SuggestionOutcome{
			State: experiment.StateExhausted, Attempts: 4, Reflections: 3}), "EXHAUSTED after 4 attempts"},
		{experiment.MustRecord(experiment.SuggestionPath(0, 0, 1), &experiment.Suggestion{Text: strings.Repeat("x", 100)}),
			strings.Repeat("x", recordTextWidth-1) + "…"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeRecord(tt.rec))
	}
}

func TestSelectRecords(t *testing.T) {
	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for _, r := range []experiment.Record{
		experiment.MustRecord(experiment.IdeaPath(0, 0), &experiment.Idea{Name: "a", Description: "a"}),
		storetest.Evaluation(experiment.RoundPath(0, 0, 0, 0), 0.6),
		experiment.MustRecord(experiment.IdeaPath(1, 0), &experiment.Idea{Name: "b", Description: "b"}),
	} {
		require.NoError(t, store.Append(ctx, r))
	}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)

	all, err := selectRecords(cmd, store, inspectOptions{trial: -1})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	trial0, err := selectRecords(cmd, store, inspectOptions{trial: 0})
	require.NoError(t, err)
	assert.Len(t, trial0, 2)

	ideas, err := selectRecords(cmd, store, inspectOptions{trial: -1, kind: "idea"})
	require.NoError(t, err)
	assert.Len(t, ideas, 2)

	_, err = selectRecords(cmd, store, inspectOptions{trial: -1, kind: "poem"})
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.Root = filepath.Join(dir, "experiments")
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "qforge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, data, 0o644))

	layout := experiment.Layout{Root: cfg.Store.Root, Experiment: "demo"}
	require.NoError(t, layout.Ensure())
	ctx := context.Background()
	seed, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: layout.StateDB()})
	require.NoError(t, err)
	require.NoError(t, seed.Append(ctx, experiment.MustRecord(experiment.IdeaPath(0, 0), &experiment.Idea{Name: "ring", Description: "d"})))
	require.NoError(t, seed.Append(ctx, storetest.Evaluation(experiment.RoundPath(0, 0, 0, 0), 0.8)))
	require.NoError(t, seed.Close())

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{
		"inspect", "--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"),
		"--experiment_name", "demo", "--output", "machine",
	})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.ExecuteContext(ctx))
	text := stdout.String()
	assert.Contains(t, text, "t0/i0\tidea\tring: d")
	assert.Contains(t, text, "t0/i0/s0/r0\tevaluation\taccuracy=0.8000")
	assert.Contains(t, text, "0\tt0/i0/s0/r0\t0.8000")
}

func TestInspectUnknownExperiment(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Root = filepath.Join(dir, "experiments")
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "qforge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, data, 0o644))

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"inspect", "--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"),
		"--experiment_name", "missing", "--output", "machine",
	})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err = rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, ExitFailure, exitCode(err))
}

func TestOpenStore_BadgerLockedByRun(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Root = t.TempDir()
	layout := cfg.Store.Layout("demo")
	require.NoError(t, layout.Ensure())

	writer, err := badgerstore.Open(badgerstore.DefaultConfig(layout.StateDir()))
	require.NoError(t, err)
	defer writer.Close()

	a := &app{cfg: &cfg, logger: slog.New(slog.DiscardHandler)}
	_, err = a.openStore(context.Background(), layout, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, badgerstore.ErrLocked)
	assert.Contains(t, err.Error(), "store.backend: sqlite")
}

func TestOpenStore_SQLiteReadsLiveRun(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.Root = t.TempDir()
	layout := cfg.Store.Layout("demo")
	require.NoError(t, layout.Ensure())

	a := &app{cfg: &cfg, logger: slog.New(slog.DiscardHandler)}
	writer, err := a.openStore(ctx, layout, false)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := a.openStore(ctx, layout, true)
	require.NoError(t, err)
	defer reader.Close()

	rec := storetest.Evaluation(experiment.RoundPath(0, 0, 0, 0), 0.7)
	require.NoError(t, writer.Append(ctx, rec))
	got, err := reader.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
}
