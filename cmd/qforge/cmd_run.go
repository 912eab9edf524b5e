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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/QuantumForge/cmd/qforge/config"
	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/experiment/sink"
	"github.com/AleutianAI/QuantumForge/services/knowledge"
	"github.com/AleutianAI/QuantumForge/services/orchestrator"
	"github.com/AleutianAI/QuantumForge/services/telemetry"
	"github.com/AleutianAI/QuantumForge/services/validate"
)

// telemetryFlushTimeout bounds the final export of spans and metrics.
const telemetryFlushTimeout = 5 * time.Second

type runOptions struct {
	name        string
	description string
	runID       string
	budgets     experiment.Budgets
	threshold   float64
	timeout     time.Duration
}

var runOpts runOptions

// applyRunFlags copies the flags the user set over the config.
func applyRunFlags(cfg *config.Config, opts runOptions, changed func(string) bool) {
	if opts.name != "" {
		cfg.Experiment.Name = opts.name
	}
	if changed("desc") {
		cfg.Experiment.Description = opts.description
	}
	if changed("max_trial_num") {
		cfg.Experiment.Budgets.MaxTrials = opts.budgets.MaxTrials
	}
	if changed("max_idea_num") {
		cfg.Experiment.Budgets.MaxIdeas = opts.budgets.MaxIdeas
	}
	if changed("max_suggestion_num") {
		cfg.Experiment.Budgets.MaxSuggestions = opts.budgets.MaxSuggestions
	}
	if changed("max_reflection_round") {
		cfg.Experiment.Budgets.MaxReflections = opts.budgets.MaxReflections
	}
	if changed("threshold") {
		t := opts.threshold
		cfg.Experiment.Acceptance.Threshold = &t
	}
	if changed("timeout") {
		cfg.Experiment.Timeout = opts.timeout
	}
}

// orchestratorConfig maps the loaded config onto the orchestrator's. The
// seed module is read from experiment.seed_code when it is set.
func orchestratorConfig(cfg *config.Config, runID string) (orchestrator.Config, error) {
	e := cfg.Experiment
	retries := e.MaxParseRetries
	oc := orchestrator.Config{
		Experiment:      e.Name,
		Description:     e.Description,
		RunID:           runID,
		Budgets:         e.Budgets,
		PrimaryMetric:   e.PrimaryMetric,
		Acceptance:      e.Acceptance,
		Retry:           cfg.Retry,
		MaxParseRetries: &retries,
		Scoring:         e.Scoring,
		History:         e.History,
		KnowledgeTopK:   e.KnowledgeTopK,
		Pipeline:        cfg.Pipeline,
	}
	if e.SeedCode != "" {
		data, err := os.ReadFile(e.SeedCode)
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("read seed code: %w", err)
		}
		oc.SeedCode = string(data)
	}
	return oc, nil
}

// runExperiment wires every collaborator and runs the trials.
//
// # Description
//
// The run stops early on SIGINT/SIGTERM, on --timeout, or when a file named
// STOP appears in the experiment directory. Records written before the stop
// are kept. The process exits non-zero only when the final trial aborted.
func runExperiment(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	applyRunFlags(a.cfg, runOpts, cmd.Flags().Changed)
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	runID := runOpts.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	if a.cfg.Experiment.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Experiment.Timeout)
		defer cancel()
	}

	layout := a.cfg.Store.Layout(a.cfg.Experiment.Name)
	if err := layout.Ensure(); err != nil {
		return err
	}
	ctx, watcher, err := experiment.WatchStop(ctx, layout.StopPath(), a.logger)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	tel, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := orchestrator.NewMetrics(tel.Registry)

	inner, err := a.openStore(ctx, layout, false)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	store := experiment.NewLayoutStore(inner, layout, a.logger)
	defer store.Close()

	gen, router, err := a.newGenerator(ctx, metrics)
	if err != nil {
		return err
	}

	var searcher knowledge.Searcher
	kb, _, err := a.newKnowledge()
	if err != nil {
		return fmt.Errorf("knowledge base: %w", err)
	}
	if kb != nil {
		if err := kb.EnsureSchema(ctx, knowledge.IndexDocs, knowledge.IndexPapers); err != nil {
			return fmt.Errorf("knowledge schema: %w", err)
		}
		searcher = kb
	}

	checker := validate.NewChecker(searcher, gen, validate.Config{
		Module:           a.cfg.Knowledge.Module,
		TopKFactor:       a.cfg.Knowledge.TopKFactor,
		DisableDocsCheck: !a.cfg.Knowledge.DocsCheck,
		Logger:           a.logger,
	})
	eval, err := a.newEvaluator()
	if err != nil {
		return err
	}

	deps := orchestrator.Deps{
		Generator: gen,
		Knowledge: searcher,
		Validator: checker,
		Evaluator: eval,
		Store:     store,
		Summaries: layout,
		Metrics:   metrics,
		Logger:    a.logger,
	}
	if a.cfg.Sinks.Influx != nil {
		influx, err := sink.NewInflux(*a.cfg.Sinks.Influx)
		if err != nil {
			return fmt.Errorf("influx sink: %w", err)
		}
		defer influx.Close()
		deps.Sink = influx
	}

	oc, err := orchestratorConfig(a.cfg, runID)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(oc, deps)
	if err != nil {
		return err
	}

	a.out.Title("qforge run")
	a.out.KeyValue([][2]string{
		{"experiment", a.cfg.Experiment.Name},
		{"run id", runID},
		{"directory", layout.Dir()},
		{"budgets", formatBudgets(a.cfg.Experiment.Budgets)},
		{"provider", a.cfg.LLM.Provider},
	})
	a.out.KeyValue(router.Models())

	summary, runErr := orch.RunExperiment(ctx)
	if errors.Is(context.Cause(ctx), experiment.ErrStopRequested) {
		a.out.Warning("stopped by " + layout.StopPath())
	}
	printSummary(a.out, summary)

	if !summary.FinalStatus().IsSuccess() {
		if runErr == nil {
			runErr = fmt.Errorf("final trial %s", summary.FinalStatus())
		}
		return &ExitError{Code: ExitAborted, Wrapped: runErr}
	}
	return nil
}
