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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/QuantumForge/cmd/qforge/config"
	"github.com/AleutianAI/QuantumForge/services/inspect"
)

// Persistent flags.
var (
	configPath string
	envFile    string
	outputMode string
	logLevel   string
)

var (
	rootCmd = &cobra.Command{
		Use:   "qforge",
		Short: "LLM-driven design of quantum feature maps",
		Long: `qforge proposes quantum feature-map ideas with a language model, turns
them into code, validates and evaluates that code, and reflects on the
results until a budget runs out or a design is accepted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a feature-map design experiment",
		Args:  cobra.NoArgs,
		RunE:  runExperiment, // Defined in cmd_run.go
	}

	ingestCmd = &cobra.Command{
		Use:     "ingest",
		Short:   "Ingest framework docs or papers into the knowledge base",
		Aliases: []string{"i"},
		Args:    cobra.NoArgs,
		RunE:    runIngest, // Defined in cmd_ingest.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Show the records and best result of an experiment",
		Args:  cobra.NoArgs,
		RunE:  runInspect, // Defined in cmd_inspect.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only inspection API for an experiment",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Mirror an experiment directory to object storage",
		Args:  cobra.NoArgs,
		RunE:  runExport, // Defined in cmd_export.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath,
		"Path to the config file. A default one is written if it does not exist.")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "auto", "Output mode: auto, rich, plain or machine")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	// --- run ---
	runCmd.Flags().StringVar(&runOpts.name, "experiment_name", "", "Experiment name, also the output directory name")
	runCmd.Flags().StringVar(&runOpts.description, "desc", "", "Natural-language description of the design goal")
	runCmd.Flags().IntVar(&runOpts.budgets.MaxTrials, "max_trial_num", 0, "Number of trials")
	runCmd.Flags().IntVar(&runOpts.budgets.MaxIdeas, "max_idea_num", 0, "Ideas per trial")
	runCmd.Flags().IntVar(&runOpts.budgets.MaxSuggestions, "max_suggestion_num", 0, "Suggestions per idea")
	runCmd.Flags().IntVar(&runOpts.budgets.MaxReflections, "max_reflection_round", 0, "Reflections per suggestion")
	runCmd.Flags().Float64Var(&runOpts.threshold, "threshold", 0, "Acceptance threshold on the primary metric")
	runCmd.Flags().DurationVar(&runOpts.timeout, "timeout", 0, "Stop the run after this long")
	runCmd.Flags().StringVar(&runOpts.runID, "run_id", "", "Run identifier. Generated when empty.")
	_ = runCmd.MarkFlagRequired("experiment_name")

	// --- ingest ---
	ingestCmd.Flags().StringVar(&ingestOpts.kind, "kind", "docs", "Index to populate: docs or papers")
	ingestCmd.Flags().StringVar(&ingestOpts.path, "path", "", "File or directory to ingest")
	ingestCmd.Flags().BoolVar(&ingestOpts.reset, "reset", false, "Drop the index before ingesting")
	_ = ingestCmd.MarkFlagRequired("path")

	// --- inspect ---
	inspectCmd.Flags().StringVar(&inspectOpts.name, "experiment_name", "", "Experiment to inspect")
	inspectCmd.Flags().IntVar(&inspectOpts.trial, "trial", -1, "Only show this trial")
	inspectCmd.Flags().StringVar(&inspectOpts.kind, "kind", "", "Only show records of this kind")
	_ = inspectCmd.MarkFlagRequired("experiment_name")

	// --- serve ---
	serveCmd.Flags().StringVar(&serveOpts.name, "experiment_name", "", "Experiment to serve")
	serveCmd.Flags().StringVar(&serveOpts.addr, "addr", inspect.DefaultAddr, "Listen address")
	_ = serveCmd.MarkFlagRequired("experiment_name")

	// --- export ---
	exportCmd.Flags().StringVar(&exportOpts.name, "experiment_name", "", "Experiment to export")
	exportCmd.Flags().StringVar(&exportOpts.target, "target", "", "Destination: gcs or s3. Defaults to the configured one.")
	exportCmd.Flags().StringVar(&exportOpts.prefix, "prefix", "", "Object key prefix. Defaults to export.prefix/<experiment>.")
	_ = exportCmd.MarkFlagRequired("experiment_name")

	rootCmd.AddCommand(runCmd, ingestCmd, inspectCmd, serveCmd, exportCmd)
}
