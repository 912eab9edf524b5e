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
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/QuantumForge/cmd/qforge/config"
	"github.com/AleutianAI/QuantumForge/pkg/logging"
	"github.com/AleutianAI/QuantumForge/pkg/secrets"
	"github.com/AleutianAI/QuantumForge/pkg/ux"
	"github.com/AleutianAI/QuantumForge/services/evaluator"
	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/experiment/badgerstore"
	"github.com/AleutianAI/QuantumForge/services/experiment/sqlitestore"
	"github.com/AleutianAI/QuantumForge/services/knowledge"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

// app bundles what every command needs: the loaded config, the secrets,
// a logger and a printer.
type app struct {
	cfg    *config.Config
	vault  *secrets.Vault
	log    *logging.Logger
	logger *slog.Logger
	out    *ux.Printer
}

// newApp loads .env, the config file and the secrets.
//
// The config is not validated here; commands validate after applying
// their flags.
func newApp(cmd *cobra.Command) (*app, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, created, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(nil)
	vault := secrets.FromEnv(secrets.Known()...)
	cfg.ApplySecrets(vault)

	mode, err := ux.ParseMode(outputMode)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	lg := logging.New(logging.Config{
		Level:   lvl,
		LogDir:  cfg.Logging.Dir,
		Service: "qforge",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	a := &app{
		cfg:    cfg,
		vault:  vault,
		log:    lg,
		logger: lg.Slog(),
		out:    ux.NewPrinter(cmd.OutOrStdout(), mode),
	}
	if created {
		a.out.Info(fmt.Sprintf("First run detected, wrote the default config to %s", configPath))
	}
	return a, nil
}

// Close flushes the log file.
func (a *app) Close() {
	_ = a.log.Close()
}

// openStore opens the configured record store for layout. Readers open
// badger read-only; badger still refuses them while a run holds the
// directory lock, which sqlite in WAL mode allows.
func (a *app) openStore(ctx context.Context, layout experiment.Layout, readOnly bool) (experiment.Store, error) {
	switch a.cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:          layout.StateDB(),
			PrimaryMetric: a.cfg.Experiment.PrimaryMetric,
			Logger:        a.logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		bc := badgerstore.DefaultConfig(layout.StateDir())
		bc.SyncWrites = a.cfg.Store.SyncWrites
		bc.Logger = a.logger
		bc.PrimaryMetric = a.cfg.Experiment.PrimaryMetric
		bc.ReadOnly = readOnly
		s, err := badgerstore.Open(bc)
		if errors.Is(err, badgerstore.ErrLocked) {
			return nil, fmt.Errorf("%w; experiment %s is being written by a running qforge run, "+
				"wait for it to finish or set store.backend: sqlite to read it live", err, layout.Experiment)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// newGenerator builds the routed chat model, instrumented with observer
// when it is not nil.
func (a *app) newGenerator(ctx context.Context, observer llm.CallObserver) (llm.Generator, *llm.Router, error) {
	client, err := llm.NewChatClient(ctx, llm.ProviderConfig{
		Provider:          llm.Provider(a.cfg.LLM.Provider),
		APIKey:            a.vault.RevealOr(a.cfg.LLM.APIKeyName(), ""),
		BaseURL:           a.cfg.LLM.BaseURL,
		RequestsPerMinute: a.cfg.LLM.RequestsPerMinute,
		Logger:            a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("llm provider: %w", err)
	}
	router, err := llm.NewRouter(client, a.cfg.LLM.RouterConfig())
	if err != nil {
		return nil, nil, err
	}
	if observer == nil {
		return router, router, nil
	}
	return llm.NewInstrumented(router, observer), router, nil
}

// newEmbedder builds the cached OpenAI embedder used for retrieval.
func (a *app) newEmbedder() (llm.Embedder, error) {
	oc, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey: a.vault.RevealOr(secrets.OpenAIAPIKey, ""),
		Logger: a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	emb, err := llm.NewOpenAIEmbedder(oc, a.cfg.LLM.Embedding.Model, a.cfg.LLM.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	return llm.NewCachedEmbedder(emb, a.cfg.LLM.Embedding.CacheSize)
}

// newKnowledge connects to Weaviate. It returns nil when no knowledge base
// is configured.
func (a *app) newKnowledge() (*knowledge.Weaviate, llm.Embedder, error) {
	if a.cfg.Knowledge.Weaviate == nil {
		return nil, nil, nil
	}
	emb, err := a.newEmbedder()
	if err != nil {
		return nil, nil, err
	}
	kb, err := knowledge.NewWeaviate(*a.cfg.Knowledge.Weaviate, emb, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return kb, emb, nil
}

// newEvaluator builds the configured backend with retries for transient
// failures and panic recovery.
func (a *app) newEvaluator() (evaluator.Evaluator, error) {
	var (
		backend evaluator.Evaluator
		err     error
	)
	switch a.cfg.Evaluator.Backend {
	case config.EvaluatorHTTP:
		hc := *a.cfg.Evaluator.HTTP
		hc.Logger = a.logger
		backend, err = evaluator.NewHTTP(hc)
	default:
		sc := *a.cfg.Evaluator.Subprocess
		sc.Logger = a.logger
		backend, err = evaluator.NewSubprocess(sc)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	return evaluator.Guard(evaluator.Retrying(backend, a.cfg.Retry), a.logger), nil
}

// existingLayout returns the layout of an experiment that has already run.
func (a *app) existingLayout(name string) (experiment.Layout, error) {
	layout := a.cfg.Store.Layout(name)
	info, err := os.Stat(layout.Dir())
	if err != nil || !info.IsDir() {
		return layout, fmt.Errorf("experiment %q not found under %s", name, a.cfg.Store.Root)
	}
	return layout, nil
}
