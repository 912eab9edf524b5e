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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/QuantumForge/services/inspect"
	"github.com/AleutianAI/QuantumForge/services/telemetry"
)

type serveOptions struct {
	name string
	addr string
}

var serveOpts serveOptions

// runServe serves the inspection API until interrupted.
func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	layout, err := a.existingLayout(serveOpts.name)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		_ = tel.Shutdown(flushCtx)
	}()
	httpMetrics, err := telemetry.NewHTTPMetrics(otel.Meter("qforge-inspect"))
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx, layout, true)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	srv, err := inspect.New(inspect.Config{
		Store:          store,
		Summaries:      layout,
		PrimaryMetric:  a.cfg.Experiment.PrimaryMetric,
		MetricsHandler: tel.MetricsHandler(),
		HTTPMetrics:    httpMetrics,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	a.out.Success(fmt.Sprintf("serving %s on %s", serveOpts.name, serveOpts.addr))
	return srv.Run(ctx, serveOpts.addr)
}
