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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

type inspectOptions struct {
	name  string
	trial int
	kind  string
}

var inspectOpts inspectOptions

// runInspect prints the stored records of an experiment and its summary.
func runInspect(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	layout, err := a.existingLayout(inspectOpts.name)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := a.openStore(ctx, layout, true)
	if err != nil {
		return fmt.Errorf("open store (is a run still holding it?): %w", err)
	}
	defer store.Close()

	records, err := selectRecords(cmd, store, inspectOpts)
	if err != nil {
		return err
	}
	a.out.Title(fmt.Sprintf("experiment %s", inspectOpts.name))
	printRecords(a.out, records)

	summary, err := layout.ReadSummary()
	switch {
	case err == nil:
		printSummary(a.out, summary)
	case errors.Is(err, experiment.ErrNotFound):
		return printBestPerTrial(cmd, a, store)
	default:
		return err
	}
	return nil
}

// selectRecords applies the --trial and --kind filters.
func selectRecords(cmd *cobra.Command, store experiment.Store, opts inspectOptions) ([]experiment.Record, error) {
	ctx := cmd.Context()
	var (
		records []experiment.Record
		err     error
	)
	if opts.trial >= 0 {
		records, err = experiment.HistoryForTrial(ctx, store, opts.trial)
	} else {
		records, err = experiment.AllRecords(ctx, store)
	}
	if err != nil {
		return nil, err
	}
	if opts.kind != "" {
		kind, err := experiment.ParseKind(opts.kind)
		if err != nil {
			return nil, err
		}
		records = experiment.Filter(records, kind)
	}
	return records, nil
}

// printBestPerTrial is the fallback for runs that died before writing a
// summary.
func printBestPerTrial(cmd *cobra.Command, a *app, store experiment.Store) error {
	ctx := cmd.Context()
	all, err := experiment.AllRecords(ctx, store)
	if err != nil {
		return err
	}
	metric := a.cfg.Experiment.PrimaryMetric
	rows := make([][]string, 0)
	for _, t := range experiment.TrialIndices(all) {
		best, ok, err := experiment.BestResult(ctx, store, t, metric)
		if err != nil {
			return err
		}
		if !ok {
			rows = append(rows, []string{fmt.Sprint(t), "-", "-"})
			continue
		}
		v, _ := best.Evaluation.Value(metric)
		rows = append(rows, []string{fmt.Sprint(t), best.Key.Path.String(), fmt.Sprintf("%.4f", v)})
	}
	a.out.Warning("no summary.json, computed from records")
	a.out.Table([]string{"TRIAL", "BEST", metric}, rows)
	return nil
}
