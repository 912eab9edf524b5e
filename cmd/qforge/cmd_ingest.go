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

	"github.com/AleutianAI/QuantumForge/services/knowledge"
)

type ingestOptions struct {
	kind  string
	path  string
	reset bool
}

var ingestOpts ingestOptions

// runIngest chunks, embeds and upserts a file tree into one index.
func runIngest(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	index, err := knowledge.ParseIndex(ingestOpts.kind)
	if err != nil {
		return err
	}
	kb, emb, err := a.newKnowledge()
	if err != nil {
		return err
	}
	if kb == nil {
		return errors.New("knowledge.weaviate is not configured")
	}

	ctx := cmd.Context()
	if ingestOpts.reset {
		if err := kb.Reset(ctx, index); err != nil {
			return fmt.Errorf("reset %s: %w", index, err)
		}
		a.out.Warning(fmt.Sprintf("dropped index %s", index))
	}
	if err := kb.EnsureSchema(ctx, index); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	k := a.cfg.Knowledge
	var stats knowledge.IngestStats
	spin := a.out.Spinner(fmt.Sprintf("ingesting %s into %s", ingestOpts.path, index))
	err = spin.Run(func() error {
		var ierr error
		stats, ierr = knowledge.Ingest(ctx, knowledge.IngestOptions{
			Index:        index,
			Root:         ingestOpts.path,
			ChunkSize:    k.ChunkSize,
			ChunkOverlap: k.ChunkOverlap,
			BatchSize:    k.BatchSize,
			Concurrency:  k.Concurrency,
			CallModule:   k.Module,
			Logger:       a.logger,
		}, emb, kb)
		return ierr
	})
	if err != nil {
		return fmt.Errorf("ingest %s: %w", ingestOpts.path, err)
	}

	a.out.KeyValue([][2]string{
		{"files", fmt.Sprint(stats.Files)},
		{"chunks", fmt.Sprint(stats.Chunks)},
		{"written", fmt.Sprint(stats.Written)},
		{"skipped", fmt.Sprint(stats.Skipped)},
	})
	return nil
}
