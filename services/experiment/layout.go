// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Layout file names under an experiment directory.
const (
	StateDirName    = "state"
	StateDBName     = "state.db"
	SummaryFileName = "summary.json"
	StopFileName    = "STOP"
)

// Layout resolves paths under <root>/<experiment>/.
type Layout struct {
	Root       string
	Experiment string
}

// Dir is the experiment directory.
func (l Layout) Dir() string { return filepath.Join(l.Root, l.Experiment) }

// StateDir is the badger directory.
func (l Layout) StateDir() string { return filepath.Join(l.Dir(), StateDirName) }

// StateDB is the sqlite file.
func (l Layout) StateDB() string { return filepath.Join(l.Dir(), StateDBName) }

// SummaryPath is the best-results summary file.
func (l Layout) SummaryPath() string { return filepath.Join(l.Dir(), SummaryFileName) }

// StopPath is the cancellation sentinel.
func (l Layout) StopPath() string { return filepath.Join(l.Dir(), StopFileName) }

// TrialDir holds the artifact files of one trial.
func (l Layout) TrialDir(trial int) string {
	return filepath.Join(l.Dir(), fmt.Sprintf("trial_%d", trial))
}

// ArtifactPath is the file for the code artifact at p.
func (l Layout) ArtifactPath(p IndexPath) string {
	name := fmt.Sprintf("feature_map_%d_%d_%d_%d.py", p.Trial, p.Idea, p.Suggestion, p.Round)
	return filepath.Join(l.TrialDir(p.Trial), name)
}

// Ensure creates the experiment directory.
func (l Layout) Ensure() error {
	if l.Root == "" || l.Experiment == "" {
		return errors.New("layout requires root and experiment name")
	}
	if err := os.MkdirAll(l.Dir(), 0750); err != nil {
		return fmt.Errorf("create experiment dir: %w", err)
	}
	return nil
}

// =============================================================================
// LayoutStore
// =============================================================================

// LayoutStore decorates a Store and mirrors every code artifact to its own
// file under the experiment directory.
//
// Description:
//
//	The record is appended first, so a duplicate key never reaches the
//	filesystem. Artifact files are created with O_EXCL; an existing file
//	is reported as ErrDuplicateIndex.
type LayoutStore struct {
	Store
	layout Layout
	logger *slog.Logger
}

// NewLayoutStore wraps inner.
func NewLayoutStore(inner Store, layout Layout, logger *slog.Logger) *LayoutStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LayoutStore{Store: inner, layout: layout, logger: logger}
}

// Layout returns the resolved layout.
func (s *LayoutStore) Layout() Layout { return s.layout }

// Append appends rec to the inner store and writes the artifact file for
// code artifacts.
func (s *LayoutStore) Append(ctx context.Context, rec Record) error {
	if err := s.Store.Append(ctx, rec); err != nil {
		return err
	}
	if rec.Key.Kind != KindCodeArtifact {
		return nil
	}
	path := s.layout.ArtifactPath(rec.Key.Path)
	if err := writeExclusive(path, []byte(rec.Artifact.Source)); err != nil {
		return err
	}
	s.logger.Debug("artifact written", "path", path)
	return nil
}

func writeExclusive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: file %s", ErrDuplicateIndex, path)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteSummary writes summary.json atomically.
func (l Layout) WriteSummary(summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.MkdirAll(l.Dir(), 0750); err != nil {
		return fmt.Errorf("create experiment dir: %w", err)
	}
	tmp, err := os.CreateTemp(l.Dir(), ".summary-*.json")
	if err != nil {
		return fmt.Errorf("create temp summary: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.SummaryPath()); err != nil {
		return fmt.Errorf("rename summary: %w", err)
	}
	return nil
}

// ReadSummary loads summary.json.
func (l Layout) ReadSummary() (Summary, error) {
	data, err := os.ReadFile(l.SummaryPath())
	if errors.Is(err, fs.ErrNotExist) {
		return Summary{}, fmt.Errorf("%w: %s", ErrNotFound, l.SummaryPath())
	}
	if err != nil {
		return Summary{}, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}
