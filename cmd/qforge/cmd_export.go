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
	"path"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/QuantumForge/cmd/qforge/config"
	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/experiment/mirror"
)

// Export targets.
const (
	targetGCS = "gcs"
	targetS3  = "s3"
)

// badgerLockFile is held by a live badger store and never mirrored.
const badgerLockFile = "LOCK"

type exportOptions struct {
	name   string
	target string
	prefix string
}

var exportOpts exportOptions

// exportTarget picks the explicit target or the only configured one.
func exportTarget(cfg config.ExportConfig, target string) (string, error) {
	switch target {
	case targetGCS:
		if cfg.GCS == nil {
			return "", errors.New("export.gcs is not configured")
		}
		return target, nil
	case targetS3:
		if cfg.S3 == nil {
			return "", errors.New("export.s3 is not configured")
		}
		return target, nil
	case "":
		switch {
		case cfg.GCS != nil && cfg.S3 != nil:
			return "", errors.New("both export targets are configured, pick one with --target")
		case cfg.GCS != nil:
			return targetGCS, nil
		case cfg.S3 != nil:
			return targetS3, nil
		}
		return "", errors.New("no export target configured")
	}
	return "", fmt.Errorf("unknown export target %q", target)
}

// exportPrefix returns the key prefix for an experiment.
func exportPrefix(cfg config.ExportConfig, flagPrefix, name string) string {
	if flagPrefix != "" {
		return flagPrefix
	}
	return path.Join(cfg.Prefix, name)
}

func newUploader(ctx context.Context, cfg config.ExportConfig, target string) (mirror.Uploader, func(), error) {
	if target == targetGCS {
		g, err := mirror.NewGCS(ctx, *cfg.GCS)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { _ = g.Close() }, nil
	}
	s, err := mirror.NewS3(*cfg.S3)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

// runExport mirrors the experiment directory to object storage.
func runExport(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	layout, err := a.existingLayout(exportOpts.name)
	if err != nil {
		return err
	}
	target, err := exportTarget(a.cfg.Export, exportOpts.target)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	up, closeUp, err := newUploader(ctx, a.cfg.Export, target)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer closeUp()

	prefix := exportPrefix(a.cfg.Export, exportOpts.prefix, exportOpts.name)
	res, err := mirror.Dir(ctx, layout.Dir(), up, mirror.Options{
		Prefix: prefix,
		Skip:   []string{experiment.StopFileName, badgerLockFile},
		Logger: a.logger,
	})
	if err != nil {
		return err
	}
	a.out.Success(fmt.Sprintf("exported %d files (%d bytes) to %s:%s", res.Files, res.Bytes, target, prefix))
	return nil
}
