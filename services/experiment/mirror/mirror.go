// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mirror copies an experiment directory to object storage.
package mirror

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Uploader writes one object.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
}

// Options controls a mirror run.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string

	// Skip lists base names that are not uploaded, e.g. the STOP sentinel.
	Skip []string

	Logger *slog.Logger
}

// Result counts what was uploaded.
type Result struct {
	Files int
	Bytes int64
}

// Dir uploads every regular file under dir. Object keys are the file's
// slash-separated path relative to dir, under opts.Prefix.
func Dir(ctx context.Context, dir string, up Uploader, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	skip := make(map[string]bool, len(opts.Skip))
	for _, s := range opts.Skip {
		skip[s] = true
	}

	var res Result
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || skip[d.Name()] {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := ObjectKey(opts.Prefix, rel)

		n, err := uploadFile(ctx, up, p, key)
		if err != nil {
			return err
		}
		res.Files++
		res.Bytes += n
		logger.Debug("mirrored file", "path", p, "key", key)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("mirror %s: %w", dir, err)
	}
	logger.Info("mirror complete", "dir", dir, "files", res.Files, "bytes", res.Bytes)
	return res, nil
}

// ObjectKey joins prefix and a relative OS path into an object key.
func ObjectKey(prefix, rel string) string {
	key := filepath.ToSlash(rel)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func uploadFile(ctx context.Context, up Uploader, p, key string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", p, err)
	}
	if err := up.Upload(ctx, key, f, info.Size()); err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return info.Size(), nil
}
