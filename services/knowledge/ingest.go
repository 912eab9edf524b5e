// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/QuantumForge/pkg/pyast"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

// Splitter defaults.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = DefaultChunkSize / 10
	DefaultBatchSize    = 64
	DefaultConcurrency  = 4
	// DefaultCallModule is the module qualifier recorded as call_name for
	// classes found in docs sources.
	DefaultCallModule = "qml"
)

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	pythonSeparators   = []string{"\nclass ", "\ndef ", "\n\t", "\n", " "}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// IngestOptions configures Ingest.
type IngestOptions struct {
	Index Index
	// Root is a file or directory. Directories are walked recursively.
	Root string

	ChunkSize    int
	ChunkOverlap int
	// BatchSize is the number of chunks per embedding call and import.
	BatchSize int
	// Concurrency bounds in-flight batches.
	Concurrency int
	CallModule  string
	Logger      *slog.Logger
}

func (o *IngestOptions) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 10
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.CallModule == "" {
		o.CallModule = DefaultCallModule
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// IngestStats summarizes an ingestion.
type IngestStats struct {
	Files   int
	Chunks  int
	Written int
	Skipped []string
}

var ingestExtensions = map[string]bool{
	".py": true, ".md": true, ".rst": true, ".txt": true,
}

// ChunkID derives a stable ID from the chunk content so re-ingesting the
// same material overwrites instead of duplicating.
func ChunkID(index Index, source, text string) string {
	sum := sha256.Sum256([]byte(string(index) + "\x00" + source + "\x00" + text))
	id, _ := uuid.FromBytes(sum[:16])
	return id.String()
}

// Ingest splits every supported file under opts.Root, embeds the chunks in
// concurrent batches and writes them to idx.
func Ingest(ctx context.Context, opts IngestOptions, embedder llm.Embedder, idx Indexer) (IngestStats, error) {
	opts.applyDefaults()
	var stats IngestStats

	files, err := collectFiles(opts.Root)
	if err != nil {
		return stats, err
	}

	var chunks []Chunk
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return stats, fmt.Errorf("read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(opts.Root, path)
		if rel == "" || rel == "." {
			rel = filepath.Base(path)
		}
		rel = filepath.ToSlash(rel)

		fileChunks, err := SplitFile(ctx, opts, rel, content)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stats, err
			}
			opts.Logger.Warn("skipping file", "path", rel, "error", err)
			stats.Skipped = append(stats.Skipped, rel)
			continue
		}
		stats.Files++
		chunks = append(chunks, fileChunks...)
	}
	stats.Chunks = len(chunks)
	opts.Logger.Info("split reference material", "index", opts.Index, "files", stats.Files, "chunks", stats.Chunks)

	written := make([]int, (len(chunks)+opts.BatchSize-1)/opts.BatchSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for b := 0; b*opts.BatchSize < len(chunks); b++ {
		start := b * opts.BatchSize
		end := min(start+opts.BatchSize, len(chunks))
		batch := chunks[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}
			vecs, err := embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed batch %d: %w", b, err)
			}
			n, err := idx.Upsert(gctx, batch, vecs)
			if err != nil {
				return fmt.Errorf("import batch %d: %w", b, err)
			}
			written[b] = n
			opts.Logger.Debug("imported batch", "batch", b, "chunks", len(batch), "written", n)
			return nil
		})
	}
	err = g.Wait()
	for _, n := range written {
		stats.Written += n
	}
	return stats, err
}

func collectFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ingestExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// SplitFile chunks one file. Python sources in the docs index are split per
// top-level class, keeping the class and call names as metadata; everything
// else goes through a recursive character splitter chosen by extension.
func SplitFile(ctx context.Context, opts IngestOptions, source string, content []byte) ([]Chunk, error) {
	opts.applyDefaults()
	ext := strings.ToLower(filepath.Ext(source))

	if opts.Index == IndexDocs && ext == ".py" {
		chunks, err := splitPythonClasses(ctx, opts, source, content)
		if err != nil || len(chunks) > 0 {
			return chunks, err
		}
	}

	texts, err := splitterFor(ext, opts).SplitText(string(content))
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", source, err)
	}
	title := ""
	if opts.Index == IndexPapers {
		title = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	out := make([]Chunk, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		c := Chunk{
			ID:       ChunkID(opts.Index, source, t),
			Index:    opts.Index,
			Source:   source,
			Text:     t,
			Metadata: map[string]string{},
		}
		if title != "" {
			c.Metadata[MetaTitle] = title
		}
		out = append(out, c)
	}
	return out, nil
}

func splitPythonClasses(ctx context.Context, opts IngestOptions, source string, content []byte) ([]Chunk, error) {
	f, err := pyast.Parse(ctx, content)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make([]Chunk, 0, len(f.Classes))
	for _, c := range f.Classes {
		if strings.HasPrefix(c.Name, "_") {
			continue
		}
		text := c.Docstring
		if text == "" {
			text = c.Source
		}
		out = append(out, Chunk{
			ID:     ChunkID(opts.Index, source, c.Name+"\x00"+text),
			Index:  opts.Index,
			Source: source,
			Text:   text,
			Metadata: map[string]string{
				MetaClassName: c.Name,
				MetaCallName:  opts.CallModule + "." + c.Name,
			},
		})
	}
	return out, nil
}

func splitterFor(ext string, opts IngestOptions) textsplitter.TextSplitter {
	seps := defaultSeparators
	switch ext {
	case ".py":
		seps = pythonSeparators
	case ".md", ".rst":
		seps = markdownSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.ChunkSize),
		textsplitter.WithChunkOverlap(opts.ChunkOverlap),
		textsplitter.WithSeparators(seps),
	)
}
