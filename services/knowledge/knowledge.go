// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge retrieves reference material for generation and
// validation: quantum framework docs split per class, and paper excerpts.
//
// # Description
//
// Searcher is the capability the orchestrator and validator consume. The
// Weaviate adapter implements it over a vector index that holds embeddings
// computed by an llm.Embedder. Ingest fills that index.
package knowledge

import (
	"context"
	"fmt"
	"strings"
)

// Index names a collection of chunks.
type Index string

const (
	// IndexDocs holds framework docs, one chunk per class.
	IndexDocs Index = "docs"
	// IndexPapers holds paper excerpts.
	IndexPapers Index = "papers"
)

// ParseIndex returns the index named s.
func ParseIndex(s string) (Index, error) {
	switch Index(strings.ToLower(s)) {
	case IndexDocs:
		return IndexDocs, nil
	case IndexPapers:
		return IndexPapers, nil
	}
	return "", fmt.Errorf("unknown knowledge index %q", s)
}

// Metadata keys set by ingestion.
const (
	MetaClassName = "class_name"
	MetaCallName  = "call_name"
	MetaTitle     = "title"
)

// Chunk is one retrievable piece of reference text.
type Chunk struct {
	ID       string            `json:"id"`
	Index    Index             `json:"index"`
	Source   string            `json:"source"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Score is the similarity in [0,1]; zero for chunks that were not
	// returned by a search.
	Score float64 `json:"score,omitempty"`
}

// SearchRequest is a top-k semantic query.
type SearchRequest struct {
	Index Index
	Query string
	TopK  int
	// MatchAny keeps only chunks whose metadata value for a key is one of
	// the listed values.
	MatchAny map[string][]string
	// ExcludeIDs drops chunks already seen.
	ExcludeIDs []string
}

// Searcher returns the chunks most relevant to a query, best first.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Chunk, error)
}

// Indexer stores embedded chunks. Writing a chunk whose ID exists replaces
// it, so ingestion can be repeated.
type Indexer interface {
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) (int, error)
}

// IDs returns the chunk IDs in order.
func IDs(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

// Render formats chunks as numbered references for a prompt.
func Render(chunks []Chunk) string {
	if len(chunks) == 0 {
		return "(no references found)"
	}
	var sb strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&sb, "## Reference %d\n", i+1)
		if c.Source != "" {
			fmt.Fprintf(&sb, "Source: %s\n", c.Source)
		}
		if name := c.Metadata[MetaClassName]; name != "" {
			fmt.Fprintf(&sb, "Class Name: %s\n", name)
		}
		if title := c.Metadata[MetaTitle]; title != "" {
			fmt.Fprintf(&sb, "Title: %s\n", title)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(c.Text))
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
