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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }

type fakeIndexer struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (f *fakeIndexer) Upsert(_ context.Context, chunks []Chunk, vectors [][]float32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(chunks) != len(vectors) {
		return 0, io.ErrUnexpectedEOF
	}
	f.chunks = append(f.chunks, chunks...)
	return len(chunks), nil
}

const docsSource = `class RX(Operation):
    """The single qubit X rotation.

    Args:
        phi (float): rotation angle
        wires (Sequence[int] or int): the wire the operation acts on
    """


class _Private:
    pass


class CNOT(Operation):
    """The controlled-NOT operator.

    Args:
        wires (Sequence[int]): the wires the operation acts on
    """
`

func TestParseIndex(t *testing.T) {
	idx, err := ParseIndex("Docs")
	require.NoError(t, err)
	assert.Equal(t, IndexDocs, idx)
	_, err = ParseIndex("blog")
	assert.Error(t, err)
}

func TestChunkID_Deterministic(t *testing.T) {
	a := ChunkID(IndexDocs, "ops.py", "text")
	assert.Equal(t, a, ChunkID(IndexDocs, "ops.py", "text"))
	assert.NotEqual(t, a, ChunkID(IndexPapers, "ops.py", "text"))
	assert.Len(t, a, 36)
}

func TestSplitFile_PythonDocsPerClass(t *testing.T) {
	chunks, err := SplitFile(context.Background(), IngestOptions{Index: IndexDocs}, "ops/qubit.py", []byte(docsSource))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "RX", chunks[0].Metadata[MetaClassName])
	assert.Equal(t, "qml.RX", chunks[0].Metadata[MetaCallName])
	assert.Contains(t, chunks[0].Text, "phi (float)")
	assert.Equal(t, "qml.CNOT", chunks[1].Metadata[MetaCallName])
	assert.Equal(t, "ops/qubit.py", chunks[1].Source)
}

func TestSplitFile_PapersUseSplitter(t *testing.T) {
	text := strings.Repeat("Quantum kernels map data to Hilbert space. ", 80)
	chunks, err := SplitFile(context.Background(), IngestOptions{Index: IndexPapers, ChunkSize: 400, ChunkOverlap: 40}, "kernels-2021.md", []byte(text))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 400)
		assert.Equal(t, "kernels-2021", c.Metadata[MetaTitle])
	}
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ops.py"), []byte(docsSource), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "guide"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guide", "intro.md"), []byte("# Intro\n\nFeature maps encode data."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{1, 2, 3}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "notes.txt"), []byte("ignored"), 0o644))

	emb := &fakeEmbedder{}
	idx := &fakeIndexer{}
	stats, err := Ingest(context.Background(), IngestOptions{Index: IndexDocs, Root: dir, BatchSize: 1, Concurrency: 2}, emb, idx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, 3, stats.Written)
	assert.Equal(t, 3, emb.calls)
	assert.Len(t, idx.chunks, 3)

	sources := map[string]bool{}
	for _, c := range idx.chunks {
		sources[c.Source] = true
	}
	assert.True(t, sources["guide/intro.md"])
	assert.True(t, sources["ops.py"])
}

func TestIngest_MissingRoot(t *testing.T) {
	_, err := Ingest(context.Background(), IngestOptions{Index: IndexDocs, Root: filepath.Join(t.TempDir(), "nope")}, &fakeEmbedder{}, &fakeIndexer{})
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	out := Render([]Chunk{
		{Source: "ops.py", Text: "RX docs", Metadata: map[string]string{MetaClassName: "RX"}},
		{Source: "paper.md", Text: "excerpt", Metadata: map[string]string{MetaTitle: "Kernels"}},
	})
	assert.Contains(t, out, "## Reference 1\nSource: ops.py\nClass Name: RX")
	assert.Contains(t, out, "## Reference 2")
	assert.Contains(t, out, "Title: Kernels")
	assert.Equal(t, "(no references found)", Render(nil))
}

func TestMatchAnyFilter(t *testing.T) {
	assert.Nil(t, matchAnyFilter(nil))
	assert.Nil(t, matchAnyFilter(map[string][]string{MetaCallName: {}}))
	assert.NotNil(t, matchAnyFilter(map[string][]string{MetaCallName: {"qml.RX", "qml.RY"}}))
}

// fakeWeaviate answers the REST and GraphQL endpoints the adapter uses.
type fakeWeaviate struct {
	mu       sync.Mutex
	created  []string
	imported int
	queries  []string
}

func (f *fakeWeaviate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v1/graphql":
		body, _ := io.ReadAll(r.Body)
		f.queries = append(f.queries, string(body))
		_, _ = w.Write([]byte(`{"data":{"Get":{"QForgeDocs":[
			{"chunk_id":"seen","source":"a.py","content":"old","class_name":"RX","call_name":"qml.RX","title":null,"_additional":{"id":"seen","certainty":0.99}},
			{"chunk_id":"c1","source":"a.py","content":"RX docs","class_name":"RX","call_name":"qml.RX","title":null,"_additional":{"id":"c1","certainty":0.9}},
			{"chunk_id":"c2","source":"b.py","content":"RY docs","class_name":"RY","call_name":"qml.RY","title":null,"_additional":{"id":"c2","certainty":0.8}}
		]}}}`))
	case r.URL.Path == "/v1/schema" && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`{"classes":[]}`))
	case r.URL.Path == "/v1/schema" && r.Method == http.MethodPost:
		var class map[string]any
		_ = json.NewDecoder(r.Body).Decode(&class)
		name, _ := class["class"].(string)
		f.created = append(f.created, name)
		_, _ = w.Write([]byte(`{}`))
	case r.URL.Path == "/v1/batch/objects":
		var req struct {
			Objects []map[string]any `json:"objects"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := make([]map[string]any, len(req.Objects))
		for i, o := range req.Objects {
			resp[i] = map[string]any{"id": o["id"], "class": o["class"], "result": map[string]any{"status": "SUCCESS"}}
		}
		f.imported += len(req.Objects)
		_ = json.NewEncoder(w).Encode(resp)
	case strings.HasPrefix(r.URL.Path, "/v1/meta"):
		_, _ = w.Write([]byte(`{"version":"1.25.0"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestWeaviate_Search(t *testing.T) {
	fake := &fakeWeaviate{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w, err := NewWeaviate(WeaviateConfig{URL: srv.URL}, &fakeEmbedder{}, nil)
	require.NoError(t, err)

	chunks, err := w.Search(context.Background(), SearchRequest{
		Index:      IndexDocs,
		Query:      "qml.RX(phi=x, wires=0)",
		TopK:       2,
		MatchAny:   map[string][]string{MetaCallName: {"qml.RX", "qml.RY"}},
		ExcludeIDs: []string{"seen"},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"c1", "c2"}, IDs(chunks))
	assert.Equal(t, "RX", chunks[0].Metadata[MetaClassName])
	assert.InDelta(t, 0.9, chunks[0].Score, 1e-9)
	assert.NotContains(t, chunks[0].Metadata, MetaTitle)

	require.Len(t, fake.queries, 1)
	assert.Contains(t, fake.queries[0], "QForgeDocs")
	assert.Contains(t, fake.queries[0], "nearVector")
	assert.Contains(t, fake.queries[0], "limit")
}

func TestWeaviate_SearchValidation(t *testing.T) {
	w, err := NewWeaviate(WeaviateConfig{URL: "http://localhost:1"}, &fakeEmbedder{}, nil)
	require.NoError(t, err)

	_, err = w.Search(context.Background(), SearchRequest{Index: IndexDocs, TopK: 3})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	chunks, err := w.Search(context.Background(), SearchRequest{Index: IndexDocs, Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = NewWeaviate(WeaviateConfig{URL: "not a url"}, &fakeEmbedder{}, nil)
	assert.Error(t, err)
	_, err = NewWeaviate(WeaviateConfig{URL: "http://x"}, nil, nil)
	assert.Error(t, err)
}

func TestWeaviate_SchemaAndUpsert(t *testing.T) {
	fake := &fakeWeaviate{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w, err := NewWeaviate(WeaviateConfig{URL: srv.URL, ClassPrefix: "Test"}, &fakeEmbedder{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "TestPapers", w.ClassName(IndexPapers))

	require.NoError(t, w.EnsureSchema(context.Background(), IndexDocs, IndexPapers))
	assert.Equal(t, []string{"TestDocs", "TestPapers"}, fake.created)

	chunks := []Chunk{
		{ID: ChunkID(IndexDocs, "a.py", "x"), Index: IndexDocs, Source: "a.py", Text: "x", Metadata: map[string]string{MetaClassName: "RX"}},
		{ID: ChunkID(IndexDocs, "a.py", "y"), Index: IndexDocs, Source: "a.py", Text: "y"},
	}
	n, err := w.Upsert(context.Background(), chunks, [][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, fake.imported)

	_, err = w.Upsert(context.Background(), chunks, [][]float32{{1, 0}})
	assert.Error(t, err)
}
