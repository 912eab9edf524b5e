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
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

// DefaultClassPrefix prefixes the Weaviate class of every index.
const DefaultClassPrefix = "QForge"

// ErrEmptyQuery is returned for a search without query text.
var ErrEmptyQuery = errors.New("query cannot be empty")

// WeaviateConfig configures the Weaviate adapter.
type WeaviateConfig struct {
	// URL is the server URL, e.g. "http://localhost:8080".
	URL string `yaml:"url" validate:"required,url"`
	// ClassPrefix namespaces the classes so several projects can share a
	// server.
	ClassPrefix string `yaml:"class_prefix"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"-"`
}

// Weaviate implements Searcher and Indexer over a Weaviate server.
//
// Thread Safety: safe for concurrent use.
type Weaviate struct {
	client   *weaviate.Client
	embedder llm.Embedder
	prefix   string
	logger   *slog.Logger
}

// NewWeaviate connects the adapter. Queries are embedded with embedder.
func NewWeaviate(cfg WeaviateConfig, embedder llm.Embedder, logger *slog.Logger) (*Weaviate, error) {
	if embedder == nil {
		return nil, errors.New("weaviate adapter requires an embedder")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", cfg.URL)
	}
	wc := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if cfg.APIKey != "" {
		wc.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.ClassPrefix
	if prefix == "" {
		prefix = DefaultClassPrefix
	}
	return &Weaviate{client: client, embedder: embedder, prefix: prefix, logger: logger}, nil
}

// ClassName returns the Weaviate class backing index.
func (w *Weaviate) ClassName(index Index) string {
	switch index {
	case IndexDocs:
		return w.prefix + "Docs"
	case IndexPapers:
		return w.prefix + "Papers"
	}
	return w.prefix + string(index)
}

func chunkClass(name string, index Index) *models.Class {
	filterable := new(bool)
	*filterable = true
	field := func(n, desc string) *models.Property {
		return &models.Property{
			Name:            n,
			DataType:        []string{"text"},
			Description:     desc,
			IndexFilterable: filterable,
			Tokenization:    "field",
		}
	}
	return &models.Class{
		Class:       name,
		Description: fmt.Sprintf("Reference chunks for the %s index.", index),
		Vectorizer:  "none",
		Properties: []*models.Property{
			field("chunk_id", "Deterministic chunk identifier."),
			field("source", "The file the chunk came from."),
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			field(MetaClassName, "Documented class name, docs only."),
			field(MetaCallName, "Dotted call name such as qml.RX, docs only."),
			{
				Name:         MetaTitle,
				DataType:     []string{"text"},
				Description:  "Paper title, papers only.",
				Tokenization: "word",
			},
			{
				Name:        "ingested_at",
				DataType:    []string{"int"},
				Description: "Unix milliseconds of ingestion.",
			},
		},
	}
}

// EnsureSchema creates the classes for the given indexes when missing.
func (w *Weaviate) EnsureSchema(ctx context.Context, indexes ...Index) error {
	for _, index := range indexes {
		name := w.ClassName(index)
		exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(name).Do(ctx)
		if err != nil {
			return classifyWeaviate("weaviate schema", err)
		}
		if exists {
			w.logger.Debug("schema already exists", "class", name)
			continue
		}
		w.logger.Info("creating schema", "class", name)
		if err := w.client.Schema().ClassCreator().WithClass(chunkClass(name, index)).Do(ctx); err != nil {
			return classifyWeaviate("weaviate schema", err)
		}
	}
	return nil
}

// Reset deletes the class behind index. A missing class is not an error.
func (w *Weaviate) Reset(ctx context.Context, index Index) error {
	name := w.ClassName(index)
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(name).Do(ctx)
	if err != nil {
		return classifyWeaviate("weaviate reset", err)
	}
	if !exists {
		return nil
	}
	if err := w.client.Schema().ClassDeleter().WithClassName(name).Do(ctx); err != nil {
		return classifyWeaviate("weaviate reset", err)
	}
	return nil
}

type searchHit struct {
	ChunkID    string `json:"chunk_id"`
	Source     string `json:"source"`
	Content    string `json:"content"`
	ClassName  string `json:"class_name"`
	CallName   string `json:"call_name"`
	Title      string `json:"title"`
	Additional struct {
		ID        string  `json:"id"`
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

// Search implements Searcher.
func (w *Weaviate) Search(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.TopK <= 0 {
		return nil, nil
	}
	class := w.ClassName(req.Index)

	ctx, span := otel.Tracer("qforge.knowledge").Start(ctx, "knowledge.Search", trace.WithAttributes(
		attribute.String("index", string(req.Index)),
		attribute.Int("top_k", req.TopK),
	))
	defer span.End()

	vecs, err := w.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, retry.Fatal("knowledge search", fmt.Errorf("embedder returned %d vectors", len(vecs)))
	}

	fields := []graphql.Field{
		{Name: "chunk_id"},
		{Name: "source"},
		{Name: "content"},
		{Name: MetaClassName},
		{Name: MetaCallName},
		{Name: MetaTitle},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	get := w.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vecs[0])).
		WithLimit(req.TopK + len(req.ExcludeIDs))
	if where := matchAnyFilter(req.MatchAny); where != nil {
		get = get.WithWhere(where)
	}

	result, err := get.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, classifyWeaviate("knowledge search", err)
	}
	if len(result.Errors) > 0 {
		return nil, retry.Fatal("knowledge search", fmt.Errorf("graphql: %s", result.Errors[0].Message))
	}

	hits, err := parseHits(result.Data, class)
	if err != nil {
		return nil, retry.Fatal("knowledge search", err)
	}

	excluded := make(map[string]struct{}, len(req.ExcludeIDs))
	for _, id := range req.ExcludeIDs {
		excluded[id] = struct{}{}
	}
	chunks := make([]Chunk, 0, req.TopK)
	for _, h := range hits {
		id := h.ChunkID
		if id == "" {
			id = h.Additional.ID
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		c := Chunk{
			ID:       id,
			Index:    req.Index,
			Source:   h.Source,
			Text:     h.Content,
			Score:    h.Additional.Certainty,
			Metadata: map[string]string{},
		}
		if h.ClassName != "" {
			c.Metadata[MetaClassName] = h.ClassName
		}
		if h.CallName != "" {
			c.Metadata[MetaCallName] = h.CallName
		}
		if h.Title != "" {
			c.Metadata[MetaTitle] = h.Title
		}
		chunks = append(chunks, c)
		if len(chunks) == req.TopK {
			break
		}
	}
	span.SetAttributes(attribute.Int("results", len(chunks)))
	w.logger.Debug("knowledge search", "index", req.Index, "results", len(chunks))
	return chunks, nil
}

// matchAnyFilter ORs an equality filter per (key, value) and ANDs keys.
func matchAnyFilter(matchAny map[string][]string) *filters.WhereBuilder {
	var perKey []*filters.WhereBuilder
	for key, values := range matchAny {
		if len(values) == 0 {
			continue
		}
		ors := make([]*filters.WhereBuilder, 0, len(values))
		for _, v := range values {
			ors = append(ors, filters.Where().
				WithPath([]string{key}).
				WithOperator(filters.Equal).
				WithValueText(v))
		}
		if len(ors) == 1 {
			perKey = append(perKey, ors[0])
			continue
		}
		perKey = append(perKey, filters.Where().WithOperator(filters.Or).WithOperands(ors))
	}
	switch len(perKey) {
	case 0:
		return nil
	case 1:
		return perKey[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(perKey)
}

func parseHits(data map[string]models.JSONObject, class string) ([]searchHit, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var parsed struct {
		Get map[string][]searchHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal graphql data: %w", err)
	}
	return parsed.Get[class], nil
}

// Upsert implements Indexer. Returns the number of objects written.
func (w *Weaviate) Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		props := map[string]interface{}{
			"chunk_id":    c.ID,
			"source":      c.Source,
			"content":     c.Text,
			"ingested_at": now,
		}
		for _, k := range []string{MetaClassName, MetaCallName, MetaTitle} {
			if v := c.Metadata[k]; v != "" {
				props[k] = v
			}
		}
		objects[i] = &models.Object{
			Class:      w.ClassName(c.Index),
			ID:         strfmt.UUID(c.ID),
			Vector:     vectors[i],
			Properties: props,
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, classifyWeaviate("knowledge upsert", err)
	}

	written := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			for _, e := range item.Result.Errors.Error {
				w.logger.Warn("weaviate batch item failed", "id", item.ID, "error", e.Message)
			}
			continue
		}
		written++
	}
	return written, nil
}

// classifyWeaviate maps client errors onto the retry taxonomy.
func classifyWeaviate(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var wErr *fault.WeaviateClientError
	if errors.As(err, &wErr) {
		if wErr.StatusCode > 0 {
			return retry.FromHTTPStatus(op, wErr.StatusCode, err)
		}
		if wErr.DerivedFromError != nil && !retry.IsTransient(wErr.DerivedFromError) {
			return retry.Fatal(op, err)
		}
		return retry.Transient(op, err)
	}
	if retry.IsTransient(err) {
		return retry.Transient(op, err)
	}
	return retry.Fatal(op, err)
}
