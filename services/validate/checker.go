// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/QuantumForge/pkg/pyast"
	"github.com/AleutianAI/QuantumForge/services/knowledge"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

// Defaults for Config.
const (
	DefaultModule     = "qml"
	DefaultTopKFactor = 1.5
)

// MsgMissingClass is reported when the code defines no class.
const MsgMissingClass = "Feature map class is not found."

// MsgDuplicateCode is reported when the code repeats the previous attempt.
const MsgDuplicateCode = "Generated code is identical to the previous attempt. Make a different change."

// Config configures a Checker.
type Config struct {
	// Module is the framework alias whose calls are checked, e.g. "qml".
	Module string

	// TopKFactor scales the number of docs chunks retrieved per call name.
	TopKFactor float64

	// DisableDocsCheck skips the retrieval-augmented argument check.
	DisableDocsCheck bool

	Logger *slog.Logger
}

// Checker runs the static checks.
//
// Thread Safety: Safe for concurrent use. Parsers are created per call.
type Checker struct {
	searcher  knowledge.Searcher
	generator llm.Generator
	cfg       Config
	logger    *slog.Logger
}

// NewChecker creates a checker. A nil searcher or generator disables the
// docs check.
func NewChecker(searcher knowledge.Searcher, generator llm.Generator, cfg Config) *Checker {
	if cfg.Module == "" {
		cfg.Module = DefaultModule
	}
	if cfg.TopKFactor <= 0 {
		cfg.TopKFactor = DefaultTopKFactor
	}
	if searcher == nil || generator == nil {
		cfg.DisableDocsCheck = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{searcher: searcher, generator: generator, cfg: cfg, logger: logger}
}

// Check validates code.
//
// Description:
//
//	Runs, in order, stopping at the first stage that finds a problem:
//	1. Syntax check with tree-sitter
//	2. Feature-map class presence
//	3. Same-code check against previous (skipped when previous is empty)
//	4. Docs check: retrieves the docs for every framework name used and
//	   asks the validation model to compare keyword arguments
//
//	A malformed docs-check reply is logged and the stage is skipped.
//
// Inputs:
//
//	ctx - Context for cancellation
//	code - The generated source
//	previous - The previous attempt's source for the same suggestion
//
// Outputs:
//
//	*Result - The check result; never nil when error is nil
//	error - Non-nil only for collaborator failures and cancellation
func (c *Checker) Check(ctx context.Context, code, previous string) (*Result, error) {
	ctx, span := otel.Tracer("qforge.validate").Start(ctx, "validate.Check")
	defer span.End()

	result := &Result{Valid: true}

	f, err := pyast.Parse(ctx, []byte(code))
	if err != nil {
		if errors.Is(err, pyast.ErrInvalidContent) {
			result.add(IssueSyntax, 0, "Syntax error: "+err.Error())
			return result, nil
		}
		return nil, fmt.Errorf("parse code: %w", err)
	}
	defer f.Close()

	if !f.Valid() {
		for _, se := range f.Errors {
			result.add(IssueSyntax, se.Line, "Syntax error: "+se.String())
		}
		span.SetAttributes(attribute.Int("issues", len(result.Issues)))
		return result, nil
	}

	class, ok := featureMapClass(f)
	if !ok {
		result.add(IssueMissingClass, 0, MsgMissingClass)
		return result, nil
	}
	result.ClassName = class.Name

	calls := f.Calls(c.cfg.Module)
	for _, call := range calls {
		result.Calls = append(result.Calls, call.Expr)
	}

	if previous != "" && strings.TrimSpace(previous) == strings.TrimSpace(code) {
		result.add(IssueDuplicateCode, 0, MsgDuplicateCode)
		return result, nil
	}

	if c.cfg.DisableDocsCheck || len(calls) == 0 {
		return result, nil
	}
	if err := c.checkDocs(ctx, f, result); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("class", result.ClassName),
		attribute.Int("calls", len(result.Calls)),
		attribute.Int("issues", len(result.Issues)),
	)
	return result, nil
}

// featureMapClass returns the first class deriving from a *FeatureMap base,
// or the first class when none does.
func featureMapClass(f *pyast.File) (pyast.Class, bool) {
	if len(f.Classes) == 0 {
		return pyast.Class{}, false
	}
	for _, cl := range f.Classes {
		for _, b := range cl.Bases {
			if strings.HasSuffix(b, "FeatureMap") {
				return cl, true
			}
		}
	}
	return f.Classes[0], true
}

// docsCheckReply is the structured reply of the validation model.
type docsCheckReply struct {
	Result []docsCheckItem `json:"result"`
}

type docsCheckItem struct {
	ClassName    string   `json:"class_name"`
	UserArgsName []string `json:"user_args_name"`
	DocsArgsName []string `json:"docs_args_name"`
}

func (c *Checker) checkDocs(ctx context.Context, f *pyast.File, result *Result) error {
	names := f.References(c.cfg.Module)
	topK := int(math.Ceil(c.cfg.TopKFactor * float64(len(names))))

	methods := "- " + strings.Join(result.Calls, "\n- ")
	docs, err := c.searcher.Search(ctx, knowledge.SearchRequest{
		Index:    knowledge.IndexDocs,
		Query:    methods,
		TopK:     topK,
		MatchAny: map[string][]string{knowledge.MetaCallName: names},
	})
	if err != nil {
		return fmt.Errorf("docs search: %w", err)
	}

	reply, err := c.generator.Generate(ctx, llm.RoleValidation, []llm.Message{
		llm.System(docsCheckSystemPrompt),
		llm.User(fmt.Sprintf(docsCheckUserPrompt, methods, knowledge.Render(docs))),
	})
	if err != nil {
		return fmt.Errorf("docs check: %w", err)
	}

	items, err := parseDocsCheck(reply)
	if err != nil {
		c.logger.Warn("docs check reply could not be parsed, skipping", "error", err)
		return nil
	}
	result.DocsChecked = true
	for _, item := range items {
		supported := make(map[string]struct{}, len(item.DocsArgsName))
		for _, a := range item.DocsArgsName {
			supported[a] = struct{}{}
		}
		for _, arg := range item.UserArgsName {
			if _, ok := supported[arg]; ok {
				continue
			}
			result.add(IssueUnsupportedArgument, 0, fmt.Sprintf(
				"%s: Argument '%s' is not supported. Please only use supported arguments: [%s]",
				item.ClassName, arg, quoteJoin(item.DocsArgsName)))
		}
	}
	c.logger.Debug("docs check finished", "names", len(names), "docs", len(docs), "issues", len(result.Issues))
	return nil
}

// parseDocsCheck decodes the reply strictly. Both the {"result": [...]}
// object and a bare array are accepted.
func parseDocsCheck(reply string) ([]docsCheckItem, error) {
	body := strings.TrimSpace(llm.StripCodeFence(reply))
	if body == "" {
		return nil, errors.New("empty reply")
	}

	var items []docsCheckItem
	if strings.HasPrefix(body, "[") {
		if err := strictDecode(body, &items); err != nil {
			return nil, err
		}
	} else {
		var wrapped docsCheckReply
		if err := strictDecode(body, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Result == nil {
			return nil, errors.New("reply has no result field")
		}
		items = wrapped.Result
	}
	for i, it := range items {
		if it.ClassName == "" {
			return nil, fmt.Errorf("result[%d] has no class_name", i)
		}
	}
	return items, nil
}

func strictDecode(body string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode docs check reply: %w", err)
	}
	return nil
}

func quoteJoin(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = "'" + s + "'"
	}
	return strings.Join(q, ", ")
}
