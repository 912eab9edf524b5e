// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate statically checks generated feature-map code before it
// reaches the evaluator.
package validate

import "strings"

// IssueType classifies a validation issue.
type IssueType string

const (
	IssueSyntax              IssueType = "SYNTAX"
	IssueMissingClass        IssueType = "MISSING_CLASS"
	IssueUnsupportedArgument IssueType = "UNSUPPORTED_ARGUMENT"
	IssueDuplicateCode       IssueType = "DUPLICATE_CODE"
)

// Issue is one blocking problem with the code.
type Issue struct {
	// Type is the issue type.
	Type IssueType `json:"type"`

	// Message is the text fed back to the code generator.
	Message string `json:"message"`

	// Line is the 1-based line, when known.
	Line int `json:"line,omitempty"`
}

// Result is the outcome of a static check.
type Result struct {
	// Valid is true when no issue was found.
	Valid bool `json:"valid"`

	// ClassName is the feature-map class found in the code.
	ClassName string `json:"class_name,omitempty"`

	// Issues lists the blocking problems.
	Issues []Issue `json:"issues,omitempty"`

	// Calls lists the distinct framework call expressions, in source order.
	Calls []string `json:"calls,omitempty"`

	// DocsChecked is false when the docs check was skipped.
	DocsChecked bool `json:"docs_checked"`
}

func (r *Result) add(t IssueType, line int, msg string) {
	r.Issues = append(r.Issues, Issue{Type: t, Line: line, Message: msg})
	r.Valid = false
}

// Diagnostics joins the issue messages, one per line.
func (r *Result) Diagnostics() string {
	msgs := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		msgs[i] = is.Message
	}
	return strings.Join(msgs, "\n")
}
