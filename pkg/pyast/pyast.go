// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pyast extracts the parts of Python source that feature-map
// validation and knowledge ingestion need: syntax errors, top-level classes,
// and references to a module such as qml.
//
// # Description
//
// Parsing uses tree-sitter's Python grammar. Each call to Parse creates its
// own parser, so the package is safe for concurrent use.
package pyast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// ErrInvalidContent is returned for source that is not UTF-8.
var ErrInvalidContent = errors.New("invalid content")

// maxErrors bounds the syntax errors collected from malformed input.
const maxErrors = 50

// SyntaxError is one ERROR or MISSING node.
type SyntaxError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func (e SyntaxError) String() string {
	return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Column, e.Message)
}

// Class is a top-level class definition.
type Class struct {
	Name      string   `json:"name"`
	Bases     []string `json:"bases,omitempty"`
	Docstring string   `json:"docstring,omitempty"`
	Source    string   `json:"source"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
}

// Call is a call expression on a module attribute, e.g. qml.RX(phi, wires=0).
type Call struct {
	// Name is the dotted callee, e.g. "qml.RX".
	Name string `json:"name"`
	// Expr is the full call expression text.
	Expr string `json:"expr"`
	Line int    `json:"line"`
}

// File is the parsed view of one Python source.
type File struct {
	Errors  []SyntaxError
	Classes []Class

	src  []byte
	root *sitter.Node
	tree *sitter.Tree
}

// Parse parses src. Syntax errors are reported in File.Errors, not as an
// error; the returned error is for cancellation and invalid input only.
// Call Close when done.
func Parse(ctx context.Context, src []byte) (*File, error) {
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		tree.Close()
		return nil, err
	}

	f := &File{src: src, tree: tree, root: tree.RootNode()}
	if f.root == nil {
		tree.Close()
		return nil, errors.New("tree-sitter returned nil root node")
	}
	if f.root.HasError() {
		collectErrors(f.root, src, &f.Errors, 0)
		if len(f.Errors) == 0 {
			f.Errors = append(f.Errors, SyntaxError{Line: 1, Message: "source contains syntax errors"})
		}
	}
	f.Classes = extractClasses(f.root, src)
	return f, nil
}

// Close releases the syntax tree.
func (f *File) Close() {
	if f.tree != nil {
		f.tree.Close()
		f.tree = nil
	}
}

// Valid reports whether the source parsed without errors.
func (f *File) Valid() bool { return len(f.Errors) == 0 }

// Class returns the class named name.
func (f *File) Class(name string) (Class, bool) {
	for _, c := range f.Classes {
		if c.Name == name {
			return c, true
		}
	}
	return Class{}, false
}

// References returns the sorted, distinct dotted names "module.attr" that
// appear anywhere in the file, called or not.
func (f *File) References(module string) []string {
	seen := make(map[string]struct{})
	walk(f.root, 0, func(n *sitter.Node) {
		if name, ok := moduleAttribute(n, f.src, module); ok {
			seen[name] = struct{}{}
		}
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Calls returns the distinct call expressions on module attributes in
// source order.
func (f *File) Calls(module string) []Call {
	var out []Call
	seen := make(map[string]struct{})
	walk(f.root, 0, func(n *sitter.Node) {
		if n.Type() != "call" {
			return
		}
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return
		}
		name, ok := moduleAttribute(fn, f.src, module)
		if !ok {
			return
		}
		expr := n.Content(f.src)
		if _, dup := seen[expr]; dup {
			return
		}
		seen[expr] = struct{}{}
		out = append(out, Call{Name: name, Expr: expr, Line: int(n.StartPoint().Row) + 1})
	})
	return out
}

// moduleAttribute matches "module.attr" where module is a bare identifier.
func moduleAttribute(n *sitter.Node, src []byte, module string) (string, bool) {
	if n.Type() != "attribute" {
		return "", false
	}
	obj := n.ChildByFieldName("object")
	attr := n.ChildByFieldName("attribute")
	if obj == nil || attr == nil || obj.Type() != "identifier" {
		return "", false
	}
	if obj.Content(src) != module {
		return "", false
	}
	return module + "." + attr.Content(src), true
}

func walk(n *sitter.Node, depth int, fn func(*sitter.Node)) {
	if n == nil || depth > 1000 {
		return
	}
	fn(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), depth+1, fn)
	}
}

// =============================================================================
// Classes
// =============================================================================

func extractClasses(root *sitter.Node, src []byte) []Class {
	var out []Class
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "class_definition":
			if c, ok := buildClass(child, child, src); ok {
				out = append(out, c)
			}
		case "decorated_definition":
			def := child.ChildByFieldName("definition")
			if def != nil && def.Type() == "class_definition" {
				if c, ok := buildClass(def, child, src); ok {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// buildClass reads def; outer spans decorators when present.
func buildClass(def, outer *sitter.Node, src []byte) (Class, bool) {
	nameNode := def.ChildByFieldName("name")
	if nameNode == nil {
		return Class{}, false
	}
	c := Class{
		Name:      nameNode.Content(src),
		Source:    outer.Content(src),
		StartLine: int(outer.StartPoint().Row) + 1,
		EndLine:   int(outer.EndPoint().Row) + 1,
	}
	if supers := def.ChildByFieldName("superclasses"); supers != nil {
		for j := 0; j < int(supers.NamedChildCount()); j++ {
			arg := supers.NamedChild(j)
			if arg.Type() == "identifier" || arg.Type() == "attribute" {
				c.Bases = append(c.Bases, arg.Content(src))
			}
		}
	}
	if body := def.ChildByFieldName("body"); body != nil {
		c.Docstring = docstring(body, src)
	}
	return c, true
}

func docstring(block *sitter.Node, src []byte) string {
	if block.NamedChildCount() == 0 {
		return ""
	}
	first := block.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	raw := str.Content(src)
	raw = strings.TrimLeft(raw, "rRuUbBfF")
	for _, q := range []string{`"""`, "'''", `"`, "'"} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2*len(q) {
			return strings.TrimSpace(raw[len(q) : len(raw)-len(q)])
		}
	}
	return strings.TrimSpace(raw)
}

// =============================================================================
// Syntax errors
// =============================================================================

func collectErrors(node *sitter.Node, src []byte, errs *[]SyntaxError, depth int) {
	if node == nil || depth > 1000 || len(*errs) >= maxErrors {
		return
	}

	if node.IsError() || node.IsMissing() {
		start := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		} else {
			begin, end := node.StartByte(), node.EndByte()
			if end > uint32(len(src)) {
				end = uint32(len(src))
			}
			if end > begin && end-begin < 100 {
				msg = fmt.Sprintf("unexpected %q", truncate(string(src[begin:end]), 50))
			}
		}
		*errs = append(*errs, SyntaxError{
			Line:    int(start.Row) + 1,
			Column:  int(start.Column),
			Message: msg,
		})
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		collectErrors(node.Child(i), src, errs, depth+1)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
