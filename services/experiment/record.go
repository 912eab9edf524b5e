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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// IndexPath
// =============================================================================

// IndexPath is the stable identity of a node in the trial tree.
//
// Levels that do not apply are Unset (-1). A path is well-formed when every
// set level precedes every unset level: (0, 1, -1, -1) is valid,
// (0, -1, 2, -1) is not.
type IndexPath struct {
	Trial      int `json:"trial"`
	Idea       int `json:"idea"`
	Suggestion int `json:"suggestion"`
	Round      int `json:"round"`
}

// TrialPath addresses a trial.
func TrialPath(trial int) IndexPath {
	return IndexPath{Trial: trial, Idea: Unset, Suggestion: Unset, Round: Unset}
}

// IdeaPath addresses an idea within a trial.
func IdeaPath(trial, idea int) IndexPath {
	return IndexPath{Trial: trial, Idea: idea, Suggestion: Unset, Round: Unset}
}

// SuggestionPath addresses a suggestion within an idea.
func SuggestionPath(trial, idea, suggestion int) IndexPath {
	return IndexPath{Trial: trial, Idea: idea, Suggestion: suggestion, Round: Unset}
}

// RoundPath addresses one code attempt or reflection round of a suggestion.
func RoundPath(trial, idea, suggestion, round int) IndexPath {
	return IndexPath{Trial: trial, Idea: idea, Suggestion: suggestion, Round: round}
}

func (p IndexPath) levels() [4]int {
	return [4]int{p.Trial, p.Idea, p.Suggestion, p.Round}
}

// Depth returns the number of set levels (1 for a trial path, 4 for a round
// path).
func (p IndexPath) Depth() int {
	d := 0
	for _, v := range p.levels() {
		if v == Unset {
			break
		}
		d++
	}
	return d
}

// WellFormed reports whether set levels are contiguous from the trial down
// and no level is below Unset.
func (p IndexPath) WellFormed() bool {
	seenUnset := false
	for _, v := range p.levels() {
		switch {
		case v < Unset:
			return false
		case v == Unset:
			seenUnset = true
		case seenUnset:
			return false
		}
	}
	return p.Trial != Unset
}

// Compare orders paths lexicographically with Unset before 0.
func (p IndexPath) Compare(q IndexPath) int {
	a, b := p.levels(), q.levels()
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// HasPrefix reports whether p lies under prefix. Unset levels of prefix
// match anything.
func (p IndexPath) HasPrefix(prefix IndexPath) bool {
	a, b := p.levels(), prefix.levels()
	for i := range b {
		if b[i] == Unset {
			return true
		}
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p IndexPath) String() string {
	parts := make([]string, 0, 4)
	for i, v := range p.levels() {
		if v == Unset {
			break
		}
		parts = append(parts, string("tisr"[i])+strconv.Itoa(v))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "/")
}

// Ptr returns a pointer to a copy of p.
func (p IndexPath) Ptr() *IndexPath { return &p }

// =============================================================================
// RecordKind
// =============================================================================

// RecordKind scopes an index path. Several kinds may share one path.
type RecordKind string

const (
	KindReview            RecordKind = "review"
	KindIdea              RecordKind = "idea"
	KindIdeaAssessment    RecordKind = "idea_assessment"
	KindSuggestion        RecordKind = "suggestion"
	KindCodeArtifact      RecordKind = "code_artifact"
	KindEvaluation        RecordKind = "evaluation"
	KindReflection        RecordKind = "reflection"
	KindSuggestionOutcome RecordKind = "suggestion_outcome"
	KindIdeaScore         RecordKind = "idea_score"
	KindTrial             RecordKind = "trial"
)

// kindShapes fixes the ordinal (sort order within a path) and the path depth of
// each kind.
var kindShapes = map[RecordKind]struct {
	ordinal int
	depth   int
}{
	KindReview:            {0, 1},
	KindTrial:             {9, 1},
	KindIdea:              {1, 2},
	KindIdeaAssessment:    {2, 2},
	KindIdeaScore:         {8, 2},
	KindSuggestion:        {3, 3},
	KindSuggestionOutcome: {7, 3},
	KindCodeArtifact:      {4, 4},
	KindEvaluation:        {5, 4},
	KindReflection:        {6, 4},
}

// Ordinal returns the sort position of the kind within one index path.
func (k RecordKind) Ordinal() int {
	if s, ok := kindShapes[k]; ok {
		return s.ordinal
	}
	return 99
}

// Valid reports whether k is a known kind.
func (k RecordKind) Valid() bool {
	_, ok := kindShapes[k]
	return ok
}

// ParseKind returns the kind named s.
func ParseKind(s string) (RecordKind, error) {
	k := RecordKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, s)
	}
	return k, nil
}

// =============================================================================
// RecordKey
// =============================================================================

// RecordKey is the append-only identity of a record.
type RecordKey struct {
	Path IndexPath  `json:"path"`
	Kind RecordKind `json:"kind"`
}

func (k RecordKey) String() string {
	return k.Path.String() + "#" + string(k.Kind)
}

// Compare orders keys by path, then by kind ordinal.
func (k RecordKey) Compare(o RecordKey) int {
	if c := k.Path.Compare(o.Path); c != 0 {
		return c
	}
	a, b := k.Kind.Ordinal(), o.Kind.Ordinal()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

const keyPrefix = "rec/"

// encodeLevel shifts by one so that Unset sorts before 0 in byte order.
func encodeLevel(v int) string {
	return fmt.Sprintf("%08d", v+1)
}

// Encode returns the byte key used by ordered key-value backends. Byte order
// equals Compare order.
func (k RecordKey) Encode() []byte {
	var sb strings.Builder
	sb.WriteString(keyPrefix)
	for _, v := range k.Path.levels() {
		sb.WriteString(encodeLevel(v))
		sb.WriteByte('/')
	}
	sb.WriteString(fmt.Sprintf("%02d", k.Kind.Ordinal()))
	sb.WriteByte(':')
	sb.WriteString(string(k.Kind))
	return []byte(sb.String())
}

// EncodePrefix returns the byte prefix covering every key under prefix.
// Levels are consumed until the first Unset.
func EncodePrefix(prefix IndexPath) []byte {
	var sb strings.Builder
	sb.WriteString(keyPrefix)
	for _, v := range prefix.levels() {
		if v == Unset {
			break
		}
		sb.WriteString(encodeLevel(v))
		sb.WriteByte('/')
	}
	return []byte(sb.String())
}

// =============================================================================
// Record
// =============================================================================

// Record is one append-only entry. Exactly one payload pointer is set, the
// one matching Key.Kind.
type Record struct {
	Key       RecordKey `json:"key"`
	CreatedAt time.Time `json:"created_at"`

	Review     *Review            `json:"review,omitempty"`
	Idea       *Idea              `json:"idea,omitempty"`
	Assessment *IdeaAssessment    `json:"assessment,omitempty"`
	Suggestion *Suggestion        `json:"suggestion,omitempty"`
	Artifact   *CodeArtifact      `json:"artifact,omitempty"`
	Evaluation *EvaluationResult  `json:"evaluation,omitempty"`
	Reflection *Reflection        `json:"reflection,omitempty"`
	Outcome    *SuggestionOutcome `json:"outcome,omitempty"`
	IdeaScore  *IdeaScore         `json:"idea_score,omitempty"`
	Trial      *Trial             `json:"trial,omitempty"`
}

// NewRecord builds a record for payload at path. The kind is derived from
// the payload type.
func NewRecord(path IndexPath, payload any) (Record, error) {
	r := Record{Key: RecordKey{Path: path}, CreatedAt: time.Now().UTC()}
	switch p := payload.(type) {
	case *Review:
		r.Key.Kind, r.Review = KindReview, p
	case *Idea:
		r.Key.Kind, r.Idea = KindIdea, p
	case *IdeaAssessment:
		r.Key.Kind, r.Assessment = KindIdeaAssessment, p
	case *Suggestion:
		r.Key.Kind, r.Suggestion = KindSuggestion, p
	case *CodeArtifact:
		r.Key.Kind, r.Artifact = KindCodeArtifact, p
	case *EvaluationResult:
		r.Key.Kind, r.Evaluation = KindEvaluation, p
	case *Reflection:
		r.Key.Kind, r.Reflection = KindReflection, p
	case *SuggestionOutcome:
		r.Key.Kind, r.Outcome = KindSuggestionOutcome, p
	case *IdeaScore:
		r.Key.Kind, r.IdeaScore = KindIdeaScore, p
	case *Trial:
		r.Key.Kind, r.Trial = KindTrial, p
	default:
		return Record{}, fmt.Errorf("%w: unsupported payload %T", ErrInvalidRecord, payload)
	}
	return r, r.Validate()
}

// MustRecord is NewRecord for payloads known to be valid. It panics on error.
func MustRecord(path IndexPath, payload any) Record {
	r, err := NewRecord(path, payload)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Record) payloadCount() int {
	n := 0
	for _, set := range []bool{
		r.Review != nil, r.Idea != nil, r.Assessment != nil, r.Suggestion != nil,
		r.Artifact != nil, r.Evaluation != nil, r.Reflection != nil,
		r.Outcome != nil, r.IdeaScore != nil, r.Trial != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (r Record) payloadMatchesKind() bool {
	switch r.Key.Kind {
	case KindReview:
		return r.Review != nil
	case KindIdea:
		return r.Idea != nil
	case KindIdeaAssessment:
		return r.Assessment != nil
	case KindSuggestion:
		return r.Suggestion != nil
	case KindCodeArtifact:
		return r.Artifact != nil
	case KindEvaluation:
		return r.Evaluation != nil
	case KindReflection:
		return r.Reflection != nil
	case KindSuggestionOutcome:
		return r.Outcome != nil
	case KindIdeaScore:
		return r.IdeaScore != nil
	case KindTrial:
		return r.Trial != nil
	}
	return false
}

// Validate checks the record's shape.
//
// Description:
//
//	The kind must be known, the path well-formed with the depth the kind
//	requires, and exactly one payload set, matching the kind. Code
//	artifacts carry diagnostics iff they are invalid.
func (r Record) Validate() error {
	shape, ok := kindShapes[r.Key.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Key.Kind)
	}
	if !r.Key.Path.WellFormed() {
		return fmt.Errorf("%w: malformed path %s", ErrInvalidRecord, r.Key.Path)
	}
	if d := r.Key.Path.Depth(); d != shape.depth {
		return fmt.Errorf("%w: kind %s requires depth %d, path %s has %d",
			ErrInvalidRecord, r.Key.Kind, shape.depth, r.Key.Path, d)
	}
	if r.payloadCount() != 1 || !r.payloadMatchesKind() {
		return fmt.Errorf("%w: payload does not match kind %s", ErrInvalidRecord, r.Key.Kind)
	}
	if a := r.Artifact; a != nil {
		if (a.Status == ValidationInvalid) != (a.Diagnostics != "") {
			return fmt.Errorf("%w: diagnostics must be present iff artifact is invalid", ErrInvalidRecord)
		}
		if a.Attempt != r.Key.Path.Round {
			return fmt.Errorf("%w: artifact attempt %d does not match round %d",
				ErrInvalidRecord, a.Attempt, r.Key.Path.Round)
		}
	}
	if rf := r.Reflection; rf != nil && rf.Round != r.Key.Path.Round {
		return fmt.Errorf("%w: reflection round %d does not match path round %d",
			ErrInvalidRecord, rf.Round, r.Key.Path.Round)
	}
	return nil
}

// =============================================================================
// Selection
// =============================================================================

// SelectBest returns the evaluation record with the highest value for
// metric. Ties go to the earliest key. Records are expected in key order;
// the function does not rely on it.
func SelectBest(records []Record, metric string) (Record, bool) {
	var (
		best      Record
		bestValue float64
		found     bool
	)
	for _, r := range records {
		if r.Key.Kind != KindEvaluation {
			continue
		}
		v, ok := r.Evaluation.Value(metric)
		if !ok {
			continue
		}
		switch {
		case !found, v > bestValue:
			best, bestValue, found = r, v, true
		case v == bestValue && r.Key.Compare(best.Key) < 0:
			best = r
		}
	}
	return best, found
}
