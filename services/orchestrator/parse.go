// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

// ParseError reports structured output that is missing or malformed.
type ParseError struct {
	// Field names the missing or malformed part.
	Field string
	// Raw is the text that failed to parse.
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("parse %s: missing or malformed", e.Field)
	}
	return fmt.Sprintf("parse %s: %s", e.Field, e.Reason)
}

// CompletedSignal is the reviewer's answer that ends the experiment.
const CompletedSignal = "COMPLETED"

// MaxScore is the upper bound of assessment scores.
const MaxScore = 10.0

// =============================================================================
// Idea
// =============================================================================

type ideaReply struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// parseIdea reads {"name","description"}, optionally fenced.
func parseIdea(raw string) (experiment.Idea, error) {
	body := strings.TrimSpace(llm.StripCodeFence(raw))
	var reply ideaReply
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reply); err != nil {
		return experiment.Idea{}, &ParseError{Field: "idea", Raw: raw, Reason: err.Error()}
	}
	reply.Name = strings.TrimSpace(reply.Name)
	reply.Description = strings.TrimSpace(reply.Description)
	if reply.Name == "" {
		return experiment.Idea{}, &ParseError{Field: "idea.name", Raw: raw}
	}
	if reply.Description == "" {
		return experiment.Idea{}, &ParseError{Field: "idea.description", Raw: raw}
	}
	return experiment.Idea{Name: reply.Name, Description: reply.Description}, nil
}

// =============================================================================
// Assessment
// =============================================================================

var (
	scoreLineRe = regexp.MustCompile(`(?im)^[\s*\-#]*(originality|feasibility|versatility)\**\s*[:=]\s*\**\s*([-+]?[0-9]+(?:\.[0-9]+)?)`)
	lackInfoRe  = regexp.MustCompile(`(?im)^[\s*\-#]*LACK_INFORMATION\s*:\s*(yes|no)\b`)
	keySentRe   = regexp.MustCompile(`(?ims)^[\s*\-#]*KEY_SENTENCES\s*:\s*(.+)`)
)

// assessmentReply is one scoring round.
type assessmentReply struct {
	Originality float64
	Feasibility float64
	Versatility float64
	// LackInformation asks for another round with KeySentences as the
	// retrieval query.
	LackInformation bool
	KeySentences    string
}

// parseAssessment reads the three scores, each in [0, MaxScore].
func parseAssessment(raw string) (assessmentReply, error) {
	found := map[string]float64{}
	for _, m := range scoreLineRe.FindAllStringSubmatch(raw, -1) {
		name := strings.ToLower(m[1])
		if _, dup := found[name]; dup {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return assessmentReply{}, &ParseError{Field: name, Raw: raw, Reason: err.Error()}
		}
		if v < 0 || v > MaxScore {
			return assessmentReply{}, &ParseError{Field: name, Raw: raw, Reason: fmt.Sprintf("score %g out of range", v)}
		}
		found[name] = v
	}
	for _, name := range []string{"originality", "feasibility", "versatility"} {
		if _, ok := found[name]; !ok {
			return assessmentReply{}, &ParseError{Field: name, Raw: raw}
		}
	}

	reply := assessmentReply{
		Originality: found["originality"],
		Feasibility: found["feasibility"],
		Versatility: found["versatility"],
	}
	if m := lackInfoRe.FindStringSubmatch(raw); m != nil && strings.EqualFold(m[1], "yes") {
		reply.LackInformation = true
		if k := keySentRe.FindStringSubmatch(raw); k != nil {
			reply.KeySentences = strings.TrimSpace(k[1])
		}
	}
	return reply, nil
}

// =============================================================================
// Review
// =============================================================================

// parseReview returns the guidance. The exact answer COMPLETED, ignoring
// surrounding whitespace and quotes, marks the experiment done.
func parseReview(raw string) (experiment.Review, error) {
	text := strings.TrimSpace(raw)
	if strings.Trim(text, "`\"'. ") == CompletedSignal {
		return experiment.Review{Guidance: CompletedSignal, Completed: true}, nil
	}
	if text == "" {
		return experiment.Review{}, &ParseError{Field: "review", Raw: raw}
	}
	return experiment.Review{Guidance: text}, nil
}
