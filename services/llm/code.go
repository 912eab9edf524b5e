// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_+-]*)[^\\n]*\\n(.*?)```")

// StripCodeFence returns the body of the first fenced block in text.
// Python-tagged blocks win over untagged ones. Text without a fence is
// returned trimmed.
func StripCodeFence(text string) string {
	matches := fenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		trimmed := strings.TrimSpace(text)
		// Unterminated fence from a truncated response.
		if strings.HasPrefix(trimmed, "```") {
			if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
				return strings.TrimSpace(trimmed[nl+1:])
			}
			return ""
		}
		return trimmed
	}
	for _, m := range matches {
		lang := strings.ToLower(m[1])
		if lang == "python" || lang == "py" {
			return strings.TrimSpace(m[2])
		}
	}
	return strings.TrimSpace(matches[0][2])
}
