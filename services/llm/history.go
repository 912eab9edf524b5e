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

// TruncateHistory keeps every system message plus the last n
// user/assistant exchanges, preserving order. A trailing user message
// without a reply always survives. n < 0 keeps everything; n == 0 keeps
// only system messages and the trailing user message.
func TruncateHistory(messages []Message, n int) []Message {
	if n < 0 {
		return append([]Message(nil), messages...)
	}

	// Walk backwards counting exchanges. An exchange starts at a user
	// message.
	keep := make([]bool, len(messages))
	exchanges := 0
	pendingTail := true
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		switch m.Role {
		case SpeakerSystem:
			keep[i] = true
			continue
		case SpeakerUser:
			if pendingTail {
				keep[i] = true
				pendingTail = false
				continue
			}
		}
		pendingTail = false
		if exchanges < n {
			keep[i] = true
		}
		if m.Role == SpeakerUser {
			exchanges++
		}
	}

	out := make([]Message, 0, len(messages))
	for i, m := range messages {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}
