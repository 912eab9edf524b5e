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

const docsCheckSystemPrompt = `You are a quantum software engineer who knows the PennyLane library in depth.

For every PennyLane call in the user's code, compare the keyword arguments it passes with the arguments documented for that class or function.

Rules:
1. class_name is the callee as written, starting with "qml." and ending before "(".
2. user_args_name lists only keyword argument names ("name=value" or "name: type = value"). Ignore positional values.
3. docs_args_name lists the argument names documented in the matching reference. Use only the name part of "name (type): description".

Reply with JSON only, in this shape:
{"result": [{"class_name": "qml.RX", "user_args_name": ["phi", "wires"], "docs_args_name": ["phi", "wires", "id"]}]}`

const docsCheckUserPrompt = `# PennyLane calls in the generated code
%s

# PennyLane documentation
%s`
