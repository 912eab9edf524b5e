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

const ideaSystemPrompt = `You are a researcher designing quantum feature maps for kernel-based quantum machine learning.
Propose one new feature map idea for the experiment below. Build on the references where useful and do not repeat earlier ideas.

Reply with JSON only:
{"name": "short name", "description": "what the circuit does, which gates and entanglement it uses, and why it should help"}`

const ideaUserPrompt = `# Experiment
%s

# Device
%d qubits

# Best idea so far
%s

# Guidance from the last review
%s

# Ideas already proposed in this trial
%s

# References
%s`

// ideaRecallPrompt stands in for the user turn of an earlier idea when the
// idea conversation is rebuilt from the store.
const ideaRecallPrompt = `Propose idea %d of trial %d.`

const suggestionSystemPrompt = `You refine quantum feature map ideas into one concrete, implementable change.
Reply with the suggestion text only. Name the gates, the encoding of each input feature and the entanglement pattern.`

const suggestionUserPrompt = `# Idea: %s
%s

# Suggestions already made for this idea
%s`

const codeSystemPrompt = `You write PennyLane feature maps for the qxmt framework.
Write one Python module that defines a class deriving from qxmt.feature_maps.pennylane.BaseFeatureMap.
Start from the base module you are given and keep its imports. The constructor takes n_qubits and calls
super().__init__(PENNYLANE_PLATFORM, n_qubits). The feature_map(self, x) method applies the gates.
Use only documented PennyLane arguments. Reply with a single python code block.`

const codeUserPrompt = `# Idea: %s
%s

# Suggestion
%s

# Device
%d qubits

# Base code
`+"```python\n%s\n```"+`

# PennyLane references
%s`

const codeRetryPrompt = `The previous code for this suggestion needs another revision.

# Suggestion
%s

# Reflection
%s

Write the full corrected module as a single python code block.`

const reflectionSystemPrompt = `You review generated quantum feature map code and explain how to fix or improve it.
Be specific: point at the failing line or the design choice that limits the score, and say what to change.`

const reflectionInvalidPrompt = `The code below failed validation.

# Diagnostics
%s

# Code
`+"```python\n%s\n```"+`

Explain the cause and the fix.`

const reflectionScorePrompt = `The code below ran but the primary metric %s did not reach the acceptance threshold.

# Metrics
%s

# Code
`+"```python\n%s\n```"+`

Suggest changes that should raise %s.`

const reviewSystemPrompt = `You review a series of quantum feature map experiments and steer the next trial.
Write guidance for the next idea: what worked, what failed and what to try next.
If further trials cannot improve the result, reply with the single word COMPLETED.`

const reviewUserPrompt = `# Experiment
%s

# Performance review
%s

# Results of trial %d
%s`

const scoringSystemPrompt = `You assess quantum feature map ideas against related work.
Score the idea from 0 to 10 on each axis, one per line:
originality: <score>
feasibility: <score>
versatility: <score>

If the related work is not enough to judge, add the line "LACK_INFORMATION: yes" followed by "KEY_SENTENCES: <query>" describing what to look up next.`

const summarySystemPrompt = `You summarize research papers on quantum machine learning for a researcher who assesses a new feature map idea.
Keep the circuit designs, the encodings, the datasets and the reported results. Use at most %d words.`

const summaryUserPrompt = `# Papers
%s`

const scoringUserPrompt = `# Idea: %s
%s

# Related work (round %d of %d)
%s`

const parsingSystemPrompt = `You convert text into the exact format requested. Do not change the meaning. Reply with the converted text only.`

const parsingUserPrompt = `Convert the text below to this format:
%s

# Text
%s`

const ideaFormat = `{"name": "...", "description": "..."}`

const scoringFormat = `originality: <0-10>
feasibility: <0-10>
versatility: <0-10>
LACK_INFORMATION: yes|no
KEY_SENTENCES: <query, only when LACK_INFORMATION is yes>`


// DefaultSeedCode is the base module for code generation when no seed file
// is configured.
const DefaultSeedCode = `import numpy as np
import pennylane as qml
from qxmt.constants import PENNYLANE_PLATFORM
from qxmt.feature_maps import BaseFeatureMap

# keep the imports above; add new imports below.


class SeedFeatureMap(BaseFeatureMap):
    """Seed feature map.

    Args:
        n_qubits (int): number of qubits
    """

    def __init__(self, n_qubits: int) -> None:
        super().__init__(PENNYLANE_PLATFORM, n_qubits)
        self.n_qubits: int = n_qubits

    def feature_map(self, x: np.ndarray) -> None:
        """Build the feature map circuit for one sample x."""
        pass
`
