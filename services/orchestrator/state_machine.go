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
	"errors"
	"fmt"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[experiment.SuggestionState][]experiment.SuggestionState{
	experiment.StateCreated:       {experiment.StateCodeGenerated},
	experiment.StateCodeGenerated: {experiment.StateValidating},
	experiment.StateValidating:    {experiment.StateInvalid, experiment.StateValid},
	experiment.StateInvalid:       {experiment.StateReflecting, experiment.StateExhausted},
	experiment.StateValid:         {experiment.StateEvaluating},
	experiment.StateEvaluating:    {experiment.StateAccepted, experiment.StateReflecting, experiment.StateExhausted},
	experiment.StateReflecting:    {experiment.StateCodeGenerated},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to experiment.SuggestionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine tracks one suggestion's lifecycle.
//
// Thread Safety: Not safe for concurrent use. Each suggestion owns one.
type StateMachine struct {
	state   experiment.SuggestionState
	history []experiment.SuggestionState
}

// NewStateMachine starts in CREATED.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state:   experiment.StateCreated,
		history: []experiment.SuggestionState{experiment.StateCreated},
	}
}

// State returns the current state.
func (m *StateMachine) State() experiment.SuggestionState { return m.state }

// History returns every state visited, in order.
func (m *StateMachine) History() []experiment.SuggestionState {
	return append([]experiment.SuggestionState(nil), m.history...)
}

// Transition moves to the next state. Terminal states accept no transition.
func (m *StateMachine) Transition(to experiment.SuggestionState) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// Count returns how many times state was entered.
func (m *StateMachine) Count(state experiment.SuggestionState) int {
	n := 0
	for _, s := range m.history {
		if s == state {
			n++
		}
	}
	return n
}
