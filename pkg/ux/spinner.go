// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"sync"
	"time"
)

const spinnerInterval = 80 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is an animated progress line for long, quiet operations.
//
// Only rich mode animates. Plain and machine modes print the message once
// on Start, so output stays readable in logs and pipes.
type Spinner struct {
	p        *Printer
	interval time.Duration

	mu      sync.Mutex
	message string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Spinner returns a stopped spinner that writes to the printer.
func (p *Printer) Spinner(message string) *Spinner {
	return &Spinner{p: p, message: message, interval: spinnerInterval}
}

// Start begins the animation. Calling Start twice has no effect.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	switch s.p.mode {
	case ModeMachine:
		fmt.Fprintf(s.p.w, "PROGRESS\t%s\n", s.message)
		return
	case ModePlain:
		fmt.Fprintf(s.p.w, "%s %s\n", IconPending, s.message)
		return
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
}

func (s *Spinner) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	frame := 0
	for {
		select {
		case <-s.stop:
			fmt.Fprint(s.p.w, "\r\033[K")
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			fmt.Fprintf(s.p.w, "\r%s %s", Styles.Highlight.Render(spinnerFrames[frame]), msg)
			frame = (frame + 1) % len(spinnerFrames)
		}
	}
}

// Update replaces the message while running.
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop halts the animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Run shows the spinner while fn runs and reports its outcome.
func (s *Spinner) Run(fn func() error) error {
	s.Start()
	err := fn()
	s.Stop()

	s.mu.Lock()
	msg := s.message
	s.mu.Unlock()
	if err != nil {
		s.p.Error(fmt.Sprintf("%s: %v", msg, err))
		return err
	}
	s.p.Success(msg)
	return nil
}
