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
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer guards a buffer written by the spinner goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinnerMachineModePrintsOnce(t *testing.T) {
	var buf bytes.Buffer
	s := NewPrinter(&buf, ModeMachine).Spinner("ingesting docs")
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	assert.Equal(t, "PROGRESS\tingesting docs\n", buf.String())
}

func TestSpinnerRunReportsOutcome(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	assert.NoError(t, p.Spinner("step one").Run(func() error { return nil }))
	boom := errors.New("boom")
	assert.ErrorIs(t, p.Spinner("step two").Run(func() error { return boom }), boom)

	out := buf.String()
	assert.Contains(t, out, "OK\tstep one\n")
	assert.Contains(t, out, "ERROR\tstep two: boom\n")
}

func TestSpinnerRichModeAnimatesAndClears(t *testing.T) {
	buf := &syncBuffer{}
	s := NewPrinter(buf, ModeRich).Spinner("working")
	s.interval = time.Millisecond
	s.Start()

	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), "working") },
		time.Second, 5*time.Millisecond)
	s.Update("almost")
	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), "almost") },
		time.Second, 5*time.Millisecond)
	s.Stop()

	assert.True(t, strings.HasSuffix(buf.String(), "\r\033[K"))
}
