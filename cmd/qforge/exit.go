// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK = 0
	// ExitFailure covers configuration, I/O and wiring errors.
	ExitFailure = 1
	// ExitAborted means the last trial of the run aborted.
	ExitAborted = 2
)

// ExitError carries a process exit code through cobra.
//
// # Description
//
// A run that finished but whose final trial aborted is not a command
// error in cobra's sense, yet must exit non-zero. ExitError lets the
// command report that without printing usage. A nil Wrapped error
// exits silently.
type ExitError struct {
	Code    int
	Wrapped error
}

func (e *ExitError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("exit %d: %v", e.Code, e.Wrapped)
	}
	return fmt.Sprintf("exit %d", e.Code)
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error { return e.Wrapped }

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// silent reports whether err has already been shown to the user.
func silent(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Wrapped == nil
}
