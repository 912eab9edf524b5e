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
	"context"
	"errors"
	"net"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
)

// classifyTransport wraps an error raised before any HTTP status was seen.
// Context errors pass through unchanged so cancellation stays visible.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var fe *retry.FatalError
	var te *retry.TransientError
	if errors.As(err, &fe) || errors.As(err, &te) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient(op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return retry.Transient(op, err)
	}
	return retry.Fatal(op, err)
}
