// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command qforge runs LLM-driven quantum feature-map design experiments.
//
// Usage:
//
//	qforge run --experiment_name ring-search --desc "..." [--config qforge.yaml]
//	qforge ingest --kind docs --path ./docs
//	qforge inspect --experiment_name ring-search
//	qforge serve --experiment_name ring-search --addr :8090
//	qforge export --experiment_name ring-search --target s3
package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/QuantumForge/pkg/secrets"
)

func main() {
	secrets.CatchInterrupt()

	code := ExitOK
	if err := rootCmd.Execute(); err != nil {
		code = exitCode(err)
		if !silent(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	secrets.Purge()
	os.Exit(code)
}
