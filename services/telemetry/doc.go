// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry initializes OpenTelemetry tracing and metrics for qforge.
//
// # Trace Backend (default: none)
//
// Spans are exported over OTLP/gRPC to any compatible collector (Jaeger,
// Tempo, vendor agents) or pretty-printed to stdout. A design run produces
// one span per trial plus child spans for validation and evaluation.
//
// # Metrics Backend (default: Prometheus)
//
// OTel instruments and the client_golang collectors of the orchestrator
// share one Prometheus registry, served by MetricsHandler. The stdout
// exporter is available for debugging.
//
// # Logging
//
// LoggerWithTrace adds trace_id and span_id to a slog.Logger so log lines
// can be joined with traces.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - QFORGE_ENV: environment name (default: development)
//
// # Thread Safety
//
// Init must be called once at startup. Everything else is safe for
// concurrent use.
package telemetry
