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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/llm"
)

const metricsNamespace = "qforge"

// Metrics holds the Prometheus metrics of a run.
//
// # Description
//
// Counters and histograms for the trial loop and its collaborators.
// Metrics also implements llm.CallObserver so it can be handed to
// llm.NewInstrumented.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// LLMCallsTotal counts generations.
	// Labels: role, model, status (success, error)
	LLMCallsTotal *prometheus.CounterVec

	// LLMCallDurationSeconds measures generation latency.
	// Labels: role
	LLMCallDurationSeconds *prometheus.HistogramVec

	// RetriesTotal counts backoff retries.
	// Labels: op
	RetriesTotal *prometheus.CounterVec

	// TrialsTotal counts finished trials.
	// Labels: status (completed, exhausted, aborted)
	TrialsTotal *prometheus.CounterVec

	// ArtifactsTotal counts code artifacts.
	// Labels: status (valid, invalid)
	ArtifactsTotal *prometheus.CounterVec

	// ReflectionsTotal counts reflections.
	// Labels: cause (invalid, below_threshold)
	ReflectionsTotal *prometheus.CounterVec

	// EvaluationDurationSeconds measures evaluator latency.
	EvaluationDurationSeconds prometheus.Histogram

	// BestScore is the best primary metric of each trial.
	// Labels: experiment, trial
	BestScore *prometheus.GaugeVec
}

// NewMetrics registers the metrics with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		LLMCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of LLM generations by role, model and status",
		}, []string{"role", "model", "status"}),
		LLMCallDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "LLM generation latency by role",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"role"}),
		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Total number of backoff retries by operation",
		}, []string{"op"}),
		TrialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trials_total",
			Help:      "Total number of finished trials by status",
		}, []string{"status"}),
		ArtifactsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "code_artifacts_total",
			Help:      "Total number of generated code artifacts by validation status",
		}, []string{"status"}),
		ReflectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reflections_total",
			Help:      "Total number of reflections by cause",
		}, []string{"cause"}),
		EvaluationDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Evaluator latency",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		BestScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "trial_best_score",
			Help:      "Best primary metric per trial",
		}, []string{"experiment", "trial"}),
	}
}

// ObserveCall implements llm.CallObserver.
func (m *Metrics) ObserveCall(role llm.Role, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMCallsTotal.WithLabelValues(string(role), model, status).Inc()
	m.LLMCallDurationSeconds.WithLabelValues(string(role)).Observe(d.Seconds())
}

func (m *Metrics) observeRetry(op string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) observeTrial(experimentName string, t experiment.Trial) {
	if m == nil {
		return
	}
	m.TrialsTotal.WithLabelValues(string(t.Status)).Inc()
	if t.BestScore.Scored {
		m.BestScore.WithLabelValues(experimentName, strconv.Itoa(t.Index)).Set(t.BestScore.Value)
	}
}

func (m *Metrics) observeArtifact(status experiment.ValidationStatus) {
	if m == nil {
		return
	}
	m.ArtifactsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeReflection(cause experiment.ReflectionCause) {
	if m == nil {
		return
	}
	m.ReflectionsTotal.WithLabelValues(string(cause)).Inc()
}

func (m *Metrics) observeEvaluation(d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationDurationSeconds.Observe(d.Seconds())
}

var _ llm.CallObserver = (*Metrics)(nil)
