// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink exports evaluation results to time-series backends for
// dashboards. Sinks are write-only; the experiment store stays the source
// of truth.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// Measurement is the InfluxDB measurement name for evaluation points.
const Measurement = "feature_map_evaluations"

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	// Token is supplied from the environment, never from the YAML file.
	Token string `yaml:"-"`
}

// Influx writes one point per evaluation.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

// NewInflux creates the sink. The connection is not checked until the first
// write.
func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink requires url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// RecordEvaluation writes the evaluation record rec. Other kinds are ignored.
func (s *Influx) RecordEvaluation(ctx context.Context, experimentName, runID string, rec experiment.Record) error {
	if rec.Key.Kind != experiment.KindEvaluation || rec.Evaluation == nil {
		return nil
	}
	p := rec.Key.Path
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	point := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("experiment", experimentName).
		AddTag("run_id", runID).
		AddTag("trial", strconv.Itoa(p.Trial)).
		AddTag("idea", strconv.Itoa(p.Idea)).
		AddTag("suggestion", strconv.Itoa(p.Suggestion)).
		AddTag("round", strconv.Itoa(p.Round)).
		AddField("accepted", rec.Evaluation.Accepted).
		AddField("duration_ms", rec.Evaluation.Duration.Milliseconds()).
		SetTime(ts)
	for name, v := range rec.Evaluation.Metrics {
		point.AddField(name, v)
	}

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write influx point %s: %w", rec.Key, err)
	}
	return nil
}

// Close flushes and closes the client.
func (s *Influx) Close() {
	s.client.Close()
}
