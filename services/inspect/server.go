// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inspect serves a read-only HTTP view of an experiment store.
//
// # Routes
//
//	GET /health
//	GET /metrics                                   (when a handler is set)
//	GET /v1/summary
//	GET /v1/records?kind=evaluation&kind=trial
//	GET /v1/trials
//	GET /v1/trials/:trial
//	GET /v1/trials/:trial/best?metric=accuracy
//	GET /v1/trials/:trial/ideas/:idea
//	GET /v1/trials/:trial/ideas/:idea/suggestions/:suggestion
//	GET /v1/stream                                 (websocket, new records)
//
// The server never writes to the store. Store backends are safe for
// concurrent readers while a run appends.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/telemetry"
)

// Defaults.
const (
	DefaultAddr         = ":8090"
	DefaultPollInterval = time.Second
	shutdownTimeout     = 5 * time.Second
)

// SummaryReader loads the experiment summary. experiment.Layout
// implements it.
type SummaryReader interface {
	ReadSummary() (experiment.Summary, error)
}

// Config configures a Server.
type Config struct {
	// Store is read, never written. Required.
	Store experiment.Store

	// Summaries serves /v1/summary. Optional.
	Summaries SummaryReader

	// PrimaryMetric is the default ranking metric for /best.
	PrimaryMetric string

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	// HTTPMetrics records request counts and latency when set.
	HTTPMetrics *telemetry.HTTPMetrics

	// PollInterval is how often /v1/stream scans for new records.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Server is the inspection API.
//
// Thread Safety: Safe for concurrent requests.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("inspect: store is required")
	}
	if cfg.PrimaryMetric == "" {
		cfg.PrimaryMetric = experiment.DefaultPrimaryMetric
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware("qforge-inspect"))
	if cfg.HTTPMetrics != nil {
		s.router.Use(s.metricsMiddleware)
	}
	s.routes()
	return s, nil
}

// Router returns the gin engine, e.g. for httptest.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	if s.cfg.MetricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.cfg.MetricsHandler))
	}

	v1 := s.router.Group("/v1")
	{
		v1.GET("/summary", s.summary)
		v1.GET("/records", s.listRecords)
		v1.GET("/stream", s.stream)

		trials := v1.Group("/trials")
		{
			trials.GET("", s.listTrials)
			trials.GET("/:trial", s.trialRecords)
			trials.GET("/:trial/best", s.trialBest)
			trials.GET("/:trial/ideas/:idea", s.ideaRecords)
			trials.GET("/:trial/ideas/:idea/suggestions/:suggestion", s.suggestionRecords)
		}
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("inspection API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("inspection API stopped")
	return nil
}

func (s *Server) metricsMiddleware(c *gin.Context) {
	done := s.cfg.HTTPMetrics.Begin(c.Request.Context())
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	done(c.Request.Method, route, c.Writer.Status())
}
