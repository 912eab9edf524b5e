// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inspect

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

type errorResponse struct {
	Error string `json:"error"`
}

type recordsResponse struct {
	Count   int                 `json:"count"`
	Records []experiment.Record `json:"records"`
}

func (s *Server) fail(c *gin.Context, status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
	}
	body := errorResponse{Error: msg}
	if err != nil && status < http.StatusInternalServerError {
		body.Error = msg + ": " + err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func respondRecords(c *gin.Context, records []experiment.Record) {
	if records == nil {
		records = []experiment.Record{}
	}
	c.JSON(http.StatusOK, recordsResponse{Count: len(records), Records: records})
}

// intParam reads a non-negative path parameter.
func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "invalid " + name + " index: " + c.Param(name)})
		return 0, false
	}
	return v, true
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) summary(c *gin.Context) {
	if s.cfg.Summaries == nil {
		s.fail(c, http.StatusNotFound, "no summary configured", nil)
		return
	}
	summary, err := s.cfg.Summaries.ReadSummary()
	switch {
	case errors.Is(err, experiment.ErrNotFound):
		s.fail(c, http.StatusNotFound, "summary not written yet", nil)
	case err != nil:
		s.fail(c, http.StatusInternalServerError, "failed to read summary", err)
	default:
		c.JSON(http.StatusOK, summary)
	}
}

func (s *Server) listRecords(c *gin.Context) {
	var kinds []experiment.RecordKind
	for _, raw := range c.QueryArray("kind") {
		k, err := experiment.ParseKind(raw)
		if err != nil {
			s.fail(c, http.StatusBadRequest, "invalid kind", err)
			return
		}
		kinds = append(kinds, k)
	}
	records, err := experiment.AllRecords(c.Request.Context(), s.cfg.Store)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to scan records", err)
		return
	}
	if len(kinds) > 0 {
		records = experiment.Filter(records, kinds...)
	}
	respondRecords(c, records)
}

func (s *Server) listTrials(c *gin.Context) {
	records, err := experiment.AllRecords(c.Request.Context(), s.cfg.Store)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to scan records", err)
		return
	}
	trials := make([]experiment.Trial, 0)
	for _, r := range experiment.Filter(records, experiment.KindTrial) {
		trials = append(trials, *r.Trial)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trials), "trials": trials})
}

func (s *Server) trialRecords(c *gin.Context) {
	t, ok := intParam(c, "trial")
	if !ok {
		return
	}
	records, err := experiment.HistoryForTrial(c.Request.Context(), s.cfg.Store, t)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to scan trial", err)
		return
	}
	respondRecords(c, records)
}

func (s *Server) trialBest(c *gin.Context) {
	t, ok := intParam(c, "trial")
	if !ok {
		return
	}
	metric := c.DefaultQuery("metric", s.cfg.PrimaryMetric)
	rec, found, err := experiment.BestResult(c.Request.Context(), s.cfg.Store, t, metric)
	switch {
	case err != nil:
		s.fail(c, http.StatusInternalServerError, "failed to select best result", err)
	case !found:
		s.fail(c, http.StatusNotFound, "trial has no evaluation with metric "+metric, nil)
	default:
		v, _ := rec.Evaluation.Value(metric)
		c.JSON(http.StatusOK, gin.H{"metric": metric, "value": v, "record": rec})
	}
}

func (s *Server) ideaRecords(c *gin.Context) {
	t, ok := intParam(c, "trial")
	if !ok {
		return
	}
	i, ok := intParam(c, "idea")
	if !ok {
		return
	}
	records, err := s.cfg.Store.HistoryForIdea(c.Request.Context(), t, i)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to scan idea", err)
		return
	}
	respondRecords(c, records)
}

func (s *Server) suggestionRecords(c *gin.Context) {
	t, ok := intParam(c, "trial")
	if !ok {
		return
	}
	i, ok := intParam(c, "idea")
	if !ok {
		return
	}
	sg, ok := intParam(c, "suggestion")
	if !ok {
		return
	}
	records, err := s.cfg.Store.HistoryForSuggestion(c.Request.Context(), t, i, sg)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to scan suggestion", err)
		return
	}
	respondRecords(c, records)
}
