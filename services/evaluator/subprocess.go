// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/QuantumForge/services/experiment"
)

// Placeholders substituted in SubprocessConfig.Args.
const (
	PlaceholderCode   = "{code}"
	PlaceholderConfig = "{config}"
	PlaceholderClass  = "{class}"
)

// Subprocess defaults.
const (
	DefaultTimeout   = 10 * time.Minute
	DefaultMaxOutput = 1 << 20
	diagnosticTail   = 4000
)

// ErrNoResult is reported when the runner printed no JSON result line.
var ErrNoResult = errors.New("runner printed no result")

// SubprocessConfig configures a local runner.
//
// The runner is called as Command Args..., with placeholders replaced by the
// code file, the pipeline config JSON file and the feature-map class name.
// It must print one JSON object {"status","diagnostics","metrics"} as the
// last non-empty line on stdout.
type SubprocessConfig struct {
	Command    string        `yaml:"command" validate:"required"`
	Args       []string      `yaml:"args"`
	WorkingDir string        `yaml:"working_dir"`
	Timeout    time.Duration `yaml:"timeout"`
	// Env is appended to the current environment.
	Env       []string     `yaml:"env"`
	MaxOutput int          `yaml:"max_output"`
	Logger    *slog.Logger `yaml:"-"`
}

// Subprocess evaluates code by running a local command.
type Subprocess struct {
	cfg    SubprocessConfig
	logger *slog.Logger
}

// NewSubprocess creates the evaluator.
func NewSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, errors.New("subprocess evaluator requires a command")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{cfg: cfg, logger: logger}, nil
}

// ValidateAndScore implements Evaluator. A non-zero exit, a timeout or a
// malformed result is an invalid outcome; only parent cancellation and
// failures to start the runner are errors.
func (s *Subprocess) ValidateAndScore(ctx context.Context, code string, cfg PipelineConfig) (Outcome, error) {
	dir, err := os.MkdirTemp("", "qforge-eval-*")
	if err != nil {
		return Outcome{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, "feature_map.py")
	if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
		return Outcome{}, fmt.Errorf("write code: %w", err)
	}
	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal pipeline config: %w", err)
	}
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, cfgJSON, 0o600); err != nil {
		return Outcome{}, fmt.Errorf("write config: %w", err)
	}

	args := make([]string, len(s.cfg.Args))
	replacer := strings.NewReplacer(
		PlaceholderCode, codePath,
		PlaceholderConfig, cfgPath,
		PlaceholderClass, cfg.FeatureMap.ImplementName,
	)
	for i, a := range s.cfg.Args {
		args[i] = replacer.Replace(a)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"QFORGE_CODE_PATH="+codePath,
		"QFORGE_CONFIG_PATH="+cfgPath,
	)

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, limit: s.cfg.MaxOutput}
	stderrLimited := &limitedWriter{w: &stderr, limit: s.cfg.MaxOutput}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited
	// Children that inherit the pipes must not hold Wait open past a kill.
	cmd.WaitDelay = 5 * time.Second

	s.logger.Debug("running evaluator", "command", s.cfg.Command, "args", args, "timeout", s.cfg.Timeout)
	start := time.Now()
	waitErr := cmd.Run()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("evaluation timed out", "timeout", s.cfg.Timeout)
		return Invalid("evaluation timed out after %s\n%s", s.cfg.Timeout, tail(stderr.String())), nil
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return Outcome{}, fmt.Errorf("run %s: %w", s.cfg.Command, waitErr)
	}

	out, parseErr := parseResult(stdout.Bytes())
	s.logger.Debug("evaluation finished",
		"duration", elapsed,
		"exit_code", cmd.ProcessState.ExitCode(),
		"status", out.Status,
		"truncated", stdoutLimited.truncated || stderrLimited.truncated,
	)
	if waitErr != nil {
		// A runner may exit non-zero after printing an invalid result.
		if parseErr == nil && out.Status == experiment.ValidationInvalid {
			return out.Normalize(), nil
		}
		return Invalid("runner exited with code %d\n%s", cmd.ProcessState.ExitCode(), tail(stderr.String())), nil
	}
	if parseErr != nil {
		return Invalid("%v\n%s", parseErr, tail(stderr.String())), nil
	}
	return out.Normalize(), nil
}

// limitedWriter keeps the first limit bytes and discards the rest.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		lw.truncated = true
		return len(p), nil
	}
	n := len(p)
	if remaining := lw.limit - lw.written; n > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.written += written
	return n, err
}

// parseResult reads the last non-empty stdout line as an Outcome.
func parseResult(stdout []byte) (Outcome, error) {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), DefaultMaxOutput)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" || !strings.HasPrefix(last, "{") {
		return Outcome{}, ErrNoResult
	}
	var out Outcome
	if err := json.Unmarshal([]byte(last), &out); err != nil {
		return Outcome{}, fmt.Errorf("malformed runner result: %w", err)
	}
	return out, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= diagnosticTail {
		return s
	}
	return "..." + s[len(s)-diagnosticTail:]
}
