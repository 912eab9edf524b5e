// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives the idea-to-evaluation loop that designs
// quantum feature maps.
//
// # Description
//
// A run is a sequence of trials. Each trial walks a bounded tree:
//
//	trial
//	└── idea        (< max_idea_num)
//	    └── suggestion   (< max_suggestion_num)
//	        └── attempt  (<= max_reflection_round, one reflection between attempts)
//
// Every node is written to the experiment store as it completes, keyed by
// its index path, so the store always reflects exactly the finished work.
// Prompt context (earlier ideas, suggestions, code attempts, reflections
// and reviews) is read back from the store, never kept on the side, so a
// run can continue an experiment that already has trials. Between trials a
// reviewer turns the previous trial's results into guidance for the next
// one.
//
// # Collaborators
//
// The orchestrator consumes capability interfaces only: llm.Generator,
// knowledge.Searcher, PreValidator, evaluator.Evaluator and
// experiment.Store. Transient failures of the generator, the knowledge
// store and the validator are retried with pkg/retry; exhausted retries,
// fatal errors and cancellation abort the trial.
//
// # Thread Safety
//
// An Orchestrator runs one loop at a time. It is not safe for concurrent
// RunTrial or RunExperiment calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/QuantumForge/pkg/retry"
	"github.com/AleutianAI/QuantumForge/services/evaluator"
	"github.com/AleutianAI/QuantumForge/services/experiment"
	"github.com/AleutianAI/QuantumForge/services/knowledge"
	"github.com/AleutianAI/QuantumForge/services/llm"
	"github.com/AleutianAI/QuantumForge/services/validate"
)

var tracer = otel.Tracer("qforge.orchestrator")

// PreValidator statically checks generated code before evaluation.
type PreValidator interface {
	Check(ctx context.Context, code, previous string) (*validate.Result, error)
}

// EvaluationSink receives every evaluation record, e.g. for time-series
// dashboards. Sink failures are logged and never abort a trial.
type EvaluationSink interface {
	RecordEvaluation(ctx context.Context, experimentName, runID string, rec experiment.Record) error
}

// SummaryWriter persists the experiment summary after every trial.
type SummaryWriter interface {
	WriteSummary(summary experiment.Summary) error
}

// Deps are the orchestrator's collaborators. Generator, Evaluator and
// Store are required.
type Deps struct {
	Generator llm.Generator
	Knowledge knowledge.Searcher
	Validator PreValidator
	Evaluator evaluator.Evaluator
	Store     experiment.Store
	Sink      EvaluationSink
	Summaries SummaryWriter
	Metrics   *Metrics
	Logger    *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Orchestrator runs trials.
type Orchestrator struct {
	cfg    Config
	policy retry.Policy

	gen       llm.Generator
	knowledge knowledge.Searcher
	validator PreValidator
	eval      evaluator.Evaluator
	store     experiment.Store
	sink      EvaluationSink
	summaries SummaryWriter
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator.
//
// # Inputs
//
//   - cfg: Run configuration. Zero values take the package defaults.
//   - deps: Collaborators. Generator, Evaluator and Store are required.
//
// # Outputs
//
//   - *Orchestrator: Ready to run.
//   - error: ErrInvalidConfig or ErrInvalidBudgets wrapped with details.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Generator == nil:
		return nil, fmt.Errorf("%w: generator is required", ErrInvalidConfig)
	case deps.Evaluator == nil:
		return nil, fmt.Errorf("%w: evaluator is required", ErrInvalidConfig)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}

	o := &Orchestrator{
		cfg:       cfg,
		gen:       deps.Generator,
		knowledge: deps.Knowledge,
		validator: deps.Validator,
		eval:      deps.Evaluator,
		store:     deps.Store,
		sink:      deps.Sink,
		summaries: deps.Summaries,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("experiment", cfg.Experiment, "run_id", cfg.RunID)
	if o.now == nil {
		o.now = time.Now
	}

	o.policy = cfg.Retry
	next := o.policy.OnRetry
	o.policy.OnRetry = func(op string, attempt int, err error, delay time.Duration) {
		o.logger.Warn("transient failure, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		o.metrics.observeRetry(op)
		if next != nil {
			next(op, attempt, err, delay)
		}
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// =============================================================================
// Experiment
// =============================================================================

// RunExperiment runs up to max_trial_num trials.
//
// # Description
//
// Trial indices continue after the highest index already in the store, so
// running an existing experiment again adds trials instead of colliding
// with the earlier ones. Before every trial except an experiment's first,
// the reviewer compares the last trials and writes guidance for the next
// one. The run stops early when
// the reviewer answers COMPLETED, when a trial is accepted under a
// threshold with stop_on_accept, or when a trial aborts. The summary is
// written after every trial.
//
// # Outputs
//
//   - experiment.Summary: Always populated, even when error is non-nil.
//   - error: The abort cause of the last trial, if it aborted.
func (o *Orchestrator) RunExperiment(ctx context.Context) (experiment.Summary, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.RunExperiment", trace.WithAttributes(
		attribute.String("experiment", o.cfg.Experiment),
		attribute.Int("max_trials", o.cfg.Budgets.MaxTrials),
	))
	defer span.End()

	summary := experiment.Summary{
		Experiment:    o.cfg.Experiment,
		Description:   o.cfg.Description,
		RunID:         o.cfg.RunID,
		PrimaryMetric: o.cfg.PrimaryMetric,
		StartedAt:     o.now().UTC(),
	}
	stored, err := experiment.AllRecords(ctx, o.store)
	if err != nil {
		summary.EndedAt = o.now().UTC()
		return summary, fmt.Errorf("load previous trials: %w", err)
	}
	first := nextTrial(stored)
	previous := storedTrials(stored)
	span.SetAttributes(attribute.Int("first_trial", first))
	o.logger.Info("experiment started", "budgets", o.cfg.Budgets, "first_trial", first)

	var (
		guidance string
		runErr   error
	)
	for n := 0; n < o.cfg.Budgets.MaxTrials; n++ {
		t := first + n
		if t > 0 {
			review, err := o.reviewTrial(ctx, t, slices.Concat(previous, summary.Trials))
			if err != nil {
				trial, best, ferr := o.finishTrial(ctx, o.newTrial(t), false, fmt.Errorf("review: %w", err))
				o.addTrial(&summary, trial, best)
				runErr = ferr
				summary.StopReason = "trial aborted: " + trial.AbortReason
				break
			}
			if review.Completed {
				o.logger.Info("reviewer reported the experiment complete", "trial", t)
				summary.StopReason = "review completed"
				break
			}
			guidance = review.Guidance
		}

		trial, best, err := o.runTrial(ctx, t, guidance)
		o.addTrial(&summary, trial, best)
		o.writeSummary(summary)
		if err != nil {
			runErr = err
			summary.StopReason = "trial aborted: " + trial.AbortReason
			break
		}
		if trial.Status == experiment.TrialCompleted && o.cfg.Acceptance.Threshold != nil && o.cfg.Acceptance.StopsOnAccept() {
			summary.StopReason = "accepted"
			break
		}
	}

	summary.EndedAt = o.now().UTC()
	o.writeSummary(summary)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "trial aborted")
	}
	o.logger.Info("experiment finished",
		"trials", len(summary.Trials),
		"status", summary.FinalStatus(),
		"best", summary.BestScore,
		"stop_reason", summary.StopReason,
	)
	return summary, runErr
}

// nextTrial returns one past the highest trial index in records.
func nextTrial(records []experiment.Record) int {
	next := 0
	for _, t := range experiment.TrialIndices(records) {
		if t >= next {
			next = t + 1
		}
	}
	return next
}

// storedTrials summarizes the trial records of earlier runs for the
// performance review.
func storedTrials(records []experiment.Record) []experiment.TrialSummary {
	var out []experiment.TrialSummary
	for _, r := range experiment.Filter(records, experiment.KindTrial) {
		out = append(out, experiment.TrialSummary{
			Index:     r.Trial.Index,
			Status:    r.Trial.Status,
			Best:      r.Trial.Best,
			BestScore: r.Trial.BestScore,
		})
	}
	return out
}

func (o *Orchestrator) addTrial(summary *experiment.Summary, trial experiment.Trial, best *experiment.Record) {
	ts := experiment.TrialSummary{
		Index:     trial.Index,
		Status:    trial.Status,
		Best:      trial.Best,
		BestScore: trial.BestScore,
	}
	if best != nil && best.Evaluation != nil {
		ts.Metrics = best.Evaluation.Metrics
	}
	summary.Trials = append(summary.Trials, ts)
	if trial.BestScore.Scored && (!summary.BestScore.Scored || trial.BestScore.Value > summary.BestScore.Value) {
		summary.Best = trial.Best
		summary.BestScore = trial.BestScore
	}
}

func (o *Orchestrator) writeSummary(summary experiment.Summary) {
	if o.summaries == nil {
		return
	}
	if err := o.summaries.WriteSummary(summary); err != nil {
		o.logger.Error("failed to write summary", "error", err)
	}
}

// reviewTrial produces the guidance for trial t from trial t-1. The review
// conversation is rebuilt from the stored reviews of earlier trials.
func (o *Orchestrator) reviewTrial(ctx context.Context, t int, trials []experiment.TrialSummary) (experiment.Review, error) {
	all, err := experiment.AllRecords(ctx, o.store)
	if err != nil {
		return experiment.Review{}, fmt.Errorf("load trial %d: %w", t-1, err)
	}
	byTrial := make(map[int][]experiment.Record)
	for _, r := range all {
		byTrial[r.Key.Path.Trial] = append(byTrial[r.Key.Path.Trial], r)
	}

	var history []llm.Message
	for _, r := range experiment.Filter(all, experiment.KindReview) {
		k := r.Key.Path.Trial
		if k < 1 || k >= t || r.Review.Guidance == "" {
			continue
		}
		history = append(history,
			llm.User(o.reviewPrompt(k, r.Review.Performance, byTrial[k-1])),
			llm.Assistant(r.Review.Guidance))
	}

	perf := PerformanceReview(trials, o.cfg.PrimaryMetric)
	raw, err := o.converse(ctx, llm.RoleReview, reviewSystemPrompt, history, o.reviewPrompt(t, perf, byTrial[t-1]), o.cfg.History.Review)
	if err != nil {
		return experiment.Review{}, err
	}
	review, err := parseReview(raw)
	if err != nil {
		o.logger.Warn("review reply was empty, continuing without guidance", "trial", t, "error", err)
	}
	review.Performance = perf
	if _, err := o.record(ctx, experiment.TrialPath(t), &review); err != nil {
		return experiment.Review{}, err
	}
	return review, nil
}

func (o *Orchestrator) reviewPrompt(t int, perf string, previous []experiment.Record) string {
	return fmt.Sprintf(reviewUserPrompt, o.cfg.Description, orNone(perf), t-1, renderTrial(previous, o.cfg.PrimaryMetric))
}

// =============================================================================
// Trial
// =============================================================================

// RunTrial runs trial t.
//
// # Description
//
// For each idea, each of its suggestions runs the code-validate-reflect
// sub-loop. The trial ends completed when an evaluation was accepted,
// exhausted when the budgets ran out, or aborted on an unrecoverable
// collaborator error or cancellation. The trial record is written in every
// case, using a non-cancelled context.
//
// # Inputs
//
//   - ctx: Cancellation is checked at every loop boundary.
//   - t: Trial index.
//   - guidance: Reviewer guidance for idea generation; may be empty.
//
// # Outputs
//
//   - experiment.Trial: The terminal trial, always populated.
//   - error: The abort cause when the status is aborted.
func (o *Orchestrator) RunTrial(ctx context.Context, t int, guidance string) (experiment.Trial, error) {
	trial, _, err := o.runTrial(ctx, t, guidance)
	return trial, err
}

func (o *Orchestrator) newTrial(t int) experiment.Trial {
	return experiment.Trial{
		Index:       t,
		Experiment:  o.cfg.Experiment,
		Description: o.cfg.Description,
		RunID:       o.cfg.RunID,
		Budgets:     o.cfg.Budgets,
		StartedAt:   o.now().UTC(),
	}
}

func (o *Orchestrator) runTrial(ctx context.Context, t int, guidance string) (experiment.Trial, *experiment.Record, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.RunTrial", trace.WithAttributes(attribute.Int("trial", t)))
	defer span.End()

	o.logger.Info("trial started", "trial", t)
	trial := o.newTrial(t)
	tr := &trialRun{o: o, index: t, guidance: guidance}
	runErr := tr.run(ctx)

	trial, best, err := o.finishTrial(ctx, trial, tr.accepted, runErr)
	span.SetAttributes(attribute.String("status", string(trial.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(trial.Status))
	}
	return trial, best, err
}

// finishTrial sets the terminal status and best result and writes the
// trial record. It ignores cancellation of ctx.
func (o *Orchestrator) finishTrial(ctx context.Context, trial experiment.Trial, accepted bool, runErr error) (experiment.Trial, *experiment.Record, error) {
	wctx := context.WithoutCancel(ctx)
	trial.EndedAt = o.now().UTC()
	switch {
	case runErr != nil:
		trial.Status = experiment.TrialAborted
		trial.AbortReason = runErr.Error()
	case accepted:
		trial.Status = experiment.TrialCompleted
	default:
		trial.Status = experiment.TrialExhausted
	}

	var best *experiment.Record
	rec, ok, err := experiment.BestResult(wctx, o.store, trial.Index, o.cfg.PrimaryMetric)
	if err != nil {
		o.logger.Error("failed to load best result", "trial", trial.Index, "error", err)
	} else if ok {
		best = &rec
		trial.Best = rec.Key.Path.Ptr()
		if v, ok := rec.Evaluation.Value(o.cfg.PrimaryMetric); ok {
			trial.BestScore = experiment.Scored(v)
		}
	}

	if _, err := o.record(wctx, experiment.TrialPath(trial.Index), &trial); err != nil {
		o.logger.Error("failed to record trial", "trial", trial.Index, "error", err)
		if runErr == nil {
			runErr = err
			trial.Status = experiment.TrialAborted
			trial.AbortReason = err.Error()
		}
	}

	o.metrics.observeTrial(o.cfg.Experiment, trial)
	logArgs := []any{"trial", trial.Index, "status", trial.Status, "best", trial.BestScore}
	if runErr != nil {
		o.logger.Error("trial aborted", append(logArgs, "error", runErr)...)
	} else {
		o.logger.Info("trial finished", logArgs...)
	}
	return trial, best, runErr
}

// trialRun holds the state of one trial.
type trialRun struct {
	o        *Orchestrator
	index    int
	guidance string
	accepted bool
}

func (tr *trialRun) run(ctx context.Context) error {
	for i := 0; i < tr.o.cfg.Budgets.MaxIdeas; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop, err := tr.runIdea(ctx, i)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return ctx.Err()
}

// runIdea generates idea i and runs its suggestions. stop is true when an
// acceptance ends the trial.
func (tr *trialRun) runIdea(ctx context.Context, i int) (stop bool, err error) {
	o := tr.o
	t := tr.index
	logger := o.logger.With("trial", t, "idea", i)

	idea, err := tr.generateIdea(ctx, i)
	if err != nil {
		return false, fmt.Errorf("idea %d: %w", i, err)
	}
	if _, err := o.record(ctx, experiment.IdeaPath(t, i), &idea); err != nil {
		return false, err
	}
	logger.Info("idea generated", "name", idea.Name, "references", len(idea.Provenance))

	if o.cfg.Scoring.Enabled {
		assessment, err := tr.assess(ctx, idea)
		if err != nil {
			return false, fmt.Errorf("assess idea %d: %w", i, err)
		}
		if _, err := o.record(ctx, experiment.IdeaPath(t, i), assessment); err != nil {
			return false, err
		}
	}

	for s := 0; s < o.cfg.Budgets.MaxSuggestions; s++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		text, err := tr.generateSuggestion(ctx, i, idea)
		if err != nil {
			return false, fmt.Errorf("suggestion %d.%d: %w", i, s, err)
		}
		if _, err := o.record(ctx, experiment.SuggestionPath(t, i, s), &experiment.Suggestion{Text: text}); err != nil {
			return false, err
		}

		outcome, err := tr.runSuggestion(ctx, i, s, idea, text)
		if err != nil {
			return false, fmt.Errorf("suggestion %d.%d: %w", i, s, err)
		}
		if _, err := o.record(ctx, experiment.SuggestionPath(t, i, s), &outcome); err != nil {
			return false, err
		}
		logger.Info("suggestion finished", "suggestion", s, "state", outcome.State,
			"attempts", outcome.Attempts, "reflections", outcome.Reflections)

		if outcome.State == experiment.StateAccepted && o.cfg.Acceptance.StopsOnAccept() {
			stop = true
			break
		}
	}

	if err := tr.scoreIdea(ctx, i); err != nil {
		return false, err
	}
	return stop, nil
}

func (tr *trialRun) scoreIdea(ctx context.Context, i int) error {
	o := tr.o
	records, err := o.store.HistoryForIdea(ctx, tr.index, i)
	if err != nil {
		return fmt.Errorf("load idea %d: %w", i, err)
	}
	score := &experiment.IdeaScore{Metric: o.cfg.PrimaryMetric, Score: experiment.Unscored}
	if best, ok := experiment.SelectBest(records, o.cfg.PrimaryMetric); ok {
		v, _ := best.Evaluation.Value(o.cfg.PrimaryMetric)
		score.Score = experiment.Scored(v)
		score.Source = best.Key.Path.Ptr()
	}
	_, err = o.record(ctx, experiment.IdeaPath(tr.index, i), score)
	return err
}

// generateIdea asks for idea i. Earlier ideas of the whole experiment form
// the idea conversation, and the best scored one is shown explicitly.
func (tr *trialRun) generateIdea(ctx context.Context, i int) (experiment.Idea, error) {
	o := tr.o
	all, err := experiment.AllRecords(ctx, o.store)
	if err != nil {
		return experiment.Idea{}, fmt.Errorf("load ideas: %w", err)
	}
	refs, err := o.search(ctx, knowledge.SearchRequest{
		Index: knowledge.IndexPapers,
		Query: o.cfg.Description,
		TopK:  o.cfg.KnowledgeTopK,
	})
	if err != nil {
		return experiment.Idea{}, err
	}

	var (
		history []llm.Message
		current []experiment.Idea
	)
	for _, r := range experiment.Filter(all, experiment.KindIdea) {
		p := r.Key.Path
		if p.Trial == tr.index {
			current = append(current, *r.Idea)
		}
		history = append(history, llm.User(fmt.Sprintf(ideaRecallPrompt, p.Idea, p.Trial)), llm.Assistant(ideaJSON(*r.Idea)))
	}

	user := fmt.Sprintf(ideaUserPrompt, o.cfg.Description, o.cfg.Pipeline.Device.NQubits,
		orNone(bestIdea(all)), orNone(tr.guidance), renderIdeas(current), knowledge.Render(refs))
	raw, err := o.converse(ctx, llm.RoleIdea, ideaSystemPrompt, history, user, o.cfg.History.Idea)
	if err != nil {
		return experiment.Idea{}, err
	}
	idea, err := reparse(ctx, o, raw, ideaFormat, parseIdea)
	if err != nil {
		var pe *ParseError
		if !errors.As(err, &pe) {
			return experiment.Idea{}, err
		}
		o.logger.Warn("idea reply is not structured, using the raw text as description",
			"trial", tr.index, "idea", i, "field", pe.Field)
		idea = experiment.Idea{Name: fmt.Sprintf("idea-%d-%d", tr.index, i), Description: strings.TrimSpace(raw)}
	}
	idea.Provenance = knowledge.IDs(refs)
	return idea, nil
}

// bestIdea describes the idea with the highest aggregate score, the
// earliest one on ties. It returns "" when no idea is scored yet.
func bestIdea(records []experiment.Record) string {
	var (
		best  experiment.IdeaScore
		at    experiment.IndexPath
		found bool
	)
	for _, r := range experiment.Filter(records, experiment.KindIdeaScore) {
		sc := r.IdeaScore.Score
		if sc.Scored && (!found || sc.Value > best.Score.Value) {
			best, at, found = *r.IdeaScore, r.Key.Path, true
		}
	}
	if !found {
		return ""
	}
	for _, r := range experiment.Filter(records, experiment.KindIdea) {
		if r.Key.Path == at {
			return fmt.Sprintf("%s: %s\n(best %s %s, trial %d)", r.Idea.Name, r.Idea.Description, best.Metric, best.Score, at.Trial)
		}
	}
	return ""
}

func ideaJSON(idea experiment.Idea) string {
	// A struct of strings always marshals.
	b, _ := json.Marshal(experiment.Idea{Name: idea.Name, Description: idea.Description})
	return string(b)
}

// generateSuggestion asks for the next suggestion of idea i, given the
// suggestions already stored for it.
func (tr *trialRun) generateSuggestion(ctx context.Context, i int, idea experiment.Idea) (string, error) {
	o := tr.o
	records, err := o.store.HistoryForIdea(ctx, tr.index, i)
	if err != nil {
		return "", fmt.Errorf("load idea %d: %w", i, err)
	}
	var prior []string
	for _, r := range experiment.Filter(records, experiment.KindSuggestion) {
		prior = append(prior, r.Suggestion.Text)
	}

	user := fmt.Sprintf(suggestionUserPrompt, idea.Name, idea.Description, renderList(prior))
	reply, err := o.generate(ctx, llm.RoleSuggestion, []llm.Message{
		llm.System(suggestionSystemPrompt),
		llm.User(user),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// assess scores an idea against related work in up to Scoring.MaxRounds
// rounds. Papers returned in one round are excluded from the next.
func (tr *trialRun) assess(ctx context.Context, idea experiment.Idea) (*experiment.IdeaAssessment, error) {
	o := tr.o
	result := &experiment.IdeaAssessment{}
	seen := append([]string(nil), idea.Provenance...)
	query := idea.Description
	var history []llm.Message

	for round := 1; round <= o.cfg.Scoring.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		refs, err := o.search(ctx, knowledge.SearchRequest{
			Index:      knowledge.IndexPapers,
			Query:      query,
			TopK:       o.cfg.Scoring.TopK,
			ExcludeIDs: seen,
		})
		if err != nil {
			return nil, err
		}
		ids := knowledge.IDs(refs)
		seen = append(seen, ids...)
		result.RelatedWork = append(result.RelatedWork, ids...)
		result.Rounds = round

		related, err := tr.summarize(ctx, refs)
		if err != nil {
			return nil, fmt.Errorf("summarize related work: %w", err)
		}
		user := fmt.Sprintf(scoringUserPrompt, idea.Name, idea.Description, round, o.cfg.Scoring.MaxRounds, related)
		raw, err := o.converse(ctx, llm.RoleScoring, scoringSystemPrompt, history, user, UnlimitedHistory)
		if err != nil {
			return nil, err
		}
		history = append(history, llm.User(user), llm.Assistant(raw))
		reply, err := reparse(ctx, o, raw, scoringFormat, parseAssessment)
		if err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) {
				return nil, err
			}
			o.logger.Warn("assessment scores missing, leaving idea unscored", "round", round, "field", pe.Field)
			break
		}
		result.Originality = experiment.Scored(reply.Originality)
		result.Feasibility = experiment.Scored(reply.Feasibility)
		result.Versatility = experiment.Scored(reply.Versatility)
		if !reply.LackInformation {
			break
		}
		if reply.KeySentences != "" {
			query = reply.KeySentences
		}
	}
	return result, nil
}

// summarize condenses the retrieved papers with the summary role.
func (tr *trialRun) summarize(ctx context.Context, refs []knowledge.Chunk) (string, error) {
	rendered := knowledge.Render(refs)
	if len(refs) == 0 {
		return rendered, nil
	}
	reply, err := tr.o.generate(ctx, llm.RoleSummary, []llm.Message{
		llm.System(fmt.Sprintf(summarySystemPrompt, summaryMaxWords)),
		llm.User(fmt.Sprintf(summaryUserPrompt, rendered)),
	})
	if err != nil {
		return "", err
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		return rendered, nil
	}
	return reply, nil
}

// runSuggestion is the code-validate-reflect sub-loop. At most
// MaxReflections reflections run, so a suggestion gets at most
// MaxReflections+1 attempts.
func (tr *trialRun) runSuggestion(ctx context.Context, i, s int, idea experiment.Idea, suggestion string) (experiment.SuggestionOutcome, error) {
	o := tr.o
	t := tr.index
	logger := o.logger.With("trial", t, "idea", i, "suggestion", s)
	sm := NewStateMachine()
	out := experiment.SuggestionOutcome{State: sm.State()}
	step := func(states ...experiment.SuggestionState) error {
		for _, st := range states {
			if err := sm.Transition(st); err != nil {
				return err
			}
		}
		out.State = sm.State()
		return nil
	}

	refs, err := o.search(ctx, knowledge.SearchRequest{
		Index: knowledge.IndexDocs,
		Query: suggestion,
		TopK:  o.cfg.KnowledgeTopK,
	})
	if err != nil {
		return out, err
	}

	opening := fmt.Sprintf(codeUserPrompt, idea.Name, idea.Description, suggestion,
		o.cfg.Pipeline.Device.NQubits, o.cfg.SeedCode, knowledge.Render(refs))
	maxReflections := o.cfg.Budgets.MaxReflections

	for a := 0; ; a++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		records, err := o.store.HistoryForSuggestion(ctx, t, i, s)
		if err != nil {
			return out, fmt.Errorf("load suggestion %d.%d: %w", i, s, err)
		}
		history, user, previous := codeConversation(records, opening, suggestion)
		raw, err := o.converse(ctx, llm.RoleCode, codeSystemPrompt, history, user, o.cfg.History.Code)
		if err != nil {
			return out, fmt.Errorf("generate code: %w", err)
		}
		code := llm.StripCodeFence(raw)
		out.Attempts = a + 1
		if err := step(experiment.StateCodeGenerated, experiment.StateValidating); err != nil {
			return out, err
		}

		path := experiment.RoundPath(t, i, s, a)
		result, className, duration, err := tr.check(ctx, code, previous)
		if err != nil {
			return out, err
		}
		artifact := &experiment.CodeArtifact{
			Attempt:     a,
			ClassName:   className,
			Source:      code,
			Status:      result.Status,
			Diagnostics: result.Diagnostics,
		}
		if _, err := o.record(ctx, path, artifact); err != nil {
			return out, err
		}
		o.metrics.observeArtifact(result.Status)

		var (
			cause experiment.ReflectionCause
			input string
		)
		if !result.Valid() {
			if err := step(experiment.StateInvalid); err != nil {
				return out, err
			}
			logger.Info("artifact invalid", "attempt", a, "diagnostics", firstLine(result.Diagnostics))
			cause, input = experiment.CauseInvalid, result.Diagnostics
		} else {
			if err := step(experiment.StateValid, experiment.StateEvaluating); err != nil {
				return out, err
			}
			value, ok := result.Metrics[o.cfg.PrimaryMetric]
			accepted := o.cfg.Acceptance.Accepts(value, ok)
			rec, err := o.record(ctx, path, &experiment.EvaluationResult{
				Metrics:       result.Metrics,
				PrimaryMetric: o.cfg.PrimaryMetric,
				Accepted:      accepted,
				Duration:      duration,
			})
			if err != nil {
				return out, err
			}
			o.emit(ctx, rec)
			logger.Info("artifact evaluated", "attempt", a, o.cfg.PrimaryMetric, value, "accepted", accepted)

			if accepted {
				if err := step(experiment.StateAccepted); err != nil {
					return out, err
				}
				tr.accepted = true
				return out, nil
			}
			cause, input = experiment.CauseBelowThreshold, renderMetrics(result.Metrics)
		}

		if a >= maxReflections {
			if err := step(experiment.StateExhausted); err != nil {
				return out, err
			}
			return out, nil
		}
		if err := step(experiment.StateReflecting); err != nil {
			return out, err
		}
		if err := tr.reflect(ctx, path, cause, input, code); err != nil {
			return out, fmt.Errorf("reflect: %w", err)
		}
		out.Reflections++
	}
}

// codeConversation rebuilds the code exchange of one suggestion from its
// stored artifacts and reflections. It returns the past exchanges, the
// next user turn and the most recent source.
func codeConversation(records []experiment.Record, opening, suggestion string) (history []llm.Message, next, previous string) {
	next = opening
	for _, r := range records {
		switch r.Key.Kind {
		case experiment.KindCodeArtifact:
			history = append(history, llm.User(next), llm.Assistant("```python\n"+r.Artifact.Source+"\n```"))
			previous = r.Artifact.Source
		case experiment.KindReflection:
			next = fmt.Sprintf(codeRetryPrompt, suggestion, r.Reflection.Output)
		}
	}
	return history, next, previous
}

// check runs static validation and, if it passes, the evaluator.
func (tr *trialRun) check(ctx context.Context, code, previous string) (evaluator.Outcome, string, time.Duration, error) {
	o := tr.o
	var className string
	if o.validator != nil {
		res, err := retry.DoValue(ctx, o.policy, "validate", func(ctx context.Context) (*validate.Result, error) {
			return o.validator.Check(ctx, code, previous)
		})
		if err != nil {
			return evaluator.Outcome{}, "", 0, fmt.Errorf("pre-validate: %w", err)
		}
		className = res.ClassName
		if !res.Valid {
			return evaluator.Invalid("%s", res.Diagnostics()), className, 0, nil
		}
	}

	pipeline := o.cfg.Pipeline
	if className != "" {
		pipeline = pipeline.WithImplementation(className)
	}
	start := o.now()
	result, err := o.eval.ValidateAndScore(ctx, code, pipeline)
	duration := o.now().Sub(start)
	if err != nil {
		return evaluator.Outcome{}, className, duration, fmt.Errorf("evaluate: %w", err)
	}
	o.metrics.observeEvaluation(duration)
	return result.Normalize(), className, duration, nil
}

func (tr *trialRun) reflect(ctx context.Context, path experiment.IndexPath, cause experiment.ReflectionCause, input, code string) error {
	o := tr.o
	var user string
	switch cause {
	case experiment.CauseInvalid:
		user = fmt.Sprintf(reflectionInvalidPrompt, input, code)
	default:
		user = fmt.Sprintf(reflectionScorePrompt, o.cfg.PrimaryMetric, input, code, o.cfg.PrimaryMetric)
	}
	reply, err := o.generate(ctx, llm.RoleReflection, []llm.Message{
		llm.System(reflectionSystemPrompt),
		llm.User(user),
	})
	if err != nil {
		return err
	}
	if _, err := o.record(ctx, path, &experiment.Reflection{
		Round:  path.Round,
		Cause:  cause,
		Input:  input,
		Output: strings.TrimSpace(reply),
	}); err != nil {
		return err
	}
	o.metrics.observeReflection(cause)
	return nil
}

// =============================================================================
// Collaborator helpers
// =============================================================================

func (o *Orchestrator) generate(ctx context.Context, role llm.Role, messages []llm.Message) (string, error) {
	return retry.DoValue(ctx, o.policy, "generate "+string(role), func(ctx context.Context) (string, error) {
		return o.gen.Generate(ctx, role, messages)
	})
}

// converse sends user after the last keep exchanges of history.
func (o *Orchestrator) converse(ctx context.Context, role llm.Role, system string, history []llm.Message, user string, keep int) (string, error) {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.System(system))
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.User(user))
	return o.generate(ctx, role, llm.TruncateHistory(msgs, keep))
}

func (o *Orchestrator) search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.Chunk, error) {
	if o.knowledge == nil || req.TopK <= 0 || strings.TrimSpace(req.Query) == "" {
		return nil, nil
	}
	chunks, err := retry.DoValue(ctx, o.policy, "search "+string(req.Index), func(ctx context.Context) ([]knowledge.Chunk, error) {
		return o.knowledge.Search(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	return chunks, nil
}

func (o *Orchestrator) record(ctx context.Context, path experiment.IndexPath, payload any) (experiment.Record, error) {
	rec, err := experiment.NewRecord(path, payload)
	if err != nil {
		return experiment.Record{}, err
	}
	if err := o.store.Append(ctx, rec); err != nil {
		return experiment.Record{}, fmt.Errorf("append %s: %w", rec.Key, err)
	}
	return rec, nil
}

func (o *Orchestrator) emit(ctx context.Context, rec experiment.Record) {
	if o.sink == nil {
		return
	}
	if err := o.sink.RecordEvaluation(ctx, o.cfg.Experiment, o.cfg.RunID, rec); err != nil {
		o.logger.Warn("evaluation sink failed", "key", rec.Key.String(), "error", err)
	}
}

// reparse re-asks the parsing role to reformat raw until parse succeeds or
// MaxParseRetries is spent. The last *ParseError is returned on failure;
// collaborator errors are returned as they are.
func reparse[T any](ctx context.Context, o *Orchestrator, raw, format string, parse func(string) (T, error)) (T, error) {
	v, err := parse(raw)
	for attempt := 1; err != nil && attempt <= o.cfg.ParseRetries(); attempt++ {
		var pe *ParseError
		if !errors.As(err, &pe) {
			return v, err
		}
		o.logger.Warn("malformed structured output, re-asking", "field", pe.Field, "attempt", attempt)
		fixed, gerr := o.generate(ctx, llm.RoleParsing, []llm.Message{
			llm.System(parsingSystemPrompt),
			llm.User(fmt.Sprintf(parsingUserPrompt, format, raw)),
		})
		if gerr != nil {
			return v, gerr
		}
		v, err = parse(fixed)
	}
	return v, err
}

// =============================================================================
// Rendering
// =============================================================================

func renderIdeas(ideas []experiment.Idea) string {
	if len(ideas) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for i, idea := range ideas {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, idea.Name, idea.Description)
	}
	return strings.TrimSpace(sb.String())
}

func renderList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(items, "\n- ")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
