// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor drives pipeline runs through their step DAG. It
// reacts to dispatch-level step settlements, computes which steps turn
// ready or unreachable, performs terminal actions (stop, merge) inline
// against the git substrate, and finalizes the run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/dispatch"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// contextLogTailLines is how much of a predecessor's log a
// continue-in-context step carries along.
const contextLogTailLines = 100

// ErrRunNotFound is returned for operations on runs the executor does
// not track.
var ErrRunNotFound = errors.New("run not found")

// Store is the slice of persistence the executor needs.
type Store interface {
	GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	GetNonTerminalRuns(ctx context.Context) ([]*models.PipelineRun, error)
	UpdatePipelineRunStatus(ctx context.Context, runID string, status models.RunStatus, errorMessage string) error
	UpdatePipelineRunProgress(ctx context.Context, runID string, stepsCompleted int) error
	UpdateStep(ctx context.Context, step *models.Step) error
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
	GetLogTailByStep(ctx context.Context, stepID string, n int) ([]models.LogLine, error)
}

// GitOps is the slice of the git substrate terminal actions need.
type GitOps interface {
	MergeBranch(ctx context.Context, repoID, sourceBranch, targetBranch string) (string, error)
}

// StepDispatcher hands ready steps to runners.
type StepDispatcher interface {
	Enqueue(item dispatch.Item)
	Withdraw(stepID string) bool
	Cancel(ctx context.Context, stepID, reason string)
}

// DebugLookup resolves a pending debug session for a step, if any.
// Returns the session token and the effective breakpoints.
type DebugLookup func(ctx context.Context, runID string, stepIndex int) (string, []string, bool)

// runState is the in-memory execution state of one run.
type runState struct {
	run     *models.PipelineRun
	graph   models.Graph
	byIndex map[int]*models.Step
	byID    map[string]*models.Step

	// launched guards against double-dispatching a step that is still
	// in ready status while queued at the dispatcher.
	launched map[string]bool

	cloneURL string

	cancelRequested bool
	stopOutcome     models.RunStatus // set by a stop step
	stopMessage     string
	finalized       bool
}

// Executor owns all in-flight runs.
type Executor struct {
	db         Store
	git        GitOps
	dispatcher StepDispatcher
	bus        *eventbus.Bus
	log        zerolog.Logger

	mu   sync.Mutex
	runs map[string]*runState

	debugLookup   DebugLookup
	onRunFinished func(runID string, status models.RunStatus)
}

// NewExecutor creates an executor. The dispatcher's callbacks are wired
// here; the executor is the dispatcher's only consumer.
func NewExecutor(db Store, git GitOps, d *dispatch.Dispatcher, bus *eventbus.Bus) *Executor {
	e := &Executor{
		db:         db,
		git:        git,
		dispatcher: d,
		bus:        bus,
		log:        logger.GetExecutorLogger(),
		runs:       make(map[string]*runState),
	}
	d.OnDispatched(e.handleDispatched)
	d.OnAcked(e.handleAcked)
	d.OnSettled(e.handleSettled)
	return e
}

// SetDebugLookup installs the debug session resolver. Optional.
func (e *Executor) SetDebugLookup(fn DebugLookup) { e.debugLookup = fn }

// OnRunFinished installs a callback fired when a run reaches a terminal
// status. Optional.
func (e *Executor) OnRunFinished(fn func(runID string, status models.RunStatus)) {
	e.onRunFinished = fn
}

// StartRun loads a persisted run and begins executing it. The run and
// its step rows must already exist; a zero-step run passes immediately.
func (e *Executor) StartRun(ctx context.Context, runID string) error {
	run, err := e.db.GetPipelineRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	return e.admit(ctx, run)
}

// Resume reloads every non-terminal run after a restart. Steps that
// were offered to or executing on a runner are reset to ready, since no
// runner survives a control plane restart with its assignment intact.
func (e *Executor) Resume(ctx context.Context) error {
	runs, err := e.db.GetNonTerminalRuns(ctx)
	if err != nil {
		return fmt.Errorf("loading non-terminal runs: %w", err)
	}
	for _, run := range runs {
		for i := range run.Steps {
			step := &run.Steps[i]
			switch step.Status {
			case models.StepStatusDispatched, models.StepStatusBusy, models.StepStatusCompleting:
				step.Status = models.StepStatusReady
				step.RunnerID = ""
				if err := e.db.UpdateStep(ctx, step); err != nil {
					e.log.Error().Err(err).Str("step_id", step.ID).Msg("failed to reset step for resume")
				}
			}
		}
		if err := e.admit(ctx, run); err != nil {
			e.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to resume run")
			continue
		}
		e.log.Info().Str("run_id", run.ID).Msg("run resumed")
	}
	return nil
}

// admit builds the in-memory state for a run and kicks it forward.
func (e *Executor) admit(ctx context.Context, run *models.PipelineRun) error {
	repo, err := e.db.GetRepo(ctx, run.RepoID)
	if err != nil {
		return fmt.Errorf("loading repo %s: %w", run.RepoID, err)
	}
	if repo == nil {
		return fmt.Errorf("run %s references unknown repo %s", run.ID, run.RepoID)
	}

	rs := &runState{
		run:      run,
		graph:    run.Graph,
		byIndex:  make(map[int]*models.Step, len(run.Steps)),
		byID:     make(map[string]*models.Step, len(run.Steps)),
		launched: make(map[string]bool, len(run.Steps)),
		cloneURL: repo.CloneURL,
	}
	for i := range run.Steps {
		step := &run.Steps[i]
		rs.byIndex[step.Index] = step
		rs.byID[step.ID] = step
	}

	e.mu.Lock()
	if _, exists := e.runs[run.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("run %s already executing", run.ID)
	}
	e.runs[run.ID] = rs
	e.mu.Unlock()

	if run.Status == models.RunStatusPending {
		run.Status = models.RunStatusRunning
		if err := e.db.UpdatePipelineRunStatus(ctx, run.ID, models.RunStatusRunning, ""); err != nil {
			e.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to mark run running")
		}
		e.publishRun(rs)
	}

	// Entry steps with no predecessors become ready immediately. On a
	// resumed run advance also re-dispatches steps already ready.
	e.advance(ctx, run.ID)
	return nil
}

// Cancel stops a run: queued steps are withdrawn, executing steps are
// told to stop, everything else is marked cancelled. Idempotent.
func (e *Executor) Cancel(ctx context.Context, runID, reason string) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if rs.cancelRequested {
		e.mu.Unlock()
		return nil
	}
	rs.cancelRequested = true

	var toCancel []*models.Step
	var executing []*models.Step
	for _, step := range rs.byIndex {
		switch step.Status {
		case models.StepStatusPending, models.StepStatusReady, models.StepStatusDispatched:
			toCancel = append(toCancel, step)
		case models.StepStatusBusy, models.StepStatusCompleting:
			executing = append(executing, step)
		}
	}
	for _, step := range toCancel {
		step.Status = models.StepStatusCancelled
		now := time.Now()
		step.CompletedAt = &now
	}
	e.mu.Unlock()

	for _, step := range toCancel {
		e.dispatcher.Withdraw(step.ID)
		if err := e.db.UpdateStep(ctx, step); err != nil {
			e.log.Error().Err(err).Str("step_id", step.ID).Msg("failed to persist cancelled step")
		}
		e.publishStep(rs, step)
	}
	for _, step := range executing {
		e.dispatcher.Cancel(ctx, step.ID, reason)
	}

	e.log.Info().Str("run_id", runID).Str("reason", reason).Msg("run cancellation requested")
	e.advance(ctx, runID)
	return nil
}

// handleDispatched records that a step was offered to a runner.
func (e *Executor) handleDispatched(stepID, runnerID string) {
	ctx := context.Background()
	e.mu.Lock()
	rs, step := e.lookupStep(stepID)
	// An ack can overtake this callback; never regress past busy.
	if step == nil || step.Status != models.StepStatusReady {
		e.mu.Unlock()
		return
	}
	step.Status = models.StepStatusDispatched
	step.RunnerID = runnerID
	e.mu.Unlock()

	if err := e.db.UpdateStep(ctx, step); err != nil {
		e.log.Error().Err(err).Str("step_id", stepID).Msg("failed to persist dispatched step")
	}
	e.publishStep(rs, step)
}

// handleAcked records that the runner confirmed and started the step.
func (e *Executor) handleAcked(stepID, runnerID string) {
	ctx := context.Background()
	e.mu.Lock()
	rs, step := e.lookupStep(stepID)
	if step == nil || step.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	step.Status = models.StepStatusBusy
	step.RunnerID = runnerID
	now := time.Now()
	step.StartedAt = &now
	e.mu.Unlock()

	if err := e.db.UpdateStep(ctx, step); err != nil {
		e.log.Error().Err(err).Str("step_id", stepID).Msg("failed to persist busy step")
	}
	e.publishStep(rs, step)
}

// handleSettled applies a dispatch-level outcome to the step and moves
// the run forward.
func (e *Executor) handleSettled(outcome dispatch.Outcome) {
	ctx := context.Background()

	e.mu.Lock()
	rs, step := e.lookupStep(outcome.StepID)
	if step == nil || step.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	runID := rs.run.ID
	step.Status = models.StepStatusCompleting
	e.mu.Unlock()
	e.publishStep(rs, step)

	e.mu.Lock()
	now := time.Now()
	step.Status = outcome.Status
	step.ExitCode = outcome.ExitCode
	step.Summary = outcome.Summary
	step.OutputCommit = outcome.OutputCommit
	step.FailureKind = outcome.FailureKind
	step.ErrorMessage = outcome.ErrorMessage
	step.CompletedAt = &now
	if outcome.RunnerID != "" {
		step.RunnerID = outcome.RunnerID
	}
	if outcome.OutputCommit != "" {
		rs.run.HeadCommit = outcome.OutputCommit
	}
	completed := rs.run.StepsCompleted
	if step.Status == models.StepStatusCompleted {
		rs.run.StepsCompleted++
		completed = rs.run.StepsCompleted
	}
	e.mu.Unlock()

	if err := e.db.UpdateStep(ctx, step); err != nil {
		e.log.Error().Err(err).Str("step_id", step.ID).Msg("failed to persist settled step")
	}
	if step.Status == models.StepStatusCompleted {
		if err := e.db.UpdatePipelineRunProgress(ctx, runID, completed); err != nil {
			e.log.Error().Err(err).Str("run_id", runID).Msg("failed to persist run progress")
		}
	}
	e.publishStep(rs, step)

	e.log.Info().
		Str("run_id", runID).
		Str("step_id", step.ID).
		Str("status", string(step.Status)).
		Str("failure_kind", string(step.FailureKind)).
		Msg("step settled")

	e.advance(ctx, runID)
}

// lookupStep finds a step across all tracked runs. Caller holds e.mu.
func (e *Executor) lookupStep(stepID string) (*runState, *models.Step) {
	for _, rs := range e.runs {
		if step, ok := rs.byID[stepID]; ok {
			return rs, step
		}
	}
	return nil, nil
}

// advance recomputes the frontier of a run: newly ready steps are
// dispatched or executed inline, unreachable steps are cancelled, and
// the run is finalized once every step has settled.
func (e *Executor) advance(ctx context.Context, runID string) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	if !ok || rs.finalized {
		e.mu.Unlock()
		return
	}

	var ready, unreachable []*models.Step
	changed := true
	for changed {
		changed = false
		for _, step := range rs.byIndex {
			if step.Status != models.StepStatusPending {
				continue
			}
			switch e.gateLocked(rs, step.Index) {
			case gateOpen:
				step.Status = models.StepStatusReady
				ready = append(ready, step)
				changed = true
			case gateClosed:
				step.Status = models.StepStatusCancelled
				now := time.Now()
				step.CompletedAt = &now
				unreachable = append(unreachable, step)
				changed = true
			}
		}
	}

	// Ready steps found on a resume (already persisted as ready) must be
	// re-dispatched even though they did not transition here.
	for _, step := range rs.byIndex {
		if step.Status == models.StepStatusReady && !rs.launched[step.ID] && !containsStep(ready, step) {
			ready = append(ready, step)
		}
	}
	for _, step := range ready {
		rs.launched[step.ID] = true
	}

	if rs.cancelRequested {
		for i := 0; i < len(ready); i++ {
			ready[i].Status = models.StepStatusCancelled
			now := time.Now()
			ready[i].CompletedAt = &now
			unreachable = append(unreachable, ready[i])
		}
		ready = nil
	}

	done := true
	for _, step := range rs.byIndex {
		if !step.Status.Terminal() {
			done = false
			break
		}
	}
	var finalStatus models.RunStatus
	var finalMessage string
	if done {
		rs.finalized = true
		finalStatus, finalMessage = e.runOutcomeLocked(rs)
		rs.run.Status = finalStatus
		rs.run.ErrorMessage = finalMessage
		delete(e.runs, runID)
	}
	e.mu.Unlock()

	for _, step := range unreachable {
		if err := e.db.UpdateStep(ctx, step); err != nil {
			e.log.Error().Err(err).Str("step_id", step.ID).Msg("failed to persist unreachable step")
		}
		e.publishStep(rs, step)
	}

	for _, step := range ready {
		if err := e.db.UpdateStep(ctx, step); err != nil {
			e.log.Error().Err(err).Str("step_id", step.ID).Msg("failed to persist ready step")
		}
		e.publishStep(rs, step)
		e.launch(ctx, rs, step)
	}

	if done {
		e.finalize(ctx, rs, finalStatus, finalMessage)
	}
}

type gate int

const (
	gateWaiting gate = iota // some predecessor not settled yet
	gateOpen                // every incoming edge fired
	gateClosed              // an incoming edge can no longer fire
)

// gateLocked evaluates a pending step's incoming edges. Caller holds
// e.mu. A step joins on all of its incoming edges: every edge must
// fire for it to run; one impossible edge makes it unreachable.
func (e *Executor) gateLocked(rs *runState, index int) gate {
	incoming := rs.graph.IncomingEdges(index)
	if len(incoming) == 0 {
		return gateOpen
	}
	result := gateOpen
	for _, edge := range incoming {
		src, ok := rs.byIndex[edge.From]
		if !ok {
			return gateClosed
		}
		switch src.Status {
		case models.StepStatusCompleted:
			if edge.Condition == models.EdgeOnFailure {
				return gateClosed
			}
		case models.StepStatusFailed:
			if edge.Condition == models.EdgeOnSuccess {
				return gateClosed
			}
		case models.StepStatusCancelled:
			return gateClosed
		default:
			result = gateWaiting
		}
	}
	return result
}

func containsStep(steps []*models.Step, step *models.Step) bool {
	for _, s := range steps {
		if s.ID == step.ID {
			return true
		}
	}
	return false
}

// launch routes a ready step: agent steps go to the dispatcher,
// terminal actions run inline on their own goroutine.
func (e *Executor) launch(ctx context.Context, rs *runState, step *models.Step) {
	tmpl := step.Spec.Template()
	switch tmpl.EffectiveKind() {
	case models.StepKindAgent:
		e.dispatcher.Enqueue(e.buildItem(ctx, rs, step, tmpl))
	case models.StepKindStop:
		go e.execStop(rs, step, tmpl)
	case models.StepKindMerge:
		go e.execMerge(rs, step, tmpl)
	}
}

// buildItem assembles the dispatch item and wire frame for a step.
func (e *Executor) buildItem(ctx context.Context, rs *runState, step *models.Step, tmpl models.StepTemplate) dispatch.Item {
	assign := protocol.AssignStep{
		StepID:            step.ID,
		StepIndex:         step.Index,
		StepName:          step.Name,
		Command:           tmpl.Command,
		Image:             tmpl.Image,
		Env:               tmpl.Env,
		RepoID:            rs.run.RepoID,
		CloneURL:          rs.cloneURL,
		Branch:            rs.run.Branch,
		BaseCommit:        e.baseCommitFor(rs, step),
		TimeoutSeconds:    tmpl.TimeoutSeconds,
		ContinueInContext: tmpl.ContinueInContext,
		Breakpoints:       tmpl.Breakpoints,
	}

	if tmpl.ContinueInContext {
		assign.ContextLogTail = e.contextTail(ctx, rs, step)
	}

	if e.debugLookup != nil {
		if token, breakpoints, ok := e.debugLookup(ctx, rs.run.ID, step.Index); ok {
			assign.DebugToken = token
			if len(breakpoints) > 0 {
				assign.Breakpoints = breakpoints
			}
		}
	}

	return dispatch.Item{
		StepID:       step.ID,
		RunID:        rs.run.ID,
		RunCreatedAt: rs.run.CreatedAt,
		StepIndex:    step.Index,
		Selector:     tmpl.Selector,
		Timeout:      time.Duration(tmpl.TimeoutSeconds) * time.Second,
		Assign:       assign,
	}
}

// baseCommitFor prefers the output commit of a completed predecessor,
// falling back to the run's base. The latest-indexed completed
// predecessor with an output commit wins.
func (e *Executor) baseCommitFor(rs *runState, step *models.Step) string {
	base := rs.run.BaseCommit
	bestIndex := -1
	for _, edge := range rs.graph.IncomingEdges(step.Index) {
		src, ok := rs.byIndex[edge.From]
		if !ok || !src.Succeeded() || src.OutputCommit == "" {
			continue
		}
		if src.Index > bestIndex {
			bestIndex = src.Index
			base = src.OutputCommit
		}
	}
	return base
}

// contextTail collects the log tail of the predecessor whose context
// the step continues in.
func (e *Executor) contextTail(ctx context.Context, rs *runState, step *models.Step) []string {
	pred := e.contextPredecessor(rs, step)
	if pred == nil {
		return nil
	}
	lines, err := e.db.GetLogTailByStep(ctx, pred.ID, contextLogTailLines)
	if err != nil {
		e.log.Warn().Err(err).Str("step_id", pred.ID).Msg("failed to load context log tail")
		return nil
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, line.Line)
	}
	return out
}

// contextPredecessor picks the predecessor a continue-in-context step
// resumes from: the latest-indexed settled predecessor whose edge
// fired. On retry after a failure this lands on the last predecessor
// that actually ran.
func (e *Executor) contextPredecessor(rs *runState, step *models.Step) *models.Step {
	var pred *models.Step
	for _, edge := range rs.graph.IncomingEdges(step.Index) {
		src, ok := rs.byIndex[edge.From]
		if !ok || !src.Status.Terminal() || src.Status == models.StepStatusCancelled {
			continue
		}
		if pred == nil || src.Index > pred.Index {
			pred = src
		}
	}
	return pred
}

// execStop performs a stop terminal action: the run ends with the
// configured outcome and everything still pending is cancelled.
func (e *Executor) execStop(rs *runState, step *models.Step, tmpl models.StepTemplate) {
	ctx := context.Background()

	e.mu.Lock()
	rs.stopOutcome = models.RunStatus(tmpl.StopOutcome)
	rs.stopMessage = fmt.Sprintf("stopped by step %d (%s)", step.Index, step.Name)
	// Park the stop step in completing so the cancellation sweep below
	// does not catch it; it settles completed right after.
	step.Status = models.StepStatusCompleting
	e.mu.Unlock()

	// Cancel everything else before settling so advance sees the stop.
	if err := e.Cancel(ctx, rs.run.ID, "run stopped by terminal step"); err != nil && !errors.Is(err, ErrRunNotFound) {
		e.log.Warn().Err(err).Str("run_id", rs.run.ID).Msg("stop step cancellation sweep failed")
	}

	e.handleSettled(dispatch.Outcome{
		StepID:  step.ID,
		RunID:   rs.run.ID,
		Status:  models.StepStatusCompleted,
		Summary: fmt.Sprintf("run stopped with outcome %s", tmpl.StopOutcome),
	})
}

// execMerge performs a merge terminal action inline: the run branch is
// merged into the target via the git substrate and the step settles
// with a synthesized result.
func (e *Executor) execMerge(rs *runState, step *models.Step, tmpl models.StepTemplate) {
	ctx := context.Background()

	commit, err := e.git.MergeBranch(ctx, rs.run.RepoID, rs.run.Branch, tmpl.MergeBranch)
	outcome := dispatch.Outcome{
		StepID: step.ID,
		RunID:  rs.run.ID,
	}
	if err != nil {
		outcome.Status = models.StepStatusFailed
		outcome.FailureKind = models.FailureGitOperation
		outcome.ErrorMessage = err.Error()
		e.log.Warn().Err(err).
			Str("run_id", rs.run.ID).
			Str("target", tmpl.MergeBranch).
			Msg("merge step failed")
	} else {
		outcome.Status = models.StepStatusCompleted
		outcome.OutputCommit = commit
		outcome.Summary = fmt.Sprintf("merged %s into %s", rs.run.Branch, tmpl.MergeBranch)
	}

	e.handleSettled(outcome)
}

// runOutcomeLocked decides the final status once all steps settled.
// A stop step's outcome wins; an explicit cancel makes the run
// cancelled; otherwise any failed step fails the run.
func (e *Executor) runOutcomeLocked(rs *runState) (models.RunStatus, string) {
	if rs.stopOutcome != "" {
		return rs.stopOutcome, rs.stopMessage
	}
	if rs.cancelRequested {
		return models.RunStatusCancelled, ""
	}
	for _, step := range rs.byIndex {
		if step.Status == models.StepStatusFailed {
			msg := fmt.Sprintf("step %d (%s) failed", step.Index, step.Name)
			if step.FailureKind != "" {
				msg = fmt.Sprintf("%s: %s", msg, step.FailureKind)
			}
			return models.RunStatusFailed, msg
		}
	}
	return models.RunStatusPassed, ""
}

// finalize persists and announces a run's terminal status.
func (e *Executor) finalize(ctx context.Context, rs *runState, status models.RunStatus, message string) {
	if err := e.db.UpdatePipelineRunStatus(ctx, rs.run.ID, status, message); err != nil {
		e.log.Error().Err(err).Str("run_id", rs.run.ID).Msg("failed to persist run status")
	}
	e.publishRun(rs)

	e.log.Info().
		Str("run_id", rs.run.ID).
		Str("status", string(status)).
		Msg("run finished")

	if e.onRunFinished != nil {
		e.onRunFinished(rs.run.ID, status)
	}
}

// Tracked reports whether the executor currently drives the run.
func (e *Executor) Tracked(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[runID]
	return ok
}

func (e *Executor) publishRun(rs *runState) {
	if e.bus == nil {
		return
	}
	e.bus.PublishState(
		eventbus.Topic{Kind: eventbus.TopicRun, ID: rs.run.ID},
		"run_status",
		map[string]any{
			"run_id":          rs.run.ID,
			"pipeline_id":     rs.run.PipelineID,
			"status":          rs.run.Status,
			"steps_total":     rs.run.StepsTotal,
			"steps_completed": rs.run.StepsCompleted,
			"error_message":   rs.run.ErrorMessage,
		},
	)
}

func (e *Executor) publishStep(rs *runState, step *models.Step) {
	if e.bus == nil || rs == nil {
		return
	}
	e.bus.PublishState(
		eventbus.Topic{Kind: eventbus.TopicRun, ID: rs.run.ID},
		"step_status",
		map[string]any{
			"run_id":        rs.run.ID,
			"step_id":       step.ID,
			"index":         step.Index,
			"name":          step.Name,
			"status":        step.Status,
			"runner_id":     step.RunnerID,
			"failure_kind":  step.FailureKind,
			"error_message": step.ErrorMessage,
		},
	)
}
