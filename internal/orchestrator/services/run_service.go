// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

var (
	runLog     *zerolog.Logger
	runLogOnce sync.Once
)

func getRunLog() *zerolog.Logger {
	runLogOnce.Do(func() {
		l := logger.GetServicesLogger().With().Str("component", "runs").Logger()
		runLog = &l
	})
	return runLog
}

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// RunStore is the persistence surface the run service needs.
type RunStore interface {
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
	GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error)
	CreatePipelineRun(ctx context.Context, run *models.PipelineRun, steps []*models.Step) error
	GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	GetPipelineRunsByRepo(ctx context.Context, repoID string) ([]*models.PipelineRun, error)
	GetNonTerminalRuns(ctx context.Context) ([]*models.PipelineRun, error)
	UpdateRepoDamagedBranches(ctx context.Context, repoID string, damaged models.StringList) error
}

// RunExecutor drives admitted runs. Satisfied by the pipeline executor.
type RunExecutor interface {
	StartRun(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID, reason string) error
}

// StartRunParams describes a run to create.
type StartRunParams struct {
	RepoID     string
	PipelineID string
	CardID     string
	Trigger    models.RunTrigger
	// Branch is the working branch of the run. Empty means a fresh
	// lazyaf/<run-id> branch cut from BaseRef.
	Branch string
	// BaseRef is the ref the working branch starts from. Empty means
	// the repo default branch.
	BaseRef string
	// OnPass and OnFail are optional termination actions, currently
	// empty or "merge:<branch>".
	OnPass string
	OnFail string
}

// RunService creates pipeline runs and keeps repository state in sync
// with the git substrate.
type RunService struct {
	db   RunStore
	git  *GitManager
	exec RunExecutor
	bus  *eventbus.Bus

	onRunFinished func(runID string, status models.RunStatus)
}

// NewRunService wires the run service. It also registers itself as the
// git manager's live-run lookup so orphan sweeps spare active runs.
func NewRunService(db RunStore, git *GitManager, exec RunExecutor, bus *eventbus.Bus) *RunService {
	rs := &RunService{db: db, git: git, exec: exec, bus: bus}
	git.SetLiveRunLookup(rs.liveRuns)
	return rs
}

// Start creates a run from a pipeline's graph snapshot, cuts its
// working branch, persists the run with its steps, and admits it to
// the executor.
func (rs *RunService) Start(ctx context.Context, params StartRunParams) (*models.PipelineRun, error) {
	repo, err := rs.db.GetRepo(ctx, params.RepoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repo: %w", err)
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repo %s", ErrNotFound, params.RepoID)
	}
	pipeline, err := rs.db.GetPipeline(ctx, params.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, params.PipelineID)
	}
	if pipeline.RepoID != repo.ID {
		return nil, fmt.Errorf("pipeline %s does not belong to repo %s", pipeline.ID, repo.ID)
	}
	if err := pipeline.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline graph is invalid: %w", err)
	}

	runID := uuid.New().String()
	branch := params.Branch
	if branch == "" {
		branch = "lazyaf/" + runID[:8]
	}
	baseRef := params.BaseRef
	if baseRef == "" {
		baseRef = repo.DefaultBranch
	}

	gs, err := rs.git.Service(repo.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open repo storage: %w", err)
	}
	baseCommit, err := gs.CreateBranch(ctx, branch, baseRef)
	if err != nil {
		return nil, fmt.Errorf("failed to cut run branch: %w", err)
	}

	trigger := params.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}

	run := &models.PipelineRun{
		ID:         runID,
		PipelineID: pipeline.ID,
		RepoID:     repo.ID,
		CardID:     params.CardID,
		Trigger:    trigger,
		Status:     models.RunStatusPending,
		Graph:      pipeline.Graph,
		GraphHash:  models.ComputeGraphHash(pipeline.Graph),
		StepsTotal: len(pipeline.Graph.Steps),
		OnPass:     params.OnPass,
		OnFail:     params.OnFail,
		Branch:     branch,
		BaseCommit: baseCommit,
	}
	steps := make([]*models.Step, 0, len(pipeline.Graph.Steps))
	for _, tpl := range pipeline.Graph.Steps {
		steps = append(steps, &models.Step{
			ID:     uuid.New().String(),
			RunID:  runID,
			Index:  tpl.Index,
			Name:   tpl.Name,
			Spec:   models.StepSpec(tpl),
			Status: models.StepStatusPending,
		})
	}
	if err := rs.db.CreatePipelineRun(ctx, run, steps); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	rs.bus.PublishState(eventbus.Topic{Kind: eventbus.TopicRun, ID: runID}, "run_created", run)
	getRunLog().Info().
		Str("run_id", runID).
		Str("repo_id", repo.ID).
		Str("pipeline_id", pipeline.ID).
		Str("branch", branch).
		Str("trigger", string(trigger)).
		Int("steps", len(steps)).
		Msg("run created")

	if err := rs.exec.StartRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to admit run: %w", err)
	}
	return rs.db.GetPipelineRun(ctx, runID)
}

// Cancel requests cancellation of a run.
func (rs *RunService) Cancel(ctx context.Context, runID, reason string) error {
	return rs.exec.Cancel(ctx, runID, reason)
}

// OnRunFinished installs a callback invoked after termination actions
// have been applied. Optional.
func (rs *RunService) OnRunFinished(fn func(runID string, status models.RunStatus)) {
	rs.onRunFinished = fn
}

// HandleRunFinished applies a finished run's on_pass/on_fail action.
// Cancelled runs take neither. Installed as the executor's finish hook.
func (rs *RunService) HandleRunFinished(runID string, status models.RunStatus) {
	ctx := context.Background()
	run, err := rs.db.GetPipelineRun(ctx, runID)
	if err != nil || run == nil {
		getRunLog().Error().Err(err).Str("run_id", runID).Msg("failed to load finished run")
	} else {
		var action string
		switch status {
		case models.RunStatusPassed:
			action = run.OnPass
		case models.RunStatusFailed:
			action = run.OnFail
		}
		if target, ok := strings.CutPrefix(action, "merge:"); ok {
			if commit, err := rs.git.MergeBranch(ctx, run.RepoID, run.Branch, target); err != nil {
				getRunLog().Warn().Err(err).
					Str("run_id", runID).
					Str("target", target).
					Msg("termination merge failed")
			} else {
				getRunLog().Info().
					Str("run_id", runID).
					Str("target", target).
					Str("commit", commit).
					Msg("termination merge applied")
			}
		}
	}
	if rs.onRunFinished != nil {
		rs.onRunFinished(runID, status)
	}
}

// Sync re-reads a repository's branch heads, records damaged branches,
// and fires any push triggers whose pattern matches a branch with a tip
// that has not been run yet.
func (rs *RunService) Sync(ctx context.Context, repoID string) ([]*models.PipelineRun, error) {
	repo, err := rs.db.GetRepo(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repo: %w", err)
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repo %s", ErrNotFound, repoID)
	}
	gs, err := rs.git.Service(repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to open repo storage: %w", err)
	}
	branches, err := gs.Branches(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	var damaged models.StringList
	for _, b := range branches {
		if b.Damaged {
			damaged = append(damaged, b.Name)
		}
	}
	if err := rs.db.UpdateRepoDamagedBranches(ctx, repoID, damaged); err != nil {
		return nil, fmt.Errorf("failed to record damaged branches: %w", err)
	}
	rs.bus.PublishState(eventbus.Topic{Kind: eventbus.TopicRepo, ID: repoID}, "repo_synced", map[string]any{
		"repo_id":          repoID,
		"branches":         branches,
		"damaged_branches": damaged,
	})

	if len(repo.Triggers) == 0 {
		return nil, nil
	}
	existing, err := rs.db.GetPipelineRunsByRepo(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing runs: %w", err)
	}

	var started []*models.PipelineRun
	for _, b := range branches {
		if b.Damaged || b.Name == repo.DefaultBranch {
			continue
		}
		for _, trig := range repo.Triggers {
			match, err := doublestar.Match(trig.BranchPattern, b.Name)
			if err != nil {
				getRunLog().Warn().Err(err).
					Str("repo_id", repoID).
					Str("pattern", trig.BranchPattern).
					Msg("invalid trigger pattern")
				continue
			}
			if !match || alreadyRan(existing, trig.PipelineID, b.SHA) {
				continue
			}
			run, err := rs.Start(ctx, StartRunParams{
				RepoID:     repoID,
				PipelineID: trig.PipelineID,
				Trigger:    models.TriggerPush,
				Branch:     b.Name,
				BaseRef:    b.Name,
				OnPass:     trig.OnPass,
				OnFail:     trig.OnFail,
			})
			if err != nil {
				getRunLog().Error().Err(err).
					Str("repo_id", repoID).
					Str("branch", b.Name).
					Str("pipeline_id", trig.PipelineID).
					Msg("push trigger failed to start run")
				continue
			}
			started = append(started, run)
		}
	}
	return started, nil
}

// Reinitialize recovers a repository with damaged branches: non-default
// refs are quarantined, the default branch is rebuilt if unreadable,
// and the damage record is cleared.
func (rs *RunService) Reinitialize(ctx context.Context, repoID string) ([]string, error) {
	gs, err := rs.git.Service(repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to open repo storage: %w", err)
	}
	quarantined, err := gs.Reinitialize(ctx)
	if err != nil {
		return quarantined, err
	}
	if err := rs.db.UpdateRepoDamagedBranches(ctx, repoID, models.StringList{}); err != nil {
		return quarantined, fmt.Errorf("failed to clear damage record: %w", err)
	}
	rs.bus.PublishState(eventbus.Topic{Kind: eventbus.TopicRepo, ID: repoID}, "repo_reinitialized", map[string]any{
		"repo_id":             repoID,
		"quarantined_branches": quarantined,
	})
	return quarantined, nil
}

// liveRuns reports the run IDs whose worktrees the orphan sweep must
// keep.
func (rs *RunService) liveRuns(ctx context.Context) (map[string]bool, error) {
	runs, err := rs.db.GetNonTerminalRuns(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(runs))
	for _, run := range runs {
		live[run.ID] = true
	}
	return live, nil
}

func alreadyRan(runs []*models.PipelineRun, pipelineID, baseCommit string) bool {
	for _, run := range runs {
		if run.PipelineID == pipelineID && run.BaseCommit == baseCommit {
			return true
		}
	}
	return false
}
