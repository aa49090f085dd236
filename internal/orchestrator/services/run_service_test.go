// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

type fakeRunStore struct {
	mu        sync.Mutex
	repos     map[string]*models.Repo
	pipelines map[string]*models.Pipeline
	runs      []*models.PipelineRun
	steps     map[string][]*models.Step
	damaged   map[string]models.StringList
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		repos:     make(map[string]*models.Repo),
		pipelines: make(map[string]*models.Pipeline),
		steps:     make(map[string][]*models.Step),
		damaged:   make(map[string]models.StringList),
	}
}

func (s *fakeRunStore) GetRepo(_ context.Context, repoID string) (*models.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[repoID]
	if !ok {
		return nil, fmt.Errorf("repo not found: %s", repoID)
	}
	return repo, nil
}

func (s *fakeRunStore) GetPipeline(_ context.Context, pipelineID string) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("pipeline not found: %s", pipelineID)
	}
	return p, nil
}

func (s *fakeRunStore) CreatePipelineRun(_ context.Context, run *models.PipelineRun, steps []*models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	s.steps[run.ID] = steps
	return nil
}

func (s *fakeRunStore) GetPipelineRun(_ context.Context, runID string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ID == runID {
			return run, nil
		}
	}
	return nil, fmt.Errorf("run not found: %s", runID)
}

func (s *fakeRunStore) GetPipelineRunsByRepo(_ context.Context, repoID string) ([]*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PipelineRun
	for _, run := range s.runs {
		if run.RepoID == repoID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *fakeRunStore) GetNonTerminalRuns(_ context.Context) ([]*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PipelineRun
	for _, run := range s.runs {
		if !run.Status.Terminal() {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *fakeRunStore) UpdateRepoDamagedBranches(_ context.Context, repoID string, damaged models.StringList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.damaged[repoID] = damaged
	return nil
}

type fakeRunExecutor struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
}

func (e *fakeRunExecutor) StartRun(_ context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, runID)
	return nil
}

func (e *fakeRunExecutor) Cancel(_ context.Context, runID, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, runID)
	return nil
}

type runEnv struct {
	store *fakeRunStore
	git   *GitManager
	exec  *fakeRunExecutor
	svc   *RunService
}

func newRunEnv(t *testing.T) *runEnv {
	t.Helper()
	gm := NewGitManager(config.GitConfig{RepoStorageRoot: t.TempDir(), DefaultBranch: "main"})
	t.Cleanup(func() { _ = gm.Close() })
	_, err := gm.CreateRepo("repo-1")
	require.NoError(t, err)

	store := newFakeRunStore()
	store.repos["repo-1"] = &models.Repo{ID: "repo-1", Name: "demo", DefaultBranch: "main"}
	store.pipelines["pipe-1"] = &models.Pipeline{
		ID:     "pipe-1",
		RepoID: "repo-1",
		Name:   "build",
		Graph: models.Graph{
			Steps: []models.StepTemplate{{Index: 0, Name: "build", Command: "make"}},
		},
	}

	bus := eventbus.NewBus(eventbus.DefaultOptions())
	t.Cleanup(bus.Close)
	exec := &fakeRunExecutor{}
	return &runEnv{store: store, git: gm, exec: exec, svc: NewRunService(store, gm, exec, bus)}
}

func TestStartRunCutsBranchAndPersistsSteps(t *testing.T) {
	env := newRunEnv(t)
	ctx := context.Background()

	run, err := env.svc.Start(ctx, StartRunParams{RepoID: "repo-1", PipelineID: "pipe-1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(run.Branch, "lazyaf/"))
	assert.Equal(t, models.TriggerManual, run.Trigger)
	assert.NotEmpty(t, run.GraphHash)

	gs, err := env.git.Service("repo-1")
	require.NoError(t, err)
	tip, err := gs.ResolveRef(ctx, run.Branch)
	require.NoError(t, err)
	assert.Equal(t, run.BaseCommit, tip)

	steps := env.store.steps[run.ID]
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusPending, steps[0].Status)
	assert.Equal(t, "build", steps[0].Name)
	assert.Equal(t, []string{run.ID}, env.exec.started)
}

func TestStartRunUsesProvidedBranch(t *testing.T) {
	env := newRunEnv(t)

	run, err := env.svc.Start(context.Background(), StartRunParams{
		RepoID:     "repo-1",
		PipelineID: "pipe-1",
		CardID:     "card-1",
		Trigger:    models.TriggerCard,
		Branch:     "card/abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "card/abc123", run.Branch)
	assert.Equal(t, "card-1", run.CardID)
	assert.Equal(t, models.TriggerCard, run.Trigger)
}

func TestStartRunRejectsInvalidGraph(t *testing.T) {
	env := newRunEnv(t)
	env.store.pipelines["pipe-bad"] = &models.Pipeline{
		ID:     "pipe-bad",
		RepoID: "repo-1",
		Graph: models.Graph{
			Steps: []models.StepTemplate{{Index: 0, Name: "a"}, {Index: 1, Name: "b"}},
			Edges: []models.Edge{
				{From: 0, To: 1, Condition: models.EdgeOnSuccess},
				{From: 1, To: 0, Condition: models.EdgeOnSuccess},
			},
		},
	}

	_, err := env.svc.Start(context.Background(), StartRunParams{RepoID: "repo-1", PipelineID: "pipe-bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
	assert.Empty(t, env.exec.started)
}

func TestStartRunRejectsForeignPipeline(t *testing.T) {
	env := newRunEnv(t)
	env.store.repos["repo-2"] = &models.Repo{ID: "repo-2", Name: "other", DefaultBranch: "main"}

	_, err := env.svc.Start(context.Background(), StartRunParams{RepoID: "repo-2", PipelineID: "pipe-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")
}

func TestSyncFiresPushTriggersOnce(t *testing.T) {
	env := newRunEnv(t)
	ctx := context.Background()
	env.store.repos["repo-1"].Triggers = models.Triggers{
		{BranchPattern: "feature/**", PipelineID: "pipe-1"},
	}

	gs, err := env.git.Service("repo-1")
	require.NoError(t, err)
	key := WorktreeKey{Branch: "feature/login", RunID: "seed", StepIndex: 0}
	commitFile(t, gs, key, "main", "login.go", "package login\n", "add login")
	require.NoError(t, gs.RemoveWorktree(ctx, key, true))

	started, err := env.svc.Sync(ctx, "repo-1")
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "feature/login", started[0].Branch)
	assert.Equal(t, models.TriggerPush, started[0].Trigger)

	// The same tip does not fire the trigger again.
	again, err := env.svc.Sync(ctx, "repo-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSyncSkipsDefaultBranchTriggers(t *testing.T) {
	env := newRunEnv(t)
	env.store.repos["repo-1"].Triggers = models.Triggers{
		{BranchPattern: "**", PipelineID: "pipe-1"},
	}

	started, err := env.svc.Sync(context.Background(), "repo-1")
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestReinitializeQuarantinesAndClearsDamage(t *testing.T) {
	env := newRunEnv(t)
	ctx := context.Background()

	gs, err := env.git.Service("repo-1")
	require.NoError(t, err)
	key := WorktreeKey{Branch: "stale/work", RunID: "seed", StepIndex: 0}
	commitFile(t, gs, key, "main", "w.txt", "w\n", "stale work")
	require.NoError(t, gs.RemoveWorktree(ctx, key, true))
	env.store.damaged["repo-1"] = models.StringList{"stale/work"}

	quarantined, err := env.svc.Reinitialize(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"stale/work"}, quarantined)
	assert.Empty(t, env.store.damaged["repo-1"])
}

func TestHandleRunFinishedAppliesMergeAction(t *testing.T) {
	env := newRunEnv(t)
	ctx := context.Background()

	gs, err := env.git.Service("repo-1")
	require.NoError(t, err)
	key := WorktreeKey{Branch: "lazyaf/run-m", RunID: "run-m", StepIndex: 0}
	commitFile(t, gs, key, "main", "feature.go", "package feature\n", "add feature")
	require.NoError(t, gs.RemoveWorktree(ctx, key, true))
	mainBefore, err := gs.ResolveRef(ctx, "main")
	require.NoError(t, err)

	env.store.runs = append(env.store.runs, &models.PipelineRun{
		ID:     "run-m",
		RepoID: "repo-1",
		Branch: "lazyaf/run-m",
		Status: models.RunStatusPassed,
		OnPass: "merge:main",
	})
	var chained []models.RunStatus
	env.svc.OnRunFinished(func(_ string, status models.RunStatus) { chained = append(chained, status) })

	env.svc.HandleRunFinished("run-m", models.RunStatusPassed)

	mainAfter, err := gs.ResolveRef(ctx, "main")
	require.NoError(t, err)
	assert.NotEqual(t, mainBefore, mainAfter)
	// A successful merge leaves no content difference between the
	// branches.
	files, err := gs.Diff(ctx, "lazyaf/run-m", "main")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, []models.RunStatus{models.RunStatusPassed}, chained)
}

func TestHandleRunFinishedSkipsActionOnCancel(t *testing.T) {
	env := newRunEnv(t)
	ctx := context.Background()

	gs, err := env.git.Service("repo-1")
	require.NoError(t, err)
	key := WorktreeKey{Branch: "lazyaf/run-c", RunID: "run-c", StepIndex: 0}
	commitFile(t, gs, key, "main", "c.go", "package c\n", "work in progress")
	require.NoError(t, gs.RemoveWorktree(ctx, key, true))
	mainBefore, err := gs.ResolveRef(ctx, "main")
	require.NoError(t, err)

	env.store.runs = append(env.store.runs, &models.PipelineRun{
		ID:     "run-c",
		RepoID: "repo-1",
		Branch: "lazyaf/run-c",
		Status: models.RunStatusCancelled,
		OnPass: "merge:main",
		OnFail: "merge:main",
	})

	env.svc.HandleRunFinished("run-c", models.RunStatusCancelled)

	mainAfter, err := gs.ResolveRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, mainBefore, mainAfter)
}

func TestLiveRunsReportsNonTerminal(t *testing.T) {
	env := newRunEnv(t)
	env.store.runs = append(env.store.runs,
		&models.PipelineRun{ID: "run-a", RepoID: "repo-1", Status: models.RunStatusRunning},
		&models.PipelineRun{ID: "run-b", RepoID: "repo-1", Status: models.RunStatusPassed},
	)

	live, err := env.svc.liveRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"run-a": true}, live)
}
