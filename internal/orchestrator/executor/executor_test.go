// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/orchestrator/dispatch"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/registry"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

type fakeStore struct {
	mu          sync.Mutex
	runs        map[string]*models.PipelineRun
	repos       map[string]*models.Repo
	runStatus   map[string]models.RunStatus
	runMessage  map[string]string
	progress    map[string]int
	logTails    map[string][]models.LogLine
	nonTerminal []*models.PipelineRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:       make(map[string]*models.PipelineRun),
		repos:      make(map[string]*models.Repo),
		runStatus:  make(map[string]models.RunStatus),
		runMessage: make(map[string]string),
		progress:   make(map[string]int),
		logTails:   make(map[string][]models.LogLine),
	}
}

func (f *fakeStore) GetPipelineRun(_ context.Context, runID string) (*models.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID], nil
}

func (f *fakeStore) GetNonTerminalRuns(_ context.Context) ([]*models.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonTerminal, nil
}

func (f *fakeStore) UpdatePipelineRunStatus(_ context.Context, runID string, status models.RunStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runStatus[runID] = status
	f.runMessage[runID] = message
	return nil
}

func (f *fakeStore) UpdatePipelineRunProgress(_ context.Context, runID string, stepsCompleted int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[runID] = stepsCompleted
	return nil
}

func (f *fakeStore) UpdateStep(_ context.Context, _ *models.Step) error { return nil }

func (f *fakeStore) GetRepo(_ context.Context, repoID string) (*models.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[repoID], nil
}

func (f *fakeStore) GetLogTailByStep(_ context.Context, stepID string, _ int) ([]models.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logTails[stepID], nil
}

func (f *fakeStore) status(runID string) models.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runStatus[runID]
}

type fakeGit struct {
	mu     sync.Mutex
	commit string
	err    error
	merges [][3]string
}

func (f *fakeGit) MergeBranch(_ context.Context, repoID, source, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, [3]string{repoID, source, target})
	return f.commit, f.err
}

type assignCall struct {
	RunnerID string
	Frame    protocol.AssignStep
}

type fakeSender struct {
	mu      sync.Mutex
	assigns []assignCall
	cancels []protocol.CancelStep
}

func (f *fakeSender) SendAssign(runnerID string, assign protocol.AssignStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns = append(f.assigns, assignCall{RunnerID: runnerID, Frame: assign})
	return nil
}

func (f *fakeSender) SendCancel(_ string, cancel protocol.CancelStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cancel)
	return nil
}

func (f *fakeSender) SendAbort(_ string, _ protocol.AbortStep) error { return nil }

func (f *fakeSender) assignCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigns)
}

func (f *fakeSender) assign(i int) assignCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assigns[i]
}

type env struct {
	exec     *Executor
	store    *fakeStore
	git      *fakeGit
	d        *dispatch.Dispatcher
	reg      *registry.Registry
	sender   *fakeSender
	runnerID string
	finished chan models.RunStatus
	cancel   context.CancelFunc
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store := newFakeStore()
	store.repos["repo-1"] = &models.Repo{ID: "repo-1", Name: "demo", CloneURL: "http://localhost/git/demo.git"}

	git := &fakeGit{commit: "merge-sha"}
	reg := registry.NewRegistry(config.RegistryConfig{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatDeadline: 30 * time.Second,
	}, nil, nil)
	sender := &fakeSender{}
	d := dispatch.NewDispatcher(config.DispatchConfig{
		AssignAckTimeout:   2 * time.Second,
		MaxAssignRetries:   2,
		StepDefaultTimeout: 5 * time.Second,
		CancelGraceWindow:  time.Second,
	}, reg, sender)

	exec := NewExecutor(store, git, d, nil)
	finished := make(chan models.RunStatus, 1)
	exec.OnRunFinished(func(_ string, status models.RunStatus) { finished <- status })

	runnerID, err := reg.Register(ctx, "", "worker-1", "shell", nil)
	require.NoError(t, err)

	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})

	return &env{
		exec: exec, store: store, git: git, d: d, reg: reg,
		sender: sender, runnerID: runnerID, finished: finished, cancel: cancel,
	}
}

func makeRun(id string, graph models.Graph) *models.PipelineRun {
	run := &models.PipelineRun{
		ID:         id,
		PipelineID: "pl-1",
		RepoID:     "repo-1",
		Trigger:    models.TriggerManual,
		Status:     models.RunStatusPending,
		Graph:      graph,
		Branch:     "lazyaf/" + id,
		BaseCommit: "base-sha",
		CreatedAt:  time.Now(),
	}
	for _, tmpl := range graph.Steps {
		run.Steps = append(run.Steps, models.Step{
			ID:     fmt.Sprintf("%s-s%d", id, tmpl.Index),
			RunID:  id,
			Index:  tmpl.Index,
			Name:   tmpl.Name,
			Spec:   models.StepSpec(tmpl),
			Status: models.StepStatusPending,
		})
	}
	return run
}

func (e *env) startRun(t *testing.T, run *models.PipelineRun) {
	t.Helper()
	e.store.mu.Lock()
	e.store.runs[run.ID] = run
	e.store.mu.Unlock()
	require.NoError(t, e.exec.StartRun(context.Background(), run.ID))
}

func (e *env) waitAssigns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.sender.assignCount() >= n },
		3*time.Second, 5*time.Millisecond, "expected %d assignments", n)
}

func (e *env) completeStep(t *testing.T, stepID, outputCommit string) {
	t.Helper()
	ctx := context.Background()
	e.d.HandleAck(ctx, e.runnerID, stepID)
	e.d.HandleResult(ctx, e.runnerID, protocol.StepResult{
		StepID:       stepID,
		Status:       "completed",
		OutputCommit: outputCommit,
	})
}

func (e *env) failStep(t *testing.T, stepID string) {
	t.Helper()
	ctx := context.Background()
	e.d.HandleAck(ctx, e.runnerID, stepID)
	e.d.HandleResult(ctx, e.runnerID, protocol.StepResult{
		StepID:       stepID,
		Status:       "failed",
		ExitCode:     1,
		ErrorMessage: "command exited 1",
	})
}

func (e *env) waitFinished(t *testing.T) models.RunStatus {
	t.Helper()
	select {
	case status := <-e.finished:
		return status
	case <-time.After(3 * time.Second):
		t.Fatal("run never finished")
		return ""
	}
}

func agentStep(index int, name string) models.StepTemplate {
	return models.StepTemplate{Index: index, Name: name, Command: "true"}
}

func TestZeroStepRunPassesImmediately(t *testing.T) {
	e := newEnv(t)

	e.startRun(t, makeRun("run-empty", models.Graph{}))

	assert.Equal(t, models.RunStatusPassed, e.waitFinished(t))
	assert.Equal(t, models.RunStatusPassed, e.store.status("run-empty"))
}

func TestLinearRunCompletes(t *testing.T) {
	e := newEnv(t)

	graph := models.Graph{
		Steps: []models.StepTemplate{agentStep(0, "build"), agentStep(1, "test")},
		Edges: []models.Edge{{From: 0, To: 1, Condition: models.EdgeOnSuccess}},
	}
	run := makeRun("run-1", graph)
	e.startRun(t, run)

	e.waitAssigns(t, 1)
	first := e.assignFrame(t, 0)
	assert.Equal(t, "run-1-s0", first.StepID)
	assert.Equal(t, "base-sha", first.BaseCommit)
	assert.Equal(t, "http://localhost/git/demo.git", first.CloneURL)
	e.completeStep(t, "run-1-s0", "commit-0")

	e.waitAssigns(t, 2)
	second := e.assignFrame(t, 1)
	assert.Equal(t, "run-1-s1", second.StepID)
	// Successor builds on its predecessor's output commit.
	assert.Equal(t, "commit-0", second.BaseCommit)
	e.completeStep(t, "run-1-s1", "commit-1")

	assert.Equal(t, models.RunStatusPassed, e.waitFinished(t))
	assert.Equal(t, models.StepStatusCompleted, run.Steps[0].Status)
	assert.Equal(t, models.StepStatusCompleted, run.Steps[1].Status)

	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	assert.Equal(t, 2, e.store.progress["run-1"])
}

func (e *env) assignFrame(t *testing.T, i int) protocol.AssignStep {
	t.Helper()
	return e.assign(t, i).Frame
}

func (e *env) assign(t *testing.T, i int) assignCall {
	t.Helper()
	require.Greater(t, e.sender.assignCount(), i)
	return e.sender.assign(i)
}

func TestFailureEdgeRoutesAroundSuccessPath(t *testing.T) {
	e := newEnv(t)

	graph := models.Graph{
		Steps: []models.StepTemplate{
			agentStep(0, "build"),
			agentStep(1, "deploy"),
			agentStep(2, "report-failure"),
		},
		Edges: []models.Edge{
			{From: 0, To: 1, Condition: models.EdgeOnSuccess},
			{From: 0, To: 2, Condition: models.EdgeOnFailure},
		},
	}
	run := makeRun("run-2", graph)
	e.startRun(t, run)

	e.waitAssigns(t, 1)
	e.failStep(t, "run-2-s0")

	// The failure path dispatches; the success path is unreachable.
	e.waitAssigns(t, 2)
	assert.Equal(t, "run-2-s2", e.assignFrame(t, 1).StepID)
	e.completeStep(t, "run-2-s2", "")

	assert.Equal(t, models.RunStatusFailed, e.waitFinished(t))
	assert.Equal(t, models.StepStatusFailed, run.Steps[0].Status)
	assert.Equal(t, models.StepStatusCancelled, run.Steps[1].Status)
	assert.Equal(t, models.StepStatusCompleted, run.Steps[2].Status)
}

func TestStopStepEndsRunWithOutcome(t *testing.T) {
	e := newEnv(t)

	graph := models.Graph{
		Steps: []models.StepTemplate{
			agentStep(0, "gate"),
			{Index: 1, Name: "ship-it", Kind: models.StepKindStop, StopOutcome: "passed"},
			{Index: 2, Name: "never-runs", Command: "true",
				Selector: models.Selector{RunnerType: "gpu"}},
		},
		Edges: []models.Edge{
			{From: 0, To: 1, Condition: models.EdgeOnSuccess},
			{From: 0, To: 2, Condition: models.EdgeOnSuccess},
		},
	}
	run := makeRun("run-3", graph)
	e.startRun(t, run)

	e.waitAssigns(t, 1)
	e.completeStep(t, "run-3-s0", "commit-0")

	assert.Equal(t, models.RunStatusPassed, e.waitFinished(t))
	assert.Equal(t, models.StepStatusCompleted, run.Steps[1].Status)
	// The sibling step had no eligible runner and was swept by the stop.
	assert.Equal(t, models.StepStatusCancelled, run.Steps[2].Status)
}

func TestMergeStepSynthesizesResult(t *testing.T) {
	e := newEnv(t)

	graph := models.Graph{
		Steps: []models.StepTemplate{
			{Index: 0, Name: "merge-main", Kind: models.StepKindMerge, MergeBranch: "main"},
		},
	}
	run := makeRun("run-4", graph)
	e.startRun(t, run)

	assert.Equal(t, models.RunStatusPassed, e.waitFinished(t))
	assert.Equal(t, models.StepStatusCompleted, run.Steps[0].Status)
	assert.Equal(t, "merge-sha", run.Steps[0].OutputCommit)

	e.git.mu.Lock()
	defer e.git.mu.Unlock()
	require.Len(t, e.git.merges, 1)
	assert.Equal(t, [3]string{"repo-1", "lazyaf/run-4", "main"}, e.git.merges[0])
}

func TestMergeConflictFailsStep(t *testing.T) {
	e := newEnv(t)
	e.git.err = errors.New("merge conflict in main.go")
	e.git.commit = ""

	graph := models.Graph{
		Steps: []models.StepTemplate{
			{Index: 0, Name: "merge-main", Kind: models.StepKindMerge, MergeBranch: "main"},
		},
	}
	run := makeRun("run-5", graph)
	e.startRun(t, run)

	assert.Equal(t, models.RunStatusFailed, e.waitFinished(t))
	assert.Equal(t, models.StepStatusFailed, run.Steps[0].Status)
	assert.Equal(t, models.FailureGitOperation, run.Steps[0].FailureKind)
}

func TestRunnerDisappearedFailsStepAndRun(t *testing.T) {
	e := newEnv(t)

	run := makeRun("run-6", models.Graph{Steps: []models.StepTemplate{agentStep(0, "build")}})
	e.startRun(t, run)

	e.waitAssigns(t, 1)
	e.d.HandleAck(context.Background(), e.runnerID, "run-6-s0")
	e.reg.Disconnect(context.Background(), e.runnerID)

	assert.Equal(t, models.RunStatusFailed, e.waitFinished(t))
	assert.Equal(t, models.FailureRunnerDisappeared, run.Steps[0].FailureKind)
}

func TestCancelRun(t *testing.T) {
	e := newEnv(t)

	graph := models.Graph{
		Steps: []models.StepTemplate{agentStep(0, "build"), agentStep(1, "test")},
		Edges: []models.Edge{{From: 0, To: 1, Condition: models.EdgeOnSuccess}},
	}
	run := makeRun("run-7", graph)
	e.startRun(t, run)

	e.waitAssigns(t, 1)
	e.d.HandleAck(context.Background(), e.runnerID, "run-7-s0")

	require.NoError(t, e.exec.Cancel(context.Background(), "run-7", "user requested"))

	// The runner honors the cancel frame with a cancelled result.
	require.Eventually(t, func() bool {
		e.sender.mu.Lock()
		defer e.sender.mu.Unlock()
		return len(e.sender.cancels) == 1
	}, time.Second, 5*time.Millisecond)
	e.d.HandleResult(context.Background(), e.runnerID, protocol.StepResult{
		StepID: "run-7-s0",
		Status: "cancelled",
	})

	assert.Equal(t, models.RunStatusCancelled, e.waitFinished(t))
	assert.Equal(t, models.StepStatusCancelled, run.Steps[0].Status)
	assert.Equal(t, models.StepStatusCancelled, run.Steps[1].Status)
}

func TestContinueInContextCarriesLogTail(t *testing.T) {
	e := newEnv(t)

	graph := models.Graph{
		Steps: []models.StepTemplate{
			agentStep(0, "explore"),
			{Index: 1, Name: "implement", Command: "true", ContinueInContext: true},
		},
		Edges: []models.Edge{{From: 0, To: 1, Condition: models.EdgeOnSuccess}},
	}
	run := makeRun("run-8", graph)
	e.store.logTails["run-8-s0"] = []models.LogLine{
		{StepID: "run-8-s0", Line: "found the bug in parser.go"},
		{StepID: "run-8-s0", Line: "plan: rewrite tokenize()"},
	}
	e.startRun(t, run)

	e.waitAssigns(t, 1)
	e.completeStep(t, "run-8-s0", "commit-0")

	e.waitAssigns(t, 2)
	frame := e.assignFrame(t, 1)
	assert.True(t, frame.ContinueInContext)
	assert.Equal(t, []string{"found the bug in parser.go", "plan: rewrite tokenize()"}, frame.ContextLogTail)
}

func TestResumeResetsInterruptedSteps(t *testing.T) {
	e := newEnv(t)

	graph := models.Graph{
		Steps: []models.StepTemplate{agentStep(0, "build"), agentStep(1, "test")},
		Edges: []models.Edge{{From: 0, To: 1, Condition: models.EdgeOnSuccess}},
	}
	run := makeRun("run-9", graph)
	run.Status = models.RunStatusRunning
	run.Steps[0].Status = models.StepStatusBusy
	run.Steps[0].RunnerID = "gone-runner"

	e.store.mu.Lock()
	e.store.runs["run-9"] = run
	e.store.nonTerminal = []*models.PipelineRun{run}
	e.store.mu.Unlock()

	require.NoError(t, e.exec.Resume(context.Background()))

	// The interrupted step is re-offered to a live runner.
	e.waitAssigns(t, 1)
	assert.Equal(t, "run-9-s0", e.assignFrame(t, 0).StepID)
	e.completeStep(t, "run-9-s0", "commit-0")
	e.waitAssigns(t, 2)
	e.completeStep(t, "run-9-s1", "commit-1")

	assert.Equal(t, models.RunStatusPassed, e.waitFinished(t))
}
