// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/registry"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

type assignCall struct {
	RunnerID string
	Frame    protocol.AssignStep
}

type fakeSender struct {
	mu      sync.Mutex
	assigns []assignCall
	cancels []protocol.CancelStep
	aborts  []protocol.AbortStep
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

func (f *fakeSender) SendAbort(_ string, abort protocol.AbortStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, abort)
	return nil
}

func (f *fakeSender) assignCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigns)
}

func (f *fakeSender) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborts)
}

func (f *fakeSender) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		AssignAckTimeout:   25 * time.Millisecond,
		MaxAssignRetries:   2,
		StepDefaultTimeout: 5 * time.Second,
		CancelGraceWindow:  100 * time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, cfg config.DispatchConfig) (*Dispatcher, *registry.Registry, *fakeSender) {
	t.Helper()
	reg := registry.NewRegistry(config.RegistryConfig{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatDeadline: 30 * time.Second,
	}, nil, nil)
	sender := &fakeSender{}
	d := NewDispatcher(cfg, reg, sender)
	return d, reg, sender
}

func registerRunner(t *testing.T, reg *registry.Registry, name, runnerType string, labels map[string]string) string {
	t.Helper()
	id, err := reg.Register(context.Background(), "", name, runnerType, labels)
	require.NoError(t, err)
	// Successive registrations must have distinct idle timestamps for
	// the longest-idle ordering to be observable.
	time.Sleep(2 * time.Millisecond)
	return id
}

func queuedItem(stepID, runID string, created time.Time, index int, sel models.Selector) Item {
	return Item{
		StepID:       stepID,
		RunID:        runID,
		RunCreatedAt: created,
		StepIndex:    index,
		Selector:     sel,
		Assign: protocol.AssignStep{
			StepID:   stepID,
			StepName: stepID,
			Command:  "true",
		},
	}
}

func TestDispatchOrderFollowsRunThenIndex(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	registerRunner(t, reg, "a", "shell", nil)
	registerRunner(t, reg, "b", "shell", nil)
	registerRunner(t, reg, "c", "shell", nil)

	base := time.Now()
	// Enqueue out of order; dispatch must honor (run created, index).
	d.Enqueue(queuedItem("step-r2-0", "run-2", base.Add(time.Minute), 0, models.Selector{}))
	d.Enqueue(queuedItem("step-r1-1", "run-1", base, 1, models.Selector{}))
	d.Enqueue(queuedItem("step-r1-0", "run-1", base, 0, models.Selector{}))

	d.dispatchPass(ctx)

	require.Equal(t, 3, sender.assignCount())
	assert.Equal(t, "step-r1-0", sender.assigns[0].Frame.StepID)
	assert.Equal(t, "step-r1-1", sender.assigns[1].Frame.StepID)
	assert.Equal(t, "step-r2-0", sender.assigns[2].Frame.StepID)
}

func TestDispatchPicksLongestIdleRunner(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	first := registerRunner(t, reg, "first", "shell", nil)
	registerRunner(t, reg, "second", "shell", nil)

	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))
	d.dispatchPass(ctx)

	require.Equal(t, 1, sender.assignCount())
	assert.Equal(t, first, sender.assigns[0].RunnerID)
}

func TestSelectorMismatchDoesNotBlockLaterSteps(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	registerRunner(t, reg, "a", "shell", nil)

	base := time.Now()
	d.Enqueue(queuedItem("step-docker", "run-1", base, 0, models.Selector{RunnerType: "docker"}))
	d.Enqueue(queuedItem("step-shell", "run-1", base, 1, models.Selector{RunnerType: "shell"}))

	d.dispatchPass(ctx)

	require.Equal(t, 1, sender.assignCount())
	assert.Equal(t, "step-shell", sender.assigns[0].Frame.StepID)
	assert.Equal(t, 1, d.QueueDepth())
}

func TestSelectorLabelsMustAllMatch(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	registerRunner(t, reg, "a", "shell", map[string]string{"zone": "eu"})
	match := registerRunner(t, reg, "b", "shell", map[string]string{"zone": "eu", "gpu": "yes"})

	sel := models.Selector{Labels: map[string]string{"zone": "eu", "gpu": "yes"}}
	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, sel))
	d.dispatchPass(ctx)

	require.Equal(t, 1, sender.assignCount())
	assert.Equal(t, match, sender.assigns[0].RunnerID)
}

func TestAckThenResultSettlesStep(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	var acked []string
	d.OnAcked(func(stepID, _ string) { acked = append(acked, stepID) })
	settled := make(chan Outcome, 1)
	d.OnSettled(func(o Outcome) { settled <- o })

	runnerID := registerRunner(t, reg, "a", "shell", nil)
	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))
	d.dispatchPass(ctx)
	require.Equal(t, 1, sender.assignCount())

	d.HandleAck(ctx, runnerID, "step-1")
	assert.Equal(t, []string{"step-1"}, acked)
	runner, _ := reg.Get(runnerID)
	assert.Equal(t, models.RunnerStateBusy, runner.State)

	d.HandleResult(ctx, runnerID, protocol.StepResult{
		StepID:       "step-1",
		Status:       "completed",
		ExitCode:     0,
		Summary:      "done",
		OutputCommit: "abc123",
	})

	outcome := <-settled
	assert.Equal(t, models.StepStatusCompleted, outcome.Status)
	assert.Equal(t, "abc123", outcome.OutputCommit)
	assert.Equal(t, runnerID, outcome.RunnerID)

	runner, _ = reg.Get(runnerID)
	assert.Equal(t, models.RunnerStateIdle, runner.State)
	assert.Equal(t, 0, d.InflightCount())
}

func TestDuplicateAckIgnored(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	ackCount := 0
	d.OnAcked(func(_, _ string) { ackCount++ })

	runnerID := registerRunner(t, reg, "a", "shell", nil)
	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))
	d.dispatchPass(ctx)

	d.HandleAck(ctx, runnerID, "step-1")
	d.HandleAck(ctx, runnerID, "step-1")

	assert.Equal(t, 1, ackCount)
	assert.Equal(t, 0, sender.abortCount())
}

func TestUnknownAckAbortsRunner(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	runnerID := registerRunner(t, reg, "a", "shell", nil)
	d.HandleAck(ctx, runnerID, "step-nobody-knows")

	require.Equal(t, 1, sender.abortCount())
	assert.Equal(t, "step-nobody-knows", sender.aborts[0].StepID)
}

func TestAckTimeoutRetriesThenFails(t *testing.T) {
	cfg := testDispatchConfig()
	d, reg, sender := newTestDispatcher(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settled := make(chan Outcome, 1)
	d.OnSettled(func(o Outcome) { settled <- o })

	runnerID := registerRunner(t, reg, "a", "shell", nil)

	d.Start(ctx)
	defer d.Stop()

	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))

	var outcome Outcome
	select {
	case outcome = <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("step never settled")
	}

	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Equal(t, models.FailureAssignTimeout, outcome.FailureKind)
	// One attempt per retry budget slot, an abort per lapsed attempt.
	assert.Equal(t, cfg.MaxAssignRetries, sender.assignCount())
	assert.Equal(t, cfg.MaxAssignRetries, sender.abortCount())

	runner, _ := reg.Get(runnerID)
	assert.Equal(t, models.RunnerStateIdle, runner.State)
	assert.Equal(t, 0, d.InflightCount())
}

func TestStepTimeoutCancelsAndFails(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.AssignAckTimeout = time.Second
	d, reg, sender := newTestDispatcher(t, cfg)
	ctx := context.Background()

	settled := make(chan Outcome, 1)
	d.OnSettled(func(o Outcome) { settled <- o })

	runnerID := registerRunner(t, reg, "a", "shell", nil)

	item := queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{})
	item.Timeout = 30 * time.Millisecond
	d.Enqueue(item)
	d.dispatchPass(ctx)
	d.HandleAck(ctx, runnerID, "step-1")

	var outcome Outcome
	select {
	case outcome = <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("step never timed out")
	}

	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Equal(t, models.FailureStepTimeout, outcome.FailureKind)
	require.Equal(t, 1, sender.cancelCount())
	assert.Equal(t, "timeout", sender.cancels[0].Reason)

	runner, _ := reg.Get(runnerID)
	assert.Equal(t, models.RunnerStateIdle, runner.State)
}

func TestStepTimeoutGraceHonorsTerminationReply(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.AssignAckTimeout = time.Second
	cfg.CancelGraceWindow = 500 * time.Millisecond
	d, reg, sender := newTestDispatcher(t, cfg)
	ctx := context.Background()

	settled := make(chan Outcome, 2)
	d.OnSettled(func(o Outcome) { settled <- o })

	runnerID := registerRunner(t, reg, "a", "shell", nil)
	item := queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{})
	item.Timeout = 20 * time.Millisecond
	d.Enqueue(item)
	d.dispatchPass(ctx)
	d.HandleAck(ctx, runnerID, "step-1")

	// The budget lapses: a cancel goes out but the step stays open for
	// the runner's termination reply.
	require.Eventually(t, func() bool { return sender.cancelCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.InflightCount())
	select {
	case o := <-settled:
		t.Fatalf("settled before the grace window closed: %+v", o)
	default:
	}

	// The runner terminates inside the window. Its reported status is
	// discarded; the settlement is still a timeout failure.
	d.HandleResult(ctx, runnerID, protocol.StepResult{StepID: "step-1", Status: "cancelled"})
	outcome := <-settled
	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Equal(t, models.FailureStepTimeout, outcome.FailureKind)

	runner, _ := reg.Get(runnerID)
	assert.Equal(t, models.RunnerStateIdle, runner.State)
	assert.Equal(t, 0, d.InflightCount())
}

func TestStepTimeoutGraceExpiryDropsLateReply(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.AssignAckTimeout = time.Second
	cfg.CancelGraceWindow = 30 * time.Millisecond
	d, reg, sender := newTestDispatcher(t, cfg)
	ctx := context.Background()

	settled := make(chan Outcome, 2)
	d.OnSettled(func(o Outcome) { settled <- o })

	runnerID := registerRunner(t, reg, "a", "shell", nil)
	item := queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{})
	item.Timeout = 20 * time.Millisecond
	d.Enqueue(item)
	d.dispatchPass(ctx)
	d.HandleAck(ctx, runnerID, "step-1")

	var outcome Outcome
	select {
	case outcome = <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("step never settled after the grace window")
	}
	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Equal(t, models.FailureStepTimeout, outcome.FailureKind)
	require.Equal(t, 1, sender.cancelCount())

	// A reply after the window is dropped.
	d.HandleResult(ctx, runnerID, protocol.StepResult{StepID: "step-1", Status: "completed"})
	select {
	case o := <-settled:
		t.Fatalf("unexpected second settlement: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
	runner, _ := reg.Get(runnerID)
	assert.Equal(t, models.RunnerStateIdle, runner.State)
}

func TestRetryAfterAckTimeoutPrefersUntriedRunner(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.AssignAckTimeout = 20 * time.Millisecond
	d, reg, sender := newTestDispatcher(t, cfg)
	ctx := context.Background()

	a := registerRunner(t, reg, "a", "shell", nil)
	b := registerRunner(t, reg, "b", "shell", nil)

	// Park b on another step so the first offer can only go to a.
	require.NoError(t, reg.Assign(ctx, b, "step-other"))

	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))
	d.dispatchPass(ctx)
	require.Equal(t, 1, sender.assignCount())
	assert.Equal(t, a, sender.assigns[0].RunnerID)

	// The ack deadline lapses and a is released; b turns idle after
	// that, so a is the longest-idle candidate on the retry pass. The
	// retry must still go to b, which has not been offered this step.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, reg.Release(ctx, b))

	d.dispatchPass(ctx)
	require.Equal(t, 2, sender.assignCount())
	assert.Equal(t, b, sender.assigns[1].RunnerID)
}

func TestRunnerDeathFailsHeldStep(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	settled := make(chan Outcome, 2)
	d.OnSettled(func(o Outcome) { settled <- o })

	runnerID := registerRunner(t, reg, "a", "shell", nil)
	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))
	d.dispatchPass(ctx)
	d.HandleAck(ctx, runnerID, "step-1")

	reg.Disconnect(ctx, runnerID)

	outcome := <-settled
	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Equal(t, models.FailureRunnerDisappeared, outcome.FailureKind)
	assert.Equal(t, "step-1", outcome.StepID)

	// A late result from the vanished runner must not settle again.
	d.HandleResult(ctx, runnerID, protocol.StepResult{StepID: "step-1", Status: "completed"})
	select {
	case o := <-settled:
		t.Fatalf("unexpected second settlement: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelQueuedStepSettlesCancelled(t *testing.T) {
	d, _, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	settled := make(chan Outcome, 1)
	d.OnSettled(func(o Outcome) { settled <- o })

	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))
	d.Cancel(ctx, "step-1", "run cancelled")

	outcome := <-settled
	assert.Equal(t, models.StepStatusCancelled, outcome.Status)
	assert.Equal(t, 0, d.QueueDepth())
	assert.Equal(t, 0, sender.cancelCount())
}

func TestCancelInflightStepSendsCancelFrame(t *testing.T) {
	d, reg, sender := newTestDispatcher(t, testDispatchConfig())
	ctx := context.Background()

	runnerID := registerRunner(t, reg, "a", "shell", nil)
	d.Enqueue(queuedItem("step-1", "run-1", time.Now(), 0, models.Selector{}))
	d.dispatchPass(ctx)
	d.HandleAck(ctx, runnerID, "step-1")

	d.Cancel(ctx, "step-1", "user requested")

	require.Equal(t, 1, sender.cancelCount())
	assert.Equal(t, "user requested", sender.cancels[0].Reason)
	// Step stays inflight until the runner reports the cancelled result.
	assert.Equal(t, 1, d.InflightCount())
}
