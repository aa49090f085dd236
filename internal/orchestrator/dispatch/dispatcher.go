// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch matches ready steps to idle runners. Dispatch is
// event driven: the dispatcher sleeps until a step is enqueued or a
// runner turns idle, then walks the queue in (run-created-at,
// step-index) order. Handoff is two-phase: an assignment must be acked
// by the runner before its deadline or it is rolled back and retried.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/registry"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// Sender delivers frames to a connected runner. Implemented by the
// runner websocket hub.
type Sender interface {
	SendAssign(runnerID string, assign protocol.AssignStep) error
	SendCancel(runnerID string, cancel protocol.CancelStep) error
	SendAbort(runnerID string, abort protocol.AbortStep) error
}

// Item is one ready step waiting for a runner.
type Item struct {
	StepID       string
	RunID        string
	RunCreatedAt time.Time
	StepIndex    int
	Selector     models.Selector
	Timeout      time.Duration // 0 = dispatcher default
	Assign       protocol.AssignStep

	retries int             // assignment attempts consumed so far
	tried   map[string]bool // runners this step has already been offered to
}

// Outcome is the dispatch-level settlement of a step.
type Outcome struct {
	StepID       string
	RunID        string
	RunnerID     string
	Status       models.StepStatus // completed, failed or cancelled
	ExitCode     int
	Summary      string
	OutputCommit string
	FailureKind  models.FailureKind
	ErrorMessage string
}

// inflight tracks one step between assignment and settlement.
type inflight struct {
	item       *Item
	runnerID   string
	acked      bool
	timedOut   bool
	retries    int
	ackTimer   *time.Timer
	stepTimer  *time.Timer
	graceTimer *time.Timer
}

// Dispatcher owns the ready queue and the two-phase handoff.
type Dispatcher struct {
	cfg    config.DispatchConfig
	reg    *registry.Registry
	sender Sender
	log    zerolog.Logger

	mu       sync.Mutex
	queue    []*Item
	inflight map[string]*inflight // keyed by step ID

	onDispatched func(stepID, runnerID string)
	onAcked      func(stepID, runnerID string)
	onSettled    func(Outcome)

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher bound to a registry and a sender.
func NewDispatcher(cfg config.DispatchConfig, reg *registry.Registry, sender Sender) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		sender:   sender,
		log:      logger.GetDispatchLogger(),
		inflight: make(map[string]*inflight),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	reg.OnIdle(func(string) { d.Wake() })
	reg.OnDeath(d.handleRunnerDeath)
	return d
}

// OnDispatched installs the dispatched callback. Must be set before Start.
func (d *Dispatcher) OnDispatched(fn func(stepID, runnerID string)) { d.onDispatched = fn }

// OnAcked installs the ack callback. Must be set before Start.
func (d *Dispatcher) OnAcked(fn func(stepID, runnerID string)) { d.onAcked = fn }

// OnSettled installs the settlement callback. Must be set before Start.
func (d *Dispatcher) OnSettled(fn func(Outcome)) { d.onSettled = fn }

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
}

// Stop terminates the dispatch loop and waits for it.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Wake nudges the dispatch loop. Safe to call from any goroutine.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.wake:
			d.dispatchPass(ctx)
		}
	}
}

// Enqueue adds a ready step to the queue and wakes the loop.
func (d *Dispatcher) Enqueue(item Item) {
	d.mu.Lock()
	d.queue = append(d.queue, &item)
	sort.SliceStable(d.queue, func(i, j int) bool {
		if !d.queue[i].RunCreatedAt.Equal(d.queue[j].RunCreatedAt) {
			return d.queue[i].RunCreatedAt.Before(d.queue[j].RunCreatedAt)
		}
		return d.queue[i].StepIndex < d.queue[j].StepIndex
	})
	d.mu.Unlock()
	d.Wake()
}

// Withdraw removes a step that has not yet been assigned, e.g. because
// its run was cancelled. Returns false if the step was not queued.
func (d *Dispatcher) Withdraw(stepID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, item := range d.queue {
		if item.StepID == stepID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Cancel asks the runner executing a step to stop. Steps still queued
// are withdrawn and settled cancelled immediately.
func (d *Dispatcher) Cancel(ctx context.Context, stepID, reason string) {
	if d.Withdraw(stepID) {
		d.settle(ctx, Outcome{
			StepID: stepID,
			Status: models.StepStatusCancelled,
		}, nil)
		return
	}

	d.mu.Lock()
	fl, ok := d.inflight[stepID]
	if !ok {
		d.mu.Unlock()
		return
	}
	runnerID := fl.runnerID
	d.mu.Unlock()

	if err := d.sender.SendCancel(runnerID, protocol.CancelStep{StepID: stepID, Reason: reason}); err != nil {
		d.log.Warn().Err(err).Str("step_id", stepID).Msg("failed to send cancel")
	}
}

// dispatchPass walks the queue in order, assigning every step that has
// an eligible runner. Steps without one stay queued.
func (d *Dispatcher) dispatchPass(ctx context.Context) {
	for {
		d.mu.Lock()
		var picked *Item
		var runnerID string
		var queueIdx int
		for i, item := range d.queue {
			if id, ok := d.selectRunner(item); ok {
				picked = item
				runnerID = id
				queueIdx = i
				break
			}
		}
		if picked == nil {
			d.mu.Unlock()
			return
		}
		d.queue = append(d.queue[:queueIdx], d.queue[queueIdx+1:]...)
		d.mu.Unlock()

		d.assign(ctx, picked, runnerID)
	}
}

// selectRunner picks the eligible runner for a step: idle, selector
// match, longest idle first, runner ID as the tiebreaker. Runners the
// step was already offered to are skipped while an untried eligible
// runner exists, so retries after an ack timeout go to a distinct
// runner whenever the pool allows it. Caller holds d.mu only for queue
// state; registry snapshots are safe to take here.
func (d *Dispatcher) selectRunner(item *Item) (string, bool) {
	idle := d.reg.Idle()
	candidates := idle[:0]
	for _, r := range idle {
		if item.Selector.Matches(r.RunnerType, r.Labels) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastIdleSince.Equal(candidates[j].LastIdleSince) {
			return candidates[i].LastIdleSince.Before(candidates[j].LastIdleSince)
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, r := range candidates {
		if !item.tried[r.ID] {
			return r.ID, true
		}
	}
	return candidates[0].ID, true
}

// assign performs phase one of the handoff: reserve the runner, send
// AssignStep, and arm the ack deadline.
func (d *Dispatcher) assign(ctx context.Context, item *Item, runnerID string) {
	if err := d.reg.Assign(ctx, runnerID, item.StepID); err != nil {
		// The runner changed state under us; requeue and try again.
		d.log.Debug().Err(err).Str("step_id", item.StepID).Msg("runner reservation lost")
		d.Enqueue(*item)
		return
	}
	if item.tried == nil {
		item.tried = make(map[string]bool)
	}
	item.tried[runnerID] = true

	assignFrame := item.Assign
	assignFrame.StepID = item.StepID
	assignFrame.TimeoutSeconds = int(d.stepTimeout(item).Seconds())

	// Register the inflight entry before sending: a fast runner may ack
	// before SendAssign returns.
	fl := &inflight{item: item, runnerID: runnerID, retries: item.retries}
	fl.ackTimer = time.AfterFunc(d.cfg.AssignAckTimeout, func() {
		d.ackTimeout(item.StepID)
	})
	d.mu.Lock()
	d.inflight[item.StepID] = fl
	d.mu.Unlock()

	if err := d.sender.SendAssign(runnerID, assignFrame); err != nil {
		d.log.Warn().Err(err).
			Str("step_id", item.StepID).
			Str("runner_id", runnerID).
			Msg("failed to send assignment")
		fl.ackTimer.Stop()
		d.mu.Lock()
		delete(d.inflight, item.StepID)
		d.mu.Unlock()
		if relErr := d.reg.Release(ctx, runnerID); relErr != nil {
			d.log.Error().Err(relErr).Str("runner_id", runnerID).Msg("rollback release failed")
		}
		item.retries++
		d.retryOrFail(ctx, item)
		return
	}

	d.log.Info().
		Str("step_id", item.StepID).
		Str("run_id", item.RunID).
		Str("runner_id", runnerID).
		Msg("step assigned")

	if d.onDispatched != nil {
		d.onDispatched(item.StepID, runnerID)
	}
}

// ackTimeout fires when phase two did not happen in time: roll the
// assignment back and retry, or fail the step after the retry budget.
func (d *Dispatcher) ackTimeout(stepID string) {
	ctx := context.Background()

	d.mu.Lock()
	fl, ok := d.inflight[stepID]
	if !ok || fl.acked {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, stepID)
	runnerID := fl.runnerID
	item := fl.item
	d.mu.Unlock()

	d.log.Warn().
		Str("step_id", stepID).
		Str("runner_id", runnerID).
		Int("retries", item.retries).
		Msg("assignment not acked before deadline")

	// Tell the runner to drop the stale offer in case it acts late.
	if err := d.sender.SendAbort(runnerID, protocol.AbortStep{StepID: stepID, Reason: "ack deadline exceeded"}); err != nil {
		d.log.Debug().Err(err).Str("runner_id", runnerID).Msg("abort send failed")
	}
	if err := d.reg.Release(ctx, runnerID); err != nil {
		d.log.Debug().Err(err).Str("runner_id", runnerID).Msg("release after ack timeout failed")
	}

	item.retries++
	d.retryOrFail(ctx, item)
}

func (d *Dispatcher) retryOrFail(ctx context.Context, item *Item) {
	if item.retries >= d.cfg.MaxAssignRetries {
		d.settle(ctx, Outcome{
			StepID:       item.StepID,
			RunID:        item.RunID,
			Status:       models.StepStatusFailed,
			FailureKind:  models.FailureAssignTimeout,
			ErrorMessage: "no runner acknowledged the step within the retry budget",
		}, nil)
		return
	}
	d.Enqueue(*item)
}

// HandleAck is phase two of the handoff, called by the hub when the
// runner confirms. Duplicate acks are ignored; acks for steps the
// dispatcher does not know are answered with AbortStep.
func (d *Dispatcher) HandleAck(ctx context.Context, runnerID, stepID string) {
	d.mu.Lock()
	fl, ok := d.inflight[stepID]
	if !ok {
		d.mu.Unlock()
		d.log.Warn().
			Str("step_id", stepID).
			Str("runner_id", runnerID).
			Msg("ack for unknown step, aborting runner")
		if err := d.sender.SendAbort(runnerID, protocol.AbortStep{StepID: stepID, Reason: "unknown step"}); err != nil {
			d.log.Debug().Err(err).Msg("abort send failed")
		}
		return
	}
	if fl.runnerID != runnerID || fl.acked {
		d.mu.Unlock()
		return
	}
	fl.acked = true
	fl.ackTimer.Stop()
	timeout := d.stepTimeout(fl.item)
	fl.stepTimer = time.AfterFunc(timeout, func() {
		d.stepTimedOut(stepID)
	})
	d.mu.Unlock()

	if err := d.reg.Ack(ctx, runnerID, stepID); err != nil {
		d.log.Error().Err(err).Str("step_id", stepID).Msg("registry ack failed")
	}
	if d.onAcked != nil {
		d.onAcked(stepID, runnerID)
	}
}

func (d *Dispatcher) stepTimeout(item *Item) time.Duration {
	if item.Timeout > 0 {
		return item.Timeout
	}
	return d.cfg.StepDefaultTimeout
}

// stepTimedOut starts the cancellation of a step whose wall clock
// budget ran out. The runner is told to stop and given a grace window
// to terminate; the step settles when the runner replies or when the
// window closes, whichever comes first, and is failed with a timeout
// either way.
func (d *Dispatcher) stepTimedOut(stepID string) {
	d.mu.Lock()
	fl, ok := d.inflight[stepID]
	if !ok || fl.timedOut {
		d.mu.Unlock()
		return
	}
	fl.timedOut = true
	runnerID := fl.runnerID
	fl.graceTimer = time.AfterFunc(d.cfg.CancelGraceWindow, func() {
		d.graceExpired(stepID)
	})
	d.mu.Unlock()

	d.log.Warn().
		Str("step_id", stepID).
		Str("runner_id", runnerID).
		Msg("step exceeded its timeout, cancelling")

	if err := d.sender.SendCancel(runnerID, protocol.CancelStep{StepID: stepID, Reason: "timeout"}); err != nil {
		d.log.Debug().Err(err).Msg("cancel send failed")
	}
}

// graceExpired fires when a cancelled runner did not terminate inside
// the grace window. The step is failed; any reply the runner sends
// after this point is dropped.
func (d *Dispatcher) graceExpired(stepID string) {
	ctx := context.Background()

	d.mu.Lock()
	fl, ok := d.inflight[stepID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, stepID)
	fl.stopTimers()
	runnerID := fl.runnerID
	item := fl.item
	d.mu.Unlock()

	d.log.Warn().
		Str("step_id", stepID).
		Str("runner_id", runnerID).
		Msg("runner did not terminate within the cancel grace window")

	d.settle(ctx, Outcome{
		StepID:       stepID,
		RunID:        item.RunID,
		RunnerID:     runnerID,
		Status:       models.StepStatusFailed,
		FailureKind:  models.FailureStepTimeout,
		ErrorMessage: "step exceeded its timeout",
	}, &runnerID)
}

// HandleResult settles a step from a runner's StepResult frame.
// Results for steps the dispatcher no longer tracks are dropped.
func (d *Dispatcher) HandleResult(ctx context.Context, runnerID string, res protocol.StepResult) {
	d.mu.Lock()
	fl, ok := d.inflight[res.StepID]
	if !ok || fl.runnerID != runnerID {
		d.mu.Unlock()
		d.log.Debug().
			Str("step_id", res.StepID).
			Str("runner_id", runnerID).
			Msg("dropping result for untracked step")
		return
	}
	delete(d.inflight, res.StepID)
	fl.stopTimers()
	item := fl.item
	timedOut := fl.timedOut
	d.mu.Unlock()

	// A reply inside the cancel grace window confirms the runner
	// terminated, but the step already blew its budget: the reported
	// status is discarded in favour of the timeout failure.
	if timedOut {
		d.settle(ctx, Outcome{
			StepID:       res.StepID,
			RunID:        item.RunID,
			RunnerID:     runnerID,
			Status:       models.StepStatusFailed,
			FailureKind:  models.FailureStepTimeout,
			ErrorMessage: "step exceeded its timeout",
		}, &runnerID)
		return
	}

	outcome := Outcome{
		StepID:       res.StepID,
		RunID:        item.RunID,
		RunnerID:     runnerID,
		ExitCode:     res.ExitCode,
		Summary:      res.Summary,
		OutputCommit: res.OutputCommit,
		ErrorMessage: res.ErrorMessage,
	}
	switch res.Status {
	case "completed":
		outcome.Status = models.StepStatusCompleted
	case "cancelled":
		outcome.Status = models.StepStatusCancelled
	default:
		outcome.Status = models.StepStatusFailed
		outcome.FailureKind = models.FailureExecution
		if res.ErrorKind != "" {
			outcome.FailureKind = models.FailureKind(res.ErrorKind)
		}
	}

	d.settle(ctx, outcome, &runnerID)
}

// handleRunnerDeath fails the step a dead or disconnected runner held.
func (d *Dispatcher) handleRunnerDeath(runnerID, stepID string) {
	ctx := context.Background()

	d.mu.Lock()
	fl, ok := d.inflight[stepID]
	if !ok || fl.runnerID != runnerID {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, stepID)
	fl.stopTimers()
	item := fl.item
	d.mu.Unlock()

	d.settle(ctx, Outcome{
		StepID:       stepID,
		RunID:        item.RunID,
		RunnerID:     runnerID,
		Status:       models.StepStatusFailed,
		FailureKind:  models.FailureRunnerDisappeared,
		ErrorMessage: "runner disappeared while executing the step",
	}, nil)
}

// settle releases the runner if it still holds the step and reports the
// outcome upward. releaseRunner is nil when the runner is already gone.
func (d *Dispatcher) settle(ctx context.Context, outcome Outcome, releaseRunner *string) {
	if releaseRunner != nil {
		if err := d.reg.Release(ctx, *releaseRunner); err != nil {
			d.log.Debug().Err(err).Str("runner_id", *releaseRunner).Msg("release on settle failed")
		}
	}
	if d.onSettled != nil {
		d.onSettled(outcome)
	}
	// A settled step may have freed capacity.
	d.Wake()
}

func (fl *inflight) stopTimers() {
	if fl.ackTimer != nil {
		fl.ackTimer.Stop()
	}
	if fl.stepTimer != nil {
		fl.stepTimer.Stop()
	}
	if fl.graceTimer != nil {
		fl.graceTimer.Stop()
	}
}

// QueueDepth reports the number of steps waiting for a runner.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// InflightCount reports the number of steps between assignment and
// settlement.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
