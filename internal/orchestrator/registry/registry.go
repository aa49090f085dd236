// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry owns the runner fleet: registration over the duplex
// channel, the per-runner lifecycle state machine, and heartbeat
// monitoring. All transitions for a runner happen under the registry
// lock, so each runner has a single writer.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

// Store is the slice of persistence the registry needs.
type Store interface {
	UpsertRunnerRecord(ctx context.Context, rec *models.RunnerRecord) error
}

var (
	// ErrRunnerNotFound is returned for operations on unknown runner IDs.
	ErrRunnerNotFound = errors.New("runner not found")
	// ErrDuplicateRegistration is returned when a connected runner ID registers again.
	ErrDuplicateRegistration = errors.New("runner already registered")
	// ErrRunnerNotIdle is returned when assignment targets a runner that is not idle.
	ErrRunnerNotIdle = errors.New("runner not idle")
	// ErrNotAssigned is returned when an ack or release does not match the runner's step.
	ErrNotAssigned = errors.New("runner not assigned this step")
)

// Runner is a snapshot of one runner's live state.
type Runner struct {
	ID            string
	Name          string
	RunnerType    string
	Labels        map[string]string
	State         models.RunnerState
	CurrentStepID string
	LastHeartbeat time.Time
	LastIdleSince time.Time
	ConnectedAt   time.Time
}

// DeathListener is notified when a runner holding a step dies or
// disconnects; stepID is the step that must fail RunnerDisappeared.
type DeathListener func(runnerID, stepID string)

// IdleListener is notified whenever a runner becomes idle. The
// dispatcher uses it to wake instead of polling.
type IdleListener func(runnerID string)

// Registry tracks the runner fleet.
type Registry struct {
	cfg config.RegistryConfig
	db  Store
	bus *eventbus.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	runners map[string]*Runner

	onIdle  IdleListener
	onDeath DeathListener

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewRegistry creates a registry. Listeners may be nil.
func NewRegistry(cfg config.RegistryConfig, db Store, bus *eventbus.Bus) *Registry {
	return &Registry{
		cfg:     cfg,
		db:      db,
		bus:     bus,
		log:     logger.GetRegistryLogger(),
		runners: make(map[string]*Runner),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// OnIdle installs the idle listener. Must be called before Start.
func (r *Registry) OnIdle(fn IdleListener) { r.onIdle = fn }

// OnDeath installs the death listener. Must be called before Start.
func (r *Registry) OnDeath(fn DeathListener) { r.onDeath = fn }

// Start launches the heartbeat monitor.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.monitorHeartbeats(ctx)
}

// Stop terminates the heartbeat monitor and waits for it.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Register admits a runner into the fleet. A reconnecting runner passes
// its previous ID and resumes from disconnected or dead; registering an
// ID that is still connected is rejected.
func (r *Registry) Register(ctx context.Context, runnerID, name, runnerType string, labels map[string]string) (string, error) {
	if runnerType == "" {
		return "", errors.New("runner_type is required")
	}

	r.mu.Lock()
	now := r.now()

	if runnerID != "" {
		if existing, ok := r.runners[runnerID]; ok {
			switch existing.State {
			case models.RunnerStateDisconnected, models.RunnerStateDead:
				// Reconnect: fresh lifecycle, same identity.
			default:
				r.mu.Unlock()
				return "", fmt.Errorf("%w: %s", ErrDuplicateRegistration, runnerID)
			}
		}
	} else {
		runnerID = uuid.New().String()
	}

	// Admission passes through connecting before idle so observers see
	// the full lifecycle, revived runners included.
	runner := &Runner{
		ID:            runnerID,
		Name:          name,
		RunnerType:    runnerType,
		Labels:        cloneLabels(labels),
		State:         models.RunnerStateConnecting,
		LastHeartbeat: now,
		LastIdleSince: now,
		ConnectedAt:   now,
	}
	r.runners[runnerID] = runner
	connecting := *runner
	runner.State = models.RunnerStateIdle
	snapshot := *runner
	r.mu.Unlock()

	r.log.Info().
		Str("runner_id", runnerID).
		Str("name", name).
		Str("runner_type", runnerType).
		Msg("runner registered")

	r.publishState(connecting)
	r.persist(ctx, snapshot)
	r.publishState(snapshot)
	r.notifyIdle(runnerID)
	return runnerID, nil
}

// Heartbeat refreshes a runner's liveness.
func (r *Registry) Heartbeat(ctx context.Context, runnerID string) error {
	r.mu.Lock()
	runner, ok := r.runners[runnerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	if runner.State == models.RunnerStateDead || runner.State == models.RunnerStateDisconnected {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat from %s runner %s", runner.State, runnerID)
	}
	runner.LastHeartbeat = r.now()
	r.mu.Unlock()
	return nil
}

// Disconnect removes a runner from service after its channel closed.
// A runner holding a step loses it: the step fails RunnerDisappeared.
func (r *Registry) Disconnect(ctx context.Context, runnerID string) {
	r.transitionDown(ctx, runnerID, models.RunnerStateDisconnected, "runner disconnected")
}

// Assign moves an idle runner to assigned, reserving it for a step.
func (r *Registry) Assign(ctx context.Context, runnerID, stepID string) error {
	r.mu.Lock()
	runner, ok := r.runners[runnerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	if runner.State != models.RunnerStateIdle {
		state := runner.State
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrRunnerNotIdle, runnerID, state)
	}
	runner.State = models.RunnerStateAssigned
	runner.CurrentStepID = stepID
	snapshot := *runner
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.publishState(snapshot)
	return nil
}

// Ack moves an assigned runner to busy once it confirmed the step.
func (r *Registry) Ack(ctx context.Context, runnerID, stepID string) error {
	r.mu.Lock()
	runner, ok := r.runners[runnerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	if runner.State != models.RunnerStateAssigned || runner.CurrentStepID != stepID {
		r.mu.Unlock()
		return fmt.Errorf("%w: runner %s step %s", ErrNotAssigned, runnerID, stepID)
	}
	runner.State = models.RunnerStateBusy
	snapshot := *runner
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.publishState(snapshot)
	return nil
}

// Release returns an assigned or busy runner to idle, e.g. after its
// step settled or an assignment was rolled back.
func (r *Registry) Release(ctx context.Context, runnerID string) error {
	r.mu.Lock()
	runner, ok := r.runners[runnerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	if runner.State != models.RunnerStateAssigned && runner.State != models.RunnerStateBusy {
		state := runner.State
		r.mu.Unlock()
		return fmt.Errorf("cannot release runner %s in state %s", runnerID, state)
	}
	runner.State = models.RunnerStateIdle
	runner.CurrentStepID = ""
	runner.LastIdleSince = r.now()
	snapshot := *runner
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.publishState(snapshot)
	r.notifyIdle(runnerID)
	return nil
}

// Get returns a snapshot of one runner.
func (r *Registry) Get(runnerID string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[runnerID]
	if !ok {
		return Runner{}, false
	}
	return *runner, true
}

// List returns a snapshot of the whole fleet.
func (r *Registry) List() []Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		out = append(out, *runner)
	}
	return out
}

// Idle returns snapshots of all idle runners.
func (r *Registry) Idle() []Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Runner
	for _, runner := range r.runners {
		if runner.State == models.RunnerStateIdle {
			out = append(out, *runner)
		}
	}
	return out
}

// monitorHeartbeats periodically sweeps for runners whose heartbeat
// lapsed past the deadline and marks them dead.
func (r *Registry) monitorHeartbeats(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.HeartbeatDeadline)

	r.mu.RLock()
	var lapsed []string
	for id, runner := range r.runners {
		switch runner.State {
		case models.RunnerStateDead, models.RunnerStateDisconnected:
			continue
		}
		if runner.LastHeartbeat.Before(cutoff) {
			lapsed = append(lapsed, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range lapsed {
		r.transitionDown(ctx, id, models.RunnerStateDead, "heartbeat deadline exceeded")
	}
}

// transitionDown takes a runner out of service. If it held a step, the
// death listener is told so the step can fail RunnerDisappeared.
func (r *Registry) transitionDown(ctx context.Context, runnerID string, to models.RunnerState, reason string) {
	r.mu.Lock()
	runner, ok := r.runners[runnerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if runner.State == to {
		r.mu.Unlock()
		return
	}
	lostStep := runner.CurrentStepID
	runner.State = to
	runner.CurrentStepID = ""
	snapshot := *runner
	r.mu.Unlock()

	r.log.Warn().
		Str("runner_id", runnerID).
		Str("state", string(to)).
		Str("reason", reason).
		Str("lost_step", lostStep).
		Msg("runner out of service")

	r.persist(ctx, snapshot)
	r.publishState(snapshot)

	if lostStep != "" && r.onDeath != nil {
		r.onDeath(runnerID, lostStep)
	}
}

func (r *Registry) notifyIdle(runnerID string) {
	if r.onIdle != nil {
		r.onIdle(runnerID)
	}
}

func (r *Registry) persist(ctx context.Context, s Runner) {
	if r.db == nil {
		return
	}
	rec := &models.RunnerRecord{
		ID:            s.ID,
		Name:          s.Name,
		RunnerType:    s.RunnerType,
		Labels:        models.LabelMap(s.Labels),
		State:         s.State,
		CurrentStepID: s.CurrentStepID,
	}
	if !s.LastHeartbeat.IsZero() {
		hb := s.LastHeartbeat
		rec.LastHeartbeatAt = &hb
	}
	if !s.LastIdleSince.IsZero() {
		idle := s.LastIdleSince
		rec.LastIdleSince = &idle
	}
	if !s.ConnectedAt.IsZero() {
		conn := s.ConnectedAt
		rec.ConnectedAt = &conn
	}
	if err := r.db.UpsertRunnerRecord(ctx, rec); err != nil {
		r.log.Error().Err(err).Str("runner_id", s.ID).Msg("failed to persist runner state")
	}
}

func (r *Registry) publishState(s Runner) {
	if r.bus == nil {
		return
	}
	r.bus.PublishState(
		eventbus.Topic{Kind: eventbus.TopicRunner, ID: s.ID},
		"runner_status",
		map[string]any{
			"runner_id":       s.ID,
			"name":            s.Name,
			"runner_type":     s.RunnerType,
			"state":           s.State,
			"current_step_id": s.CurrentStepID,
		},
	)
}

func cloneLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
