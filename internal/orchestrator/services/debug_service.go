// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

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
	"github.com/lazyaf/lazyaf/internal/protocol"
)

var (
	debugLog     *zerolog.Logger
	debugLogOnce sync.Once
)

func getDebugLog() *zerolog.Logger {
	debugLogOnce.Do(func() {
		l := logger.GetDebugLogger().With().Str("component", "sessions").Logger()
		debugLog = &l
	})
	return debugLog
}

var (
	// ErrSessionNotFound is returned for unknown or wrong tokens.
	ErrSessionNotFound = errors.New("debug session not found")
	// ErrSessionFinished is returned when acting on a terminal session.
	ErrSessionFinished = errors.New("debug session already finished")
	// ErrTooManySessions is returned when the active-session cap is hit.
	ErrTooManySessions = errors.New("too many active debug sessions")
)

// expiredSweepInterval is how often expired sessions are timed out.
const expiredSweepInterval = 30 * time.Second

// DebugStore is the persistence surface the debug service needs.
type DebugStore interface {
	CreateDebugSession(ctx context.Context, session *models.DebugSession) error
	GetDebugSessionByToken(ctx context.Context, token string) (*models.DebugSession, error)
	GetActiveDebugSessions(ctx context.Context) ([]*models.DebugSession, error)
	UpdateDebugSession(ctx context.Context, session *models.DebugSession) error
	GetStep(ctx context.Context, stepID string) (*models.Step, error)
}

// DebugSender delivers debug decisions to the runner holding a paused
// step. Satisfied by the runner hub.
type DebugSender interface {
	SendDebugResume(runnerID string, f protocol.DebugResume) error
	SendDebugAbort(runnerID string, f protocol.DebugAbort) error
}

// DebugService mints and drives token-scoped supervisory sessions over
// running steps. The token is the only credential.
type DebugService struct {
	cfg    config.DebugConfig
	db     DebugStore
	sender DebugSender
	bus    *eventbus.Bus

	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDebugService wires the debug service.
func NewDebugService(cfg config.DebugConfig, db DebugStore, sender DebugSender, bus *eventbus.Bus) *DebugService {
	return &DebugService{
		cfg:    cfg,
		db:     db,
		sender: sender,
		bus:    bus,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the expiry sweep.
func (ds *DebugService) Start(ctx context.Context) {
	ds.wg.Add(1)
	go func() {
		defer ds.wg.Done()
		ticker := time.NewTicker(expiredSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ds.sweepExpired(ctx)
			case <-ds.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the expiry sweep.
func (ds *DebugService) Stop() {
	ds.stopOnce.Do(func() { close(ds.stopCh) })
	ds.wg.Wait()
}

// Create mints a session for a step with the given breakpoints. The
// token is handed to the runner at assignment time and to whoever will
// supervise the step.
func (ds *DebugService) Create(ctx context.Context, runID, stepID string, breakpoints []string) (*models.DebugSession, error) {
	active, err := ds.db.GetActiveDebugSessions(ctx)
	if err != nil {
		return nil, err
	}
	if ds.cfg.MaxActiveSessions > 0 && len(active) >= ds.cfg.MaxActiveSessions {
		return nil, ErrTooManySessions
	}

	session := &models.DebugSession{
		ID:          uuid.New().String(),
		Token:       uuid.New().String(),
		RunID:       runID,
		StepID:      stepID,
		Breakpoints: models.StringList(breakpoints),
		State:       models.DebugStatePending,
		ExpiresAt:   ds.now().Add(ds.cfg.DefaultTTL),
	}
	if err := ds.db.CreateDebugSession(ctx, session); err != nil {
		return nil, err
	}
	ds.publish(session, "debug_created")
	getDebugLog().Info().
		Str("session_id", session.ID).
		Str("run_id", runID).
		Str("step_id", stepID).
		Strs("breakpoints", breakpoints).
		Msg("debug session created")
	return session, nil
}

// Lookup returns the token and breakpoints of the pending session for a
// run's step, if any. Wired into the executor so assignments carry the
// session with them.
func (ds *DebugService) Lookup(ctx context.Context, runID string, stepIndex int) (string, []string, bool) {
	active, err := ds.db.GetActiveDebugSessions(ctx)
	if err != nil {
		return "", nil, false
	}
	for _, session := range active {
		if session.RunID != runID {
			continue
		}
		step, err := ds.db.GetStep(ctx, session.StepID)
		if err != nil || step == nil || step.Index != stepIndex {
			continue
		}
		return session.Token, []string(session.Breakpoints), true
	}
	return "", nil, false
}

// AtBreakpoint records that a step paused at a breakpoint and is
// waiting for a supervisor decision.
func (ds *DebugService) AtBreakpoint(ctx context.Context, token, breakpoint string) error {
	session, err := ds.lookupActive(ctx, token)
	if err != nil {
		return err
	}
	session.State = models.DebugStateWaitingAtBP
	session.Breakpoint = breakpoint
	if err := ds.db.UpdateDebugSession(ctx, session); err != nil {
		return err
	}
	ds.publish(session, "debug_at_breakpoint")
	return nil
}

// Attach marks a supervisor as connected and extends the session by
// one extension quantum.
func (ds *DebugService) Attach(ctx context.Context, token string) (*models.DebugSession, error) {
	session, err := ds.lookupActive(ctx, token)
	if err != nil {
		return nil, err
	}
	session.State = models.DebugStateConnected
	session.ExpiresAt = ds.now().Add(ds.cfg.ExtensionQuantum)
	if err := ds.db.UpdateDebugSession(ctx, session); err != nil {
		return nil, err
	}
	ds.publish(session, "debug_attached")
	return session, nil
}

// Extend pushes the session expiry out by one extension quantum.
func (ds *DebugService) Extend(ctx context.Context, token string) (*models.DebugSession, error) {
	session, err := ds.lookupActive(ctx, token)
	if err != nil {
		return nil, err
	}
	session.ExpiresAt = ds.now().Add(ds.cfg.ExtensionQuantum)
	if err := ds.db.UpdateDebugSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Resume lets a paused step continue past its breakpoint and ends the
// pause. The session stays active for later breakpoints.
func (ds *DebugService) Resume(ctx context.Context, token string) error {
	session, err := ds.lookupActive(ctx, token)
	if err != nil {
		return err
	}
	step, err := ds.db.GetStep(ctx, session.StepID)
	if err != nil {
		return err
	}
	if step == nil {
		return fmt.Errorf("%w: step %s", ErrNotFound, session.StepID)
	}
	if step.RunnerID == "" {
		return fmt.Errorf("step %s has no runner to resume", step.ID)
	}
	if err := ds.sender.SendDebugResume(step.RunnerID, protocol.DebugResume{
		StepID:     step.ID,
		DebugToken: token,
	}); err != nil {
		return fmt.Errorf("failed to deliver resume: %w", err)
	}

	session.State = models.DebugStateResumed
	session.Breakpoint = ""
	if err := ds.db.UpdateDebugSession(ctx, session); err != nil {
		return err
	}
	ds.publish(session, "debug_resumed")
	return nil
}

// Abort abandons the paused step. The runner reports the step failed
// and the session ends.
func (ds *DebugService) Abort(ctx context.Context, token, reason string) error {
	session, err := ds.lookupActive(ctx, token)
	if err != nil {
		return err
	}
	step, err := ds.db.GetStep(ctx, session.StepID)
	if err != nil {
		return err
	}
	if step != nil && step.RunnerID != "" {
		if err := ds.sender.SendDebugAbort(step.RunnerID, protocol.DebugAbort{
			StepID:     step.ID,
			DebugToken: token,
			Reason:     reason,
		}); err != nil {
			getDebugLog().Warn().Err(err).Str("step_id", step.ID).Msg("failed to deliver abort")
		}
	}

	session.State = models.DebugStateAborted
	if err := ds.db.UpdateDebugSession(ctx, session); err != nil {
		return err
	}
	ds.publish(session, "debug_aborted")
	return nil
}

// End closes a session whose step finished normally.
func (ds *DebugService) End(ctx context.Context, token string) error {
	session, err := ds.lookupActive(ctx, token)
	if err != nil {
		return err
	}
	session.State = models.DebugStateEnded
	if err := ds.db.UpdateDebugSession(ctx, session); err != nil {
		return err
	}
	ds.publish(session, "debug_ended")
	return nil
}

// GetByToken returns the session for a token, expired or not.
func (ds *DebugService) GetByToken(ctx context.Context, token string) (*models.DebugSession, error) {
	session, err := ds.db.GetDebugSessionByToken(ctx, token)
	if err != nil || session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (ds *DebugService) lookupActive(ctx context.Context, token string) (*models.DebugSession, error) {
	session, err := ds.db.GetDebugSessionByToken(ctx, token)
	if err != nil || session == nil {
		return nil, ErrSessionNotFound
	}
	if session.State.Terminal() {
		return nil, ErrSessionFinished
	}
	if session.Expired(ds.now()) {
		return nil, ErrSessionFinished
	}
	return session, nil
}

// sweepExpired times out sessions past their TTL. A step paused at a
// breakpoint is aborted so it does not hang forever.
func (ds *DebugService) sweepExpired(ctx context.Context) {
	active, err := ds.db.GetActiveDebugSessions(ctx)
	if err != nil {
		getDebugLog().Warn().Err(err).Msg("expiry sweep failed to list sessions")
		return
	}
	now := ds.now()
	for _, session := range active {
		if !session.Expired(now) {
			continue
		}
		if session.State == models.DebugStateWaitingAtBP || session.State == models.DebugStateConnected {
			if step, err := ds.db.GetStep(ctx, session.StepID); err == nil && step != nil && step.RunnerID != "" {
				_ = ds.sender.SendDebugAbort(step.RunnerID, protocol.DebugAbort{
					StepID:     step.ID,
					DebugToken: session.Token,
					Reason:     "debug session expired",
				})
			}
		}
		session.State = models.DebugStateTimedOut
		if err := ds.db.UpdateDebugSession(ctx, session); err != nil {
			getDebugLog().Warn().Err(err).Str("session_id", session.ID).Msg("failed to time out session")
			continue
		}
		ds.publish(session, "debug_timeout")
		getDebugLog().Info().Str("session_id", session.ID).Msg("debug session timed out")
	}
}

func (ds *DebugService) publish(session *models.DebugSession, eventType string) {
	ds.bus.PublishState(eventbus.Topic{Kind: eventbus.TopicDebug, ID: session.ID}, eventType, session)
	ds.bus.PublishState(eventbus.Topic{Kind: eventbus.TopicRun, ID: session.RunID}, eventType, session)
}
