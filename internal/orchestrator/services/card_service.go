// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

var (
	cardLog     *zerolog.Logger
	cardLogOnce sync.Once
)

func getCardLog() *zerolog.Logger {
	cardLogOnce.Do(func() {
		l := logger.GetServicesLogger().With().Str("component", "cards").Logger()
		cardLog = &l
	})
	return cardLog
}

// ErrCardTransition is returned when a verb is applied to a card whose
// status does not allow it.
var ErrCardTransition = errors.New("card status does not allow this action")

// CardStore is the persistence surface the card service needs.
type CardStore interface {
	GetCard(ctx context.Context, cardID string) (*models.Card, error)
	GetCardByRunID(ctx context.Context, runID string) (*models.Card, error)
	UpdateCard(ctx context.Context, card *models.Card) error
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
}

// RunStarter starts and cancels pipeline runs on behalf of cards.
// Satisfied by RunService.
type RunStarter interface {
	Start(ctx context.Context, params StartRunParams) (*models.PipelineRun, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// CardService drives the card board: each verb moves a card through
// todo -> in_progress -> in_review -> done, with failed as the detour.
type CardService struct {
	db   CardStore
	runs RunStarter
	git  *GitManager
	bus  *eventbus.Bus
}

// NewCardService wires the card service.
func NewCardService(db CardStore, runs RunStarter, git *GitManager, bus *eventbus.Bus) *CardService {
	return &CardService{db: db, runs: runs, git: git, bus: bus}
}

func (cs *CardService) loadCard(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := cs.db.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, fmt.Errorf("%w: card %s", ErrNotFound, cardID)
	}
	return card, nil
}

// Start moves a todo card to in_progress and launches its pipeline on
// the card's branch. Failed cards may also be started (same as retry).
func (cs *CardService) Start(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != models.CardStatusTodo && card.Status != models.CardStatusFailed {
		return nil, fmt.Errorf("%w: cannot start card in status %s", ErrCardTransition, card.Status)
	}
	if card.PipelineID == "" {
		return nil, fmt.Errorf("card %s has no pipeline", cardID)
	}

	if card.Branch == "" {
		card.Branch = "card/" + shortID(card.ID)
	}
	run, err := cs.runs.Start(ctx, StartRunParams{
		RepoID:     card.RepoID,
		PipelineID: card.PipelineID,
		CardID:     card.ID,
		Trigger:    models.TriggerCard,
		Branch:     card.Branch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start card run: %w", err)
	}

	card.Status = models.CardStatusInProgress
	card.RunID = run.ID
	if err := cs.db.UpdateCard(ctx, card); err != nil {
		return nil, err
	}
	cs.publish(card, "card_started")
	getCardLog().Info().Str("card_id", card.ID).Str("run_id", run.ID).Str("branch", card.Branch).Msg("card started")
	return card, nil
}

// Retry restarts a failed card's pipeline.
func (cs *CardService) Retry(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != models.CardStatusFailed {
		return nil, fmt.Errorf("%w: cannot retry card in status %s", ErrCardTransition, card.Status)
	}
	return cs.Start(ctx, cardID)
}

// Approve accepts a card in review: its branch is merged into the repo
// default branch and the card moves to done. A merge conflict surfaces
// as a *ConflictError and leaves the card in review.
func (cs *CardService) Approve(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != models.CardStatusInReview {
		return nil, fmt.Errorf("%w: cannot approve card in status %s", ErrCardTransition, card.Status)
	}
	return cs.mergeAndFinish(ctx, card, "card_approved")
}

// Merge merges a card's branch into the default branch as an explicit
// operator action, without requiring the review gate.
func (cs *CardService) Merge(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status == models.CardStatusDone {
		return nil, fmt.Errorf("%w: card is already done", ErrCardTransition)
	}
	if card.Branch == "" {
		return nil, fmt.Errorf("card %s has no branch to merge", cardID)
	}
	return cs.mergeAndFinish(ctx, card, "card_merged")
}

func (cs *CardService) mergeAndFinish(ctx context.Context, card *models.Card, eventType string) (*models.Card, error) {
	repo, err := cs.db.GetRepo(ctx, card.RepoID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repo %s", ErrNotFound, card.RepoID)
	}
	gs, err := cs.git.Service(card.RepoID)
	if err != nil {
		return nil, err
	}
	message := fmt.Sprintf("merge %s: %s", card.Branch, card.Title)
	res, err := gs.Merge(ctx, card.Branch, repo.DefaultBranch, message)
	if err != nil {
		return nil, err
	}

	card.Status = models.CardStatusDone
	if err := cs.db.UpdateCard(ctx, card); err != nil {
		return nil, err
	}
	cs.publish(card, eventType)
	getCardLog().Info().
		Str("card_id", card.ID).
		Str("branch", card.Branch).
		Str("merge_type", res.Type).
		Msg("card branch merged")
	return card, nil
}

// ResolveMerge retries a conflicted card merge with user-supplied file
// contents and finishes the card on success. Resolutions map conflicted
// paths to their replacement content.
func (cs *CardService) ResolveMerge(ctx context.Context, cardID string, resolutions map[string]string) (*models.Card, error) {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status == models.CardStatusDone {
		return nil, fmt.Errorf("%w: card is already done", ErrCardTransition)
	}
	if card.Branch == "" {
		return nil, fmt.Errorf("card %s has no branch to merge", cardID)
	}
	repo, err := cs.db.GetRepo(ctx, card.RepoID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repo %s", ErrNotFound, card.RepoID)
	}
	gs, err := cs.git.Service(card.RepoID)
	if err != nil {
		return nil, err
	}
	message := fmt.Sprintf("merge %s: %s (conflicts resolved)", card.Branch, card.Title)
	if _, err := gs.MergeWithResolutions(ctx, card.Branch, repo.DefaultBranch, message, resolutions); err != nil {
		return nil, err
	}

	card.Status = models.CardStatusDone
	if err := cs.db.UpdateCard(ctx, card); err != nil {
		return nil, err
	}
	cs.publish(card, "card_merge_resolved")
	getCardLog().Info().Str("card_id", card.ID).Str("branch", card.Branch).Int("files", len(resolutions)).Msg("card merge conflicts resolved")
	return card, nil
}

// Reject sends a card in review back to todo for rework. The branch
// and its commits are kept.
func (cs *CardService) Reject(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != models.CardStatusInReview {
		return nil, fmt.Errorf("%w: cannot reject card in status %s", ErrCardTransition, card.Status)
	}
	card.Status = models.CardStatusTodo
	if err := cs.db.UpdateCard(ctx, card); err != nil {
		return nil, err
	}
	cs.publish(card, "card_rejected")
	return card, nil
}

// Rebase replays a card's branch onto the current default branch tip.
// A conflict surfaces as a *ConflictError; the branch is left at its
// pre-rebase tip.
func (cs *CardService) Rebase(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Branch == "" {
		return nil, fmt.Errorf("card %s has no branch to rebase", cardID)
	}
	repo, err := cs.db.GetRepo(ctx, card.RepoID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repo %s", ErrNotFound, card.RepoID)
	}
	gs, err := cs.git.Service(card.RepoID)
	if err != nil {
		return nil, err
	}
	if _, err := gs.Rebase(ctx, card.Branch, repo.DefaultBranch); err != nil {
		return nil, err
	}
	cs.publish(card, "card_rebased")
	return card, nil
}

// CancelRun cancels a card's active pipeline run.
func (cs *CardService) CancelRun(ctx context.Context, cardID, reason string) error {
	card, err := cs.loadCard(ctx, cardID)
	if err != nil {
		return err
	}
	if card.RunID == "" || card.Status != models.CardStatusInProgress {
		return fmt.Errorf("%w: card has no active run", ErrCardTransition)
	}
	return cs.runs.Cancel(ctx, card.RunID, reason)
}

// HandleRunFinished moves a card when its run reaches a terminal
// status: passed puts it in review, failed marks it failed, cancelled
// returns it to todo. Runs not bound to a card are ignored.
func (cs *CardService) HandleRunFinished(runID string, status models.RunStatus) {
	ctx := context.Background()
	card, err := cs.db.GetCardByRunID(ctx, runID)
	if err != nil || card == nil {
		return
	}
	if card.RunID != runID || card.Status != models.CardStatusInProgress {
		// A newer run superseded this one, or an operator already moved
		// the card.
		return
	}

	var eventType string
	switch status {
	case models.RunStatusPassed:
		card.Status = models.CardStatusInReview
		eventType = "card_in_review"
	case models.RunStatusFailed:
		card.Status = models.CardStatusFailed
		eventType = "card_failed"
	case models.RunStatusCancelled:
		card.Status = models.CardStatusTodo
		eventType = "card_run_cancelled"
	default:
		return
	}
	if err := cs.db.UpdateCard(ctx, card); err != nil {
		getCardLog().Error().Err(err).Str("card_id", card.ID).Msg("failed to move card after run")
		return
	}
	cs.publish(card, eventType)
	getCardLog().Info().
		Str("card_id", card.ID).
		Str("run_id", runID).
		Str("run_status", string(status)).
		Str("card_status", string(card.Status)).
		Msg("card moved by run outcome")
}

func (cs *CardService) publish(card *models.Card, eventType string) {
	cs.bus.PublishState(eventbus.Topic{Kind: eventbus.TopicCard, ID: card.ID}, eventType, card)
	cs.bus.PublishState(eventbus.Topic{Kind: eventbus.TopicRepo, ID: card.RepoID}, "card_status", card)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
