// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	managerLog     *zerolog.Logger
	managerLogOnce sync.Once
)

func getManagerLog() *zerolog.Logger {
	managerLogOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "manager").Logger()
		managerLog = &l
	})
	return managerLog
}

// cleanupInterval is how often the manager sweeps orphaned worktrees.
const cleanupInterval = 5 * time.Minute

// GitManager hands out the per-repository GitService instances. One
// service exists per repository; all callers of the same repository
// share it and thereby its serialization.
type GitManager struct {
	cfg config.GitConfig

	mu       sync.RWMutex
	services map[string]*GitService // keyed by repo ID

	// liveRuns reports the run IDs whose worktrees must be kept.
	liveRuns func(ctx context.Context) (map[string]bool, error)

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewGitManager creates the manager and starts the orphan sweep.
func NewGitManager(cfg config.GitConfig) *GitManager {
	gm := &GitManager{
		cfg:      cfg,
		services: make(map[string]*GitService),
		stopCh:   make(chan struct{}),
	}
	gm.cleanupTicker = time.NewTicker(cleanupInterval)
	go gm.cleanupLoop()
	return gm
}

// SetLiveRunLookup wires the query used to decide which run worktrees
// survive the orphan sweep. Without it the sweep is skipped.
func (gm *GitManager) SetLiveRunLookup(fn func(ctx context.Context) (map[string]bool, error)) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.liveRuns = fn
}

// Service returns the substrate of an existing repository.
func (gm *GitManager) Service(repoID string) (*GitService, error) {
	return gm.service(repoID, false)
}

// CreateRepo initializes a new repository and returns its substrate.
// Already-initialized repositories are returned as-is.
func (gm *GitManager) CreateRepo(repoID string) (*GitService, error) {
	return gm.service(repoID, true)
}

func (gm *GitManager) service(repoID string, create bool) (*GitService, error) {
	gm.mu.RLock()
	gs, ok := gm.services[repoID]
	gm.mu.RUnlock()
	if ok {
		return gs, nil
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()
	if gs, ok := gm.services[repoID]; ok {
		return gs, nil
	}
	gs, err := NewGitService(gm.cfg, repoID, create)
	if err != nil {
		return nil, err
	}
	gm.services[repoID] = gs
	getManagerLog().Info().Str("repo_id", repoID).Str("path", gs.BarePath()).Msg("repository opened")
	return gs, nil
}

// DeleteRepo removes a repository's storage entirely: bare repo and
// worktree pool. Unlike reinitialize, this is a true delete and is only
// reachable from the explicit repo-deletion API.
func (gm *GitManager) DeleteRepo(repoID string) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if err := validateRepoID(repoID); err != nil {
		return err
	}
	delete(gm.services, repoID)

	storageRoot, err := filepath.Abs(gm.cfg.RepoStorageRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve storage root: %w", err)
	}
	barePath := filepath.Join(storageRoot, repoID+".git")
	worktreeRoot := filepath.Join(storageRoot, ".worktrees", repoID)

	if err := os.RemoveAll(worktreeRoot); err != nil {
		return fmt.Errorf("failed to remove worktrees for %s: %w", repoID, err)
	}
	if err := os.RemoveAll(barePath); err != nil {
		return fmt.Errorf("failed to remove repository %s: %w", repoID, err)
	}
	getManagerLog().Info().Str("repo_id", repoID).Msg("repository deleted")
	return nil
}

// MergeBranch merges source into target in the named repository and
// returns the new target tip. Satisfies the executor's git dependency.
func (gm *GitManager) MergeBranch(ctx context.Context, repoID, sourceBranch, targetBranch string) (string, error) {
	gs, err := gm.Service(repoID)
	if err != nil {
		return "", err
	}
	res, err := gs.Merge(ctx, sourceBranch, targetBranch, "")
	if err != nil {
		return "", err
	}
	return res.SHA, nil
}

// Stats reports per-repository open-service counts for diagnostics.
func (gm *GitManager) Stats() map[string]interface{} {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	repos := make([]string, 0, len(gm.services))
	for id := range gm.services {
		repos = append(repos, id)
	}
	return map[string]interface{}{
		"open_repositories": len(gm.services),
		"repository_ids":    repos,
	}
}

func (gm *GitManager) cleanupLoop() {
	for {
		select {
		case <-gm.cleanupTicker.C:
			gm.sweepOrphans()
		case <-gm.stopCh:
			return
		}
	}
}

func (gm *GitManager) sweepOrphans() {
	gm.mu.RLock()
	lookup := gm.liveRuns
	services := make([]*GitService, 0, len(gm.services))
	for _, gs := range gm.services {
		services = append(services, gs)
	}
	gm.mu.RUnlock()

	if lookup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	live, err := lookup(ctx)
	if err != nil {
		getManagerLog().Warn().Err(err).Msg("orphan sweep skipped: live run lookup failed")
		return
	}
	for _, gs := range services {
		removed, err := gs.CleanupOrphans(ctx, live)
		if err != nil {
			getManagerLog().Warn().Err(err).Str("repo_id", gs.RepoID()).Msg("orphan sweep failed")
			continue
		}
		if len(removed) > 0 {
			getManagerLog().Info().
				Str("repo_id", gs.RepoID()).
				Int("removed", len(removed)).
				Msg("orphaned worktrees removed")
		}
	}
}

// Close stops the sweep and releases all services.
func (gm *GitManager) Close() error {
	gm.stopOnce.Do(func() {
		gm.cleanupTicker.Stop()
		close(gm.stopCh)
	})

	gm.mu.Lock()
	defer gm.mu.Unlock()
	for id, gs := range gm.services {
		if err := gs.Close(); err != nil {
			getManagerLog().Warn().Err(err).Str("repo_id", id).Msg("failed to close git service")
		}
	}
	gm.services = make(map[string]*GitService)
	return nil
}
