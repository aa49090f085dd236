// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator wires the control plane together: persistence,
// event bus, runner registry, step dispatcher, pipeline executor, the
// domain services, and the two HTTP listeners.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/dispatch"
	"github.com/lazyaf/lazyaf/internal/orchestrator/executor"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/registry"
	"github.com/lazyaf/lazyaf/internal/orchestrator/services"
	"github.com/lazyaf/lazyaf/internal/server"
)

// Core is the assembled control plane.
type Core struct {
	cfg *config.AppConfig
	log zerolog.Logger

	db         *database.GormDB
	bus        *eventbus.Bus
	reg        *registry.Registry
	hub        *server.Hub
	dispatcher *dispatch.Dispatcher
	exec       *executor.Executor
	git        *services.GitManager
	runs       *services.RunService
	cards      *services.CardService
	debug      *services.DebugService
	srv        *server.Server
}

// New assembles the control plane. Nothing is started; call Run.
func New(cfg *config.AppConfig) (*Core, error) {
	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.ValidateSchema(); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	busOpts := eventbus.DefaultOptions()
	if cfg.EventBus.StateRingSize > 0 {
		busOpts.StateRingSize = cfg.EventBus.StateRingSize
	}
	if cfg.EventBus.LogRingSize > 0 {
		busOpts.LogRingSize = cfg.EventBus.LogRingSize
	}
	bus := eventbus.NewBus(busOpts)

	reg := registry.NewRegistry(cfg.Registry, db, bus)
	hub := server.NewHub(cfg.Registry, reg, db, bus, cfg.Server.AllowedOrigins)
	dispatcher := dispatch.NewDispatcher(cfg.Dispatch, reg, hub)
	hub.SetDispatcher(dispatcher)

	git := services.NewGitManager(cfg.Git)
	exec := executor.NewExecutor(db, git, dispatcher, bus)
	runs := services.NewRunService(db, git, exec, bus)
	cards := services.NewCardService(db, runs, git, bus)
	debug := services.NewDebugService(cfg.Debug, db, hub, bus)
	hub.SetDebugNotifier(debug)
	exec.SetDebugLookup(debug.Lookup)
	exec.OnRunFinished(runs.HandleRunFinished)
	runs.OnRunFinished(cards.HandleRunFinished)

	handlers := server.NewHandlers(db, runs, cards, debug, git, reg, bus)
	srv := server.New(cfg.Server, handlers, hub, bus)

	return &Core{
		cfg:        cfg,
		log:        logger.GetLogger("core"),
		db:         db,
		bus:        bus,
		reg:        reg,
		hub:        hub,
		dispatcher: dispatcher,
		exec:       exec,
		git:        git,
		runs:       runs,
		cards:      cards,
		debug:      debug,
		srv:        srv,
	}, nil
}

// Run reconciles persisted state, starts the background services, and
// serves until the context is cancelled.
func (c *Core) Run(ctx context.Context) error {
	if err := c.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	c.reg.Start(ctx)
	c.dispatcher.Start(ctx)
	c.debug.Start(ctx)
	defer c.stop()

	c.log.Info().
		Str("http_addr", c.cfg.Server.HTTPListenAddr).
		Str("runner_addr", c.cfg.Server.RunnerListenAddr).
		Msg("control plane started")
	return c.srv.Run(ctx)
}

// reconcile brings persisted state back in line with reality after a
// restart: every runner is gone, repo storage may have drifted, and
// non-terminal runs need their in-flight steps reset.
func (c *Core) reconcile(ctx context.Context) error {
	cutoff := time.Now().Add(-c.cfg.Registry.HeartbeatDeadline)
	dead, err := c.db.MarkStaleRunnersDead(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to expire stale runners: %w", err)
	}
	if len(dead) > 0 {
		c.log.Info().Strs("runner_ids", dead).Msg("marked stale runners dead")
	}

	repos, err := c.db.GetAllRepos(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repos: %w", err)
	}
	for _, repo := range repos {
		gs, err := c.git.Service(repo.ID)
		if err != nil {
			c.log.Error().Err(err).Str("repo_id", repo.ID).Msg("repo storage unavailable")
			continue
		}
		damaged, err := gs.DamagedBranches(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("repo_id", repo.ID).Msg("damage check failed")
			continue
		}
		names := make(models.StringList, 0, len(damaged))
		for _, b := range damaged {
			names = append(names, b.Name)
			c.log.Warn().
				Str("repo_id", repo.ID).
				Str("branch", b.Name).
				Strs("missing_shas", b.MissingSHAs).
				Msg("branch has unreadable objects")
		}
		if err := c.db.UpdateRepoDamagedBranches(ctx, repo.ID, names); err != nil {
			c.log.Warn().Err(err).Str("repo_id", repo.ID).Msg("failed to record damaged branches")
		}
	}

	if err := c.exec.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume runs: %w", err)
	}
	return nil
}

func (c *Core) stop() {
	c.debug.Stop()
	c.dispatcher.Stop()
	c.reg.Stop()
	c.bus.Close()
	if err := c.git.Close(); err != nil {
		c.log.Warn().Err(err).Msg("git manager close failed")
	}
	if err := c.db.Close(); err != nil {
		c.log.Warn().Err(err).Msg("database close failed")
	}
	c.log.Info().Msg("control plane stopped")
}
