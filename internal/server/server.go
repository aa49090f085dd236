// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/eventbus"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server runs the two HTTP surfaces of the control plane: the operator
// API (REST, UI WebSocket, debug SSE) and the runner WebSocket listener.
// They bind separate addresses so the runner port can be firewalled
// independently of the operator port.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	hub      *Hub
	clients  *ClientRegistry
	bus      *eventbus.Bus

	api     *http.Server
	runners *http.Server
}

// New creates the server pair.
func New(cfg config.ServerConfig, handlers *Handlers, hub *Hub, bus *eventbus.Bus) *Server {
	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		hub:      hub,
		clients:  NewClientRegistry(),
		bus:      bus,
	}
	s.api = &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           s.apiRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.runners = &http.Server{
		Addr:              cfg.RunnerListenAddr,
		Handler:           s.runnerRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) apiRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(s.cfg.AllowedOrigins))

	maxBody := s.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	h := s.handlers
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(MaxBodySize(maxBody))

		r.Route("/repos", func(r chi.Router) {
			r.Get("/", h.GetRepos)
			r.Post("/", h.CreateRepo)
			r.Route("/{repoID}", func(r chi.Router) {
				r.Get("/", h.GetRepo)
				r.Put("/", h.UpdateRepo)
				r.Delete("/", h.DeleteRepo)
				r.Post("/sync", h.SyncRepo)
				r.Post("/reinitialize", h.ReinitializeRepo)
				r.Get("/branches", h.GetBranches)
				r.Get("/diff", h.GetDiff)
				r.Get("/commits", h.GetCommits)

				r.Get("/cards", h.GetCards)
				r.Post("/cards", h.CreateCard)

				r.Get("/agent-files", h.GetAgentFiles)
				r.Post("/agent-files", h.CreateAgentFile)

				r.Get("/pipelines", h.GetPipelines)
				r.Post("/pipelines", h.CreatePipeline)
				r.Post("/pipelines/import", h.ImportPipeline)

				r.Get("/runs", h.GetRuns)
				r.Post("/runs", h.StartRun)
			})
		})

		r.Route("/cards/{cardID}", func(r chi.Router) {
			r.Get("/", h.GetCard)
			r.Put("/", h.UpdateCard)
			r.Delete("/", h.DeleteCard)
			r.Post("/start", h.StartCard)
			r.Post("/approve", h.ApproveCard)
			r.Post("/reject", h.RejectCard)
			r.Post("/retry", h.RetryCard)
			r.Post("/rebase", h.RebaseCard)
			r.Post("/merge", h.MergeCard)
			r.Post("/resolve", h.ResolveCardMerge)
			r.Post("/cancel", h.CancelCardRun)
		})

		r.Route("/agent-files/{fileID}", func(r chi.Router) {
			r.Get("/", h.GetAgentFile)
			r.Put("/", h.UpdateAgentFile)
			r.Delete("/", h.DeleteAgentFile)
		})

		r.Route("/pipelines/{pipelineID}", func(r chi.Router) {
			r.Get("/", h.GetPipeline)
			r.Put("/", h.UpdatePipeline)
			r.Delete("/", h.DeletePipeline)
			r.Get("/yaml", h.ExportPipeline)
		})

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", h.GetRun)
			r.Post("/cancel", h.CancelRun)
			r.Get("/steps", h.GetRunSteps)
			r.Post("/debug", h.CreateDebugSession)
		})
		r.Get("/steps/{stepID}/logs", h.GetStepLogs)

		r.Get("/runners", h.GetRunners)

		r.Route("/debug/{token}", func(r chi.Router) {
			r.Get("/", h.GetDebugSession)
			r.Post("/attach", h.AttachDebugSession)
			r.Post("/extend", h.ExtendDebugSession)
			r.Post("/resume", h.ResumeDebugSession)
			r.Post("/abort", h.AbortDebugSession)
			r.Post("/end", h.EndDebugSession)
			r.Get("/logs", h.HandleDebugLogs)
		})
	})

	r.Get("/ws", HandleWebSocket(s.clients, s.bus, s.cfg.AllowedOrigins))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func (s *Server) runnerRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Get("/ws/runner", s.hub.HandleRunner)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Run serves both listeners until the context is cancelled or one of
// them fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		getLog().Info().Str("addr", s.api.Addr).Msg("API listener started")
		if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		getLog().Info().Str("addr", s.runners.Addr).Msg("Runner listener started")
		if err := s.runners.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case <-ctx.Done():
		s.shutdown()
		return nil
	}
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.clients.Close()
	s.hub.Close()
	if err := s.api.Shutdown(ctx); err != nil {
		getLog().Warn().Err(err).Msg("API listener shutdown failed")
	}
	if err := s.runners.Shutdown(ctx); err != nil {
		getLog().Warn().Err(err).Msg("Runner listener shutdown failed")
	}
	getLog().Info().Msg("HTTP listeners stopped")
}
