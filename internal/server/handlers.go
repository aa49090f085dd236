// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/registry"
	"github.com/lazyaf/lazyaf/internal/orchestrator/services"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db    *database.GormDB
	runs  *services.RunService
	cards *services.CardService
	debug *services.DebugService
	git   *services.GitManager
	reg   *registry.Registry
	bus   *eventbus.Bus
}

// NewHandlers creates the handler set.
func NewHandlers(db *database.GormDB, runs *services.RunService, cards *services.CardService, debug *services.DebugService, git *services.GitManager, reg *registry.Registry, bus *eventbus.Bus) *Handlers {
	return &Handlers{db: db, runs: runs, cards: cards, debug: debug, git: git, reg: reg, bus: bus}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service-layer errors to HTTP statuses. Merge
// and rebase conflicts carry their three-way details in the body.
func writeServiceError(w http.ResponseWriter, err error) {
	var conflict *services.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": conflict.Error(), "conflict": conflict})
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrCardTransition), errors.Is(err, services.ErrSessionFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := def
	if s := r.URL.Query().Get(name); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			v = parsed
		}
	}
	if max > 0 && v > max {
		v = max
	}
	return v
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// ============================================================================
// Repos
// ============================================================================

// GetRepos handles GET /api/v1/repos
func (h *Handlers) GetRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.db.GetAllRepos(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// createRepoRequest is the JSON body for repo creation.
type createRepoRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Triggers    models.Triggers `json:"triggers,omitempty"`
}

// CreateRepo handles POST /api/v1/repos. The control plane owns the
// storage: a bare repository with a root commit is created alongside
// the record.
func (h *Handlers) CreateRepo(w http.ResponseWriter, r *http.Request) {
	var body createRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	repoID := uuid.New().String()
	gs, err := h.git.CreateRepo(repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	repo := &models.Repo{
		ID:            repoID,
		Name:          body.Name,
		Description:   body.Description,
		DefaultBranch: gs.DefaultBranch(),
		StoragePath:   gs.BarePath(),
		CloneURL:      gs.CloneURL(),
		Triggers:      body.Triggers,
	}
	if err := h.db.CreateRepo(r.Context(), repo); err != nil {
		// Roll the storage back so a name collision does not leak a bare repo.
		_ = h.git.DeleteRepo(repoID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

// GetRepo handles GET /api/v1/repos/{repoID}
func (h *Handlers) GetRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := h.loadRepo(w, r)
	if repo == nil || err != nil {
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// updateRepoRequest is the JSON body for repo updates.
type updateRepoRequest struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Triggers    *models.Triggers `json:"triggers,omitempty"`
}

// UpdateRepo handles PUT /api/v1/repos/{repoID}
func (h *Handlers) UpdateRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := h.loadRepo(w, r)
	if repo == nil || err != nil {
		return
	}
	var body updateRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		repo.Name = name
	}
	if body.Description != nil {
		repo.Description = *body.Description
	}
	if body.Triggers != nil {
		repo.Triggers = *body.Triggers
	}
	if err := h.db.UpdateRepo(r.Context(), repo); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// DeleteRepo handles DELETE /api/v1/repos/{repoID}. This is the only
// path that destroys repository storage.
func (h *Handlers) DeleteRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := h.loadRepo(w, r)
	if repo == nil || err != nil {
		return
	}
	if err := h.db.DeleteRepo(r.Context(), repo.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.git.DeleteRepo(repo.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// SyncRepo handles POST /api/v1/repos/{repoID}/sync: re-reads branch
// heads, records damage, and fires matching push triggers.
func (h *Handlers) SyncRepo(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	started, err := h.runs.Sync(r.Context(), repoID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if started == nil {
		started = []*models.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"started_runs": started})
}

// ReinitializeRepo handles POST /api/v1/repos/{repoID}/reinitialize:
// quarantines damaged refs and rebuilds the default branch if needed.
func (h *Handlers) ReinitializeRepo(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	quarantined, err := h.runs.Reinitialize(r.Context(), repoID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if quarantined == nil {
		quarantined = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quarantined_branches": quarantined})
}

// GetBranches handles GET /api/v1/repos/{repoID}/branches. With
// ?verify=1 every branch history is walked and missing objects are
// enumerated per branch.
func (h *Handlers) GetBranches(w http.ResponseWriter, r *http.Request) {
	gs, ok := h.gitService(w, r)
	if !ok {
		return
	}
	verify := queryBool(r, "verify")
	branches, err := gs.Branches(r.Context(), verify)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

// GetDiff handles GET /api/v1/repos/{repoID}/diff?base=X&head=Y
func (h *Handlers) GetDiff(w http.ResponseWriter, r *http.Request) {
	gs, ok := h.gitService(w, r)
	if !ok {
		return
	}
	base := r.URL.Query().Get("base")
	head := r.URL.Query().Get("head")
	if base == "" || head == "" {
		writeError(w, http.StatusBadRequest, "base and head query parameters are required")
		return
	}
	diff, err := gs.Diff(r.Context(), base, head)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"base": base, "head": head, "files": diff})
}

// GetCommits handles GET /api/v1/repos/{repoID}/commits?ref=X&limit=N
func (h *Handlers) GetCommits(w http.ResponseWriter, r *http.Request) {
	gs, ok := h.gitService(w, r)
	if !ok {
		return
	}
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		ref = gs.DefaultBranch()
	}
	limit := queryInt(r, "limit", 50, 500)
	commits, err := gs.Log(r.Context(), ref, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (h *Handlers) loadRepo(w http.ResponseWriter, r *http.Request) (*models.Repo, error) {
	repoID := chi.URLParam(r, "repoID")
	repo, err := h.db.GetRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, err
	}
	if repo == nil {
		writeError(w, http.StatusNotFound, "repo not found")
		return nil, nil
	}
	return repo, nil
}

func (h *Handlers) gitService(w http.ResponseWriter, r *http.Request) (*services.GitService, bool) {
	repoID := chi.URLParam(r, "repoID")
	gs, err := h.git.Service(repoID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return gs, true
}

// ============================================================================
// Cards
// ============================================================================

// GetCards handles GET /api/v1/repos/{repoID}/cards
func (h *Handlers) GetCards(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	cards, err := h.db.GetCardsByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

// createCardRequest is the JSON body for card creation.
type createCardRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	PipelineID  string `json:"pipeline_id"`
	Branch      string `json:"branch,omitempty"`
	Position    int    `json:"position,omitempty"`
}

// CreateCard handles POST /api/v1/repos/{repoID}/cards
func (h *Handlers) CreateCard(w http.ResponseWriter, r *http.Request) {
	repo, err := h.loadRepo(w, r)
	if repo == nil || err != nil {
		return
	}
	var body createCardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	card := &models.Card{
		ID:          uuid.New().String(),
		RepoID:      repo.ID,
		Title:       body.Title,
		Description: body.Description,
		Status:      models.CardStatusTodo,
		Branch:      body.Branch,
		PipelineID:  body.PipelineID,
		Position:    body.Position,
	}
	if err := h.db.CreateCard(r.Context(), card); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// GetCard handles GET /api/v1/cards/{cardID}
func (h *Handlers) GetCard(w http.ResponseWriter, r *http.Request) {
	card, ok := h.loadCard(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// updateCardRequest is the JSON body for card updates.
type updateCardRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	PipelineID  *string `json:"pipeline_id,omitempty"`
	Position    *int    `json:"position,omitempty"`
}

// UpdateCard handles PUT /api/v1/cards/{cardID}. Status moves go
// through the card verbs, not here.
func (h *Handlers) UpdateCard(w http.ResponseWriter, r *http.Request) {
	card, ok := h.loadCard(w, r)
	if !ok {
		return
	}
	var body updateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.Title != nil {
		title := strings.TrimSpace(*body.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title must not be empty")
			return
		}
		card.Title = title
	}
	if body.Description != nil {
		card.Description = *body.Description
	}
	if body.PipelineID != nil {
		card.PipelineID = *body.PipelineID
	}
	if body.Position != nil {
		card.Position = *body.Position
	}
	if err := h.db.UpdateCard(r.Context(), card); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// DeleteCard handles DELETE /api/v1/cards/{cardID}
func (h *Handlers) DeleteCard(w http.ResponseWriter, r *http.Request) {
	card, ok := h.loadCard(w, r)
	if !ok {
		return
	}
	if card.Status == models.CardStatusInProgress {
		writeError(w, http.StatusConflict, "cancel the card's run before deleting it")
		return
	}
	if err := h.db.DeleteCard(r.Context(), card.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// StartCard handles POST /api/v1/cards/{cardID}/start
func (h *Handlers) StartCard(w http.ResponseWriter, r *http.Request) {
	h.cardVerb(w, r, h.cards.Start)
}

// ApproveCard handles POST /api/v1/cards/{cardID}/approve
func (h *Handlers) ApproveCard(w http.ResponseWriter, r *http.Request) {
	h.cardVerb(w, r, h.cards.Approve)
}

// RejectCard handles POST /api/v1/cards/{cardID}/reject
func (h *Handlers) RejectCard(w http.ResponseWriter, r *http.Request) {
	h.cardVerb(w, r, h.cards.Reject)
}

// RetryCard handles POST /api/v1/cards/{cardID}/retry
func (h *Handlers) RetryCard(w http.ResponseWriter, r *http.Request) {
	h.cardVerb(w, r, h.cards.Retry)
}

// RebaseCard handles POST /api/v1/cards/{cardID}/rebase
func (h *Handlers) RebaseCard(w http.ResponseWriter, r *http.Request) {
	h.cardVerb(w, r, h.cards.Rebase)
}

// MergeCard handles POST /api/v1/cards/{cardID}/merge
func (h *Handlers) MergeCard(w http.ResponseWriter, r *http.Request) {
	h.cardVerb(w, r, h.cards.Merge)
}

type resolveRequest struct {
	Resolutions []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"resolutions"`
}

// ResolveCardMerge handles POST /api/v1/cards/{cardID}/resolve
func (h *Handlers) ResolveCardMerge(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Resolutions) == 0 {
		writeError(w, http.StatusBadRequest, "resolutions are required")
		return
	}
	resolutions := make(map[string]string, len(body.Resolutions))
	for _, res := range body.Resolutions {
		resolutions[res.Path] = res.Content
	}
	card, err := h.cards.ResolveMerge(r.Context(), cardID, resolutions)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// CancelCardRun handles POST /api/v1/cards/{cardID}/cancel
func (h *Handlers) CancelCardRun(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	var body cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := h.cards.CancelRun(r.Context(), cardID, body.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (h *Handlers) cardVerb(w http.ResponseWriter, r *http.Request, verb func(ctx context.Context, cardID string) (*models.Card, error)) {
	cardID := chi.URLParam(r, "cardID")
	card, err := verb(r.Context(), cardID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (h *Handlers) loadCard(w http.ResponseWriter, r *http.Request) (*models.Card, bool) {
	cardID := chi.URLParam(r, "cardID")
	card, err := h.db.GetCard(r.Context(), cardID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if card == nil {
		writeError(w, http.StatusNotFound, "card not found")
		return nil, false
	}
	return card, true
}

// ============================================================================
// Agent files
// ============================================================================

// GetAgentFiles handles GET /api/v1/repos/{repoID}/agent-files
func (h *Handlers) GetAgentFiles(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	files, err := h.db.GetAgentFilesByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// agentFileRequest is the JSON body for agent file creation and update.
type agentFileRequest struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
}

// CreateAgentFile handles POST /api/v1/repos/{repoID}/agent-files
func (h *Handlers) CreateAgentFile(w http.ResponseWriter, r *http.Request) {
	repo, err := h.loadRepo(w, r)
	if repo == nil || err != nil {
		return
	}
	var body agentFileRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.Path = strings.TrimSpace(body.Path)
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	file := &models.AgentFile{
		ID:     uuid.New().String(),
		RepoID: repo.ID,
		Path:   body.Path,
	}
	if body.Content != nil {
		file.Content = *body.Content
	}
	if err := h.db.CreateAgentFile(r.Context(), file); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// GetAgentFile handles GET /api/v1/agent-files/{fileID}
func (h *Handlers) GetAgentFile(w http.ResponseWriter, r *http.Request) {
	file, ok := h.loadAgentFile(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// UpdateAgentFile handles PUT /api/v1/agent-files/{fileID}
func (h *Handlers) UpdateAgentFile(w http.ResponseWriter, r *http.Request) {
	file, ok := h.loadAgentFile(w, r)
	if !ok {
		return
	}
	var body agentFileRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if path := strings.TrimSpace(body.Path); path != "" {
		file.Path = path
	}
	if body.Content != nil {
		file.Content = *body.Content
	}
	if err := h.db.UpdateAgentFile(r.Context(), file); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// DeleteAgentFile handles DELETE /api/v1/agent-files/{fileID}
func (h *Handlers) DeleteAgentFile(w http.ResponseWriter, r *http.Request) {
	file, ok := h.loadAgentFile(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteAgentFile(r.Context(), file.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) loadAgentFile(w http.ResponseWriter, r *http.Request) (*models.AgentFile, bool) {
	fileID := chi.URLParam(r, "fileID")
	file, err := h.db.GetAgentFile(r.Context(), fileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if file == nil {
		writeError(w, http.StatusNotFound, "agent file not found")
		return nil, false
	}
	return file, true
}

// ============================================================================
// Pipelines
// ============================================================================

// GetPipelines handles GET /api/v1/repos/{repoID}/pipelines
func (h *Handlers) GetPipelines(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	pipelines, err := h.db.GetPipelinesByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// createPipelineRequest is the JSON body for pipeline creation.
type createPipelineRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Graph       models.Graph `json:"graph"`
}

// CreatePipeline handles POST /api/v1/repos/{repoID}/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	repo, err := h.loadRepo(w, r)
	if repo == nil || err != nil {
		return
	}
	var body createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := body.Graph.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipeline := &models.Pipeline{
		ID:          uuid.New().String(),
		RepoID:      repo.ID,
		Name:        body.Name,
		Description: body.Description,
		Graph:       body.Graph,
	}
	if err := h.db.CreatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pipeline)
}

// GetPipeline handles GET /api/v1/pipelines/{pipelineID}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.loadPipeline(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// UpdatePipeline handles PUT /api/v1/pipelines/{pipelineID}. Running
// runs keep their graph snapshot; only future runs see the new graph.
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.loadPipeline(w, r)
	if !ok {
		return
	}
	var body createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.Name = strings.TrimSpace(body.Name); body.Name != "" {
		pipeline.Name = body.Name
	}
	pipeline.Description = body.Description
	if err := body.Graph.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pipeline.Graph = body.Graph
	if err := h.db.UpdatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{pipelineID}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.loadPipeline(w, r)
	if !ok {
		return
	}
	if err := h.db.DeletePipeline(r.Context(), pipeline.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ExportPipeline handles GET /api/v1/pipelines/{pipelineID}/yaml
func (h *Handlers) ExportPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.loadPipeline(w, r)
	if !ok {
		return
	}
	data, err := yaml.Marshal(pipelineToYAML(pipeline))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ImportPipeline handles POST /api/v1/repos/{repoID}/pipelines/import
// with a YAML document body.
func (h *Handlers) ImportPipeline(w http.ResponseWriter, r *http.Request) {
	repo, err := h.loadRepo(w, r)
	if repo == nil || err != nil {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var doc pipelineYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid YAML: "+err.Error())
		return
	}
	if strings.TrimSpace(doc.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	graph := doc.graph()
	if err := graph.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipeline := &models.Pipeline{
		ID:          uuid.New().String(),
		RepoID:      repo.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Graph:       graph,
	}
	if err := h.db.CreatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pipeline)
}

func (h *Handlers) loadPipeline(w http.ResponseWriter, r *http.Request) (*models.Pipeline, bool) {
	pipelineID := chi.URLParam(r, "pipelineID")
	pipeline, err := h.db.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if pipeline == nil {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return nil, false
	}
	return pipeline, true
}

// ============================================================================
// Runs
// ============================================================================

// GetRuns handles GET /api/v1/repos/{repoID}/runs
func (h *Handlers) GetRuns(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	runs, err := h.db.GetPipelineRunsByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// startRunRequest is the JSON body for manual run starts.
type startRunRequest struct {
	PipelineID string `json:"pipeline_id"`
	Branch     string `json:"branch,omitempty"`
	BaseRef    string `json:"base_ref,omitempty"`
	OnPass     string `json:"on_pass,omitempty"`
	OnFail     string `json:"on_fail,omitempty"`
}

// StartRun handles POST /api/v1/repos/{repoID}/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	var body startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.PipelineID == "" {
		writeError(w, http.StatusBadRequest, "pipeline_id is required")
		return
	}

	run, err := h.runs.Start(r.Context(), services.StartRunParams{
		RepoID:     repoID,
		PipelineID: body.PipelineID,
		Trigger:    models.TriggerManual,
		Branch:     body.Branch,
		BaseRef:    body.BaseRef,
		OnPass:     body.OnPass,
		OnFail:     body.OnFail,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// GetRun handles GET /api/v1/runs/{runID}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.db.GetPipelineRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// cancelRequest is the JSON body for cancellations.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRun handles POST /api/v1/runs/{runID}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := h.runs.Cancel(r.Context(), runID, body.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// GetRunSteps handles GET /api/v1/runs/{runID}/steps
func (h *Handlers) GetRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	steps, err := h.db.GetStepsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// GetStepLogs handles GET /api/v1/steps/{stepID}/logs?limit=N
func (h *Handlers) GetStepLogs(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	limit := queryInt(r, "limit", 0, 0)
	lines, err := h.db.GetLogLinesByStep(r.Context(), stepID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// ============================================================================
// Runners
// ============================================================================

// runnerView is the API shape of a registry entry.
type runnerView struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	RunnerType    string             `json:"runner_type"`
	Labels        map[string]string  `json:"labels,omitempty"`
	State         models.RunnerState `json:"state"`
	CurrentStepID string             `json:"current_step_id,omitempty"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	ConnectedAt   time.Time          `json:"connected_at"`
}

// GetRunners handles GET /api/v1/runners
func (h *Handlers) GetRunners(w http.ResponseWriter, r *http.Request) {
	runners := h.reg.List()
	views := make([]runnerView, 0, len(runners))
	for _, rn := range runners {
		views = append(views, runnerView{
			ID:            rn.ID,
			Name:          rn.Name,
			RunnerType:    rn.RunnerType,
			Labels:        rn.Labels,
			State:         rn.State,
			CurrentStepID: rn.CurrentStepID,
			LastHeartbeat: rn.LastHeartbeat,
			ConnectedAt:   rn.ConnectedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// ============================================================================
// Debug sessions
// ============================================================================

// createDebugRequest is the JSON body for debug session creation.
type createDebugRequest struct {
	StepID      string   `json:"step_id"`
	Breakpoints []string `json:"breakpoints,omitempty"`
}

// CreateDebugSession handles POST /api/v1/runs/{runID}/debug
func (h *Handlers) CreateDebugSession(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body createDebugRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.StepID == "" {
		writeError(w, http.StatusBadRequest, "step_id is required")
		return
	}
	step, err := h.db.GetStep(r.Context(), body.StepID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if step == nil || step.RunID != runID {
		writeError(w, http.StatusNotFound, "step not found in run")
		return
	}

	session, err := h.debug.Create(r.Context(), runID, step.ID, body.Breakpoints)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetDebugSession handles GET /api/v1/debug/{token}
func (h *Handlers) GetDebugSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.debug.GetByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// AttachDebugSession handles POST /api/v1/debug/{token}/attach
func (h *Handlers) AttachDebugSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.debug.Attach(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ExtendDebugSession handles POST /api/v1/debug/{token}/extend
func (h *Handlers) ExtendDebugSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.debug.Extend(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ResumeDebugSession handles POST /api/v1/debug/{token}/resume
func (h *Handlers) ResumeDebugSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.debug.Resume(r.Context(), token); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// AbortDebugSession handles POST /api/v1/debug/{token}/abort
func (h *Handlers) AbortDebugSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var body cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := h.debug.Abort(r.Context(), token, body.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// EndDebugSession handles POST /api/v1/debug/{token}/end
func (h *Handlers) EndDebugSession(w http.ResponseWriter, r *http.Request) {
	if err := h.debug.End(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// ============================================================================
// Pipeline YAML mapping
// ============================================================================

// pipelineYAML is the import/export document for pipeline definitions.
type pipelineYAML struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Steps       []stepYAML `yaml:"steps"`
	Edges       []edgeYAML `yaml:"edges,omitempty"`
}

type stepYAML struct {
	Index             int               `yaml:"index"`
	Name              string            `yaml:"name"`
	Kind              string            `yaml:"kind,omitempty"`
	Command           string            `yaml:"command,omitempty"`
	Image             string            `yaml:"image,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	RunnerType        string            `yaml:"runner_type,omitempty"`
	Labels            map[string]string `yaml:"labels,omitempty"`
	TimeoutSeconds    int               `yaml:"timeout_s,omitempty"`
	ContinueInContext bool              `yaml:"continue_in_context,omitempty"`
	Breakpoints       []string          `yaml:"breakpoints,omitempty"`
	StopOutcome       string            `yaml:"stop_outcome,omitempty"`
	MergeBranch       string            `yaml:"merge_branch,omitempty"`
}

type edgeYAML struct {
	From      int    `yaml:"from"`
	To        int    `yaml:"to"`
	Condition string `yaml:"condition,omitempty"` // defaults to success
}

func (doc pipelineYAML) graph() models.Graph {
	g := models.Graph{
		Steps: make([]models.StepTemplate, 0, len(doc.Steps)),
		Edges: make([]models.Edge, 0, len(doc.Edges)),
	}
	for _, s := range doc.Steps {
		g.Steps = append(g.Steps, models.StepTemplate{
			Index:             s.Index,
			Name:              s.Name,
			Kind:              models.StepKind(s.Kind),
			Command:           s.Command,
			Image:             s.Image,
			Env:               s.Env,
			Selector:          models.Selector{RunnerType: s.RunnerType, Labels: s.Labels},
			TimeoutSeconds:    s.TimeoutSeconds,
			ContinueInContext: s.ContinueInContext,
			Breakpoints:       s.Breakpoints,
			StopOutcome:       s.StopOutcome,
			MergeBranch:       s.MergeBranch,
		})
	}
	for _, e := range doc.Edges {
		cond := models.EdgeCondition(e.Condition)
		if cond == "" {
			cond = models.EdgeOnSuccess
		}
		g.Edges = append(g.Edges, models.Edge{From: e.From, To: e.To, Condition: cond})
	}
	return g
}

func pipelineToYAML(p *models.Pipeline) pipelineYAML {
	doc := pipelineYAML{
		Name:        p.Name,
		Description: p.Description,
		Steps:       make([]stepYAML, 0, len(p.Graph.Steps)),
		Edges:       make([]edgeYAML, 0, len(p.Graph.Edges)),
	}
	for _, s := range p.Graph.Steps {
		doc.Steps = append(doc.Steps, stepYAML{
			Index:             s.Index,
			Name:              s.Name,
			Kind:              string(s.Kind),
			Command:           s.Command,
			Image:             s.Image,
			Env:               s.Env,
			RunnerType:        s.Selector.RunnerType,
			Labels:            s.Selector.Labels,
			TimeoutSeconds:    s.TimeoutSeconds,
			ContinueInContext: s.ContinueInContext,
			Breakpoints:       s.Breakpoints,
			StopOutcome:       s.StopOutcome,
			MergeBranch:       s.MergeBranch,
		})
	}
	for _, e := range p.Graph.Edges {
		doc.Edges = append(doc.Edges, edgeYAML{From: e.From, To: e.To, Condition: string(e.Condition)})
	}
	return doc
}
