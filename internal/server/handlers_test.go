// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/services"
)

type apiFixture struct {
	db   *database.GormDB
	git  *services.GitManager
	srv  *httptest.Server
	root string
}

// newAPIFixture wires the handlers against a real sqlite database and
// real bare-repo storage. Paths needing the run, card, or debug
// services are covered by their service tests.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(dir, "api.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())

	storage := filepath.Join(dir, "repos")
	git := services.NewGitManager(config.GitConfig{RepoStorageRoot: storage, DefaultBranch: "main"})

	bus := eventbus.NewBus(eventbus.DefaultOptions())
	h := NewHandlers(db, nil, nil, nil, git, nil, bus)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/repos", func(r chi.Router) {
			r.Get("/", h.GetRepos)
			r.Post("/", h.CreateRepo)
			r.Route("/{repoID}", func(r chi.Router) {
				r.Get("/", h.GetRepo)
				r.Put("/", h.UpdateRepo)
				r.Delete("/", h.DeleteRepo)
				r.Get("/branches", h.GetBranches)
				r.Get("/cards", h.GetCards)
				r.Post("/cards", h.CreateCard)
				r.Get("/agent-files", h.GetAgentFiles)
				r.Post("/agent-files", h.CreateAgentFile)
				r.Get("/pipelines", h.GetPipelines)
				r.Post("/pipelines", h.CreatePipeline)
				r.Post("/pipelines/import", h.ImportPipeline)
				r.Get("/runs", h.GetRuns)
			})
		})
		r.Route("/cards/{cardID}", func(r chi.Router) {
			r.Get("/", h.GetCard)
			r.Put("/", h.UpdateCard)
			r.Delete("/", h.DeleteCard)
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
		r.Get("/runs/{runID}", h.GetRun)
		r.Get("/steps/{stepID}/logs", h.GetStepLogs)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		git.Close()
		bus.Close()
		db.Close()
	})
	return &apiFixture{db: db, git: git, srv: srv, root: storage}
}

// doJSON performs a request with a JSON (or raw string) body and
// decodes the JSON response into out when out is non-nil.
func (f *apiFixture) doJSON(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *apiFixture) createRepo(t *testing.T, name string) models.Repo {
	t.Helper()
	var repo models.Repo
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos", map[string]string{"name": name}, &repo)
	require.Equal(t, http.StatusCreated, status)
	return repo
}

func TestCreateRepoProvisionsStorage(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "api-demo")

	assert.Equal(t, "api-demo", repo.Name)
	assert.Equal(t, "main", repo.DefaultBranch)
	require.NotEmpty(t, repo.StoragePath)
	info, err := os.Stat(repo.StoragePath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	var branches []map[string]any
	status := f.doJSON(t, http.MethodGet, "/api/v1/repos/"+repo.ID+"/branches", nil, &branches)
	assert.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, branches)
}

func TestCreateRepoRequiresName(t *testing.T) {
	f := newAPIFixture(t)
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos", map[string]string{"name": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateRepoDuplicateNameRollsBackStorage(t *testing.T) {
	f := newAPIFixture(t)
	f.createRepo(t, "dup")

	status := f.doJSON(t, http.MethodPost, "/api/v1/repos", map[string]string{"name": "dup"}, nil)
	assert.Equal(t, http.StatusInternalServerError, status)

	// Only the first repo's bare directory remains.
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRepoUpdateAndDelete(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "mutable")

	var updated models.Repo
	status := f.doJSON(t, http.MethodPut, "/api/v1/repos/"+repo.ID,
		map[string]string{"name": "renamed", "description": "after"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "after", updated.Description)

	status = f.doJSON(t, http.MethodDelete, "/api/v1/repos/"+repo.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = f.doJSON(t, http.MethodGet, "/api/v1/repos/"+repo.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	_, err := os.Stat(repo.StoragePath)
	assert.True(t, os.IsNotExist(err))
}

func TestCardCRUD(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "cards")

	var card models.Card
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/cards",
		map[string]any{"title": "add retry", "description": "flaky push"}, &card)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, models.CardStatusTodo, card.Status)

	var cards []models.Card
	status = f.doJSON(t, http.MethodGet, "/api/v1/repos/"+repo.ID+"/cards", nil, &cards)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, cards, 1)

	var updated models.Card
	status = f.doJSON(t, http.MethodPut, "/api/v1/cards/"+card.ID,
		map[string]any{"title": "add retries", "position": 3}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "add retries", updated.Title)
	assert.Equal(t, 3, updated.Position)

	status = f.doJSON(t, http.MethodDelete, "/api/v1/cards/"+card.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	status = f.doJSON(t, http.MethodGet, "/api/v1/cards/"+card.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAgentFileCRUD(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "agents")

	var file models.AgentFile
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/agent-files",
		map[string]string{"path": "AGENTS.md", "content": "# Conventions\n"}, &file)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "AGENTS.md", file.Path)
	assert.Equal(t, "# Conventions\n", file.Content)

	var files []models.AgentFile
	status = f.doJSON(t, http.MethodGet, "/api/v1/repos/"+repo.ID+"/agent-files", nil, &files)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, files, 1)

	var updated models.AgentFile
	status = f.doJSON(t, http.MethodPut, "/api/v1/agent-files/"+file.ID,
		map[string]string{"content": "# Conventions\n\nUse table tests.\n"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "AGENTS.md", updated.Path)
	assert.Contains(t, updated.Content, "table tests")

	status = f.doJSON(t, http.MethodDelete, "/api/v1/agent-files/"+file.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	status = f.doJSON(t, http.MethodGet, "/api/v1/agent-files/"+file.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAgentFileCreateRequiresPath(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "agents-nopath")
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/agent-files",
		map[string]string{"content": "orphan"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetBranchesVerifyEnumeratesDamage(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "verify-branches")
	ctx := context.Background()

	gs, err := f.git.Service(repo.ID)
	require.NoError(t, err)
	key := services.WorktreeKey{Branch: "work/history", RunID: "run-1", StepIndex: 0}
	path, err := gs.AcquireWorktree(ctx, key, "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "a.txt"), []byte("one\n"), 0644))
	first, err := gs.SyncFromDisk(ctx, key, "first")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "b.txt"), []byte("two\n"), 0644))
	_, err = gs.SyncFromDisk(ctx, key, "second")
	require.NoError(t, err)

	// Drop the interior commit so the tip stays readable but the
	// history behind it is not.
	require.NoError(t, os.Remove(filepath.Join(gs.BarePath(), "objects", first[:2], first[2:])))

	branchFor := func(url string) map[string]any {
		var branches []map[string]any
		status := f.doJSON(t, http.MethodGet, url, nil, &branches)
		require.Equal(t, http.StatusOK, status)
		for _, b := range branches {
			if b["name"] == "work/history" {
				return b
			}
		}
		t.Fatal("work/history not listed")
		return nil
	}

	shallow := branchFor("/api/v1/repos/" + repo.ID + "/branches")
	assert.Nil(t, shallow["damaged"])

	deep := branchFor("/api/v1/repos/" + repo.ID + "/branches?verify=1")
	assert.Equal(t, true, deep["damaged"])
	require.NotEmpty(t, deep["missing_shas"])
	assert.Contains(t, deep["missing_shas"], first)
}

func TestDeleteInProgressCardRejected(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "busy-card")
	ctx := context.Background()

	card := &models.Card{ID: "c1", RepoID: repo.ID, Title: "busy", Status: models.CardStatusInProgress}
	require.NoError(t, f.db.CreateCard(ctx, card))

	status := f.doJSON(t, http.MethodDelete, "/api/v1/cards/c1", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func validGraphBody() map[string]any {
	return map[string]any{
		"name": "build-and-test",
		"graph": map[string]any{
			"steps": []map[string]any{
				{"index": 0, "name": "build", "command": "make build"},
				{"index": 1, "name": "test", "command": "make test"},
			},
			"edges": []map[string]any{
				{"from": 0, "to": 1, "condition": "success"},
			},
		},
	}
}

func TestPipelineCRUD(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "pipes")

	var pipeline models.Pipeline
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/pipelines", validGraphBody(), &pipeline)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, pipeline.Graph.Steps, 2)

	var got models.Pipeline
	status = f.doJSON(t, http.MethodGet, "/api/v1/pipelines/"+pipeline.ID, nil, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "build-and-test", got.Name)

	status = f.doJSON(t, http.MethodDelete, "/api/v1/pipelines/"+pipeline.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	status = f.doJSON(t, http.MethodGet, "/api/v1/pipelines/"+pipeline.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreatePipelineRejectsCyclicGraph(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "cyclic")

	body := validGraphBody()
	body["graph"].(map[string]any)["edges"] = []map[string]any{
		{"from": 0, "to": 1, "condition": "success"},
		{"from": 1, "to": 0, "condition": "success"},
	}
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/pipelines", body, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPipelineYAMLRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "yaml")

	var pipeline models.Pipeline
	status := f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/pipelines", validGraphBody(), &pipeline)
	require.Equal(t, http.StatusCreated, status)

	resp, err := http.Get(f.srv.URL + "/api/v1/pipelines/" + pipeline.ID + "/yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	doc := buf.String()
	assert.Contains(t, doc, "name: build-and-test")
	assert.Contains(t, doc, "make test")

	var imported models.Pipeline
	status = f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/pipelines/import", doc, &imported)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEqual(t, pipeline.ID, imported.ID)
	assert.Equal(t, pipeline.Graph, imported.Graph)
}

func TestImportPipelineRejectsBadYAML(t *testing.T) {
	f := newAPIFixture(t)
	repo := f.createRepo(t, "bad-yaml")

	status := f.doJSON(t, http.MethodPost, "/api/v1/repos/"+repo.ID+"/pipelines/import", "{not yaml: [", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetRunNotFound(t *testing.T) {
	f := newAPIFixture(t)
	status := f.doJSON(t, http.MethodGet, "/api/v1/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetStepLogsHonorsLimit(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	var lines []models.LogLine
	for i := 0; i < 5; i++ {
		lines = append(lines, models.LogLine{
			RunID: "run-1", StepID: "step-1", Seq: uint64(i), Stream: "stdout",
			Line: strings.Repeat("x", i+1),
		})
	}
	require.NoError(t, f.db.AppendLogLines(ctx, lines))

	var got []models.LogLine
	status := f.doJSON(t, http.MethodGet, "/api/v1/steps/step-1/logs?limit=2", nil, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, got, 2)
}
