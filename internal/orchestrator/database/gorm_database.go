// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.Repo{},
		&models.Card{},
		&models.AgentFile{},
		&models.Pipeline{},
		&models.PipelineRun{},
		&models.Step{},
		&models.RunnerRecord{},
		&models.DebugSession{},
		&models.LogLine{},
	)
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string

	tables := []struct {
		model any
		name  string
	}{
		{&models.Repo{}, "repos"},
		{&models.Card{}, "cards"},
		{&models.AgentFile{}, "agent_files"},
		{&models.Pipeline{}, "pipelines"},
		{&models.PipelineRun{}, "pipeline_runs"},
		{&models.Step{}, "steps"},
		{&models.RunnerRecord{}, "runners"},
		{&models.DebugSession{}, "debug_sessions"},
		{&models.LogLine{}, "log_lines"},
	}
	for _, t := range tables {
		if !db.db.Migrator().HasTable(t.model) {
			missingTables = append(missingTables, t.name)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v, run migrations first", missingTables)
	}

	columns := []struct {
		model any
		table string
		cols  []string
	}{
		{&models.Repo{}, "repos", []string{"id", "name", "default_branch", "storage_path", "clone_url", "triggers", "damaged_branches"}},
		{&models.Card{}, "cards", []string{"id", "repo_id", "title", "status", "branch", "pipeline_id", "run_id"}},
		{&models.AgentFile{}, "agent_files", []string{"id", "repo_id", "path", "content"}},
		{&models.Pipeline{}, "pipelines", []string{"id", "repo_id", "name", "graph"}},
		{&models.PipelineRun{}, "pipeline_runs", []string{"id", "pipeline_id", "repo_id", "status", "graph", "graph_hash", "branch", "base_commit", "created_at"}},
		{&models.Step{}, "steps", []string{"id", "run_id", "step_index", "spec", "status", "runner_id", "assign_retries", "failure_kind"}},
		{&models.RunnerRecord{}, "runners", []string{"id", "name", "runner_type", "labels", "state", "last_heartbeat_at", "last_idle_since"}},
		{&models.DebugSession{}, "debug_sessions", []string{"id", "token", "run_id", "step_id", "state", "expires_at"}},
		{&models.LogLine{}, "log_lines", []string{"id", "run_id", "step_id", "stream", "line"}},
	}
	for _, c := range columns {
		for _, col := range c.cols {
			if !db.db.Migrator().HasColumn(c.model, col) {
				missingColumns = append(missingColumns, fmt.Sprintf("%s.%s", c.table, col))
			}
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v, run migrations first", missingColumns)
	}

	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Repo Operations
// ============================================================================

// CreateRepo creates a new repo record
func (db *GormDB) CreateRepo(ctx context.Context, repo *models.Repo) error {
	return db.db.WithContext(ctx).Create(repo).Error
}

// GetRepo retrieves a repo by ID
func (db *GormDB) GetRepo(ctx context.Context, repoID string) (*models.Repo, error) {
	var repo models.Repo
	err := db.db.WithContext(ctx).First(&repo, "id = ?", repoID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &repo, nil
}

// GetRepoByName retrieves a repo by its unique name
func (db *GormDB) GetRepoByName(ctx context.Context, name string) (*models.Repo, error) {
	var repo models.Repo
	err := db.db.WithContext(ctx).First(&repo, "name = ?", name).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &repo, nil
}

// GetAllRepos retrieves all repos ordered by last update
func (db *GormDB) GetAllRepos(ctx context.Context) ([]*models.Repo, error) {
	var repos []*models.Repo
	err := db.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&repos).Error
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// UpdateRepo updates a repo record
func (db *GormDB) UpdateRepo(ctx context.Context, repo *models.Repo) error {
	return db.db.WithContext(ctx).Save(repo).Error
}

// UpdateRepoDamagedBranches replaces the damaged branch list for a repo
func (db *GormDB) UpdateRepoDamagedBranches(ctx context.Context, repoID string, damaged models.StringList) error {
	return db.db.WithContext(ctx).Model(&models.Repo{}).
		Where("id = ?", repoID).
		Update("damaged_branches", damaged).Error
}

// DeleteRepo deletes a repo and its cards and pipelines
func (db *GormDB) DeleteRepo(ctx context.Context, repoID string) error {
	return db.db.WithContext(ctx).Delete(&models.Repo{}, "id = ?", repoID).Error
}

// ============================================================================
// Card Operations
// ============================================================================

// CreateCard creates a new card
func (db *GormDB) CreateCard(ctx context.Context, card *models.Card) error {
	return db.db.WithContext(ctx).Create(card).Error
}

// GetCard retrieves a card by ID
func (db *GormDB) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	var card models.Card
	err := db.db.WithContext(ctx).First(&card, "id = ?", cardID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &card, nil
}

// GetCardsByRepo retrieves all cards for a repo ordered by board position
func (db *GormDB) GetCardsByRepo(ctx context.Context, repoID string) ([]*models.Card, error) {
	var cards []*models.Card
	err := db.db.WithContext(ctx).
		Where("repo_id = ?", repoID).
		Order("position ASC, created_at ASC").
		Find(&cards).Error
	if err != nil {
		return nil, err
	}
	return cards, nil
}

// GetCardByRunID finds the card attached to a run, if any
func (db *GormDB) GetCardByRunID(ctx context.Context, runID string) (*models.Card, error) {
	var card models.Card
	err := db.db.WithContext(ctx).First(&card, "run_id = ?", runID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &card, nil
}

// UpdateCard updates a card
func (db *GormDB) UpdateCard(ctx context.Context, card *models.Card) error {
	return db.db.WithContext(ctx).Save(card).Error
}

// UpdateCardStatus updates a card's status and current run binding
func (db *GormDB) UpdateCardStatus(ctx context.Context, cardID string, status models.CardStatus, runID string) error {
	return db.db.WithContext(ctx).Model(&models.Card{}).
		Where("id = ?", cardID).
		Updates(map[string]any{
			"status": status,
			"run_id": runID,
		}).Error
}

// DeleteCard deletes a card
func (db *GormDB) DeleteCard(ctx context.Context, cardID string) error {
	return db.db.WithContext(ctx).Delete(&models.Card{}, "id = ?", cardID).Error
}

// ============================================================================
// Agent File Operations
// ============================================================================

// CreateAgentFile creates an agent instruction file record
func (db *GormDB) CreateAgentFile(ctx context.Context, file *models.AgentFile) error {
	return db.db.WithContext(ctx).Create(file).Error
}

// GetAgentFile retrieves an agent file by ID
func (db *GormDB) GetAgentFile(ctx context.Context, fileID string) (*models.AgentFile, error) {
	var file models.AgentFile
	err := db.db.WithContext(ctx).First(&file, "id = ?", fileID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &file, nil
}

// GetAgentFilesByRepo retrieves all agent files for a repo ordered by path
func (db *GormDB) GetAgentFilesByRepo(ctx context.Context, repoID string) ([]*models.AgentFile, error) {
	var files []*models.AgentFile
	err := db.db.WithContext(ctx).
		Where("repo_id = ?", repoID).
		Order("path ASC").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// UpdateAgentFile updates an agent file
func (db *GormDB) UpdateAgentFile(ctx context.Context, file *models.AgentFile) error {
	return db.db.WithContext(ctx).Save(file).Error
}

// DeleteAgentFile deletes an agent file
func (db *GormDB) DeleteAgentFile(ctx context.Context, fileID string) error {
	return db.db.WithContext(ctx).Delete(&models.AgentFile{}, "id = ?", fileID).Error
}

// ============================================================================
// Pipeline Operations
// ============================================================================

// CreatePipeline creates a new pipeline definition
func (db *GormDB) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Create(pipeline).Error
}

// GetPipeline retrieves a pipeline by ID
func (db *GormDB) GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := db.db.WithContext(ctx).First(&pipeline, "id = ?", pipelineID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

// GetPipelinesByRepo retrieves all pipelines for a repo
func (db *GormDB) GetPipelinesByRepo(ctx context.Context, repoID string) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := db.db.WithContext(ctx).
		Where("repo_id = ?", repoID).
		Order("created_at DESC").
		Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// UpdatePipeline updates a pipeline's details
func (db *GormDB) UpdatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Save(pipeline).Error
}

// DeletePipeline deletes a pipeline
func (db *GormDB) DeletePipeline(ctx context.Context, pipelineID string) error {
	return db.db.WithContext(ctx).Delete(&models.Pipeline{}, "id = ?", pipelineID).Error
}

// ============================================================================
// PipelineRun Operations
// ============================================================================

// CreatePipelineRun creates a run together with its step rows in one
// transaction, so a crash cannot leave a run without steps.
func (db *GormDB) CreatePipelineRun(ctx context.Context, run *models.PipelineRun, steps []*models.Step) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		for _, step := range steps {
			if err := tx.Create(step).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPipelineRun retrieves a pipeline run by ID with its steps
func (db *GormDB) GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_index ASC")
		}).
		First(&run, "id = ?", runID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// GetPipelineRunsByRepo retrieves all runs for a repo, newest first
func (db *GormDB) GetPipelineRunsByRepo(ctx context.Context, repoID string) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := db.db.WithContext(ctx).
		Where("repo_id = ?", repoID).
		Order("created_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// GetNonTerminalRuns retrieves runs that were in flight, oldest first.
// Used on startup to resume interrupted executions.
func (db *GormDB) GetNonTerminalRuns(ctx context.Context) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := db.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_index ASC")
		}).
		Where("status IN ?", []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}).
		Order("created_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdatePipelineRunStatus updates a run's status and optional error message
func (db *GormDB) UpdatePipelineRunStatus(ctx context.Context, runID string, status models.RunStatus, errorMessage string) error {
	updates := map[string]any{
		"status": status,
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if status == models.RunStatusRunning {
		now := time.Now()
		updates["started_at"] = &now
	}
	if status.Terminal() {
		now := time.Now()
		updates["completed_at"] = &now
	}
	return db.db.WithContext(ctx).
		Model(&models.PipelineRun{}).
		Where("id = ?", runID).
		Updates(updates).Error
}

// UpdatePipelineRunProgress records how many steps of a run have
// completed successfully so far.
func (db *GormDB) UpdatePipelineRunProgress(ctx context.Context, runID string, stepsCompleted int) error {
	return db.db.WithContext(ctx).
		Model(&models.PipelineRun{}).
		Where("id = ?", runID).
		Update("steps_completed", stepsCompleted).Error
}

// UpdatePipelineRun updates a pipeline run (only non-zero fields)
func (db *GormDB) UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Model(&models.PipelineRun{}).Where("id = ?", run.ID).Updates(run).Error
}

// DeletePipelineRun deletes a pipeline run and its steps
func (db *GormDB) DeletePipelineRun(ctx context.Context, runID string) error {
	return db.db.WithContext(ctx).Delete(&models.PipelineRun{}, "id = ?", runID).Error
}

// ============================================================================
// Step Operations
// ============================================================================

// GetStep retrieves a step by ID
func (db *GormDB) GetStep(ctx context.Context, stepID string) (*models.Step, error) {
	var step models.Step
	err := db.db.WithContext(ctx).First(&step, "id = ?", stepID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &step, nil
}

// GetStepsByRun retrieves all steps of a run in graph order
func (db *GormDB) GetStepsByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	var steps []*models.Step
	err := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("step_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// UpdateStep persists the full step row
func (db *GormDB) UpdateStep(ctx context.Context, step *models.Step) error {
	return db.db.WithContext(ctx).Save(step).Error
}

// UpdateStepStatus updates a step's status
func (db *GormDB) UpdateStepStatus(ctx context.Context, stepID string, status models.StepStatus) error {
	return db.db.WithContext(ctx).
		Model(&models.Step{}).
		Where("id = ?", stepID).
		Update("status", status).Error
}

// ============================================================================
// Runner Operations
// ============================================================================

// UpsertRunnerRecord inserts or refreshes a runner's persisted state
func (db *GormDB) UpsertRunnerRecord(ctx context.Context, rec *models.RunnerRecord) error {
	return db.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name",
				"runner_type",
				"labels",
				"state",
				"current_step_id",
				"last_heartbeat_at",
				"last_idle_since",
				"connected_at",
				"updated_at",
			}),
		}).
		Create(rec).Error
}

// GetRunnerRecord retrieves a runner by ID
func (db *GormDB) GetRunnerRecord(ctx context.Context, runnerID string) (*models.RunnerRecord, error) {
	var rec models.RunnerRecord
	err := db.db.WithContext(ctx).First(&rec, "id = ?", runnerID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetAllRunnerRecords retrieves the persisted runner fleet
func (db *GormDB) GetAllRunnerRecords(ctx context.Context) ([]*models.RunnerRecord, error) {
	var recs []*models.RunnerRecord
	err := db.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// MarkStaleRunnersDead marks every non-dead runner whose last heartbeat
// predates the cutoff, returning the affected IDs.
func (db *GormDB) MarkStaleRunnersDead(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []models.RunnerRecord
	err := db.db.WithContext(ctx).
		Where("state NOT IN ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)",
			[]models.RunnerState{models.RunnerStateDead, models.RunnerStateDisconnected}, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stale))
	for _, rec := range stale {
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = db.db.WithContext(ctx).Model(&models.RunnerRecord{}).
		Where("id IN ?", ids).
		Update("state", models.RunnerStateDead).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ============================================================================
// DebugSession Operations
// ============================================================================

// CreateDebugSession creates a new debug session
func (db *GormDB) CreateDebugSession(ctx context.Context, session *models.DebugSession) error {
	return db.db.WithContext(ctx).Create(session).Error
}

// GetDebugSession retrieves a session by ID
func (db *GormDB) GetDebugSession(ctx context.Context, sessionID string) (*models.DebugSession, error) {
	var session models.DebugSession
	err := db.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// GetDebugSessionByToken retrieves a session by its token
func (db *GormDB) GetDebugSessionByToken(ctx context.Context, token string) (*models.DebugSession, error) {
	var session models.DebugSession
	err := db.db.WithContext(ctx).First(&session, "token = ?", token).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// GetActiveDebugSessions retrieves sessions that have not terminated
func (db *GormDB) GetActiveDebugSessions(ctx context.Context) ([]*models.DebugSession, error) {
	var sessions []*models.DebugSession
	err := db.db.WithContext(ctx).
		Where("state IN ?", []models.DebugSessionState{
			models.DebugStatePending, models.DebugStateWaitingAtBP, models.DebugStateConnected,
		}).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateDebugSession persists the full session row
func (db *GormDB) UpdateDebugSession(ctx context.Context, session *models.DebugSession) error {
	return db.db.WithContext(ctx).Save(session).Error
}

// ============================================================================
// LogLine Operations
// ============================================================================

// AppendLogLines batch-inserts persisted log lines
func (db *GormDB) AppendLogLines(ctx context.Context, lines []models.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).Create(&lines).Error
}

// GetLogLinesByStep retrieves a step's log, oldest first. A limit of 0
// returns all lines.
func (db *GormDB) GetLogLinesByStep(ctx context.Context, stepID string, limit int) ([]models.LogLine, error) {
	var lines []models.LogLine
	query := db.db.WithContext(ctx).
		Where("step_id = ?", stepID).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&lines).Error; err != nil {
		return nil, err
	}
	return lines, nil
}

// GetLogTailByStep retrieves the last n lines of a step's log in order.
func (db *GormDB) GetLogTailByStep(ctx context.Context, stepID string, n int) ([]models.LogLine, error) {
	var lines []models.LogLine
	err := db.db.WithContext(ctx).
		Where("step_id = ?", stepID).
		Order("id DESC").
		Limit(n).
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
