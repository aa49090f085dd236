// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repo represents a managed git repository. The control plane owns a
// bare repository under the storage root plus a pool of worktrees;
// runners reach it through CloneURL.
type Repo struct {
	ID            string     `gorm:"primaryKey;type:text" json:"id"`
	Name          string     `gorm:"not null;type:text;uniqueIndex" json:"name"`
	Description   string     `gorm:"type:text" json:"description"`
	DefaultBranch string     `gorm:"not null;type:text" json:"default_branch"`
	StoragePath   string     `gorm:"type:text" json:"storage_path"`
	CloneURL      string     `gorm:"type:text" json:"clone_url"`
	Triggers      Triggers   `gorm:"type:text" json:"triggers"`
	Damaged       StringList `gorm:"type:text;column:damaged_branches" json:"damaged_branches"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Cards     []Card     `gorm:"foreignKey:RepoID;constraint:OnDelete:CASCADE" json:"cards,omitempty"`
	Pipelines []Pipeline `gorm:"foreignKey:RepoID;constraint:OnDelete:CASCADE" json:"pipelines,omitempty"`
}

// TableName returns the table name for Repo
func (Repo) TableName() string {
	return "repos"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (r *Repo) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if r.Triggers == nil {
		r.Triggers = Triggers{}
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (r *Repo) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}

// Trigger fires a pipeline when a pushed branch matches BranchPattern
// (doublestar glob, e.g. "feature/**"). OnPass/OnFail name the card
// transition applied when the triggered run finishes.
type Trigger struct {
	BranchPattern string `json:"branch_pattern"`
	PipelineID    string `json:"pipeline_id"`
	OnPass        string `json:"on_pass,omitempty"`
	OnFail        string `json:"on_fail,omitempty"`
}

// Triggers is a JSON-serializable slice of Trigger
type Triggers []Trigger

func (t *Triggers) Scan(value any) error {
	if value == nil {
		*t = Triggers{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return errors.New("cannot scan Triggers from non-string/[]byte value")
	}
}

func (t Triggers) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "[]", nil
	}
	return json.Marshal(t)
}

// CardStatus represents the lifecycle state of a card
type CardStatus string

const (
	CardStatusTodo       CardStatus = "todo"
	CardStatusInProgress CardStatus = "in_progress"
	CardStatusInReview   CardStatus = "in_review"
	CardStatusDone       CardStatus = "done"
	CardStatusFailed     CardStatus = "failed"
)

// Valid reports whether s is a known card status.
func (s CardStatus) Valid() bool {
	switch s {
	case CardStatusTodo, CardStatusInProgress, CardStatusInReview, CardStatusDone, CardStatusFailed:
		return true
	}
	return false
}

// Card represents a unit of work on a repo's board. Moving a card to
// in_progress starts its pipeline; the run's outcome moves it onward.
type Card struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	RepoID      string     `gorm:"not null;type:text;index" json:"repo_id"`
	Title       string     `gorm:"not null;type:text" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Status      CardStatus `gorm:"not null;type:text;default:todo" json:"status"`
	Branch      string     `gorm:"type:text" json:"branch"`
	PipelineID  string     `gorm:"type:text" json:"pipeline_id"`
	RunID       string     `gorm:"type:text;index" json:"run_id,omitempty"`
	Position    int        `gorm:"type:integer" json:"position"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Card
func (Card) TableName() string {
	return "cards"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (c *Card) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Status == "" {
		c.Status = CardStatusTodo
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (c *Card) BeforeUpdate(tx *gorm.DB) error {
	c.UpdatedAt = time.Now()
	return nil
}

// AgentFile is a per-repo instruction file for coding agents (for
// example AGENTS.md). Files are keyed by path within the repo; steps
// reference them by path when a run is assembled.
type AgentFile struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	RepoID    string    `gorm:"not null;type:text;index;uniqueIndex:idx_agent_files_repo_path" json:"repo_id"`
	Path      string    `gorm:"not null;type:text;uniqueIndex:idx_agent_files_repo_path" json:"path"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for AgentFile
func (AgentFile) TableName() string {
	return "agent_files"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (f *AgentFile) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (f *AgentFile) BeforeUpdate(tx *gorm.DB) error {
	f.UpdatedAt = time.Now()
	return nil
}
