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

// RunStatus represents the status of a pipeline run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed || s == RunStatusCancelled
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerManual RunTrigger = "manual"
	TriggerCard   RunTrigger = "card"
	TriggerPush   RunTrigger = "push"
)

// PipelineRun represents a specific execution of a pipeline graph.
// Graph is snapshotted at creation so later pipeline edits do not
// affect in-flight or resumed runs.
type PipelineRun struct {
	ID         string     `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string     `gorm:"not null;type:text;index" json:"pipeline_id"`
	RepoID     string     `gorm:"not null;type:text;index" json:"repo_id"`
	CardID     string     `gorm:"type:text;index" json:"card_id,omitempty"`
	Trigger    RunTrigger `gorm:"not null;type:text;default:manual" json:"trigger"`
	Status     RunStatus  `gorm:"not null;type:text;default:pending" json:"status"`

	Graph     Graph  `gorm:"type:text" json:"graph"`
	GraphHash string `gorm:"type:text;index" json:"graph_hash"`

	// Progress counters. StepsTotal is fixed at creation; StepsCompleted
	// is advanced by the executor as steps settle successfully.
	StepsTotal     int `gorm:"type:integer" json:"steps_total"`
	StepsCompleted int `gorm:"type:integer" json:"steps_completed"`

	// Termination actions inherited from the trigger that started the
	// run: empty or "merge:<branch>".
	OnPass string `gorm:"type:text" json:"on_pass,omitempty"`
	OnFail string `gorm:"type:text" json:"on_fail,omitempty"`

	// Git information
	Branch     string `gorm:"type:text" json:"branch"`
	BaseCommit string `gorm:"type:text" json:"base_commit"`
	HeadCommit string `gorm:"type:text" json:"head_commit"`

	// Timestamps. CreatedAt orders dispatch across runs.
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	// Error tracking
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	// Relations
	Steps []Step `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (pr *PipelineRun) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now
	}
	if pr.UpdatedAt.IsZero() {
		pr.UpdatedAt = now
	}
	if pr.Status == "" {
		pr.Status = RunStatusPending
	}
	if pr.GraphHash == "" {
		pr.GraphHash = ComputeGraphHash(pr.Graph)
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (pr *PipelineRun) BeforeUpdate(tx *gorm.DB) error {
	pr.UpdatedAt = time.Now()
	return nil
}

// StepStatus represents the status of a single step instance.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"    // predecessors not settled
	StepStatusReady      StepStatus = "ready"      // eligible for dispatch
	StepStatusDispatched StepStatus = "dispatched" // offered to a runner, awaiting ack
	StepStatusBusy       StepStatus = "busy"       // acked, executing
	StepStatusCompleting StepStatus = "completing" // result received, post-processing
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusCancelled  StepStatus = "cancelled"
)

// Terminal reports whether the step has settled.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusCancelled
}

// FailureKind classifies why a step failed.
type FailureKind string

const (
	FailureRunnerDisappeared FailureKind = "RunnerDisappeared"
	FailureAssignTimeout     FailureKind = "AssignTimeout"
	FailureStepTimeout       FailureKind = "StepTimeout"
	FailureExecution         FailureKind = "ExecutionFailed"
	FailureGitOperation      FailureKind = "GitOperationFailed"
	FailureDebugAborted      FailureKind = "DebugAborted"
)

// StepSpec is a JSON-encoded StepTemplate column: the step's definition
// snapshot, sufficient to re-dispatch after a restart.
type StepSpec StepTemplate

func (s *StepSpec) Scan(value any) error {
	if value == nil {
		*s = StepSpec{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("cannot scan StepSpec from non-string/[]byte value")
	}
}

func (s StepSpec) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Template returns the spec as a StepTemplate.
func (s StepSpec) Template() StepTemplate {
	return StepTemplate(s)
}

// Step represents one step instance within a run.
type Step struct {
	ID     string     `gorm:"primaryKey;type:text" json:"id"`
	RunID  string     `gorm:"not null;type:text;index" json:"run_id"`
	Index  int        `gorm:"not null;type:integer;column:step_index" json:"index"`
	Name   string     `gorm:"type:text" json:"name"`
	Spec   StepSpec   `gorm:"type:text" json:"spec"`
	Status StepStatus `gorm:"not null;type:text;default:pending" json:"status"`

	// Assignment
	RunnerID      string `gorm:"type:text;index" json:"runner_id,omitempty"`
	AssignRetries int    `gorm:"type:integer" json:"assign_retries"`

	// Result
	ExitCode     int         `gorm:"type:integer" json:"exit_code"`
	Summary      string      `gorm:"type:text" json:"summary,omitempty"`
	OutputCommit string      `gorm:"type:text" json:"output_commit,omitempty"`
	FailureKind  FailureKind `gorm:"type:text" json:"failure_kind,omitempty"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`

	// Timestamps
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`
}

func (Step) TableName() string {
	return "steps"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (s *Step) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Status == "" {
		s.Status = StepStatusPending
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (s *Step) BeforeUpdate(tx *gorm.DB) error {
	s.UpdatedAt = time.Now()
	return nil
}

// Succeeded reports whether the step finished successfully.
func (s *Step) Succeeded() bool {
	return s.Status == StepStatusCompleted
}
