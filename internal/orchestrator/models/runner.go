// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"gorm.io/gorm"
)

// RunnerState represents the lifecycle state of a runner
type RunnerState string

const (
	RunnerStateDisconnected RunnerState = "disconnected"
	RunnerStateConnecting   RunnerState = "connecting"
	RunnerStateIdle         RunnerState = "idle"
	RunnerStateAssigned     RunnerState = "assigned"
	RunnerStateBusy         RunnerState = "busy"
	RunnerStateDead         RunnerState = "dead"
)

// Eligible reports whether the runner can receive a new assignment.
func (s RunnerState) Eligible() bool {
	return s == RunnerStateIdle
}

// RunnerRecord is the persisted view of a registered runner. The live
// state machine is owned by the registry; this record mirrors it so the
// fleet survives restarts and is queryable.
type RunnerRecord struct {
	ID              string      `gorm:"primaryKey;type:text" json:"id"`
	Name            string      `gorm:"not null;type:text" json:"name"`
	RunnerType      string      `gorm:"not null;type:text;index" json:"runner_type"`
	Labels          LabelMap    `gorm:"type:text" json:"labels"`
	State           RunnerState `gorm:"not null;type:text;default:disconnected" json:"state"`
	CurrentStepID   string      `gorm:"type:text" json:"current_step_id,omitempty"`
	LastHeartbeatAt *time.Time  `gorm:"type:timestamp" json:"last_heartbeat_at,omitempty"`
	LastIdleSince   *time.Time  `gorm:"type:timestamp" json:"last_idle_since,omitempty"`
	ConnectedAt     *time.Time  `gorm:"type:timestamp" json:"connected_at,omitempty"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for RunnerRecord
func (RunnerRecord) TableName() string {
	return "runners"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (r *RunnerRecord) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if r.Labels == nil {
		r.Labels = LabelMap{}
	}
	if r.State == "" {
		r.State = RunnerStateDisconnected
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (r *RunnerRecord) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}

// Selector constrains which runners may execute a step. The zero value
// matches any runner. A non-empty RunnerType must equal the runner's
// type; every label listed must be present on the runner with exactly
// the same value.
type Selector struct {
	RunnerType string            `json:"runner_type,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// IsAny reports whether the selector places no constraint.
func (s Selector) IsAny() bool {
	return s.RunnerType == "" && len(s.Labels) == 0
}

// Matches reports whether a runner satisfies the selector.
func (s Selector) Matches(runnerType string, labels map[string]string) bool {
	if s.RunnerType != "" && s.RunnerType != runnerType {
		return false
	}
	for k, want := range s.Labels {
		if got, ok := labels[k]; !ok || got != want {
			return false
		}
	}
	return true
}
