// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"gorm.io/gorm"
)

// DebugSessionState represents the lifecycle of a debug session.
type DebugSessionState string

const (
	DebugStatePending     DebugSessionState = "pending"       // minted, step not yet paused
	DebugStateWaitingAtBP DebugSessionState = "waiting_at_bp" // step paused, no supervisor attached
	DebugStateConnected   DebugSessionState = "connected"     // supervisor attached
	DebugStateResumed     DebugSessionState = "resumed"
	DebugStateAborted     DebugSessionState = "aborted"
	DebugStateTimedOut    DebugSessionState = "timeout"
	DebugStateEnded       DebugSessionState = "ended"
)

// Terminal reports whether the session is finished.
func (s DebugSessionState) Terminal() bool {
	return s == DebugStateResumed || s == DebugStateAborted || s == DebugStateTimedOut || s == DebugStateEnded
}

// DebugSession is a token-scoped supervisory session over a running
// step. The token is the only credential: whoever holds it may observe
// the step's logs and decide at breakpoints.
type DebugSession struct {
	ID          string            `gorm:"primaryKey;type:text" json:"id"`
	Token       string            `gorm:"not null;type:text;uniqueIndex" json:"token"`
	RunID       string            `gorm:"not null;type:text;index" json:"run_id"`
	StepID      string            `gorm:"not null;type:text;index" json:"step_id"`
	Breakpoints StringList        `gorm:"type:text" json:"breakpoints"`
	State       DebugSessionState `gorm:"not null;type:text;default:pending" json:"state"`
	Breakpoint  string            `gorm:"type:text" json:"breakpoint,omitempty"` // currently paused at
	ExpiresAt   time.Time         `gorm:"not null;type:timestamp" json:"expires_at"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for DebugSession
func (DebugSession) TableName() string {
	return "debug_sessions"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (d *DebugSession) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.State == "" {
		d.State = DebugStatePending
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (d *DebugSession) BeforeUpdate(tx *gorm.DB) error {
	d.UpdatedAt = time.Now()
	return nil
}

// Expired reports whether the session TTL has lapsed at t.
func (d *DebugSession) Expired(t time.Time) bool {
	return t.After(d.ExpiresAt)
}

// LogLine is one persisted line of step output. The append-only table
// backs replay beyond the in-memory ring buffers.
type LogLine struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string    `gorm:"not null;type:text;index" json:"run_id"`
	StepID    string    `gorm:"not null;type:text;index" json:"step_id"`
	Seq       uint64    `gorm:"type:integer" json:"seq"`
	Stream    string    `gorm:"type:text" json:"stream"`
	Line      string    `gorm:"type:text" json:"line"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for LogLine
func (LogLine) TableName() string {
	return "log_lines"
}
