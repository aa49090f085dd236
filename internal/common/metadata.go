// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for all messages that cross a process
// boundary, either toward the UI event stream or toward runner agents.
type Metadata struct {
	// RunID serves as the correlation ID for run-related operations.
	// Optional - only present for run-scoped messages.
	RunID string `json:"run_id,omitempty"`

	// IdempotencyKey is used for message deduplication across reconnects.
	// Optional - messages without this key will always be processed.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events that can be published toward observers.
// Any type implementing this interface can be sent through an event channel.
type Event interface {
	GetMetadata() Metadata
}
