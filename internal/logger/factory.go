// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetRegistryLogger returns a logger for the runner registry
func GetRegistryLogger() zerolog.Logger {
	return GetLogger("registry")
}

// GetDispatchLogger returns a logger for the step dispatcher
func GetDispatchLogger() zerolog.Logger {
	return GetLogger("dispatch")
}

// GetExecutorLogger returns a logger for the pipeline executor
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetEventBusLogger returns a logger for the event fan-out bus
func GetEventBusLogger() zerolog.Logger {
	return GetLogger("eventbus")
}

// GetGitLogger returns a logger for git operations
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetRunnerHubLogger returns a logger for the runner websocket hub
func GetRunnerHubLogger() zerolog.Logger {
	return GetLogger("runnerhub")
}

// GetServicesLogger returns a logger for the domain services (runs, cards)
func GetServicesLogger() zerolog.Logger {
	return GetLogger("services")
}

// GetDebugLogger returns a logger for debug session management
func GetDebugLogger() zerolog.Logger {
	return GetLogger("debug")
}

// GetRunnerLogger returns a logger for the runner agent
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}
