// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the two HTTP surfaces of the control plane:
// the operator API (REST + UI WebSocket + debug SSE) and the runner
// WebSocket endpoint. State changes reach clients through the event
// bus; handlers never push to sockets directly.
package server

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}
