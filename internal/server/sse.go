// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/lazyaf/internal/eventbus"
)

// sseKeepaliveInterval is how often a comment line is written to keep
// idle proxies from closing the stream.
const sseKeepaliveInterval = 25 * time.Second

// HandleDebugLogs handles GET /api/v1/debug/{token}/logs as a
// Server-Sent Events stream. The token is the only credential: the
// persisted log of the session's step is replayed, then live output
// follows until the client disconnects. Duplicates across the
// replay/live boundary are possible; clients dedupe on seq.
func (h *Handlers) HandleDebugLogs(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	session, err := h.debug.GetByToken(r.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Attach to the live stream first so nothing published during the
	// replay is lost.
	topic := eventbus.Topic{Kind: eventbus.TopicStep, ID: session.StepID}
	sub := h.bus.Subscribe(topic, h.bus.CurrentSeq(topic))
	defer h.bus.Unsubscribe(sub)

	lines, err := h.db.GetLogLinesByStep(r.Context(), session.StepID, 0)
	if err != nil {
		getLog().Error().Err(err).Str("step_id", session.StepID).Msg("debug log replay failed")
		return
	}
	for _, line := range lines {
		if !writeSSE(w, "log", line) {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case e, open := <-sub.Events():
			if !open {
				writeSSE(w, "closed", map[string]string{"reason": "stream closed"})
				flusher.Flush()
				return
			}
			if e.Class != eventbus.ClassLog {
				continue
			}
			if !writeSSE(w, e.Type, e) {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSE writes one named SSE event with a JSON payload.
func writeSSE(w http.ResponseWriter, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err == nil
}
