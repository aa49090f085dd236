// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/dispatch"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/registry"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

var (
	hubLog     *zerolog.Logger
	hubLogOnce sync.Once
)

func getHubLog() *zerolog.Logger {
	hubLogOnce.Do(func() {
		l := logger.GetRunnerHubLogger()
		hubLog = &l
	})
	return hubLog
}

const (
	// helloDeadline bounds how long a fresh connection may stay silent
	// before sending its Hello frame.
	helloDeadline = 10 * time.Second

	// runnerWriteTimeout bounds a single frame write to a runner.
	runnerWriteTimeout = 10 * time.Second

	// runnerSendBuffer is the per-runner outbound frame queue.
	runnerSendBuffer = 64

	maxRunnerFrameBytes = 1 << 20
)

// HubStore is the persistence surface the hub needs for log capture.
type HubStore interface {
	AppendLogLines(ctx context.Context, lines []models.LogLine) error
	GetStep(ctx context.Context, stepID string) (*models.Step, error)
}

// DebugNotifier receives breakpoint pauses reported by runners.
// Satisfied by the debug service.
type DebugNotifier interface {
	AtBreakpoint(ctx context.Context, token, breakpoint string) error
}

// Hub owns the runner side of the control plane: one websocket per
// runner, demuxing inbound frames into the registry, dispatcher, and
// log pipeline, and serializing outbound frames per runner. It is the
// dispatcher's Sender.
type Hub struct {
	cfg        config.RegistryConfig
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	db         HubStore
	bus        *eventbus.Bus
	debug      DebugNotifier

	mu    sync.RWMutex
	conns map[string]*runnerConn

	// seq numbers log lines per step for replay ordering.
	seqMu sync.Mutex
	seq   map[string]uint64

	upgrader websocket.Upgrader
}

type runnerConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewHub wires the runner hub.
func NewHub(cfg config.RegistryConfig, reg *registry.Registry, db HubStore, bus *eventbus.Bus, allowedOrigins []string) *Hub {
	return &Hub{
		cfg:      cfg,
		reg:      reg,
		db:       db,
		bus:      bus,
		conns:    make(map[string]*runnerConn),
		seq:      make(map[string]uint64),
		upgrader: newUpgrader(allowedOrigins),
	}
}

// SetDispatcher wires the dispatcher the hub feeds acks and results to.
// Split from the constructor because the dispatcher needs the hub as
// its sender.
func (h *Hub) SetDispatcher(d *dispatch.Dispatcher) { h.dispatcher = d }

// SetDebugNotifier wires breakpoint notifications.
func (h *Hub) SetDebugNotifier(n DebugNotifier) { h.debug = n }

// HandleRunner upgrades a runner connection and runs its session until
// the socket closes.
func (h *Hub) HandleRunner(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		getHubLog().Warn().Err(err).Msg("runner upgrade failed")
		return
	}

	ws.SetReadLimit(maxRunnerFrameBytes)
	runnerID, err := h.handshake(r.Context(), ws)
	if err != nil {
		getHubLog().Warn().Err(err).Msg("runner handshake failed")
		_ = ws.Close()
		return
	}

	conn := &runnerConn{
		id:     runnerID,
		ws:     ws,
		send:   make(chan []byte, runnerSendBuffer),
		closed: make(chan struct{}),
	}
	h.register(conn)
	defer h.unregister(conn)

	go conn.writePump()
	h.readLoop(conn)
}

// handshake waits for the Hello frame and registers the runner.
func (h *Hub) handshake(ctx context.Context, ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(helloDeadline))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	ft, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		return "", err
	}
	hello, ok := payload.(*protocol.Hello)
	if !ok {
		return "", fmt.Errorf("expected hello frame, got %s", ft)
	}

	runnerID, err := h.reg.Register(ctx, hello.RunnerID, hello.Name, hello.RunnerType, hello.Labels)
	if errors.Is(err, registry.ErrDuplicateRegistration) && h.Connected(hello.RunnerID) {
		// The runner reconnected before its old socket was reaped. The
		// new connection wins; drop the stale one and register again.
		h.mu.Lock()
		if old, ok := h.conns[hello.RunnerID]; ok {
			old.close()
			delete(h.conns, hello.RunnerID)
		}
		h.mu.Unlock()
		h.reg.Disconnect(ctx, hello.RunnerID)
		runnerID, err = h.reg.Register(ctx, hello.RunnerID, hello.Name, hello.RunnerType, hello.Labels)
	}
	if err != nil {
		return "", fmt.Errorf("registration rejected: %w", err)
	}

	ack, err := protocol.EncodeFrame(protocol.HelloAck{
		RunnerID:          runnerID,
		HeartbeatInterval: int(h.cfg.HeartbeatInterval.Seconds()),
	})
	if err != nil {
		return "", err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(runnerWriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, ack); err != nil {
		return "", fmt.Errorf("writing hello ack: %w", err)
	}
	getHubLog().Info().
		Str("runner_id", runnerID).
		Str("name", hello.Name).
		Str("runner_type", hello.RunnerType).
		Msg("runner connected")
	return runnerID, nil
}

func (h *Hub) register(conn *runnerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[conn.id]; ok {
		// A reconnect replaces the stale socket.
		old.close()
	}
	h.conns[conn.id] = conn
}

func (h *Hub) unregister(conn *runnerConn) {
	h.mu.Lock()
	current := h.conns[conn.id] == conn
	if current {
		delete(h.conns, conn.id)
	}
	h.mu.Unlock()
	conn.close()

	// A socket replaced by a reconnect must not tear down the live
	// registration that superseded it.
	if current {
		h.reg.Disconnect(context.Background(), conn.id)
		getHubLog().Info().Str("runner_id", conn.id).Msg("runner disconnected")
	}
}

// readLoop demuxes inbound frames until the socket closes. Every frame
// refreshes the runner's heartbeat.
func (h *Hub) readLoop(conn *runnerConn) {
	ctx := context.Background()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		ft, payload, err := protocol.DecodeFrame(data)
		if err != nil {
			getHubLog().Warn().Err(err).Str("runner_id", conn.id).Msg("malformed runner frame")
			return
		}
		if err := h.reg.Heartbeat(ctx, conn.id); err != nil {
			getHubLog().Warn().Err(err).Str("runner_id", conn.id).Msg("heartbeat refused")
			return
		}

		switch p := payload.(type) {
		case *protocol.Ping:
			h.sendTo(conn, protocol.Pong{Seq: p.Seq})
		case *protocol.AckStep:
			h.dispatcher.HandleAck(ctx, conn.id, p.StepID)
		case *protocol.StepResult:
			h.dispatcher.HandleResult(ctx, conn.id, *p)
		case *protocol.StepLogs:
			h.captureLogs(ctx, conn.id, p)
		case *protocol.DebugAtBreakpoint:
			if h.debug != nil {
				if err := h.debug.AtBreakpoint(ctx, p.DebugToken, p.Breakpoint); err != nil {
					getHubLog().Warn().Err(err).Str("step_id", p.StepID).Msg("breakpoint report rejected")
				}
			}
		default:
			getHubLog().Warn().Str("runner_id", conn.id).Str("type", string(ft)).Msg("unexpected runner frame")
		}
	}
}

// captureLogs persists a log batch and fans it out to observers.
func (h *Hub) captureLogs(ctx context.Context, runnerID string, batch *protocol.StepLogs) {
	if len(batch.Lines) == 0 {
		return
	}
	step, err := h.db.GetStep(ctx, batch.StepID)
	if err != nil || step == nil {
		getHubLog().Warn().Err(err).Str("runner_id", runnerID).Str("step_id", batch.StepID).Msg("logs for unknown step dropped")
		return
	}

	h.seqMu.Lock()
	start := h.seq[batch.StepID]
	h.seq[batch.StepID] = start + uint64(len(batch.Lines))
	h.seqMu.Unlock()

	lines := make([]models.LogLine, 0, len(batch.Lines))
	for i, line := range batch.Lines {
		lines = append(lines, models.LogLine{
			RunID:  step.RunID,
			StepID: step.ID,
			Seq:    start + uint64(i),
			Stream: batch.Stream,
			Line:   line,
		})
	}
	if err := h.db.AppendLogLines(ctx, lines); err != nil {
		getHubLog().Error().Err(err).Str("step_id", step.ID).Msg("failed to persist log lines")
	}

	h.bus.PublishLog(eventbus.Topic{Kind: eventbus.TopicStep, ID: step.ID}, batch.Stream, batch.Lines)
	h.bus.PublishLog(eventbus.Topic{Kind: eventbus.TopicRun, ID: step.RunID}, batch.Stream, batch.Lines)
}

// send queues an encoded frame to a runner's connection.
func (h *Hub) send(runnerID string, payload any) error {
	h.mu.RLock()
	conn, ok := h.conns[runnerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runner not connected: %s", runnerID)
	}
	return h.sendTo(conn, payload)
}

func (h *Hub) sendTo(conn *runnerConn, payload any) error {
	data, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}
	select {
	case conn.send <- data:
		return nil
	case <-conn.closed:
		return fmt.Errorf("runner connection closed: %s", conn.id)
	default:
		// A runner that stops draining its queue is as good as gone.
		conn.close()
		return fmt.Errorf("runner send queue full: %s", conn.id)
	}
}

// SendAssign implements the dispatcher's sender.
func (h *Hub) SendAssign(runnerID string, f protocol.AssignStep) error {
	return h.send(runnerID, f)
}

// SendCancel implements the dispatcher's sender.
func (h *Hub) SendCancel(runnerID string, f protocol.CancelStep) error {
	return h.send(runnerID, f)
}

// SendAbort implements the dispatcher's sender.
func (h *Hub) SendAbort(runnerID string, f protocol.AbortStep) error {
	return h.send(runnerID, f)
}

// SendDebugResume implements the debug service's sender.
func (h *Hub) SendDebugResume(runnerID string, f protocol.DebugResume) error {
	return h.send(runnerID, f)
}

// SendDebugAbort implements the debug service's sender.
func (h *Hub) SendDebugAbort(runnerID string, f protocol.DebugAbort) error {
	return h.send(runnerID, f)
}

// Connected reports whether a runner currently holds a socket.
func (h *Hub) Connected(runnerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[runnerID]
	return ok
}

// Close drops every runner connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		conn.close()
	}
	h.conns = make(map[string]*runnerConn)
}

func (c *runnerConn) writePump() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(runnerWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *runnerConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
