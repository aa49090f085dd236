// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner implements the reference runner agent: a websocket
// client that registers with the control plane, heartbeats, executes
// assigned steps in a workspace checkout (directly with the host shell
// or inside a docker container), streams output, and reports results.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRunnerLogger()
		log = &l
	})
	return log
}

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var errNotConnected = errors.New("not connected")

// Agent is the runner process. It maintains one websocket session at a
// time, reconnecting with its assigned runner ID so the control plane
// recognizes it across restarts of either side.
type Agent struct {
	cfg  config.RunnerConfig
	name string
	exec stepExecutor

	mu       sync.Mutex
	conn     *websocket.Conn
	step     *stepRun
	runnerID string

	writeMu sync.Mutex
	pingSeq int64
}

// New builds an agent for the configured runner type. "docker" runs
// steps in containers; anything else runs them with the host shell.
func New(cfg config.RunnerConfig) (*Agent, error) {
	name := cfg.Name
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("runner name not configured and hostname unavailable: %w", err)
		}
		name = host
	}

	var exec stepExecutor
	if cfg.RunnerType == "docker" {
		d, err := newDockerExecutor(cfg.DockerHost, cfg.DefaultImage, cfg.ContainerStopWait)
		if err != nil {
			return nil, err
		}
		exec = d
	} else {
		exec = shellExecutor{}
	}

	return &Agent{cfg: cfg, name: name, exec: exec}, nil
}

// Run connects and serves until the context is cancelled, reconnecting
// with backoff after session failures.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			a.closeExecutor()
			return nil
		}
		getLog().Warn().Err(err).Dur("backoff", backoff).Msg("session ended, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			a.closeExecutor()
			return nil
		}
	}
}

// session runs one connection: dial, handshake, then pump frames until
// the connection drops. An in-flight step is cancelled on disconnect so
// a reassigned copy of it cannot race this one on the branch.
func (a *Agent) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}
	defer conn.Close()

	ack, err := a.handshake(conn)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.runnerID = ack.RunnerID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		step := a.step
		a.mu.Unlock()
		if step != nil {
			step.aborted.Store(true)
			if step.cancel != nil {
				step.cancel()
			}
		}
	}()

	interval := time.Duration(ack.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	getLog().Info().
		Str("runner_id", ack.RunnerID).
		Dur("heartbeat_interval", interval).
		Msg("registered with control plane")

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go a.pingLoop(pingCtx, interval)

	// Unblock ReadMessage when the caller's context ends.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.handleFrame(ctx, data)
	}
}

// handshake sends Hello and waits for HelloAck. The runner ID from a
// previous session is offered so the registration is resumed.
func (a *Agent) handshake(conn *websocket.Conn) (*protocol.HelloAck, error) {
	a.mu.Lock()
	runnerID := a.runnerID
	a.mu.Unlock()

	hello := protocol.Hello{
		Metadata:   protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		RunnerID:   runnerID,
		Name:       a.name,
		RunnerType: a.cfg.RunnerType,
		Labels:     a.cfg.Labels,
	}
	data, err := protocol.EncodeFrame(hello)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("await hello_ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	ft, payload, err := protocol.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	ack, ok := payload.(*protocol.HelloAck)
	if !ok {
		return nil, fmt.Errorf("expected hello_ack, got %s", ft)
	}
	return ack, nil
}

func (a *Agent) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pingSeq++
			if err := a.send(protocol.Ping{Seq: a.pingSeq}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, data []byte) {
	ft, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		getLog().Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	switch p := payload.(type) {
	case *protocol.Pong:
		// Liveness confirmed; nothing to do.
	case *protocol.AssignStep:
		a.handleAssign(ctx, *p)
	case *protocol.CancelStep:
		a.handleCancel(p.StepID, p.Reason, false)
	case *protocol.AbortStep:
		a.handleCancel(p.StepID, p.Reason, true)
	case *protocol.DebugResume:
		a.handleDebugDecision(p.StepID, p.DebugToken, true)
	case *protocol.DebugAbort:
		a.handleDebugDecision(p.StepID, p.DebugToken, false)
	default:
		getLog().Warn().Str("frame_type", string(ft)).Msg("unexpected frame from control plane")
	}
}

func (a *Agent) handleAssign(ctx context.Context, assign protocol.AssignStep) {
	a.mu.Lock()
	if a.step != nil {
		busy := a.step.assign.StepID
		a.mu.Unlock()
		getLog().Warn().
			Str("step_id", assign.StepID).
			Str("busy_with", busy).
			Msg("assignment while busy, ignoring")
		return
	}
	s := newStepRun(a, assign)
	a.step = s
	a.mu.Unlock()

	err := a.send(protocol.AckStep{
		Metadata: protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		StepID:   assign.StepID,
	})
	if err != nil {
		getLog().Warn().Err(err).Str("step_id", assign.StepID).Msg("ack failed, dropping assignment")
		a.stepDone(s)
		return
	}
	go s.run(ctx)
}

func (a *Agent) handleCancel(stepID, reason string, abort bool) {
	a.mu.Lock()
	step := a.step
	a.mu.Unlock()
	if step == nil || step.assign.StepID != stepID {
		getLog().Debug().Str("step_id", stepID).Msg("cancel for unknown step")
		return
	}
	if abort {
		step.aborted.Store(true)
	} else {
		step.cancelled.Store(true)
	}
	getLog().Info().Str("step_id", stepID).Str("reason", reason).Bool("abort", abort).Msg("stopping step")
	if step.cancel != nil {
		step.cancel()
	}
}

func (a *Agent) handleDebugDecision(stepID, token string, resume bool) {
	a.mu.Lock()
	step := a.step
	a.mu.Unlock()
	if step == nil || step.assign.StepID != stepID || step.assign.DebugToken != token {
		getLog().Debug().Str("step_id", stepID).Msg("debug decision for unknown step")
		return
	}
	select {
	case step.debugCh <- resume:
	default:
	}
}

// send encodes and writes one frame on the current connection.
func (a *Agent) send(payload any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	data, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) stepDone(s *stepRun) {
	a.mu.Lock()
	if a.step == s {
		a.step = nil
	}
	a.mu.Unlock()
}

func (a *Agent) closeExecutor() {
	if d, ok := a.exec.(*dockerExecutor); ok {
		if err := d.Close(); err != nil {
			getLog().Warn().Err(err).Msg("docker client close failed")
		}
	}
}
