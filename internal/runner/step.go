// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/lazyaf/lazyaf/internal/protocol"
)

// Breakpoint names a runner honors. A step pauses at a point when the
// assignment lists it and carries a debug token.
const (
	breakpointBeforeCommand = "before_command"
	breakpointAfterCommand  = "after_command"
)

var errDebugAborted = errors.New("aborted by debug session")

// stepRun is one in-flight assignment. It owns the workspace, the step
// process, and the debug pause state; the agent routes control frames
// to it until it reports a result or is aborted.
type stepRun struct {
	agent  *Agent
	assign protocol.AssignStep

	cancel    context.CancelFunc
	cancelled atomic.Bool
	aborted   atomic.Bool

	// debugCh carries supervisor decisions at breakpoints: true is
	// resume, false is abort.
	debugCh chan bool
}

func newStepRun(agent *Agent, assign protocol.AssignStep) *stepRun {
	return &stepRun{
		agent:   agent,
		assign:  assign,
		debugCh: make(chan bool, 1),
	}
}

// run executes the assignment end to end and reports a StepResult,
// except when aborted, where the control plane wants silence.
func (s *stepRun) run(ctx context.Context) {
	defer s.agent.stepDone(s)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	stdout := newLogBatcher("stdout", s.agent.cfg.LogBatchInterval, s.agent.cfg.LogBatchMaxLines, s.sendLogs)
	stderr := newLogBatcher("stderr", s.agent.cfg.LogBatchInterval, s.agent.cfg.LogBatchMaxLines, s.sendLogs)

	res := s.execute(ctx, stdout, stderr)
	stdout.Close()
	stderr.Close()

	if s.aborted.Load() {
		return
	}
	if err := s.agent.send(res); err != nil {
		getLog().Error().Err(err).Str("step_id", s.assign.StepID).Msg("failed to report step result")
	}
}

func (s *stepRun) execute(ctx context.Context, stdout, stderr *logBatcher) protocol.StepResult {
	log := getLog().With().Str("step_id", s.assign.StepID).Str("step_name", s.assign.StepName).Logger()
	log.Info().Int("step_index", s.assign.StepIndex).Msg("step assigned")

	dir := filepath.Join(s.agent.cfg.WorkspaceDir, s.assign.StepID)
	ws, err := prepareWorkspace(ctx, dir, s.assign.CloneURL, s.assign.Branch, s.assign.BaseCommit)
	if err != nil {
		if s.stopping(ctx) {
			return s.result("cancelled", -1, "", "", "")
		}
		log.Error().Err(err).Msg("workspace preparation failed")
		return s.result("failed", -1, "", "workspace", err.Error())
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			log.Warn().Err(err).Msg("workspace cleanup failed")
		}
	}()

	env := map[string]string{}
	for k, v := range s.assign.Env {
		env[k] = v
	}
	if s.assign.ContinueInContext && len(s.assign.ContextLogTail) > 0 {
		path, err := ws.WriteContext(s.assign.ContextLogTail)
		if err != nil {
			log.Warn().Err(err).Msg("context log write failed")
		} else {
			env["LAZYAF_CONTEXT_LOG"] = path
		}
	}

	if err := s.pauseAt(ctx, breakpointBeforeCommand); err != nil {
		return s.debugStop(err)
	}

	execCtx := ctx
	var execCancel context.CancelFunc
	if s.assign.TimeoutSeconds > 0 {
		execCtx, execCancel = context.WithTimeout(ctx, time.Duration(s.assign.TimeoutSeconds)*time.Second)
		defer execCancel()
	}

	exitCode, err := s.agent.exec.Run(execCtx, execSpec{
		Command: s.assign.Command,
		Dir:     ws.dir,
		Env:     env,
		Image:   s.assign.Image,
	}, stdout, stderr)

	switch {
	case s.stopping(ctx):
		return s.result("cancelled", exitCode, "", "", "")
	case execCtx.Err() != nil && ctx.Err() == nil:
		log.Warn().Int("timeout_s", s.assign.TimeoutSeconds).Msg("step timed out")
		return s.result("failed", exitCode, "", "timeout",
			fmt.Sprintf("step exceeded its %ds timeout", s.assign.TimeoutSeconds))
	case err != nil:
		log.Error().Err(err).Msg("step execution failed")
		return s.result("failed", exitCode, "", "exec", err.Error())
	}

	if err := s.pauseAt(ctx, breakpointAfterCommand); err != nil {
		return s.debugStop(err)
	}

	if exitCode != 0 {
		log.Info().Int("exit_code", exitCode).Msg("step command failed")
		return s.result("failed", exitCode, "", "exit_status",
			fmt.Sprintf("command exited with status %d", exitCode))
	}

	message := fmt.Sprintf("%s (step %d)", s.assign.StepName, s.assign.StepIndex)
	commit, err := ws.CommitAndPush(ctx, message)
	if err != nil {
		if s.stopping(ctx) {
			return s.result("cancelled", exitCode, "", "", "")
		}
		log.Error().Err(err).Msg("failed to publish step output")
		return s.result("failed", exitCode, "", "push", err.Error())
	}

	log.Info().Str("output_commit", commit).Msg("step completed")
	return s.result("completed", 0, commit, "", "")
}

// pauseAt blocks at a named breakpoint until the supervisor resumes or
// aborts, when the assignment carries that breakpoint.
func (s *stepRun) pauseAt(ctx context.Context, name string) error {
	if s.assign.DebugToken == "" || !lo.Contains(s.assign.Breakpoints, name) {
		return nil
	}
	err := s.agent.send(protocol.DebugAtBreakpoint{
		StepID:     s.assign.StepID,
		DebugToken: s.assign.DebugToken,
		Breakpoint: name,
	})
	if err != nil {
		return err
	}
	getLog().Info().Str("step_id", s.assign.StepID).Str("breakpoint", name).Msg("paused at breakpoint")
	select {
	case resume := <-s.debugCh:
		if !resume {
			return errDebugAborted
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stepRun) debugStop(err error) protocol.StepResult {
	if errors.Is(err, errDebugAborted) {
		return s.result("cancelled", -1, "", "debug_abort", err.Error())
	}
	return s.result("cancelled", -1, "", "", "")
}

func (s *stepRun) stopping(ctx context.Context) bool {
	return s.cancelled.Load() || s.aborted.Load() || ctx.Err() != nil
}

func (s *stepRun) result(status string, exitCode int, commit, errorKind, errorMessage string) protocol.StepResult {
	return protocol.StepResult{
		Metadata:     protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		StepID:       s.assign.StepID,
		Status:       status,
		ExitCode:     exitCode,
		OutputCommit: commit,
		ErrorKind:    errorKind,
		ErrorMessage: errorMessage,
	}
}

func (s *stepRun) sendLogs(stream string, lines []string) {
	err := s.agent.send(protocol.StepLogs{
		Metadata: protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		StepID:   s.assign.StepID,
		Stream:   stream,
		Lines:    lines,
	})
	if err != nil {
		getLog().Debug().Err(err).Str("step_id", s.assign.StepID).Msg("log batch dropped")
	}
}
