// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the wire protocol spoken between the control
// plane and runner agents. Each message on the duplex channel is a single
// JSON frame: an envelope carrying a type discriminator and a payload.
// The transport (one websocket message per frame) supplies the length
// delimitation.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the payload carried by a Frame.
type FrameType string

const (
	// Runner -> server
	FrameHello             FrameType = "hello"
	FramePing              FrameType = "ping"
	FrameAckStep           FrameType = "ack_step"
	FrameStepLogs          FrameType = "step_logs"
	FrameStepResult        FrameType = "step_result"
	FrameDebugAtBreakpoint FrameType = "debug_at_breakpoint"

	// Server -> runner
	FrameHelloAck    FrameType = "hello_ack"
	FramePong        FrameType = "pong"
	FrameAssignStep  FrameType = "assign_step"
	FrameCancelStep  FrameType = "cancel_step"
	FrameAbortStep   FrameType = "abort_step"
	FrameDebugResume FrameType = "debug_resume"
	FrameDebugAbort  FrameType = "debug_abort"
)

// Frame is the envelope for every message on the runner channel.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the first frame a runner must send after connecting.
// RunnerID is set on reconnect to resume an existing registration;
// a fresh runner leaves it empty and receives its ID in HelloAck.
type Hello struct {
	Metadata
	RunnerID   string            `json:"runner_id,omitempty"`
	Name       string            `json:"name"`
	RunnerType string            `json:"runner_type"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// HelloAck confirms registration and tells the runner how often to ping.
type HelloAck struct {
	Metadata
	RunnerID          string `json:"runner_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_s"`
}

// Ping is the runner heartbeat. Any inbound frame refreshes liveness;
// Ping exists so idle runners stay visibly alive.
type Ping struct {
	Seq int64 `json:"seq"`
}

// Pong answers a Ping with the same sequence number.
type Pong struct {
	Seq int64 `json:"seq"`
}

// AssignStep offers a step to a runner. The runner must answer with
// AckStep before the assignment deadline or the offer is withdrawn.
type AssignStep struct {
	Metadata
	StepID            string            `json:"step_id"`
	StepIndex         int               `json:"step_index"`
	StepName          string            `json:"step_name"`
	Command           string            `json:"command,omitempty"`
	Image             string            `json:"image,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	RepoID            string            `json:"repo_id"`
	CloneURL          string            `json:"clone_url"`
	Branch            string            `json:"branch"`
	BaseCommit        string            `json:"base_commit,omitempty"`
	TimeoutSeconds    int               `json:"timeout_s"`
	ContinueInContext bool              `json:"continue_in_context,omitempty"`
	ContextLogTail    []string          `json:"context_log_tail,omitempty"`
	DebugToken        string            `json:"debug_token,omitempty"`
	Breakpoints       []string          `json:"breakpoints,omitempty"`
}

// AckStep confirms the runner accepted an assignment and is starting work.
type AckStep struct {
	Metadata
	StepID string `json:"step_id"`
}

// StepLogs carries a batch of output lines from a running step.
type StepLogs struct {
	Metadata
	StepID string   `json:"step_id"`
	Stream string   `json:"stream"` // "stdout" or "stderr"
	Lines  []string `json:"lines"`
}

// StepResult reports the terminal outcome of a step execution.
type StepResult struct {
	Metadata
	StepID       string `json:"step_id"`
	Status       string `json:"status"` // "completed", "failed", "cancelled"
	ExitCode     int    `json:"exit_code"`
	Summary      string `json:"summary,omitempty"`
	OutputCommit string `json:"output_commit,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CancelStep asks the runner to stop a step it is executing. The runner
// still reports a StepResult (status "cancelled") when it has stopped.
type CancelStep struct {
	Metadata
	StepID string `json:"step_id"`
	Reason string `json:"reason,omitempty"`
}

// AbortStep tells a runner to drop a step the control plane no longer
// recognizes. Unlike CancelStep, no StepResult is expected back.
type AbortStep struct {
	Metadata
	StepID string `json:"step_id"`
	Reason string `json:"reason,omitempty"`
}

// DebugAtBreakpoint notifies the control plane that a step paused at a
// breakpoint and is waiting for a supervisor decision.
type DebugAtBreakpoint struct {
	Metadata
	StepID     string `json:"step_id"`
	DebugToken string `json:"debug_token"`
	Breakpoint string `json:"breakpoint"`
}

// DebugResume instructs a paused step to continue past its breakpoint.
type DebugResume struct {
	Metadata
	StepID     string `json:"step_id"`
	DebugToken string `json:"debug_token"`
}

// DebugAbort instructs a paused step to abandon execution.
type DebugAbort struct {
	Metadata
	StepID     string `json:"step_id"`
	DebugToken string `json:"debug_token"`
	Reason     string `json:"reason,omitempty"`
}

// frameTypes maps payload types to their discriminator for encoding.
func frameTypeOf(payload any) (FrameType, error) {
	switch payload.(type) {
	case Hello, *Hello:
		return FrameHello, nil
	case HelloAck, *HelloAck:
		return FrameHelloAck, nil
	case Ping, *Ping:
		return FramePing, nil
	case Pong, *Pong:
		return FramePong, nil
	case AssignStep, *AssignStep:
		return FrameAssignStep, nil
	case AckStep, *AckStep:
		return FrameAckStep, nil
	case StepLogs, *StepLogs:
		return FrameStepLogs, nil
	case StepResult, *StepResult:
		return FrameStepResult, nil
	case CancelStep, *CancelStep:
		return FrameCancelStep, nil
	case AbortStep, *AbortStep:
		return FrameAbortStep, nil
	case DebugAtBreakpoint, *DebugAtBreakpoint:
		return FrameDebugAtBreakpoint, nil
	case DebugResume, *DebugResume:
		return FrameDebugResume, nil
	case DebugAbort, *DebugAbort:
		return FrameDebugAbort, nil
	default:
		return "", fmt.Errorf("unknown frame payload type %T", payload)
	}
}

// EncodeFrame wraps a typed payload in an envelope and marshals it.
func EncodeFrame(payload any) ([]byte, error) {
	ft, err := frameTypeOf(payload)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ft, err)
	}
	return json.Marshal(Frame{Type: ft, Payload: raw})
}

// DecodeFrame unmarshals an envelope and returns the typed payload.
// Unknown frame types return an error so callers can abort the peer.
func DecodeFrame(data []byte) (FrameType, any, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("malformed frame: %w", err)
	}

	var payload any
	switch f.Type {
	case FrameHello:
		payload = &Hello{}
	case FrameHelloAck:
		payload = &HelloAck{}
	case FramePing:
		payload = &Ping{}
	case FramePong:
		payload = &Pong{}
	case FrameAssignStep:
		payload = &AssignStep{}
	case FrameAckStep:
		payload = &AckStep{}
	case FrameStepLogs:
		payload = &StepLogs{}
	case FrameStepResult:
		payload = &StepResult{}
	case FrameCancelStep:
		payload = &CancelStep{}
	case FrameAbortStep:
		payload = &AbortStep{}
	case FrameDebugAtBreakpoint:
		payload = &DebugAtBreakpoint{}
	case FrameDebugResume:
		payload = &DebugResume{}
	case FrameDebugAbort:
		payload = &DebugAbort{}
	default:
		return f.Type, nil, fmt.Errorf("unknown frame type %q", f.Type)
	}

	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, payload); err != nil {
			return f.Type, nil, fmt.Errorf("malformed %s payload: %w", f.Type, err)
		}
	}
	return f.Type, payload, nil
}
