// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// execSpec describes one step command to run in a prepared workspace.
type execSpec struct {
	Command string
	Dir     string
	Env     map[string]string
	Image   string
}

// stepExecutor runs a step command and streams its output. The exit
// code is reported separately from execution errors: a command that ran
// and failed returns (code, nil), a command that could not run at all
// returns a non-nil error.
type stepExecutor interface {
	Run(ctx context.Context, spec execSpec, stdout, stderr *logBatcher) (int, error)
}

// shellExecutor runs the command with the host shell, directly in the
// workspace checkout.
type shellExecutor struct{}

func (shellExecutor) Run(ctx context.Context, spec execSpec, stdout, stderr *logBatcher) (int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), envMapToSlice(spec.Env)...)

	outW := newLineWriter(stdout)
	errW := newLineWriter(stderr)
	cmd.Stdout = outW
	cmd.Stderr = errW
	defer outW.Close()
	defer errW.Close()

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("command failed to start: %w", err)
}

func envMapToSlice(envMap map[string]string) []string {
	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}
