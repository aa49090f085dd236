// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runShell(t *testing.T, ctx context.Context, spec execSpec) (int, []string, []string, error) {
	t.Helper()
	outSink := &batchSink{}
	errSink := &batchSink{}
	stdout := newLogBatcher("stdout", time.Hour, 1000, outSink.flush)
	stderr := newLogBatcher("stderr", time.Hour, 1000, errSink.flush)

	code, err := shellExecutor{}.Run(ctx, spec, stdout, stderr)
	stdout.Close()
	stderr.Close()
	return code, outSink.all(), errSink.all(), err
}

func TestShellExecutorCapturesOutput(t *testing.T) {
	code, stdout, stderr, err := runShell(t, context.Background(), execSpec{
		Command: "echo hello; echo oops >&2",
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"hello"}, stdout)
	assert.Equal(t, []string{"oops"}, stderr)
}

func TestShellExecutorReportsExitCode(t *testing.T) {
	code, _, _, err := runShell(t, context.Background(), execSpec{
		Command: "exit 3",
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestShellExecutorPassesEnvironment(t *testing.T) {
	code, stdout, _, err := runShell(t, context.Background(), execSpec{
		Command: "echo $STEP_GREETING",
		Dir:     t.TempDir(),
		Env:     map[string]string{"STEP_GREETING": "from-env"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"from-env"}, stdout)
}

func TestShellExecutorHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, _, _, _ := runShell(t, ctx, execSpec{
		Command: "sleep 30",
		Dir:     t.TempDir(),
	})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEqual(t, 0, code)
}
