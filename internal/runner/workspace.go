// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const gitCommandTimeout = 2 * time.Minute

// workspace is a per-step checkout of the repo's run branch. It is
// created fresh for every assignment and removed afterwards; steps that
// continue in context get the prior step's output commit as their base
// instead of a shared directory.
type workspace struct {
	dir    string
	branch string
}

// prepareWorkspace clones the repo and checks out the run branch at the
// requested base commit. An empty baseCommit means the branch tip.
func prepareWorkspace(ctx context.Context, dir, cloneURL, branch, baseCommit string) (*workspace, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	if _, err := runGit(ctx, filepath.Dir(dir), "clone", "--branch", branch, cloneURL, dir); err != nil {
		return nil, fmt.Errorf("clone failed: %w", err)
	}
	ws := &workspace{dir: dir, branch: branch}

	if baseCommit != "" {
		if _, err := runGit(ctx, dir, "checkout", "-B", branch, baseCommit); err != nil {
			return nil, fmt.Errorf("checkout of base commit %s failed: %w", baseCommit, err)
		}
	}
	return ws, nil
}

// Head returns the current commit hash.
func (ws *workspace) Head(ctx context.Context) (string, error) {
	return runGit(ctx, ws.dir, "rev-parse", "HEAD")
}

// CommitAndPush stages everything the step left behind, commits if
// anything changed, and pushes the branch. It returns the branch head
// after the push, which is the commit the step already made itself when
// the working tree was clean.
func (ws *workspace) CommitAndPush(ctx context.Context, message string) (string, error) {
	if _, err := runGit(ctx, ws.dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage failed: %w", err)
	}
	dirty, err := ws.hasStagedChanges(ctx)
	if err != nil {
		return "", err
	}
	if dirty {
		if _, err := runGit(ctx, ws.dir, "commit", "-m", message); err != nil {
			return "", fmt.Errorf("commit failed: %w", err)
		}
	}
	if _, err := runGit(ctx, ws.dir, "push", "--force-with-lease", "origin", ws.branch); err != nil {
		return "", fmt.Errorf("push failed: %w", err)
	}
	return ws.Head(ctx)
}

func (ws *workspace) hasStagedChanges(ctx context.Context) (bool, error) {
	cmd := gitCommand(ctx, ws.dir, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("diff check failed: %w", err)
}

// WriteContext materializes the prior step's log tail inside the
// workspace so continued steps can read where the last agent left off.
// The file lives under .lazyaf/ which is excluded from the commit.
func (ws *workspace) WriteContext(lines []string) (string, error) {
	dir := filepath.Join(ws.dir, ".lazyaf")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create context dir: %w", err)
	}
	path := filepath.Join(dir, "context.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write context log: %w", err)
	}
	exclude := filepath.Join(ws.dir, ".git", "info", "exclude")
	f, err := os.OpenFile(exclude, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintln(f, "/.lazyaf/")
		f.Close()
	}
	return path, nil
}

// Remove deletes the checkout.
func (ws *workspace) Remove() error {
	return os.RemoveAll(ws.dir)
}

// runnerGitEnvironment mirrors the control plane's restricted git
// environment with the runner's own committer identity.
func runnerGitEnvironment() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"LANG=" + os.Getenv("LANG"),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
		"GIT_AUTHOR_NAME=lazyaf-runner",
		"GIT_AUTHOR_EMAIL=runner@lazyaf.local",
		"GIT_COMMITTER_NAME=lazyaf-runner",
		"GIT_COMMITTER_EMAIL=runner@lazyaf.local",
	}
}

func gitCommand(ctx context.Context, workDir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	cmd.Env = runnerGitEnvironment()
	return cmd
}

func runGit(ctx context.Context, workDir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd := gitCommand(ctx, workDir, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w, output: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}
