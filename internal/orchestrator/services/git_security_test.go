// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBranchName(t *testing.T) {
	valid := []string{"main", "feature/x", "lazyaf/run-1", "a_b.c-d", "releases/v1.2.3"}
	for _, name := range valid {
		assert.NoError(t, validateBranchName(name), name)
	}

	invalid := map[string]string{
		"":                              "empty",
		"-flag":                         "cannot start with '-'",
		".hidden":                       "cannot start with",
		"a..b":                          "cannot contain '..'",
		"has space":                     "invalid characters",
		"semi;colon":                    "invalid characters",
		strings.Repeat("x", 251):        "too long",
		"dollar$(whoami)":               "invalid characters",
		"back`tick`":                    "invalid characters",
		"newline\nrefs/heads/injection": "invalid characters",
	}
	for name, fragment := range invalid {
		err := validateBranchName(name)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), fragment, name)
	}
}

func TestValidateRepoID(t *testing.T) {
	assert.NoError(t, validateRepoID("repo-1"))
	assert.NoError(t, validateRepoID("my_repo"))

	for _, id := range []string{"", "../escape", "a/b", "a b", strings.Repeat("x", 101)} {
		assert.Error(t, validateRepoID(id), id)
	}
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	_, err := validatePath("")
	require.Error(t, err)

	_, err = validatePath("/tmp/../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")

	_, err = validatePath("/" + strings.Repeat("x", maxPathLength))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestValidateRefAcceptsHashesAndBranches(t *testing.T) {
	assert.NoError(t, validateRef(strings.Repeat("a", 40)))
	assert.NoError(t, validateRef(strings.Repeat("0", 64)))
	assert.NoError(t, validateRef("main"))
	assert.Error(t, validateRef(strings.Repeat("g", 40)+";rm"))
	assert.Error(t, validateRef(""))
}

func TestDisallowedGitOperationRefused(t *testing.T) {
	gs := newGitFixture(t)
	err := gs.runGit(context.Background(), gs.barePath, "push", "origin", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	err = gs.runGit(context.Background(), gs.barePath, "gc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestValidateCommitMessage(t *testing.T) {
	assert.NoError(t, validateCommitMessage("fix the thing"))
	assert.Error(t, validateCommitMessage(""))
	assert.Error(t, validateCommitMessage(strings.Repeat("x", maxCommitMessageLength+1)))
}
