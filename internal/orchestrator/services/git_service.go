// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services holds the git execution substrate and the data-layer
// services built on top of it. Each managed repository is a bare repo
// plus a pool of worktrees keyed by (branch, run, step); all operations
// on one repository are serialized.
package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "service").Logger()
		log = &l
	})
	return log
}

// Security constants for validation
const (
	maxPathLength          = 4096
	maxBranchNameLength    = 250
	maxCommitMessageLength = 8192
	maxRepoIDLength        = 100

	gitCommandTimeout = 30 * time.Second
)

// quarantineRefPrefix is where reinitialize parks branch refs instead
// of deleting them.
const quarantineRefPrefix = "refs/lazyaf/quarantine"

var (
	// Safe branch name pattern: alphanumeric, hyphens, underscores, forward slashes
	branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)

	// Safe repo ID pattern: alphanumeric, hyphens, underscores
	repoIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Object names git prints when a reachability walk hits corruption
	objectSHARegex = regexp.MustCompile(`\b[0-9a-f]{40}(?:[0-9a-f]{24})?\b`)
)

// Allowed git operations for security
var allowedGitOperations = map[string]bool{
	"init":         true,
	"add":          true,
	"commit":       true,
	"checkout":     true,
	"branch":       true,
	"status":       true,
	"rev-parse":    true,
	"rev-list":     true,
	"diff":         true,
	"log":          true,
	"show":         true,
	"show-ref":     true,
	"for-each-ref": true,
	"update-ref":   true,
	"symbolic-ref": true,
	"cat-file":     true,
	"hash-object":  true,
	"commit-tree":  true,
	"worktree":     true,
	"merge":        true,
	"rebase":       true,
	"reset":        true,
	"clean":        true,
	"config":       true,
	"ls-files":     true,
}

// BranchInfo describes one branch head of a managed repository. A
// damaged branch carries the SHAs of the objects that could not be
// read, starting with the tip when the tip itself is gone.
type BranchInfo struct {
	Name        string   `json:"name"`
	SHA         string   `json:"sha"`
	Damaged     bool     `json:"damaged,omitempty"`
	MissingSHAs []string `json:"missing_shas,omitempty"`
	Default     bool     `json:"default,omitempty"`
}

// WorktreeKey identifies one pooled worktree. The same key always maps
// to the same path, so retried operations land in the same checkout.
type WorktreeKey struct {
	Branch    string
	RunID     string
	StepIndex int
}

// ConflictDetail carries the three-way content of one conflicted path.
type ConflictDetail struct {
	Path   string `json:"path"`
	Base   string `json:"base"`
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
}

// ConflictError is returned when a merge or rebase stops on conflicts.
// The operation is rolled back before this error is returned.
type ConflictError struct {
	Op      string           `json:"op"` // "merge" or "rebase"
	Source  string           `json:"source"`
	Target  string           `json:"target"`
	Details []ConflictDetail `json:"details"`
}

func (e *ConflictError) Error() string {
	paths := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		paths = append(paths, d.Path)
	}
	return fmt.Sprintf("%s of %s into %s conflicts in: %s", e.Op, e.Source, e.Target, strings.Join(paths, ", "))
}

// GitService owns the git substrate of one repository: a bare repo and
// its worktree pool. All operations are serialized per repository.
type GitService struct {
	repoID        string
	barePath      string
	worktreeRoot  string
	defaultBranch string

	mu sync.Mutex
}

// NewGitService opens the substrate for a repository, initializing the
// bare repo with an empty root commit on the default branch when
// createIfNotExist is set.
func NewGitService(cfg config.GitConfig, repoID string, createIfNotExist bool) (*GitService, error) {
	if err := validateRepoID(repoID); err != nil {
		return nil, err
	}

	storageRoot, err := filepath.Abs(cfg.RepoStorageRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	gs := &GitService{
		repoID:        repoID,
		barePath:      filepath.Join(storageRoot, repoID+".git"),
		worktreeRoot:  filepath.Join(storageRoot, ".worktrees", repoID),
		defaultBranch: cfg.DefaultBranch,
	}
	if gs.defaultBranch == "" {
		gs.defaultBranch = "main"
	}

	ctx := context.Background()
	if _, err := os.Stat(gs.barePath); os.IsNotExist(err) {
		if !createIfNotExist {
			return nil, fmt.Errorf("repository storage does not exist: %s", gs.barePath)
		}
		if err := gs.initialize(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize repository %s: %w", repoID, err)
		}
	}

	return gs, nil
}

// RepoID returns the repository identifier.
func (gs *GitService) RepoID() string { return gs.repoID }

// BarePath returns the bare repository path.
func (gs *GitService) BarePath() string { return gs.barePath }

// DefaultBranch returns the branch reinitialize and cleanup never touch.
func (gs *GitService) DefaultBranch() string { return gs.defaultBranch }

// CloneURL returns the URL runners clone from.
func (gs *GitService) CloneURL() string { return "file://" + gs.barePath }

// initialize creates the bare repository with an empty root commit so
// the default branch exists from the start.
func (gs *GitService) initialize(ctx context.Context) error {
	getLog().Info().Str("repo_id", gs.repoID).Str("path", gs.barePath).Msg("initializing bare repository")

	if err := os.MkdirAll(gs.barePath, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	if err := gs.runGit(ctx, gs.barePath, "init", "--bare", "--initial-branch="+gs.defaultBranch); err != nil {
		return err
	}
	return gs.createRootCommit(ctx)
}

// createRootCommit writes an empty tree commit and points the default
// branch at it. Works on a bare repo, no worktree needed.
func (gs *GitService) createRootCommit(ctx context.Context) error {
	emptyTree, err := gs.outputGit(ctx, gs.barePath, "hash-object", "-t", "tree", "/dev/null")
	if err != nil {
		return fmt.Errorf("failed to hash empty tree: %w", err)
	}
	commit, err := gs.outputGit(ctx, gs.barePath, "commit-tree", emptyTree, "-m", "repository initialized")
	if err != nil {
		return fmt.Errorf("failed to create root commit: %w", err)
	}
	if err := gs.runGit(ctx, gs.barePath, "update-ref", "refs/heads/"+gs.defaultBranch, commit); err != nil {
		return fmt.Errorf("failed to point %s at root commit: %w", gs.defaultBranch, err)
	}
	return gs.runGit(ctx, gs.barePath, "symbolic-ref", "HEAD", "refs/heads/"+gs.defaultBranch)
}

// ============================================================================
// Branch Operations
// ============================================================================

// Branches lists all branch heads. Each tip object is checked for
// readability; with verify set every object reachable from the tip is
// walked and branches with unreadable history are reported damaged
// together with the missing SHAs.
func (gs *GitService) Branches(ctx context.Context, verify bool) ([]BranchInfo, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.branchesLocked(ctx, verify)
}

func (gs *GitService) branchesLocked(ctx context.Context, verify bool) ([]BranchInfo, error) {
	out, err := gs.outputGit(ctx, gs.barePath, "for-each-ref", "refs/heads", "--format=%(refname:short) %(objectname)")
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	var branches []BranchInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		info := BranchInfo{
			Name:    fields[0],
			SHA:     fields[1],
			Default: fields[0] == gs.defaultBranch,
		}
		// A branch whose tip object cannot be read is damaged; its SHA
		// is still reported so the operator can recover it.
		if err := gs.runGit(ctx, gs.barePath, "cat-file", "-e", info.SHA+"^{commit}"); err != nil {
			info.Damaged = true
			info.MissingSHAs = []string{info.SHA}
		} else if verify {
			info.MissingSHAs = gs.missingObjectsLocked(ctx, info.SHA)
			info.Damaged = len(info.MissingSHAs) > 0
		}
		branches = append(branches, info)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// missingObjectsLocked walks every object reachable from sha and
// returns the SHAs that are not present in the object store.
func (gs *GitService) missingObjectsLocked(ctx context.Context, sha string) []string {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd, err := gs.buildGitCommand(ctx, gs.barePath, "rev-list", "--objects", "--missing=print", sha)
	if err != nil {
		return nil
	}
	out, err := cmd.Output()
	if err != nil {
		// The walk dies on a broken commit chain before the missing
		// objects are printed; salvage the SHAs git names on stderr so
		// the damage is still enumerated.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return extractSHAs(string(exitErr.Stderr))
		}
		return nil
	}
	var missing []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "?") {
			missing = append(missing, strings.TrimPrefix(line, "?"))
		}
	}
	return missing
}

// DamagedBranches deep-verifies every branch and returns those with
// unreadable objects, missing SHAs included.
func (gs *GitService) DamagedBranches(ctx context.Context) ([]BranchInfo, error) {
	branches, err := gs.Branches(ctx, true)
	if err != nil {
		return nil, err
	}
	var damaged []BranchInfo
	for _, b := range branches {
		if b.Damaged {
			damaged = append(damaged, b)
		}
	}
	return damaged, nil
}

// ResolveRef resolves a ref to a commit SHA.
func (gs *GitService) ResolveRef(ctx context.Context, ref string) (string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.resolveRefLocked(ctx, ref)
}

func (gs *GitService) resolveRefLocked(ctx context.Context, ref string) (string, error) {
	if err := validateRef(ref); err != nil {
		return "", err
	}
	sha, err := gs.outputGit(ctx, gs.barePath, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("failed to resolve ref %s: %w", ref, err)
	}
	return sha, nil
}

// BranchExists reports whether a branch head exists.
func (gs *GitService) BranchExists(ctx context.Context, name string) (bool, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.branchExistsLocked(ctx, name)
}

func (gs *GitService) branchExistsLocked(ctx context.Context, name string) (bool, error) {
	if err := validateBranchName(name); err != nil {
		return false, err
	}
	err := gs.runGit(ctx, gs.barePath, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		if isExitCode(err, 1) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check branch %s: %w", name, err)
	}
	return true, nil
}

// CreateBranch points a new branch at fromRef. Creating an existing
// branch is a no-op, so retried run setup is idempotent.
func (gs *GitService) CreateBranch(ctx context.Context, name, fromRef string) (string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if err := validateBranchName(name); err != nil {
		return "", err
	}
	if exists, err := gs.branchExistsLocked(ctx, name); err != nil {
		return "", err
	} else if exists {
		return gs.resolveRefLocked(ctx, name)
	}

	if fromRef == "" {
		fromRef = gs.defaultBranch
	}
	sha, err := gs.resolveRefLocked(ctx, fromRef)
	if err != nil {
		return "", err
	}
	if err := gs.runGit(ctx, gs.barePath, "update-ref", "refs/heads/"+name, sha); err != nil {
		return "", fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	getLog().Info().Str("repo_id", gs.repoID).Str("branch", name).Str("sha", sha).Msg("branch created")
	return sha, nil
}

// DeleteBranch removes a branch head. The default branch is refused.
func (gs *GitService) DeleteBranch(ctx context.Context, name string) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if err := validateBranchName(name); err != nil {
		return err
	}
	if name == gs.defaultBranch {
		return fmt.Errorf("refusing to delete default branch %s", name)
	}
	exists, err := gs.branchExistsLocked(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := gs.runGit(ctx, gs.barePath, "update-ref", "-d", "refs/heads/"+name); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

// ============================================================================
// Worktree Pool
// ============================================================================

// WorktreePath returns the pooled path for a key without creating it.
func (gs *GitService) WorktreePath(key WorktreeKey) string {
	return filepath.Join(gs.worktreeRoot, key.RunID, fmt.Sprintf("step-%d", key.StepIndex))
}

// AcquireWorktree checks out the key's branch at fromRef in the pooled
// path, creating or resetting it. The same key always yields the same
// path, so retries reuse the checkout.
func (gs *GitService) AcquireWorktree(ctx context.Context, key WorktreeKey, fromRef string) (string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.acquireWorktreeLocked(ctx, key, fromRef)
}

func (gs *GitService) acquireWorktreeLocked(ctx context.Context, key WorktreeKey, fromRef string) (string, error) {
	if err := validateBranchName(key.Branch); err != nil {
		return "", err
	}
	path := gs.WorktreePath(key)

	if fromRef == "" {
		fromRef = key.Branch
	}
	sha, err := gs.resolveRefLocked(ctx, fromRef)
	if err != nil {
		return "", err
	}

	if worktreeExists(path) {
		// Reuse: reset the existing checkout onto the requested commit.
		if err := gs.runGit(ctx, path, "checkout", "-B", key.Branch, sha); err != nil {
			return "", fmt.Errorf("failed to reset worktree %s: %w", path, err)
		}
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree parent: %w", err)
	}
	if err := gs.runGit(ctx, gs.barePath, "worktree", "add", "-B", key.Branch, path, sha); err != nil {
		return "", fmt.Errorf("failed to add worktree: %w", err)
	}
	getLog().Debug().
		Str("repo_id", gs.repoID).
		Str("run_id", key.RunID).
		Int("step_index", key.StepIndex).
		Str("path", path).
		Msg("worktree acquired")
	return path, nil
}

// RemoveWorktree drops a pooled worktree. Missing worktrees are a
// no-op.
func (gs *GitService) RemoveWorktree(ctx context.Context, key WorktreeKey, force bool) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.removeWorktreePathLocked(ctx, gs.WorktreePath(key), force)
}

func (gs *GitService) removeWorktreePathLocked(ctx context.Context, path string, force bool) error {
	if !worktreeExists(path) {
		return nil
	}
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if err := gs.runGit(ctx, gs.barePath, args...); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", path, err)
	}
	return nil
}

// ListWorktrees returns the paths of all checkouts of the bare repo.
func (gs *GitService) ListWorktrees(ctx context.Context) ([]string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.listWorktreesLocked(ctx)
}

func (gs *GitService) listWorktreesLocked(ctx context.Context) ([]string, error) {
	out, err := gs.outputGit(ctx, gs.barePath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if path != gs.barePath {
				paths = append(paths, path)
			}
		}
	}
	return paths, nil
}

// CleanupOrphans removes pooled worktrees whose run is no longer live
// and prunes stale administrative entries. Returns the removed paths.
func (gs *GitService) CleanupOrphans(ctx context.Context, liveRunIDs map[string]bool) ([]string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	entries, err := os.ReadDir(gs.worktreeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read worktree root: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || liveRunIDs[entry.Name()] {
			continue
		}
		runDir := filepath.Join(gs.worktreeRoot, entry.Name())
		stepDirs, err := os.ReadDir(runDir)
		if err != nil {
			continue
		}
		for _, stepDir := range stepDirs {
			path := filepath.Join(runDir, stepDir.Name())
			if err := gs.removeWorktreePathLocked(ctx, path, true); err != nil {
				getLog().Warn().Err(err).Str("path", path).Msg("failed to remove orphaned worktree")
				continue
			}
			removed = append(removed, path)
		}
		if err := os.RemoveAll(runDir); err != nil {
			getLog().Warn().Err(err).Str("path", runDir).Msg("failed to remove orphaned run directory")
		}
	}

	if err := gs.runGit(ctx, gs.barePath, "worktree", "prune"); err != nil {
		getLog().Warn().Err(err).Str("repo_id", gs.repoID).Msg("worktree prune failed")
	}
	return removed, nil
}

// ============================================================================
// Commits and Diffs
// ============================================================================

// SyncFromDisk stages and commits everything in a pooled worktree,
// capturing changes written directly to disk. Returns the resulting
// HEAD; with nothing to commit it returns the current HEAD unchanged.
func (gs *GitService) SyncFromDisk(ctx context.Context, key WorktreeKey, message string) (string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if err := validateCommitMessage(message); err != nil {
		return "", err
	}
	path := gs.WorktreePath(key)
	if !worktreeExists(path) {
		return "", fmt.Errorf("worktree does not exist: %s", path)
	}

	if err := gs.runGit(ctx, path, "add", "-A"); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	hasChanges, err := gs.hasStagedChanges(ctx, path)
	if err != nil {
		return "", err
	}
	if hasChanges {
		if err := gs.runGit(ctx, path, "commit", "-m", message); err != nil {
			return "", fmt.Errorf("failed to commit: %w", err)
		}
	}
	return gs.outputGit(ctx, path, "rev-parse", "HEAD")
}

// Diff computes base...head and parses it into per-file hunks.
func (gs *GitService) Diff(ctx context.Context, baseRef, headRef string) ([]FileDiff, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	baseSHA, err := gs.resolveRefLocked(ctx, baseRef)
	if err != nil {
		return nil, err
	}
	headSHA, err := gs.resolveRefLocked(ctx, headRef)
	if err != nil {
		return nil, err
	}
	raw, err := gs.outputGit(ctx, gs.barePath, "diff", baseSHA, headSHA)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", baseRef, headRef, err)
	}
	return ParseUnifiedDiff(raw), nil
}

// Log returns up to limit commits reachable from ref, newest first, as
// "sha|subject|author" triples parsed into GitCommit values.
func (gs *GitService) Log(ctx context.Context, ref string, limit int) ([]GitCommit, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	sha, err := gs.resolveRefLocked(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := gs.outputGit(ctx, gs.barePath, "log",
		fmt.Sprintf("--max-count=%d", limit), "--format=%H|%s|%an|%P", sha)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}

	var commits []GitCommit
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 4 {
			continue
		}
		c := GitCommit{Hash: parts[0], Message: parts[1], Author: parts[2]}
		if parts[3] != "" {
			c.Parents = strings.Split(parts[3], " ")
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// GitCommit is one entry of a commit log.
type GitCommit struct {
	Hash    string   `json:"hash"`
	Message string   `json:"message"`
	Author  string   `json:"author"`
	Parents []string `json:"parents,omitempty"`
}

// ============================================================================
// Merge and Rebase
// ============================================================================

// Merge types reported in MergeResult.
const (
	MergeTypeMerge       = "merge"
	MergeTypeFastForward = "fast-forward"
)

// MergeResult describes a completed merge: the new target tip and
// whether it was reached by a merge commit or a fast-forward.
type MergeResult struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

// Merge merges source into target, fast-forwarding when the target has
// not diverged and creating a merge commit otherwise. On conflicts the
// merge is aborted and a *ConflictError with three-way content per
// path is returned.
func (gs *GitService) Merge(ctx context.Context, source, target, message string) (MergeResult, error) {
	return gs.mergeWithResolutions(ctx, source, target, message, nil)
}

// MergeWithResolutions retries a conflicted merge with caller-provided
// file contents for the conflicted paths. Paths left unresolved still
// fail the merge.
func (gs *GitService) MergeWithResolutions(ctx context.Context, source, target, message string, resolutions map[string]string) (MergeResult, error) {
	return gs.mergeWithResolutions(ctx, source, target, message, resolutions)
}

func (gs *GitService) mergeWithResolutions(ctx context.Context, source, target, message string, resolutions map[string]string) (MergeResult, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if err := validateBranchName(source); err != nil {
		return MergeResult{}, err
	}
	if err := validateBranchName(target); err != nil {
		return MergeResult{}, err
	}
	if message == "" {
		message = fmt.Sprintf("merge %s into %s", source, target)
	}
	if err := validateCommitMessage(message); err != nil {
		return MergeResult{}, err
	}

	sourceSHA, err := gs.resolveRefLocked(ctx, source)
	if err != nil {
		return MergeResult{}, err
	}

	path, cleanup, err := gs.scratchWorktreeLocked(ctx, target)
	if err != nil {
		return MergeResult{}, err
	}
	defer cleanup()

	if err := gs.runGit(ctx, path, "merge", sourceSHA, "-m", message); err != nil {
		details, collectErr := gs.collectConflicts(ctx, path)
		if collectErr != nil || len(details) == 0 {
			_ = gs.runGit(ctx, path, "merge", "--abort")
			return MergeResult{}, fmt.Errorf("merge of %s into %s failed: %w", source, target, err)
		}

		if len(resolutions) == 0 {
			_ = gs.runGit(ctx, path, "merge", "--abort")
			return MergeResult{}, &ConflictError{Op: "merge", Source: source, Target: target, Details: details}
		}

		var unresolved []ConflictDetail
		for _, d := range details {
			content, ok := resolutions[d.Path]
			if !ok {
				unresolved = append(unresolved, d)
				continue
			}
			if err := os.WriteFile(filepath.Join(path, d.Path), []byte(content), 0644); err != nil {
				_ = gs.runGit(ctx, path, "merge", "--abort")
				return MergeResult{}, fmt.Errorf("failed to write resolution for %s: %w", d.Path, err)
			}
			if err := gs.runGit(ctx, path, "add", d.Path); err != nil {
				_ = gs.runGit(ctx, path, "merge", "--abort")
				return MergeResult{}, fmt.Errorf("failed to stage resolution for %s: %w", d.Path, err)
			}
		}
		if len(unresolved) > 0 {
			_ = gs.runGit(ctx, path, "merge", "--abort")
			return MergeResult{}, &ConflictError{Op: "merge", Source: source, Target: target, Details: unresolved}
		}
		if err := gs.runGit(ctx, path, "commit", "-m", message); err != nil {
			_ = gs.runGit(ctx, path, "merge", "--abort")
			return MergeResult{}, fmt.Errorf("failed to commit resolved merge: %w", err)
		}
	}

	sha, err := gs.outputGit(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return MergeResult{}, err
	}
	result := MergeResult{SHA: sha, Type: MergeTypeMerge}
	if sha == sourceSHA {
		result.Type = MergeTypeFastForward
	}
	getLog().Info().
		Str("repo_id", gs.repoID).
		Str("source", source).
		Str("target", target).
		Str("sha", sha).
		Str("merge_type", result.Type).
		Msg("merge completed")
	return result, nil
}

// Rebase replays branch onto ontoRef, returning the new branch tip. On
// conflicts the rebase is aborted and a *ConflictError is returned.
func (gs *GitService) Rebase(ctx context.Context, branch, ontoRef string) (string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if err := validateBranchName(branch); err != nil {
		return "", err
	}
	ontoSHA, err := gs.resolveRefLocked(ctx, ontoRef)
	if err != nil {
		return "", err
	}

	path, cleanup, err := gs.scratchWorktreeLocked(ctx, branch)
	if err != nil {
		return "", err
	}
	defer cleanup()

	if err := gs.runGit(ctx, path, "rebase", ontoSHA); err != nil {
		details, collectErr := gs.collectConflicts(ctx, path)
		_ = gs.runGit(ctx, path, "rebase", "--abort")
		if collectErr == nil && len(details) > 0 {
			return "", &ConflictError{Op: "rebase", Source: branch, Target: ontoRef, Details: details}
		}
		return "", fmt.Errorf("rebase of %s onto %s failed: %w", branch, ontoRef, err)
	}

	sha, err := gs.outputGit(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	// A scratch worktree checkout of the branch moves the branch ref
	// itself, so the bare repo already sees the rebased tip.
	getLog().Info().
		Str("repo_id", gs.repoID).
		Str("branch", branch).
		Str("onto", ontoRef).
		Str("sha", sha).
		Msg("rebase completed")
	return sha, nil
}

// scratchWorktreeLocked checks a branch out in a throwaway worktree for
// an inline operation. The returned cleanup removes it.
func (gs *GitService) scratchWorktreeLocked(ctx context.Context, branch string) (string, func(), error) {
	path := filepath.Join(gs.worktreeRoot, ".scratch", fmt.Sprintf("%s-%d", sanitizeForPath(branch), time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	// --force: the branch may already be checked out in a pooled
	// worktree; the pool resets its checkout on next acquire.
	if err := gs.runGit(ctx, gs.barePath, "worktree", "add", "--force", path, branch); err != nil {
		return "", nil, fmt.Errorf("failed to add scratch worktree: %w", err)
	}
	cleanup := func() {
		if err := gs.removeWorktreePathLocked(context.Background(), path, true); err != nil {
			getLog().Warn().Err(err).Str("path", path).Msg("failed to remove scratch worktree")
		}
	}
	return path, cleanup, nil
}

// collectConflicts reads the three-way content of every unmerged path
// in a worktree.
func (gs *GitService) collectConflicts(ctx context.Context, worktree string) ([]ConflictDetail, error) {
	out, err := gs.outputGit(ctx, worktree, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var details []ConflictDetail
	for _, path := range strings.Split(out, "\n") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		d := ConflictDetail{Path: path}
		// Stage 1 is the merge base, 2 ours, 3 theirs. A stage can be
		// absent (add/add conflicts have no base).
		d.Base, _ = gs.outputGitRaw(ctx, worktree, "show", ":1:"+path)
		d.Ours, _ = gs.outputGitRaw(ctx, worktree, "show", ":2:"+path)
		d.Theirs, _ = gs.outputGitRaw(ctx, worktree, "show", ":3:"+path)
		details = append(details, d)
	}
	return details, nil
}

// ============================================================================
// Recovery
// ============================================================================

// Reinitialize quarantines every branch except the default under
// timestamped refs and rebuilds the default branch if its tip is
// unreadable. No branch ref content is ever deleted outright.
func (gs *GitService) Reinitialize(ctx context.Context) ([]string, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	branches, err := gs.branchesLocked(ctx, false)
	if err != nil {
		return nil, err
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	var quarantined []string
	for _, b := range branches {
		if b.Name == gs.defaultBranch {
			continue
		}
		quarantineRef := fmt.Sprintf("%s/%s/%s", quarantineRefPrefix, stamp, b.Name)
		if err := gs.runGit(ctx, gs.barePath, "update-ref", quarantineRef, b.SHA); err != nil {
			getLog().Warn().Err(err).Str("branch", b.Name).Msg("failed to quarantine branch ref")
			continue
		}
		if err := gs.runGit(ctx, gs.barePath, "update-ref", "-d", "refs/heads/"+b.Name); err != nil {
			getLog().Warn().Err(err).Str("branch", b.Name).Msg("failed to drop quarantined branch head")
			continue
		}
		quarantined = append(quarantined, b.Name)
	}

	// Rebuild the default branch only when it is unusable; a healthy
	// default branch survives reinitialization untouched.
	rebuild := true
	for _, b := range branches {
		if b.Name == gs.defaultBranch && !b.Damaged {
			rebuild = false
		}
	}
	if rebuild {
		getLog().Warn().Str("repo_id", gs.repoID).Str("branch", gs.defaultBranch).Msg("rebuilding default branch")
		if err := gs.createRootCommit(ctx); err != nil {
			return quarantined, err
		}
	}

	getLog().Info().
		Str("repo_id", gs.repoID).
		Strs("quarantined", quarantined).
		Msg("repository reinitialized")
	return quarantined, nil
}

// Close releases the service. Pooled worktrees stay on disk for reuse.
func (gs *GitService) Close() error { return nil }

// ============================================================================
// Command plumbing
// ============================================================================

// safeEnvironment returns a minimal environment for git commands with a
// fixed committer identity and prompts disabled.
func safeEnvironment() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"LANG=" + os.Getenv("LANG"),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
		"GIT_AUTHOR_NAME=lazyaf",
		"GIT_AUTHOR_EMAIL=ci@lazyaf.local",
		"GIT_COMMITTER_NAME=lazyaf",
		"GIT_COMMITTER_EMAIL=ci@lazyaf.local",
	}
}

// buildGitCommand builds a git command restricted to the operation
// allow-list.
func (gs *GitService) buildGitCommand(ctx context.Context, workDir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no git command specified")
	}
	if !allowedGitOperations[args[0]] {
		return nil, fmt.Errorf("git operation not allowed: %s", args[0])
	}
	validated, err := validatePath(workDir)
	if err != nil {
		return nil, fmt.Errorf("invalid working directory: %w", err)
	}

	getLog().Debug().Str("operation", args[0]).Strs("args", args).Str("work_dir", validated).Msg("git operation")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = validated
	cmd.Env = safeEnvironment()
	return cmd, nil
}

// runGit executes a git command, discarding output.
func (gs *GitService) runGit(ctx context.Context, workDir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd, err := gs.buildGitCommand(ctx, workDir, args...)
	if err != nil {
		return err
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w, output: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

// outputGit executes a git command and returns its trimmed stdout.
func (gs *GitService) outputGit(ctx context.Context, workDir string, args ...string) (string, error) {
	out, err := gs.outputGitRaw(ctx, workDir, args...)
	return strings.TrimSpace(out), err
}

// outputGitRaw is outputGit without trimming, for file content.
func (gs *GitService) outputGitRaw(ctx context.Context, workDir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd, err := gs.buildGitCommand(ctx, workDir, args...)
	if err != nil {
		return "", err
	}
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return string(output), nil
}

func (gs *GitService) hasStagedChanges(ctx context.Context, workDir string) (bool, error) {
	err := gs.runGit(ctx, workDir, "diff", "--cached", "--quiet")
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// ============================================================================
// Validation
// ============================================================================

func validatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("path too long: %d characters (max: %d)", len(path), maxPathLength)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path contains invalid directory traversal")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return filepath.Clean(absPath), nil
}

func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(name) > maxBranchNameLength {
		return fmt.Errorf("branch name too long: %d characters (max: %d)", len(name), maxBranchNameLength)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name cannot start with '-' or '.'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %s", name)
	}
	return nil
}

// validateRef accepts branch names and commit SHAs.
func validateRef(ref string) error {
	if isCommitHash(ref) {
		return nil
	}
	return validateBranchName(ref)
}

func validateCommitMessage(message string) error {
	if message == "" {
		return fmt.Errorf("commit message cannot be empty")
	}
	if len(message) > maxCommitMessageLength {
		return fmt.Errorf("commit message too long: %d characters (max: %d)", len(message), maxCommitMessageLength)
	}
	return nil
}

func validateRepoID(repoID string) error {
	if repoID == "" {
		return fmt.Errorf("repo ID cannot be empty")
	}
	if len(repoID) > maxRepoIDLength {
		return fmt.Errorf("repo ID too long: %d characters (max: %d)", len(repoID), maxRepoIDLength)
	}
	if !repoIDRegex.MatchString(repoID) {
		return fmt.Errorf("repo ID contains invalid characters: %s", repoID)
	}
	return nil
}

func isCommitHash(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// extractSHAs pulls the distinct object names out of git error output,
// in order of first appearance.
func extractSHAs(s string) []string {
	seen := make(map[string]bool)
	var shas []string
	for _, sha := range objectSHARegex.FindAllString(s, -1) {
		if !seen[sha] {
			seen[sha] = true
			shas = append(shas, sha)
		}
	}
	return shas
}

// worktreeExists checks for the .git file a linked worktree carries.
func worktreeExists(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func sanitizeForPath(s string) string {
	return strings.ReplaceAll(s, "/", "-")
}

func isExitCode(err error, code int) bool {
	return strings.Contains(err.Error(), fmt.Sprintf("exit status %d", code))
}
