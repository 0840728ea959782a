// Package worktree manages per-task working copies: each admitted task gets
// a fresh checkout under the configured base path, deleted when the task
// reaches a terminal state.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coderelay/coderelay/pkg/log"
)

// runGit executes a git command and returns combined output. Variable so
// tests can stub process execution.
var runGit = func(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Manager creates and removes task working copies.
type Manager struct {
	basePath string

	// cloneURL builds the remote URL for a repository. Overridable so the
	// daemon can inject token-authenticated URLs.
	cloneURL func(repository string) string
}

// NewManager creates a manager rooted at basePath. cloneURL may be nil, in
// which case anonymous HTTPS URLs are used.
func NewManager(basePath string, cloneURL func(repository string) string) *Manager {
	if cloneURL == nil {
		cloneURL = func(repository string) string {
			return "https://github.com/" + repository + ".git"
		}
	}
	return &Manager{basePath: basePath, cloneURL: cloneURL}
}

// BasePath returns the root under which working copies live.
func (m *Manager) BasePath() string {
	return m.basePath
}

// PathFor returns the working-copy directory for a task.
func (m *Manager) PathFor(taskID string) string {
	return filepath.Join(m.basePath, taskID)
}

// Create clones repository at baseBranch into the task's directory. A
// half-created directory is removed before the error is returned.
func (m *Manager) Create(ctx context.Context, taskID, repository, baseBranch string) (string, error) {
	if err := os.MkdirAll(m.basePath, 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree base %q: %w", m.basePath, err)
	}

	path := m.PathFor(taskID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("worktree %q already exists", path)
	}

	_, err := runGit(ctx, "",
		"clone",
		"--branch", baseBranch,
		"--single-branch",
		m.cloneURL(repository),
		path,
	)
	if err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			log.Warn("failed to clean up partial worktree", "path", path, "error", rmErr)
		}
		return "", fmt.Errorf("failed to create worktree for task %s: %w", taskID, err)
	}

	log.Info("worktree created", "task_id", taskID, "path", path, "base_branch", baseBranch)
	return path, nil
}

// Remove deletes a task's working copy. Removing an absent directory is not
// an error.
func (m *Manager) Remove(taskID string) error {
	path := m.PathFor(taskID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove worktree %q: %w", path, err)
	}
	return nil
}

// RemovePath deletes an arbitrary directory under the base path. Used for
// orphan cleanup during recovery; paths outside the base are refused.
func (m *Manager) RemovePath(path string) error {
	rel, err := filepath.Rel(m.basePath, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %q: outside worktree base %q", path, m.basePath)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %q: %w", path, err)
	}
	return nil
}
