package workspace

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// Manager prepares and disposes of per-task working directories under a
// common base directory.
type Manager struct {
	baseDir string
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: filepath.Clean(baseDir)}
}

// Dir returns the workspace path for a task, whether or not it exists.
func (m *Manager) Dir(taskID string) string {
	return filepath.Join(m.baseDir, taskID)
}

// Prepare creates the task's workspace. When the task names a
// repository it is cloned at the target branch; otherwise an empty
// scratch directory is created. An existing workspace is reused so
// resumed runs keep the agent's prior changes.
func (m *Manager) Prepare(ctx context.Context, task *domain.Task) (string, error) {
	dir := m.Dir(task.ID)

	if _, err := os.Stat(dir); err == nil {
		log.Printf("[workspace] task %s: reusing %s", task.ID, dir)
		return dir, nil
	}

	if task.RepoURL == "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating workspace: %w", err)
		}
		return dir, nil
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace base: %w", err)
	}

	branch := task.TargetBranch
	if branch == "" {
		branch = domain.DefaultTargetBranch
	}

	log.Printf("[workspace] task %s: cloning %s (branch %s)", task.ID, task.RepoURL, branch)
	if out, err := runGit(ctx, m.baseDir, "clone", "--branch", branch, "--single-branch", task.RepoURL, dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("cloning %s: %w: %s", task.RepoURL, err, out)
	}
	return dir, nil
}

// Branch creates and checks out a work branch for the task inside its
// workspace.
func (m *Manager) Branch(ctx context.Context, taskID, name string) error {
	dir := m.Dir(taskID)
	if out, err := runGit(ctx, dir, "checkout", "-b", name); err != nil {
		return fmt.Errorf("creating branch %s: %w: %s", name, err, out)
	}
	return nil
}

// Remove deletes the task's workspace directory.
func (m *Manager) Remove(taskID string) error {
	dir := m.Dir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	log.Printf("[workspace] task %s: removed %s", taskID, dir)
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
