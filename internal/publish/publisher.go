package publish

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/taskpilot/taskpilot/internal/domain"
)

const prBodyTemplate = `## Summary
%s

## Changes
%s

---
Automated implementation of task %s
`

// Publisher turns a finished workspace into a pull request: it commits
// the agent's changes, pushes a work branch and opens the PR with the
// gh CLI.
type Publisher struct{}

func New() *Publisher {
	return &Publisher{}
}

// Publish commits and pushes the task's workspace and opens a PR
// against the task's target branch. It returns the PR URL.
func (p *Publisher) Publish(ctx context.Context, dir string, task *domain.Task) (string, error) {
	branch := BranchName(task)

	if out, err := run(ctx, dir, "git", "checkout", "-B", branch); err != nil {
		return "", fmt.Errorf("creating branch %s: %s: %w", branch, out, err)
	}
	if out, err := run(ctx, dir, "git", "add", "-A"); err != nil {
		return "", fmt.Errorf("staging changes: %s: %w", out, err)
	}

	if out, err := run(ctx, dir, "git", "commit", "-m", CommitTitle(task)); err != nil {
		if strings.Contains(out, "nothing to commit") {
			return "", fmt.Errorf("no changes to publish")
		}
		return "", fmt.Errorf("committing: %s: %w", out, err)
	}

	if out, err := run(ctx, dir, "git", "push", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("pushing %s: %s: %w", branch, out, err)
	}

	base := task.TargetBranch
	if base == "" {
		base = domain.DefaultTargetBranch
	}
	out, err := run(ctx, dir, "gh", "pr", "create",
		"--title", CommitTitle(task),
		"--body", prBody(task, changeSummary(ctx, dir, base)),
		"--head", branch,
		"--base", base,
	)
	if err != nil {
		return "", fmt.Errorf("gh pr create: %s: %w", out, err)
	}

	url := lastLine(out)
	log.Printf("[publish] task %s: opened %s", task.ID, url)
	return url, nil
}

// BranchName derives a stable work branch for the task.
func BranchName(task *domain.Task) string {
	return fmt.Sprintf("taskpilot/%s-%s", slug(task.Title), shortID(task.ID))
}

// CommitTitle derives the commit and PR title from the task.
func CommitTitle(task *domain.Task) string {
	return fmt.Sprintf("feat: %s", task.Title)
}

func prBody(task *domain.Task, changes string) string {
	summary := task.Description
	if summary == "" {
		summary = task.Title
	}
	if changes == "" {
		changes = "See diff"
	}
	return fmt.Sprintf(prBodyTemplate, summary, changes, task.ID)
}

// changeSummary lists the files touched relative to the base branch.
// Failures degrade to an empty summary rather than blocking the PR.
func changeSummary(ctx context.Context, dir, base string) string {
	out, err := run(ctx, dir, "git", "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return ""
	}
	return FormatChangedFiles(strings.Fields(out))
}

// FormatChangedFiles renders a changed-file list for the PR body,
// truncated past five entries.
func FormatChangedFiles(files []string) string {
	if len(files) == 0 {
		return ""
	}
	shown := files
	if len(shown) > 5 {
		shown = shown[:5]
	}
	var b strings.Builder
	for _, f := range shown {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if n := len(files) - len(shown); n > 0 {
		fmt.Fprintf(&b, "- and %d more\n", n)
	}
	return strings.TrimRight(b.String(), "\n")
}

// slug reduces a title to a lowercase dashed identifier.
func slug(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		s = "task"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
