package publish

import (
	"strings"
	"testing"

	"github.com/taskpilot/taskpilot/internal/domain"
)

func TestBranchName(t *testing.T) {
	task := &domain.Task{
		ID:    "0f3a9c2e-1111-2222-3333-444455556666",
		Title: "Add Retry Logic to the HTTP Client!",
	}
	got := BranchName(task)
	want := "taskpilot/add-retry-logic-to-the-http-client-0f3a9c2e"
	if got != want {
		t.Errorf("BranchName() = %q, want %q", got, want)
	}
}

func TestSlugEdgeCases(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Simple", "simple"},
		{"  spaces   everywhere  ", "spaces-everywhere"},
		{"!!!", "task"},
		{"CamelCase & symbols #42", "camelcase-symbols-42"},
		{strings.Repeat("long ", 20), "long-long-long-long-long-long-long-long"},
	}
	for _, tt := range tests {
		if got := slug(tt.title); got != tt.want {
			t.Errorf("slug(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestCommitTitle(t *testing.T) {
	task := &domain.Task{Title: "Fix flaky watcher test"}
	if got := CommitTitle(task); got != "feat: Fix flaky watcher test" {
		t.Errorf("CommitTitle() = %q", got)
	}
}

func TestFormatChangedFiles(t *testing.T) {
	if got := FormatChangedFiles(nil); got != "" {
		t.Errorf("FormatChangedFiles(nil) = %q, want empty", got)
	}

	got := FormatChangedFiles([]string{"a.go", "b.go"})
	if got != "- a.go\n- b.go" {
		t.Errorf("FormatChangedFiles() = %q", got)
	}

	many := []string{"1", "2", "3", "4", "5", "6", "7"}
	got = FormatChangedFiles(many)
	if !strings.Contains(got, "and 2 more") {
		t.Errorf("FormatChangedFiles() = %q, want truncation note", got)
	}
}

func TestPRBodyFallsBackToTitle(t *testing.T) {
	task := &domain.Task{ID: "abc", Title: "Tidy imports"}
	body := prBody(task, "")
	if !strings.Contains(body, "Tidy imports") {
		t.Errorf("body missing title fallback:\n%s", body)
	}
	if !strings.Contains(body, "See diff") {
		t.Errorf("body missing changes fallback:\n%s", body)
	}
}

func TestLastLine(t *testing.T) {
	out := "warning: something\nhttps://github.com/acme/repo/pull/12\n"
	if got := lastLine(out); got != "https://github.com/acme/repo/pull/12" {
		t.Errorf("lastLine() = %q", got)
	}
}
