package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return New(t.TempDir(), "task-1")
}

func TestExecute_WriteReadRoundTrip(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		content string
	}{
		{"plain", "hello world"},
		{"empty", ""},
		{"newlines", "line one\nline two\n\nline four"},
		{"unicode", "héllo wörld — 日本語 🎉"},
	}

	for _, tc := range cases {
		path := tc.name + ".txt"
		w := e.Execute(ctx, ToolWriteFile, map[string]string{"path": path, "content": tc.content})
		if !w.Success {
			t.Fatalf("%s: write failed: %s", tc.name, w.Error)
		}

		r := e.Execute(ctx, ToolReadFile, map[string]string{"path": path})
		if !r.Success {
			t.Fatalf("%s: read failed: %s", tc.name, r.Error)
		}
		if r.Output != tc.content {
			t.Errorf("%s: round trip = %q, want %q", tc.name, r.Output, tc.content)
		}
	}
}

func TestExecute_WriteCreatesParentDirs(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), ToolWriteFile, map[string]string{
		"path":    "deep/nested/dir/file.txt",
		"content": "x",
	})
	if !res.Success {
		t.Fatalf("write failed: %s", res.Error)
	}

	if _, err := os.Stat(filepath.Join(e.Root(), "deep", "nested", "dir", "file.txt")); err != nil {
		t.Errorf("file not created: %v", err)
	}
}

func TestExecute_PathConfinement(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	escapes := []string{
		"../outside.txt",
		"../../etc/passwd",
		"a/../../outside.txt",
		"/etc/passwd",
	}

	for _, tool := range []string{ToolReadFile, ToolWriteFile} {
		for _, path := range escapes {
			res := e.Execute(ctx, tool, map[string]string{"path": path, "content": "x"})
			if res.Success {
				t.Errorf("%s(%q) succeeded, want confinement failure", tool, path)
				continue
			}
			if res.Error != "Path must be within the workspace" {
				t.Errorf("%s(%q) error = %q, want %q", tool, path, res.Error, "Path must be within the workspace")
			}
		}
	}

	// Escaping writes must not create anything outside the root.
	parent := filepath.Dir(e.Root())
	if _, err := os.Stat(filepath.Join(parent, "outside.txt")); !os.IsNotExist(err) {
		t.Error("write escaped the workspace")
	}
}

func TestExecute_PathConfinementNoIO(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), ToolSearchFiles, map[string]string{
		"pattern": "x",
		"path":    "../..",
	})
	if res.Success {
		t.Fatal("search outside workspace succeeded")
	}
	if res.Error != "Path must be within the workspace" {
		t.Errorf("error = %q, want confinement message", res.Error)
	}
}

func TestExecute_DotDotWithinWorkspace(t *testing.T) {
	// Paths with .. that still resolve inside the root are fine.
	e := newTestExecutor(t)
	ctx := context.Background()

	e.Execute(ctx, ToolWriteFile, map[string]string{"path": "a/b.txt", "content": "ok"})
	res := e.Execute(ctx, ToolReadFile, map[string]string{"path": "a/../a/b.txt"})
	if !res.Success {
		t.Errorf("in-root .. path failed: %s", res.Error)
	}
}

func TestExecute_ReadMissingFile(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), ToolReadFile, map[string]string{"path": "missing.txt"})
	if res.Success {
		t.Fatal("reading a missing file should fail")
	}
	if res.Error == "" {
		t.Error("expected an error message")
	}
}

func TestExecute_SearchFiles(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	e.Execute(ctx, ToolWriteFile, map[string]string{"path": "src/a.go", "content": "package a\n// TODO fix\n"})
	e.Execute(ctx, ToolWriteFile, map[string]string{"path": "src/b.go", "content": "package b\n"})
	e.Execute(ctx, ToolWriteFile, map[string]string{"path": "doc.md", "content": "TODO write docs\n"})

	res := e.Execute(ctx, ToolSearchFiles, map[string]string{"pattern": "TODO"})
	if !res.Success {
		t.Fatalf("search failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "src/a.go:2") {
		t.Errorf("output missing src/a.go match: %q", res.Output)
	}
	if !strings.Contains(res.Output, "doc.md:1") {
		t.Errorf("output missing doc.md match: %q", res.Output)
	}
	if strings.Contains(res.Output, "b.go") {
		t.Errorf("output has false match: %q", res.Output)
	}

	// Scoped to a subdirectory.
	res = e.Execute(ctx, ToolSearchFiles, map[string]string{"pattern": "TODO", "path": "src"})
	if !res.Success {
		t.Fatalf("scoped search failed: %s", res.Error)
	}
	if strings.Contains(res.Output, "doc.md") {
		t.Errorf("scoped search leaked outside path: %q", res.Output)
	}
}

func TestExecute_RunCommand(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	res := e.Execute(ctx, ToolRunCommand, map[string]string{"command": "echo hello"})
	if !res.Success {
		t.Fatalf("echo failed: %s", res.Error)
	}
	if strings.TrimSpace(res.Output) != "hello" {
		t.Errorf("output = %q, want hello", res.Output)
	}
}

func TestExecute_RunCommandDenied(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), ToolRunCommand, map[string]string{"command": "curl http://example.com"})
	if res.Success {
		t.Fatal("denied command succeeded")
	}
	if !strings.HasPrefix(res.Error, "Command not allowed: ") {
		t.Errorf("error = %q, want Command not allowed prefix", res.Error)
	}
}

func TestExecute_RunCommandWorkdir(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	e.Execute(ctx, ToolWriteFile, map[string]string{"path": "marker.txt", "content": "here"})
	res := e.Execute(ctx, ToolRunCommand, map[string]string{"command": "cat marker.txt"})
	if !res.Success {
		t.Fatalf("cat failed: %s", res.Error)
	}
	if res.Output != "here" {
		t.Errorf("output = %q, want here", res.Output)
	}
}

func TestExecute_RunCommandExitCode(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), ToolRunCommand, map[string]string{"command": "cat does-not-exist.txt"})
	if res.Success {
		t.Fatal("failing command reported success")
	}
	if !strings.Contains(res.Error, "exited with code") {
		t.Errorf("error = %q, want exit code message", res.Error)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	e := newTestExecutor(t)

	res := e.Execute(context.Background(), "delete_everything", nil)
	if res.Success {
		t.Fatal("unknown tool succeeded")
	}
	if res.Error != "Unknown tool: delete_everything" {
		t.Errorf("error = %q, want %q", res.Error, "Unknown tool: delete_everything")
	}
}
