// Package sandbox executes the restricted tool surface an agent may call,
// confined to one task's workspace. Every error is converted into a
// structured Result at the boundary: the tool-call loop driving this
// executor must always receive something it can feed back to the agent.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/taskpilot/taskpilot/internal/policy"
)

// Tool names understood by Execute.
const (
	ToolReadFile    = "read_file"
	ToolWriteFile   = "write_file"
	ToolSearchFiles = "search_files"
	ToolRunCommand  = "run_command"
)

// Result is the structured outcome of one tool call.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrPathOutsideWorkspace is returned (as a Result error) for any path
// argument that resolves outside the workspace root.
var ErrPathOutsideWorkspace = errors.New("Path must be within the workspace")

// Executor performs tool calls for one task, rooted at its workspace.
type Executor struct {
	root   string
	taskID string
}

// New creates an Executor confined to the given workspace root.
func New(workspaceRoot, taskID string) *Executor {
	root := filepath.Clean(workspaceRoot)
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Executor{root: root, taskID: taskID}
}

// Root returns the workspace root this executor is confined to.
func (e *Executor) Root() string {
	return e.root
}

// Execute dispatches one tool call. Unknown tool names fail closed.
func (e *Executor) Execute(ctx context.Context, tool string, args map[string]string) Result {
	switch tool {
	case ToolReadFile:
		return e.readFile(args["path"])
	case ToolWriteFile:
		return e.writeFile(args["path"], args["content"])
	case ToolSearchFiles:
		return e.searchFiles(args["pattern"], args["path"])
	case ToolRunCommand:
		return e.runCommand(ctx, args["command"])
	default:
		return failure(fmt.Sprintf("Unknown tool: %s", tool))
	}
}

// resolve maps a tool-supplied path into the workspace and enforces
// confinement before any I/O happens. Relative paths are resolved against
// the root; anything that escapes it (.. segments or absolute overrides)
// is rejected.
func (e *Executor) resolve(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	p = filepath.Clean(p)

	if p != e.root && !strings.HasPrefix(p, e.root+string(filepath.Separator)) {
		return "", ErrPathOutsideWorkspace
	}
	return p, nil
}

func (e *Executor) readFile(path string) Result {
	full, err := e.resolve(path)
	if err != nil {
		return failure(err.Error())
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return failure(fmt.Sprintf("reading file: %v", err))
	}
	return Result{Success: true, Output: string(data)}
}

func (e *Executor) writeFile(path, content string) Result {
	full, err := e.resolve(path)
	if err != nil {
		return failure(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return failure(fmt.Sprintf("creating parent directories: %v", err))
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return failure(fmt.Sprintf("writing file: %v", err))
	}
	return Result{Success: true}
}

// searchFiles walks the tree under path (default: workspace root) and
// returns "file:line: text" matches for a plain substring pattern.
func (e *Executor) searchFiles(pattern, path string) Result {
	if pattern == "" {
		return failure("search pattern is required")
	}

	start := e.root
	if path != "" {
		full, err := e.resolve(path)
		if err != nil {
			return failure(err.Error())
		}
		start = full
	}

	var matches []string
	err := filepath.WalkDir(start, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(e.root, p)
		matches = append(matches, searchFile(p, rel, pattern)...)
		return nil
	})
	if err != nil {
		return failure(fmt.Sprintf("searching: %v", err))
	}

	return Result{Success: true, Output: strings.Join(matches, "\n")}
}

func searchFile(full, rel, pattern string) []string {
	f, err := os.Open(full)
	if err != nil {
		return nil
	}
	defer f.Close()

	var found []string
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.Contains(line, pattern) {
			found = append(found, fmt.Sprintf("%s:%d: %s", rel, lineNum, line))
		}
	}
	return found
}

// runCommand gates the command through the policy, then runs it with the
// workspace root as working directory. Success follows the exit code.
func (e *Executor) runCommand(ctx context.Context, command string) Result {
	decision := policy.Evaluate(command)
	if !decision.Allowed {
		return failure(fmt.Sprintf("Command not allowed: %s", decision.Reason))
	}

	fields := strings.Fields(decision.Command)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = e.root

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{
				Success: false,
				Output:  string(out),
				Error:   fmt.Sprintf("command exited with code %d", exitErr.ExitCode()),
			}
		}
		return failure(fmt.Sprintf("starting command: %v", err))
	}

	return Result{Success: true, Output: string(out)}
}

func failure(msg string) Result {
	log.Printf("[sandbox] tool call failed: %s", msg)
	return Result{Success: false, Error: msg}
}
