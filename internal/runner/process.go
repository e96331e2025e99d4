package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Frame types exchanged with the agent process. The agent emits
// tool_call, message, result and error frames on stdout; the runner
// answers with tool_result and feedback frames on stdin.
const (
	FrameToolCall   = "tool_call"
	FrameMessage    = "message"
	FrameResult     = "result"
	FrameError      = "error"
	FrameToolResult = "tool_result"
	FrameFeedback   = "feedback"
)

// Frame is one line-delimited JSON message on the agent's stdio.
type Frame struct {
	Type    string            `json:"type"`
	Tool    string            `json:"tool,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
	Text    string            `json:"text,omitempty"`
	Message string            `json:"message,omitempty"`
	Summary string            `json:"summary,omitempty"`
	Success bool              `json:"success,omitempty"`
	Output  string            `json:"output,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// AgentProcess abstracts the external agent so the run loop does not
// depend on a real CLI. Frames() is closed when the process's output
// ends; Wait must only be called after that.
type AgentProcess interface {
	Start(ctx context.Context, instruction string) error
	Frames() <-chan Frame
	Send(Frame) error
	Wait() error
}

// CLIProcess runs an external agent binary speaking line-delimited JSON
// frames on stdout/stdin. The process is bound to the context passed to
// Start: cancelling it kills the agent.
type CLIProcess struct {
	binary string
	args   []string
	dir    string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan Frame

	mu sync.Mutex
}

// NewCLIProcess creates a process description for the given agent binary.
// args are the binary's fixed flags; the instruction is appended as the
// final prompt argument on Start. dir becomes the working directory.
func NewCLIProcess(binary string, args []string, dir string) *CLIProcess {
	return &CLIProcess{
		binary: binary,
		args:   args,
		dir:    dir,
		frames: make(chan Frame, 16),
	}
}

// Start launches the agent with the instruction as its prompt.
func (p *CLIProcess) Start(ctx context.Context, instruction string) error {
	args := append(append([]string{}, p.args...), "-p", instruction)
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = p.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.binary, err)
	}

	p.cmd = cmd
	p.stdin = stdin

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readFrames(stdout)
	}()
	go func() {
		defer wg.Done()
		p.readStderr(stderr)
	}()
	go func() {
		wg.Wait()
		close(p.frames)
	}()

	return nil
}

// readFrames parses stdout lines into frames. Lines that are not valid
// frame JSON are surfaced as plain messages so nothing the agent prints
// is silently lost.
func (p *CLIProcess) readFrames(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// Large buffer for long JSON lines (file contents in tool args).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(line), &f); err != nil || f.Type == "" {
			p.frames <- Frame{Type: FrameMessage, Text: line}
			continue
		}
		p.frames <- f
	}
}

func (p *CLIProcess) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.frames <- Frame{Type: FrameMessage, Text: line}
		}
	}
}

// Frames returns the stream of frames from the agent.
func (p *CLIProcess) Frames() <-chan Frame {
	return p.frames
}

// Send writes one frame to the agent's stdin.
func (p *CLIProcess) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("process not started")
	}
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// Wait blocks until the process exits and returns its error, if any.
func (p *CLIProcess) Wait() error {
	if p.cmd == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Wait()
}
