package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/sandbox"
	"github.com/taskpilot/taskpilot/internal/taskstore"
)

// ToolExecutor executes one tool call on behalf of the agent.
// *sandbox.Executor is the production implementation.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, args map[string]string) sandbox.Result
}

// PublishFunc creates a pull request for the task's changes and returns
// its URL. A nil PublishFunc skips publishing.
type PublishFunc func(ctx context.Context, task *domain.Task) (string, error)

// Config carries the collaborators for one task run.
type Config struct {
	Task     *domain.Task
	Store    *taskstore.Store
	Sink     events.Sink
	Executor ToolExecutor
	Process  AgentProcess
	Publish  PublishFunc
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Success    bool
	Summary    string
	Error      string
	Iterations int
}

// Runner drives one agent process through a task: it streams frames,
// executes tool calls, injects queued user feedback, and records the
// final status in the store.
type Runner struct {
	cfg Config

	mu           sync.Mutex
	running      bool
	cancelled    bool
	cancel       context.CancelFunc
	feedback     []string
	iterations   int
	lastActivity time.Time
}

// New creates a runner for one task run. A runner is single-use.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg, lastActivity: time.Now()}
}

// Run executes the task to completion. It blocks until the agent
// process exits and the final status is persisted.
func (r *Runner) Run(ctx context.Context) RunResult {
	task := r.cfg.Task

	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		cancel()
		return RunResult{Error: "run already in progress"}
	}
	r.running = true
	r.cancel = cancel
	r.lastActivity = time.Now()
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	fromStatus := task.Status
	resume := fromStatus == domain.StatusChangesRequested

	instruction, err := buildInstruction(task, r.cfg.Store, resume)
	if err != nil {
		return r.fail(err.Error())
	}

	if err := r.setCoding(); err != nil {
		return r.fail(fmt.Sprintf("updating status: %v", err))
	}

	log.Printf("[runner] task %s: starting agent", task.ID)
	if err := r.cfg.Process.Start(ctx, instruction); err != nil {
		return r.fail(fmt.Sprintf("starting agent: %v", err))
	}

	var summary, agentErr string
	for frame := range r.cfg.Process.Frames() {
		r.touch()
		if r.isCancelled() {
			continue // drain remaining frames without acting on them
		}

		switch frame.Type {
		case FrameMessage:
			r.cfg.Sink.Log(task.ID, "info", frame.Text)
		case FrameToolCall:
			r.deliverFeedback()
			r.mu.Lock()
			r.iterations++
			r.mu.Unlock()
			r.cfg.Sink.Log(task.ID, "info", fmt.Sprintf("tool call: %s", frame.Tool))
			res := r.cfg.Executor.Execute(ctx, frame.Tool, frame.Args)
			if !res.Success {
				r.cfg.Sink.Log(task.ID, "warn", fmt.Sprintf("tool %s failed: %s", frame.Tool, res.Error))
			}
			if err := r.cfg.Process.Send(Frame{
				Type:    FrameToolResult,
				Tool:    frame.Tool,
				Success: res.Success,
				Output:  res.Output,
				Error:   res.Error,
			}); err != nil {
				log.Printf("[runner] task %s: sending tool result: %v", task.ID, err)
			}
		case FrameResult:
			summary = frame.Summary
		case FrameError:
			agentErr = frame.Error
			if agentErr == "" {
				agentErr = frame.Message
			}
		}
	}

	waitErr := r.cfg.Process.Wait()

	if r.isCancelled() {
		return r.fail(domain.CancelledByUserError)
	}
	if waitErr != nil {
		msg := fmt.Sprintf("agent exited: %v", waitErr)
		if agentErr != "" {
			msg = fmt.Sprintf("%s: %s", msg, agentErr)
		}
		return r.fail(msg)
	}
	if agentErr != "" {
		return r.fail(agentErr)
	}

	var prURL string
	if r.cfg.Publish != nil {
		prURL, err = r.cfg.Publish(ctx, task)
		if err != nil {
			return r.fail(fmt.Sprintf("creating PR: %v", err))
		}
	}

	done := domain.CompletionStatus(fromStatus)
	update := taskstore.TaskUpdate{Status: &done}
	if prURL != "" {
		update.PRURL = &prURL
	}
	if _, err := r.cfg.Store.Update(task.ID, update); err != nil {
		return r.fail(fmt.Sprintf("persisting completion: %v", err))
	}
	r.cfg.Sink.Status(task.ID, done)
	log.Printf("[runner] task %s: completed with status %s", task.ID, done)

	return RunResult{Success: true, Summary: summary, Iterations: r.Iterations()}
}

// setCoding moves the task into coding and clears any stale error from
// an earlier failed attempt.
func (r *Runner) setCoding() error {
	coding := domain.StatusCoding
	empty := ""
	updated, err := r.cfg.Store.Update(r.cfg.Task.ID, taskstore.TaskUpdate{
		Status: &coding,
		Error:  &empty,
	})
	if err != nil {
		return err
	}
	r.cfg.Task.Status = updated.Status
	r.cfg.Sink.Status(r.cfg.Task.ID, coding)
	return nil
}

// fail records a failed run: status and error are persisted, then both
// an error event and the failed status event are broadcast.
func (r *Runner) fail(msg string) RunResult {
	task := r.cfg.Task
	failed := domain.StatusFailed
	if _, err := r.cfg.Store.Update(task.ID, taskstore.TaskUpdate{
		Status: &failed,
		Error:  &msg,
	}); err != nil {
		log.Printf("[runner] task %s: persisting failure: %v", task.ID, err)
	}
	r.cfg.Sink.Error(task.ID, msg)
	r.cfg.Sink.Status(task.ID, failed)
	log.Printf("[runner] task %s: failed: %s", task.ID, msg)
	return RunResult{Error: msg, Iterations: r.Iterations()}
}

// AddFeedback queues a message for delivery before the agent's next
// tool call. It fails once the run has finished.
func (r *Runner) AddFeedback(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return errors.New("run already finished")
	}
	r.feedback = append(r.feedback, message)
	return nil
}

// deliverFeedback flushes queued feedback to the agent.
func (r *Runner) deliverFeedback() {
	r.mu.Lock()
	pending := r.feedback
	r.feedback = nil
	r.mu.Unlock()

	for _, msg := range pending {
		if err := r.cfg.Process.Send(Frame{Type: FrameFeedback, Message: msg}); err != nil {
			log.Printf("[runner] task %s: sending feedback: %v", r.cfg.Task.ID, err)
			continue
		}
		r.cfg.Sink.Log(r.cfg.Task.ID, "info", "user feedback delivered to agent")
	}
}

// Cancel aborts the run. The agent process is killed via its context
// and the task ends up failed with a cancellation error.
func (r *Runner) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// IsRunning reports whether the run loop is currently active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Iterations returns the number of tool calls executed so far.
func (r *Runner) Iterations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iterations
}

// LastActivity returns the time of the most recent agent frame.
func (r *Runner) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Runner) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}
