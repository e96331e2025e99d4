package runner

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/taskstore"
)

// ErrDuplicateRun is returned by Add when the task already has an
// active run. Callers racing to start a run use it to tell a conflict
// from an internal failure.
var ErrDuplicateRun = errors.New("task already has an active run")

// Registry tracks the live runner per task. At most one run may be
// active for a task at a time.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Runner)}
}

// Add registers a runner for the task. It fails if the task already has
// an active run.
func (g *Registry) Add(taskID string, r *Runner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.runs[taskID]; exists {
		return fmt.Errorf("task %s: %w", taskID, ErrDuplicateRun)
	}
	g.runs[taskID] = r
	return nil
}

// Get returns the runner for the task, or nil if none is registered.
func (g *Registry) Get(taskID string) *Runner {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runs[taskID]
}

// Remove deregisters the task's runner. Removing an absent task is a
// no-op.
func (g *Registry) Remove(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, taskID)
}

// Count returns the number of registered runners.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}

// TaskIDs returns the task IDs with a registered runner.
func (g *Registry) TaskIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.runs))
	for id := range g.runs {
		ids = append(ids, id)
	}
	return ids
}

// SweepOrphans marks tasks that claim to be running but have no live
// runner as failed. This repairs state after a crash or restart.
func (g *Registry) SweepOrphans(store *taskstore.Store, sink events.Sink) (int, error) {
	active := []domain.TaskStatus{
		domain.StatusCoding,
		domain.StatusInProgress,
		domain.StatusPlanning,
	}

	swept := 0
	for _, status := range active {
		tasks, err := store.ListByStatus(status)
		if err != nil {
			return swept, fmt.Errorf("listing %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			if g.Get(task.ID) != nil {
				continue
			}
			failed := domain.StatusFailed
			msg := "run lost: no active runner for this task"
			if _, err := store.Update(task.ID, taskstore.TaskUpdate{
				Status: &failed,
				Error:  &msg,
			}); err != nil {
				log.Printf("[registry] sweeping task %s: %v", task.ID, err)
				continue
			}
			sink.Error(task.ID, msg)
			sink.Status(task.ID, failed)
			log.Printf("[registry] task %s: marked failed by orphan sweep", task.ID)
			swept++
		}
	}
	return swept, nil
}

// CancelIdle cancels runs with no agent activity for longer than the
// threshold. Returns the number of runs cancelled.
func (g *Registry) CancelIdle(threshold time.Duration, sink events.Sink) int {
	g.mu.RLock()
	snapshot := make(map[string]*Runner, len(g.runs))
	for id, r := range g.runs {
		snapshot[id] = r
	}
	g.mu.RUnlock()

	now := time.Now()
	cancelled := 0
	for id, r := range snapshot {
		if !r.IsRunning() || now.Sub(r.LastActivity()) <= threshold {
			continue
		}
		sink.Log(id, "warn", fmt.Sprintf("no agent activity for %s, cancelling run", threshold))
		log.Printf("[registry] task %s: idle beyond %s, cancelling", id, threshold)
		r.Cancel()
		cancelled++
	}
	return cancelled
}
