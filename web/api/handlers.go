package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/runner"
	"github.com/taskpilot/taskpilot/internal/taskstore"
)

// TaskResponse is the API representation of a task.
type TaskResponse struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	RepoURL      string   `json:"repo_url,omitempty"`
	TargetBranch string   `json:"target_branch"`
	ContextFiles []string `json:"context_files,omitempty"`
	BuildCommand string   `json:"build_command,omitempty"`
	Status       string   `json:"status"`
	PRURL        string   `json:"pr_url,omitempty"`
	Error        string   `json:"error,omitempty"`
	Running      bool     `json:"running"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// StatusResponse is the API response for overall status.
type StatusResponse struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ActiveRuns int            `json:"active_runs"`
}

// FeedbackResponse is one stored feedback message.
type FeedbackResponse struct {
	ID        int    `json:"id"`
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

type createTaskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	RepoURL      string   `json:"repo_url"`
	TargetBranch string   `json:"target_branch"`
	ContextFiles []string `json:"context_files"`
	BuildCommand string   `json:"build_command"`
	Status       string   `json:"status"`
}

type updateTaskRequest struct {
	Title        *string   `json:"title"`
	Description  *string   `json:"description"`
	RepoURL      *string   `json:"repo_url"`
	TargetBranch *string   `json:"target_branch"`
	ContextFiles *[]string `json:"context_files"`
	BuildCommand *string   `json:"build_command"`
	Status       *string   `json:"status"`
}

type feedbackRequest struct {
	Message string `json:"message"`
}

func (s *Server) taskToResponse(t *domain.Task) TaskResponse {
	running := false
	if s.registry != nil {
		if r := s.registry.Get(t.ID); r != nil && r.IsRunning() {
			running = true
		}
	}
	return TaskResponse{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		RepoURL:      t.RepoURL,
		TargetBranch: t.TargetBranch,
		ContextFiles: t.ContextFiles,
		BuildCommand: t.BuildCommand,
		Status:       string(t.Status),
		PRURL:        t.PRURL,
		Error:        t.Error,
		Running:      running,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    t.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		tasks, err := s.store.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Total:    len(tasks),
			ByStatus: make(map[string]int),
		}
		for _, t := range tasks {
			status.ByStatus[string(t.Status)]++
		}
		if s.registry != nil {
			status.ActiveRuns = s.registry.Count()
		}

		writeJSON(w, status)
	}
}

// tasksHandler serves the collection: list and create.
func (s *Server) tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listTasks(w, r)
		case http.MethodPost:
			s.createTask(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*domain.Task
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		st := domain.TaskStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
		tasks, err = s.listByStatus(st)
	} else {
		tasks, err = s.store.List()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		responses[i] = s.taskToResponse(t)
	}
	writeJSON(w, responses)
}

// listByStatus filters through List so the TaskStore interface stays
// small enough to mock.
func (s *Server) listByStatus(status domain.TaskStatus) ([]*domain.Task, error) {
	tasks, err := s.store.List()
	if err != nil {
		return nil, err
	}
	filtered := tasks[:0]
	for _, t := range tasks {
		if t.Status == status {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	status := domain.TaskStatus(req.Status)
	if req.Status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	task, err := s.store.Create(taskstore.CreateInput{
		Title:        req.Title,
		Description:  req.Description,
		RepoURL:      req.RepoURL,
		TargetBranch: req.TargetBranch,
		ContextFiles: req.ContextFiles,
		BuildCommand: req.BuildCommand,
		Status:       status,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.broadcaster.Change("task", "created", task.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(s.taskToResponse(task))
}

// taskHandler serves a single task and its sub-resources:
// /api/tasks/{id}[/execute|/resume|/cancel|/feedback]
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}

		id := path
		action := ""
		if idx := strings.Index(path, "/"); idx >= 0 {
			id, action = path[:idx], path[idx+1:]
		}
		if id == "" {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}

		switch action {
		case "":
			switch r.Method {
			case http.MethodGet:
				s.getTask(w, r, id)
			case http.MethodPut, http.MethodPatch:
				s.updateTask(w, r, id)
			case http.MethodDelete:
				s.deleteTask(w, r, id)
			default:
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		case "execute", "resume", "retry":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.executeTask(w, r, id, action == "retry")
		case "cancel":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.cancelTask(w, r, id)
		case "feedback":
			switch r.Method {
			case http.MethodGet:
				s.listTaskFeedback(w, r, id)
			case http.MethodPost:
				s.addTaskFeedback(w, r, id)
			default:
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		default:
			writeError(w, http.StatusNotFound, "unknown action")
		}
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, s.taskToResponse(task))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	update := taskstore.TaskUpdate{
		Title:        req.Title,
		Description:  req.Description,
		RepoURL:      req.RepoURL,
		TargetBranch: req.TargetBranch,
		ContextFiles: req.ContextFiles,
		BuildCommand: req.BuildCommand,
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}
	if req.Status != nil {
		status := domain.TaskStatus(*req.Status)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", *req.Status))
			return
		}
		update.Status = &status
	}

	if s.hasLiveRun(id) && req.Status != nil {
		writeError(w, http.StatusConflict, "task has an active run; cancel it before changing status")
		return
	}

	task, err := s.store.Update(id, update)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	s.broadcaster.Change("task", "updated", task.ID)
	writeJSON(w, s.taskToResponse(task))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, id string) {
	if s.hasLiveRun(id) {
		writeError(w, http.StatusConflict, "task has an active run; cancel it first")
		return
	}

	deleted, err := s.store.Delete(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	s.broadcaster.Change("task", "deleted", id)
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request, id string, retry bool) {
	if s.startRun == nil {
		writeError(w, http.StatusServiceUnavailable, "task execution is not available")
		return
	}

	task, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if s.hasLiveRun(id) {
		writeError(w, http.StatusConflict, "task already has an active run")
		return
	}
	if retry {
		if !task.Status.CanRetry() {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("task in status %q cannot be retried", task.Status))
			return
		}
	} else if !task.Status.CanStartRun() {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("task in status %q cannot start a run", task.Status))
		return
	}

	if err := s.startRun(task); err != nil {
		// The live-run check above races with concurrent executes; the
		// registry is the authority, so its duplicate error is still a
		// conflict, not a server fault.
		if errors.Is(err, runner.ErrDuplicateRun) {
			writeError(w, http.StatusConflict, "task already has an active run")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, id string) {
	run := s.liveRun(id)
	if run == nil {
		writeError(w, http.StatusNotFound, "no active run for task")
		return
	}
	run.Cancel()
	writeJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) addTaskFeedback(w http.ResponseWriter, r *http.Request, id string) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	task, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if err := s.store.AddFeedback(id, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A live run gets the feedback injected; otherwise it waits for
	// the next resume.
	delivered := false
	if run := s.liveRun(id); run != nil {
		if err := run.AddFeedback(req.Message); err == nil {
			delivered = true
		}
	}

	s.broadcaster.Change("task", "updated", id)
	writeJSON(w, map[string]interface{}{"status": "stored", "delivered": delivered})
}

func (s *Server) listTaskFeedback(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	feedback, err := s.store.ListFeedback(id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]FeedbackResponse, len(feedback))
	for i, f := range feedback {
		responses[i] = FeedbackResponse{
			ID:        f.ID,
			TaskID:    f.TaskID,
			Message:   f.Message,
			CreatedAt: f.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, responses)
}

func (s *Server) liveRun(id string) *runner.Runner {
	if s.registry == nil {
		return nil
	}
	if run := s.registry.Get(id); run != nil && run.IsRunning() {
		return run
	}
	return nil
}

func (s *Server) hasLiveRun(id string) bool {
	return s.liveRun(id) != nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
