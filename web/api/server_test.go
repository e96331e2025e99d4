package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/runner"
	"github.com/taskpilot/taskpilot/internal/sandbox"
	"github.com/taskpilot/taskpilot/internal/taskstore"
)

type mockStore struct {
	tasks    map[string]*domain.Task
	feedback []taskstore.Feedback
}

func newMockStore(tasks ...*domain.Task) *mockStore {
	m := &mockStore{tasks: make(map[string]*domain.Task)}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *mockStore) Create(in taskstore.CreateInput) (*domain.Task, error) {
	status := in.Status
	if status == "" {
		status = domain.StatusDraft
	}
	task := &domain.Task{
		ID:           uuid.NewString(),
		Title:        in.Title,
		Description:  in.Description,
		RepoURL:      in.RepoURL,
		TargetBranch: in.TargetBranch,
		ContextFiles: in.ContextFiles,
		BuildCommand: in.BuildCommand,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	m.tasks[task.ID] = task
	return task, nil
}

func (m *mockStore) Get(id string) (*domain.Task, error) {
	return m.tasks[id], nil
}

func (m *mockStore) List() ([]*domain.Task, error) {
	out := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockStore) Update(id string, u taskstore.TaskUpdate) (*domain.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	t.UpdatedAt = time.Now().UTC()
	return t, nil
}

func (m *mockStore) Delete(id string) (bool, error) {
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *mockStore) AddFeedback(taskID, message string) error {
	m.feedback = append(m.feedback, taskstore.Feedback{
		ID:        len(m.feedback) + 1,
		TaskID:    taskID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *mockStore) ListFeedback(taskID string, limit, offset int) ([]taskstore.Feedback, error) {
	var out []taskstore.Feedback
	for i := len(m.feedback) - 1; i >= 0; i-- {
		if m.feedback[i].TaskID == taskID {
			out = append(out, m.feedback[i])
		}
	}
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(store TaskStore, registry *runner.Registry, startRun StartRunFunc) *Server {
	return NewServer(store, registry, events.New(), startRun, ":0", 30*time.Second)
}

func TestListTasksHandler(t *testing.T) {
	store := newMockStore(
		&domain.Task{ID: "a", Title: "Setup", Status: domain.StatusDone},
		&domain.Task{ID: "b", Title: "Core", Status: domain.StatusDraft},
	)
	server := newTestServer(store, nil, nil)

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}
	var tasks []TaskResponse
	json.NewDecoder(w.Body).Decode(&tasks)
	if len(tasks) != 2 {
		t.Errorf("Task count = %d, want 2", len(tasks))
	}
}

func TestListTasksFilterByStatus(t *testing.T) {
	store := newMockStore(
		&domain.Task{ID: "a", Status: domain.StatusDone},
		&domain.Task{ID: "b", Status: domain.StatusDraft},
	)
	server := newTestServer(store, nil, nil)

	req := httptest.NewRequest("GET", "/api/tasks?status=done", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var tasks []TaskResponse
	json.NewDecoder(w.Body).Decode(&tasks)
	if len(tasks) != 1 || tasks[0].ID != "a" {
		t.Errorf("filtered tasks = %+v, want only task a", tasks)
	}

	req = httptest.NewRequest("GET", "/api/tasks?status=bogus", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for unknown status filter", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	store := newMockStore(
		&domain.Task{ID: "a", Status: domain.StatusDone},
		&domain.Task{ID: "b", Status: domain.StatusCoding},
		&domain.Task{ID: "c", Status: domain.StatusDraft},
	)
	server := newTestServer(store, runner.NewRegistry(), nil)

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if status.Total != 3 {
		t.Errorf("Total = %d, want 3", status.Total)
	}
	if status.ByStatus["done"] != 1 || status.ByStatus["coding"] != 1 {
		t.Errorf("ByStatus = %v", status.ByStatus)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	server := newTestServer(newMockStore(), nil, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing title", `{"description":"x"}`, http.StatusBadRequest},
		{"unknown status", `{"title":"t","status":"bogus"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
		{"valid", `{"title":"Fix the parser"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/tasks", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	server := newTestServer(newMockStore(), nil, nil)
	req := httptest.NewRequest("GET", "/api/tasks/nope", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestExecuteRequiresRunnableStatus(t *testing.T) {
	started := 0
	store := newMockStore(
		&domain.Task{ID: "draft-task", Status: domain.StatusDraft},
		&domain.Task{ID: "approved-task", Status: domain.StatusApproved},
	)
	server := newTestServer(store, runner.NewRegistry(), func(task *domain.Task) error {
		started++
		return nil
	})

	req := httptest.NewRequest("POST", "/api/tasks/draft-task/execute", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("draft execute Status = %d, want 409", w.Code)
	}
	if started != 0 {
		t.Errorf("startRun called %d times for a draft task", started)
	}

	req = httptest.NewRequest("POST", "/api/tasks/approved-task/execute", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("approved execute Status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if started != 1 {
		t.Errorf("startRun called %d times, want 1", started)
	}
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	started := 0
	store := newMockStore(
		&domain.Task{ID: "failed-task", Status: domain.StatusFailed},
		&domain.Task{ID: "approved-task", Status: domain.StatusApproved},
	)
	server := newTestServer(store, runner.NewRegistry(), func(task *domain.Task) error {
		started++
		return nil
	})

	req := httptest.NewRequest("POST", "/api/tasks/failed-task/retry", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("retry of failed task Status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if started != 1 {
		t.Errorf("startRun called %d times, want 1", started)
	}

	// Retry is only the way out of failed; other statuses go through
	// execute.
	req = httptest.NewRequest("POST", "/api/tasks/approved-task/retry", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("retry of approved task Status = %d, want 409", w.Code)
	}

	// And execute still refuses failed tasks.
	req = httptest.NewRequest("POST", "/api/tasks/failed-task/execute", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("execute of failed task Status = %d, want 409", w.Code)
	}
}

func TestExecuteRaceMapsDuplicateRunToConflict(t *testing.T) {
	store := newMockStore(&domain.Task{ID: "t1", Status: domain.StatusApproved})
	server := newTestServer(store, runner.NewRegistry(), func(task *domain.Task) error {
		// A concurrent execute won the registry race after our
		// live-run check passed.
		return fmt.Errorf("task %s: %w", task.ID, runner.ErrDuplicateRun)
	})

	req := httptest.NewRequest("POST", "/api/tasks/t1/execute", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("Status = %d, want 409 for a lost duplicate-run race", w.Code)
	}
}

// blockingAgent keeps a run alive until its context is cancelled.
type blockingAgent struct {
	frames chan runner.Frame
}

func (a *blockingAgent) Start(ctx context.Context, _ string) error {
	go func() {
		<-ctx.Done()
		close(a.frames)
	}()
	return nil
}

func (a *blockingAgent) Frames() <-chan runner.Frame { return a.frames }
func (a *blockingAgent) Send(runner.Frame) error     { return nil }
func (a *blockingAgent) Wait() error                 { return fmt.Errorf("signal: killed") }

type nopSink struct{}

func (nopSink) Log(string, string, string)       {}
func (nopSink) Status(string, domain.TaskStatus) {}
func (nopSink) Error(string, string)             {}
func (nopSink) Change(string, string, string)    {}

func startLiveRun(t *testing.T, store *taskstore.Store, registry *runner.Registry, task *domain.Task) (*runner.Runner, chan runner.RunResult) {
	t.Helper()
	run := runner.New(runner.Config{
		Task:     task,
		Store:    store,
		Sink:     nopSink{},
		Executor: sandbox.New(t.TempDir(), task.ID),
		Process:  &blockingAgent{frames: make(chan runner.Frame)},
	})
	if err := registry.Add(task.ID, run); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	done := make(chan runner.RunResult, 1)
	go func() { done <- run.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !run.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(time.Millisecond)
	}
	return run, done
}

func TestLiveRunConflicts(t *testing.T) {
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	task, err := store.Create(taskstore.CreateInput{Title: "Live", Status: domain.StatusApproved})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	registry := runner.NewRegistry()
	server := newTestServer(store, registry, func(*domain.Task) error { return nil })

	run, done := startLiveRun(t, store, registry, task)
	defer func() {
		run.Cancel()
		<-done
	}()

	// Deleting a task with a live run is refused.
	req := httptest.NewRequest("DELETE", "/api/tasks/"+task.ID, nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("DELETE Status = %d, want 409", w.Code)
	}

	// So is starting a second run.
	req = httptest.NewRequest("POST", "/api/tasks/"+task.ID+"/execute", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("execute Status = %d, want 409", w.Code)
	}

	// Feedback lands in the store and in the live run.
	req = httptest.NewRequest("POST", "/api/tasks/"+task.ID+"/feedback",
		strings.NewReader(`{"message":"smaller commits please"}`))
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("feedback Status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["delivered"] != true {
		t.Errorf("delivered = %v, want true", resp["delivered"])
	}

	// Cancel through the API ends the run.
	req = httptest.NewRequest("POST", "/api/tasks/"+task.ID+"/cancel", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("cancel Status = %d, want 200", w.Code)
	}
	res := <-done
	if res.Error != domain.CancelledByUserError {
		t.Errorf("run Error = %q, want %q", res.Error, domain.CancelledByUserError)
	}
}

func TestCancelWithoutRun(t *testing.T) {
	store := newMockStore(&domain.Task{ID: "idle", Status: domain.StatusApproved})
	server := newTestServer(store, runner.NewRegistry(), nil)

	req := httptest.NewRequest("POST", "/api/tasks/idle/cancel", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestFeedbackListPagination(t *testing.T) {
	store := newMockStore(&domain.Task{ID: "t1", Status: domain.StatusReview})
	server := newTestServer(store, nil, nil)

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"message":"note %d"}`, i)
		req := httptest.NewRequest("POST", "/api/tasks/t1/feedback", strings.NewReader(body))
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("feedback Status = %d", w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/tasks/t1/feedback?limit=2&offset=1", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var feedback []FeedbackResponse
	json.NewDecoder(w.Body).Decode(&feedback)
	if len(feedback) != 2 {
		t.Fatalf("got %d feedback entries, want 2", len(feedback))
	}
	// Newest-first with offset 1 skips "note 4".
	if feedback[0].Message != "note 3" {
		t.Errorf("first message = %q, want note 3", feedback[0].Message)
	}
}

func TestSSEStream(t *testing.T) {
	broadcaster := events.New()
	server := NewServer(newMockStore(), nil, broadcaster, nil, ":0", 50*time.Millisecond)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading first line: %v", err)
	}
	if !strings.HasPrefix(line, ": connected") {
		t.Errorf("first line = %q, want connection comment", line)
	}

	// Wait for the subscription before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
	broadcaster.Log("t1", "info", "hello")

	var sawEvent bool
	for i := 0; i < 20 && !sawEvent; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "event: log") {
			sawEvent = true
			data, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("reading data line: %v", err)
			}
			if !strings.Contains(data, `"hello"`) {
				t.Errorf("data line = %q, want the log message", data)
			}
		}
	}
	if !sawEvent {
		t.Error("never saw the log event on the stream")
	}
}
