package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/runner"
	"github.com/taskpilot/taskpilot/internal/taskstore"
)

// TaskStore is the persistence surface the server needs.
type TaskStore interface {
	Create(in taskstore.CreateInput) (*domain.Task, error)
	Get(id string) (*domain.Task, error)
	List() ([]*domain.Task, error)
	Update(id string, u taskstore.TaskUpdate) (*domain.Task, error)
	Delete(id string) (bool, error)
	AddFeedback(taskID, message string) error
	ListFeedback(taskID string, limit, offset int) ([]taskstore.Feedback, error)
}

// StartRunFunc launches a run for the task. The server calls it after
// validating that the task may start; the implementation registers the
// runner and drives the agent in the background.
type StartRunFunc func(task *domain.Task) error

// Server is the HTTP API server.
type Server struct {
	store       TaskStore
	broadcaster *events.Broadcaster
	registry    *runner.Registry
	startRun    StartRunFunc
	heartbeat   time.Duration
	addr        string
	mux         *http.ServeMux
}

// NewServer creates an API server. startRun may be nil in read-only
// deployments; execution endpoints then report the server as unable to
// run tasks.
func NewServer(store TaskStore, registry *runner.Registry, broadcaster *events.Broadcaster, startRun StartRunFunc, addr string, heartbeat time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	s := &Server{
		store:       store,
		broadcaster: broadcaster,
		registry:    registry,
		startRun:    startRun,
		heartbeat:   heartbeat,
		addr:        addr,
		mux:         http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tasks", s.tasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server and blocks.
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
