// Package taskstore provides SQLite-backed task persistence. The store is
// the single source of truth for task state: runners and API handlers
// never mutate status through any other path.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskpilot/taskpilot/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed task persistence
type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so the row helpers
// work inside and outside transactions.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateInput holds the caller-settable fields of a new task.
type CreateInput struct {
	Title        string
	Description  string
	RepoURL      string
	TargetBranch string
	ContextFiles []string
	BuildCommand string
	Status       domain.TaskStatus
}

// Create inserts a new task. The identifier and timestamps are assigned
// here and are immutable afterwards. Status defaults to draft.
func (s *Store) Create(in CreateInput) (*domain.Task, error) {
	status := in.Status
	if status == "" {
		status = domain.StatusDraft
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %q", status)
	}

	branch := in.TargetBranch
	if branch == "" {
		branch = domain.DefaultTargetBranch
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:           uuid.NewString(),
		Title:        in.Title,
		Description:  in.Description,
		RepoURL:      in.RepoURL,
		TargetBranch: branch,
		ContextFiles: in.ContextFiles,
		BuildCommand: in.BuildCommand,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	filesJSON, err := json.Marshal(task.ContextFiles)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, title, description, repo_url, target_branch, context_files, build_command, status, pr_url, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Title,
		task.Description,
		task.RepoURL,
		task.TargetBranch,
		string(filesJSON),
		task.BuildCommand,
		string(task.Status),
		task.PRURL,
		task.Error,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return task, nil
}

const taskColumns = `id, title, description, repo_url, target_branch, context_files, build_command, status, pr_url, error, created_at, updated_at`

// Get retrieves a task by id, or nil if it does not exist.
func (s *Store) Get(id string) (*domain.Task, error) {
	return getTask(s.db, id)
}

// List returns all tasks, newest first.
func (s *Store) List() ([]*domain.Task, error) {
	return listTasks(s.db, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id`)
}

// ListByStatus returns all tasks in the given status, newest first.
func (s *Store) ListByStatus(status domain.TaskStatus) ([]*domain.Task, error) {
	return listTasks(s.db, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC, id`, string(status))
}

// TaskUpdate carries the whitelisted mutable fields of a task. Nil
// pointers are left untouched; the identifier and timestamps can never
// be set through an update.
type TaskUpdate struct {
	Title        *string
	Description  *string
	RepoURL      *string
	TargetBranch *string
	ContextFiles *[]string
	BuildCommand *string
	Status       *domain.TaskStatus
	PRURL        *string
	Error        *string
}

// Update re-reads the task, merges the whitelisted fields and persists
// atomically. It returns nil for an unknown id. updated_at is always
// bumped, even when no field actually changed.
func (s *Store) Update(id string, u TaskUpdate) (*domain.Task, error) {
	return updateTask(s.db, id, u)
}

// Delete removes a task row outright (no soft-delete). It reports
// whether a row existed.
func (s *Store) Delete(id string) (bool, error) {
	return deleteTask(s.db, id)
}

// Tx exposes the store's operations inside one transaction.
type Tx struct {
	tx *sql.Tx
}

// Get retrieves a task inside the transaction.
func (t *Tx) Get(id string) (*domain.Task, error) {
	return getTask(t.tx, id)
}

// Update merges whitelisted fields inside the transaction.
func (t *Tx) Update(id string, u TaskUpdate) (*domain.Task, error) {
	return updateTask(t.tx, id, u)
}

// Delete removes a task inside the transaction.
func (t *Tx) Delete(id string) (bool, error) {
	return deleteTask(t.tx, id)
}

// WithTx runs fn inside a begin/commit envelope. When fn returns an
// error the transaction rolls back and the error propagates; readers
// observe either all of fn's mutations or none.
func (s *Store) WithTx(fn func(*Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Feedback is one reviewer/operator message attached to a task.
type Feedback struct {
	ID        int
	TaskID    string
	Message   string
	CreatedAt time.Time
}

// AddFeedback appends a feedback message to a task's history.
func (s *Store) AddFeedback(taskID, message string) error {
	_, err := s.db.Exec(`INSERT INTO task_feedback (task_id, message, created_at) VALUES (?, ?, ?)`,
		taskID, message, time.Now().UTC())
	return err
}

// ListFeedback returns a task's feedback, newest first.
func (s *Store) ListFeedback(taskID string, limit, offset int) ([]Feedback, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, message, created_at FROM task_feedback
		WHERE task_id = ? ORDER BY id DESC LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Message, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func getTask(q querier, id string) (*domain.Task, error) {
	row := q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func listTasks(q querier, query string, args ...any) ([]*domain.Task, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func updateTask(q querier, id string, u TaskUpdate) (*domain.Task, error) {
	task, err := getTask(q, id)
	if err != nil || task == nil {
		return nil, err
	}

	if u.Title != nil {
		task.Title = *u.Title
	}
	if u.Description != nil {
		task.Description = *u.Description
	}
	if u.RepoURL != nil {
		task.RepoURL = *u.RepoURL
	}
	if u.TargetBranch != nil {
		task.TargetBranch = *u.TargetBranch
	}
	if u.ContextFiles != nil {
		task.ContextFiles = *u.ContextFiles
	}
	if u.BuildCommand != nil {
		task.BuildCommand = *u.BuildCommand
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("invalid status: %q", *u.Status)
		}
		task.Status = *u.Status
	}
	if u.PRURL != nil {
		task.PRURL = *u.PRURL
	}
	if u.Error != nil {
		task.Error = *u.Error
	}

	task.UpdatedAt = time.Now().UTC()

	filesJSON, err := json.Marshal(task.ContextFiles)
	if err != nil {
		return nil, err
	}

	_, err = q.Exec(`
		UPDATE tasks SET title = ?, description = ?, repo_url = ?, target_branch = ?,
			context_files = ?, build_command = ?, status = ?, pr_url = ?, error = ?, updated_at = ?
		WHERE id = ?
	`,
		task.Title,
		task.Description,
		task.RepoURL,
		task.TargetBranch,
		string(filesJSON),
		task.BuildCommand,
		string(task.Status),
		task.PRURL,
		task.Error,
		task.UpdatedAt,
		id,
	)
	if err != nil {
		return nil, err
	}

	return task, nil
}

func deleteTask(q querier, id string) (bool, error) {
	res, err := q.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanTask(scan func(dest ...any) error) (*domain.Task, error) {
	var task domain.Task
	var status string
	var description, filesJSON, buildCommand, prURL, errMsg sql.NullString

	err := scan(&task.ID, &task.Title, &description, &task.RepoURL, &task.TargetBranch,
		&filesJSON, &buildCommand, &status, &prURL, &errMsg, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Description = description.String
	task.BuildCommand = buildCommand.String
	task.PRURL = prURL.String
	task.Error = errMsg.String

	if filesJSON.Valid && filesJSON.String != "" && filesJSON.String != "null" {
		if err := json.Unmarshal([]byte(filesJSON.String), &task.ContextFiles); err != nil {
			return nil, err
		}
	}

	return &task, nil
}
