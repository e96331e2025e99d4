package domain

import "time"

// Task represents a unit of coding work driven by an agent run.
// The Description doubles as the agent's instruction.
type Task struct {
	ID           string
	Title        string
	Description  string
	RepoURL      string
	TargetBranch string
	ContextFiles []string
	BuildCommand string
	Status       TaskStatus
	PRURL        string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DefaultTargetBranch is used when a task is created without one.
const DefaultTargetBranch = "main"

// CancelledByUserError is the error recorded when an operator cancels a run.
const CancelledByUserError = "Execution cancelled by user"
