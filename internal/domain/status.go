package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Two-agent workflow states.
const (
	StatusDraft            TaskStatus = "draft"
	StatusRefining         TaskStatus = "refining"
	StatusPendingApproval  TaskStatus = "pending_approval"
	StatusApproved         TaskStatus = "approved"
	StatusCoding           TaskStatus = "coding"
	StatusPlanReview       TaskStatus = "plan_review"
	StatusReview           TaskStatus = "review"
	StatusChangesRequested TaskStatus = "changes_requested"
	StatusDone             TaskStatus = "done"
	StatusFailed           TaskStatus = "failed"
)

// Legacy linear flow, still valid for tasks created before the
// two-agent workflow.
const (
	StatusBacklog        TaskStatus = "backlog"
	StatusPlanning       TaskStatus = "planning"
	StatusInProgress     TaskStatus = "in_progress"
	StatusAwaitingReview TaskStatus = "awaiting_review"
	StatusPRCreated      TaskStatus = "pr_created"
)

var allStatuses = map[TaskStatus]bool{
	StatusDraft:            true,
	StatusRefining:         true,
	StatusPendingApproval:  true,
	StatusApproved:         true,
	StatusCoding:           true,
	StatusPlanReview:       true,
	StatusReview:           true,
	StatusChangesRequested: true,
	StatusDone:             true,
	StatusFailed:           true,
	StatusBacklog:          true,
	StatusPlanning:         true,
	StatusInProgress:       true,
	StatusAwaitingReview:   true,
	StatusPRCreated:        true,
}

var legacyStatuses = map[TaskStatus]bool{
	StatusBacklog:        true,
	StatusPlanning:       true,
	StatusInProgress:     true,
	StatusAwaitingReview: true,
	StatusPRCreated:      true,
}

// Valid reports whether s is a known status in either flow.
func (s TaskStatus) Valid() bool {
	return allStatuses[s]
}

// IsLegacy reports whether s belongs to the pre-two-agent linear flow.
func (s TaskStatus) IsLegacy() bool {
	return legacyStatuses[s]
}

// IsTerminal reports whether a task in this status has finished for good.
// Terminal tasks cannot be re-entered into coding without an explicit
// resume path.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// IsActive reports whether this status means a run is (supposedly) in
// flight. Tasks stuck in an active status with no live runner are orphans.
func (s TaskStatus) IsActive() bool {
	return s == StatusCoding || s == StatusInProgress || s == StatusPlanning
}

// CanStartRun reports whether a run may be started for a task in this
// status: approved for a fresh run, changes_requested for a resumed one.
func (s TaskStatus) CanStartRun() bool {
	return s == StatusApproved || s == StatusChangesRequested
}

// CanRetry reports whether a failed task may be re-executed. Retry is
// the explicit resume path out of the failed terminal state.
func (s TaskStatus) CanRetry() bool {
	return s == StatusFailed
}

// CompletionStatus returns the status a task lands in when a run started
// from the given status completes with a created PR. Legacy tasks keep
// the legacy pr_created state so old dashboards keep rendering them.
func CompletionStatus(from TaskStatus) TaskStatus {
	if from.IsLegacy() {
		return StatusPRCreated
	}
	return StatusReview
}
