package runner

import (
	"fmt"
	"strings"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/taskstore"
)

const feedbackHistoryLimit = 5

// buildInstruction assembles the prompt handed to the agent. For a
// fresh run it is the task description plus context; when resuming
// after changes were requested, the most recent reviewer feedback is
// appended in chronological order.
func buildInstruction(task *domain.Task, store *taskstore.Store, resume bool) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	b.WriteString(task.Description)
	b.WriteString("\n")

	if len(task.ContextFiles) > 0 {
		b.WriteString("\n## Relevant files\n\n")
		for _, f := range task.ContextFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if task.BuildCommand != "" {
		fmt.Fprintf(&b, "\n## Build\n\nVerify your changes with: %s\n", task.BuildCommand)
	}

	if resume {
		feedback, err := store.ListFeedback(task.ID, feedbackHistoryLimit, 0)
		if err != nil {
			return "", fmt.Errorf("loading feedback: %w", err)
		}
		if len(feedback) > 0 {
			b.WriteString("\n## Reviewer feedback\n\nAddress the following review comments:\n\n")
			// ListFeedback is newest-first; replay oldest-first.
			for i := len(feedback) - 1; i >= 0; i-- {
				fmt.Fprintf(&b, "- %s\n", feedback[i].Message)
			}
		}
	}

	return b.String(), nil
}
