package plan

import "fmt"

// Status is the lifecycle state of a block, phase or plan.
type Status string

const (
	// StatusPending means no operation has been requested yet.
	StatusPending Status = "PENDING"

	// StatusInProgress means an operation was requested and the task has not
	// reached the condition the block waits for.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusComplete means the observed task status satisfies the block.
	StatusComplete Status = "COMPLETE"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// deriveStatus folds child statuses: COMPLETE iff all are complete (or there
// are none), PENDING iff none has started, IN_PROGRESS otherwise.
func deriveStatus(statuses []Status) Status {
	complete, pending := 0, 0
	for _, s := range statuses {
		switch s {
		case StatusComplete:
			complete++
		case StatusPending:
			pending++
		}
	}
	switch {
	case complete == len(statuses):
		return StatusComplete
	case pending == len(statuses):
		return StatusPending
	default:
		return StatusInProgress
	}
}
