package engine

import "fmt"

// Task statuses. completed and failed are terminal: no transition leaves
// them, not even with Force.
const (
	StatusPending          = "pending"
	StatusInProgress       = "in_progress"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// Priorities, lowest to highest.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

var validStatus = map[string]bool{
	StatusPending:          true,
	StatusInProgress:       true,
	StatusAwaitingApproval: true,
	StatusCompleted:        true,
	StatusFailed:           true,
}

var allowedTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusInProgress:       true,
		StatusAwaitingApproval: true,
		StatusCompleted:        true,
		StatusFailed:           true,
	},
	StatusInProgress: {
		StatusPending:          true, // retry re-queue
		StatusAwaitingApproval: true,
		StatusCompleted:        true,
		StatusFailed:           true,
	},
	StatusAwaitingApproval: {
		StatusPending:    true,
		StatusInProgress: true,
		StatusFailed:     true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ensureTransition rejects any status change the lifecycle does not allow.
// Every mutation path goes through this guard; there is no bypass.
func ensureTransition(from, to string) error {
	if !validStatus[from] {
		return fmt.Errorf("unknown status %q", from)
	}
	if !validStatus[to] {
		return fmt.Errorf("unknown status %q", to)
	}
	if from == to {
		return nil
	}
	if IsTerminal(from) {
		return fmt.Errorf("task is %s: terminal statuses cannot change", from)
	}
	if !allowedTransitions[from][to] {
		return fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}
	return nil
}
