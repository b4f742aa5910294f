// Package workflow holds the provisioning request state machine and the
// adapters that turn free-text external statuses into typed values.
package workflow

import (
	"fmt"

	"vm-broker/backend/pkg/models"
)

// transitions is the complete set of legal status changes. Anything not
// listed here is rejected with models.ErrConflict.
var transitions = map[models.Status][]models.Status{
	models.StatusDraft: {
		models.StatusDraft,
		models.StatusSubmitted,
	},
	models.StatusSubmitted: {
		models.StatusPendingApproval,
		models.StatusFailed,
		models.StatusCancelled,
	},
	models.StatusPendingApproval: {
		models.StatusInProgress,
		models.StatusCancelled,
		models.StatusReturned,
	},
	models.StatusInProgress: {
		models.StatusPendingApproval,
		models.StatusSuccess,
		models.StatusFailed,
		models.StatusCancelled,
	},
}

// CanTransition reports whether a workflow may move from one status to another.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an error wrapping models.ErrConflict when the
// transition is not in the table.
func Validate(from, to models.Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", models.ErrConflict, from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not allowed", models.ErrConflict, from, to)
	}
	return nil
}

// Next lists the statuses reachable from s.
func Next(s models.Status) []models.Status {
	out := make([]models.Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// IsTerminal reports whether no further transition can leave s.
func IsTerminal(s models.Status) bool {
	return s.Valid() && len(transitions[s]) == 0
}
