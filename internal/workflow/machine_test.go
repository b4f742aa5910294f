package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"vm-broker/backend/pkg/models"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[models.Status]map[models.Status]bool{
		models.StatusDraft: {
			models.StatusDraft:     true,
			models.StatusSubmitted: true,
		},
		models.StatusSubmitted: {
			models.StatusPendingApproval: true,
			models.StatusFailed:          true,
			models.StatusCancelled:       true,
		},
		models.StatusPendingApproval: {
			models.StatusInProgress: true,
			models.StatusCancelled:  true,
			models.StatusReturned:   true,
		},
		models.StatusInProgress: {
			models.StatusPendingApproval: true,
			models.StatusSuccess:         true,
			models.StatusFailed:          true,
			models.StatusCancelled:       true,
		},
	}

	for _, from := range models.AllStatuses {
		for _, to := range models.AllStatuses {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)

			err := Validate(from, to)
			if want {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.True(t, errors.Is(err, models.ErrConflict), "%s -> %s should conflict", from, to)
			}
		}
	}
}

func TestValidate_UnknownStatus(t *testing.T) {
	err := Validate("ARCHIVED", models.StatusDraft)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []models.Status{models.StatusSuccess, models.StatusFailed, models.StatusCancelled, models.StatusReturned} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []models.Status{models.StatusDraft, models.StatusSubmitted, models.StatusPendingApproval, models.StatusInProgress} {
		assert.False(t, IsTerminal(s), s)
	}
	assert.False(t, IsTerminal("bogus"))
}

func TestNext_ReturnsCopy(t *testing.T) {
	next := Next(models.StatusDraft)
	next[0] = models.StatusSuccess
	assert.True(t, CanTransition(models.StatusDraft, models.StatusDraft))
}
