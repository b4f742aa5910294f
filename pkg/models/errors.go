package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means an expected-status precondition failed; another
	// actor already changed the row or the transition is not allowed.
	ErrConflict = errors.New("workflow state conflict")
	// ErrNotFound means a workflow, ticket or pipeline row is missing.
	ErrNotFound = errors.New("not found")
	// ErrDataIntegrity means the request payload is missing required fields.
	ErrDataIntegrity = errors.New("request payload is incomplete")
	// ErrForbidden means the actor may not act on the workflow.
	ErrForbidden = errors.New("forbidden")
)

// ExternalCallError reports a failed call to the ticket tracker or the CI system.
type ExternalCallError struct {
	Source string
	Op     string
	Err    error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Source, e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}
