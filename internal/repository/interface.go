package repository

import (
	"context"
	"encoding/json"
	"time"

	"vm-broker/backend/pkg/models"
)

// TransitionFields carries the audit columns stamped by a transition. A
// non-empty name sets the matching *_by column and stamps *_at with now().
type TransitionFields struct {
	ApprovedBy  string
	CancelledBy string
	ReturnedBy  string
}

// ListFilter scopes ListRequests.
type ListFilter struct {
	CreatedBy string
	Status    models.Status
	Limit     int
}

// RequestStore persists workflow runs and their ticket and pipeline snapshots.
type RequestStore interface {
	// CreateDraft inserts a DRAFT workflow run and returns its id.
	CreateDraft(ctx context.Context, createdBy string, payload json.RawMessage) (string, error)
	// UpdateDraftPayload replaces the payload; ErrConflict unless DRAFT.
	UpdateDraftPayload(ctx context.Context, workflowID string, payload json.RawMessage) error
	// GetRequest loads one workflow run.
	GetRequest(ctx context.Context, workflowID string) (*models.WorkflowRun, error)
	// ListRequests returns workflow runs, newest first.
	ListRequests(ctx context.Context, filter ListFilter) ([]*models.WorkflowRun, error)
	// DeleteDraft removes a DRAFT workflow run; ErrConflict otherwise.
	DeleteDraft(ctx context.Context, workflowID string) error

	// Transition atomically moves a run from expected to next. It returns
	// false without error when the row is no longer in expected.
	Transition(ctx context.Context, workflowID string, expected, next models.Status, fields TransitionFields) (bool, error)
	// CompleteSubmission stores the ticket and pipeline snapshots and moves
	// the run DRAFT -> SUBMITTED in one transaction. Nothing is written
	// when the run has left DRAFT.
	CompleteSubmission(ctx context.Context, workflowID string, ticket *models.TicketRecord, pipeline *models.PipelineRecord) (bool, error)
	// RecordFailure sets failed_message[source] = message, keeping other sources.
	RecordFailure(ctx context.Context, workflowID, source, message string) error

	// SaveTicket inserts a ticket snapshot.
	SaveTicket(ctx context.Context, ticket *models.TicketRecord) error
	// UpdateTicketStatus refreshes the stored status of a ticket.
	UpdateTicketStatus(ctx context.Context, ticketID, status string) error
	// UpsertPipeline inserts or refreshes a pipeline snapshot keyed by pipeline id.
	UpsertPipeline(ctx context.Context, pipeline *models.PipelineRecord) error
	// LatestTicket returns the newest ticket of a run.
	LatestTicket(ctx context.Context, workflowID string) (*models.TicketRecord, error)
	// LatestPipeline returns the most recently started pipeline of a run.
	LatestPipeline(ctx context.Context, workflowID string) (*models.PipelineRecord, error)

	// OpenPipelines lists non-terminal pipelines started within maxAge.
	OpenPipelines(ctx context.Context, maxAge time.Duration) ([]*models.PipelineRecord, error)
	// OpenWorkflows lists SUBMITTED runs created within maxAge.
	OpenWorkflows(ctx context.Context, maxAge time.Duration) ([]*models.WorkflowRun, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
