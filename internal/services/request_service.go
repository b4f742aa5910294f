package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vm-broker/backend/internal/repository"
	"vm-broker/backend/internal/workflow"
	"vm-broker/backend/pkg/models"
)

var tracer = otel.Tracer("vm-broker/backend/internal/services")

// RequestService runs the user-facing operations of the request workflow.
type RequestService struct {
	store     repository.RequestStore
	tickets   TicketClient
	pipelines PipelineClient
	logger    Logger
	now       func() time.Time
}

// NewRequestService creates a new RequestService.
func NewRequestService(store repository.RequestStore, tickets TicketClient, pipelines PipelineClient, logger Logger) *RequestService {
	return &RequestService{
		store:     store,
		tickets:   tickets,
		pipelines: pipelines,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateDraft saves a new request as a DRAFT owned by the actor.
func (s *RequestService) CreateDraft(ctx context.Context, actor models.Actor, payload json.RawMessage) (*models.WorkflowRun, error) {
	if actor.Username == "" {
		return nil, models.ErrForbidden
	}
	id, err := s.store.CreateDraft(ctx, actor.Username, payload)
	if err != nil {
		return nil, err
	}
	s.logger.Info("draft created", "workflow_id", id, "user", actor.Username)
	return s.store.GetRequest(ctx, id)
}

// EditDraft replaces the payload of a DRAFT owned by the actor.
func (s *RequestService) EditDraft(ctx context.Context, actor models.Actor, workflowID string, payload json.RawMessage) (*models.WorkflowRun, error) {
	if _, err := s.owned(ctx, actor, workflowID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDraftPayload(ctx, workflowID, payload); err != nil {
		return nil, err
	}
	return s.store.GetRequest(ctx, workflowID)
}

// DeleteDraft removes a DRAFT owned by the actor.
func (s *RequestService) DeleteDraft(ctx context.Context, actor models.Actor, workflowID string) error {
	if _, err := s.owned(ctx, actor, workflowID); err != nil {
		return err
	}
	if err := s.store.DeleteDraft(ctx, workflowID); err != nil {
		return err
	}
	s.logger.Info("draft deleted", "workflow_id", workflowID, "user", actor.Username)
	return nil
}

// GetRequest returns a workflow run with its latest ticket and pipeline.
// Owners and approvers may read it.
func (s *RequestService) GetRequest(ctx context.Context, actor models.Actor, workflowID string) (*models.RequestDetail, error) {
	run, err := s.store.GetRequest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(run) && !actor.Approver {
		return nil, models.ErrForbidden
	}
	return s.detail(ctx, run)
}

// ListRequests lists workflow runs. Approvers see every run; other actors
// only their own.
func (s *RequestService) ListRequests(ctx context.Context, actor models.Actor, filter repository.ListFilter) ([]*models.WorkflowRun, error) {
	if !actor.Approver {
		filter.CreatedBy = actor.Username
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrDataIntegrity, filter.Status)
	}
	return s.store.ListRequests(ctx, filter)
}

// Submit creates the ticket and triggers the pipeline for a DRAFT, then
// moves it to SUBMITTED. A failed external call leaves the run in DRAFT
// with the error recorded under its source tag.
func (s *RequestService) Submit(ctx context.Context, actor models.Actor, workflowID string) (_ *models.RequestDetail, err error) {
	ctx, span := tracer.Start(ctx, "RequestService.Submit", trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer func() { endSpan(span, err) }()

	run, err := s.owned(ctx, actor, workflowID)
	if err != nil {
		return nil, err
	}
	if err := workflow.Validate(run.Status, models.StatusSubmitted); err != nil {
		return nil, err
	}
	req, err := ParseVMRequest(run.RequestPayload)
	if err != nil {
		return nil, err
	}

	key, err := s.tickets.CreateTicket(ctx, req)
	if err != nil {
		s.recordFailure(ctx, workflowID, models.SourceJira, err)
		return nil, &models.ExternalCallError{Source: models.SourceJira, Op: "create ticket", Err: err}
	}

	ticket := &models.TicketRecord{
		TicketID: key,
		Summary:  TicketSummary(req),
	}
	if detail, lookupErr := s.tickets.GetTicketDetail(ctx, key); lookupErr != nil {
		s.logger.Warn("ticket lookup after create failed", "workflow_id", workflowID, "ticket", key, "error", lookupErr)
	} else {
		ticket.ProjectKey = detail.ProjectKey
		ticket.Status = detail.Status
		ticket.URL = detail.URL
		if detail.Summary != "" {
			ticket.Summary = detail.Summary
		}
	}

	res := s.pipelines.TriggerPipeline(ctx, key, req)
	if !res.Success {
		cause := res.Err
		if cause == nil {
			cause = errors.New("pipeline trigger was not accepted")
		}
		s.recordFailure(ctx, workflowID, models.SourceGitLab, cause)
		return nil, &models.ExternalCallError{Source: models.SourceGitLab, Op: "trigger pipeline", Err: cause}
	}

	status := res.Status
	if status == "" {
		status = string(workflow.PipelineCreated)
	}
	pipeline := &models.PipelineRecord{
		PipelineID: res.PipelineID,
		Status:     status,
		WebURL:     res.WebURL,
		Ref:        res.Ref,
		SHA:        res.SHA,
		StartedAt:  s.now(),
	}

	ok, err := s.store.CompleteSubmission(ctx, workflowID, ticket, pipeline)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s left DRAFT during submit", models.ErrConflict, workflowID)
	}

	s.logger.Info("request submitted",
		"workflow_id", workflowID, "ticket", key, "pipeline_id", res.PipelineID, "user", actor.Username)

	updated, err := s.store.GetRequest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &models.RequestDetail{Workflow: updated, Ticket: ticket, Pipeline: pipeline}, nil
}

// Approve claims a PENDING_APPROVAL run for the caller and releases its
// manual job. When several approvals race only one wins the transition and
// touches the pipeline; the others get models.ErrConflict. A failed release
// puts the run back to PENDING_APPROVAL so the approval can be retried.
func (s *RequestService) Approve(ctx context.Context, actor models.Actor, workflowID string) (_ *models.WorkflowRun, err error) {
	ctx, span := tracer.Start(ctx, "RequestService.Approve", trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer func() { endSpan(span, err) }()

	if !actor.Approver {
		return nil, models.ErrForbidden
	}
	run, err := s.store.GetRequest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.StatusPendingApproval {
		return nil, fmt.Errorf("%w: cannot approve workflow in status %s", models.ErrConflict, run.Status)
	}

	pipeline, err := s.store.LatestPipeline(ctx, workflowID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			cause := errors.New("no pipeline found")
			s.recordFailure(ctx, workflowID, models.SourceGitLab, cause)
			return nil, &models.ExternalCallError{Source: models.SourceGitLab, Op: "release manual job", Err: cause}
		}
		return nil, err
	}

	ok, err := s.store.Transition(ctx, workflowID, models.StatusPendingApproval, models.StatusInProgress,
		repository.TransitionFields{ApprovedBy: actor.Username})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s is no longer pending approval", models.ErrConflict, workflowID)
	}

	res := s.pipelines.ReleaseManualJob(ctx, pipeline.PipelineID)
	if !res.Success {
		cause := res.Err
		if cause == nil {
			cause = ErrNoManualJob
		}
		s.recordFailure(ctx, workflowID, models.SourceGitLab, cause)
		s.reopen(ctx, workflowID)
		return nil, &models.ExternalCallError{Source: models.SourceGitLab, Op: "release manual job", Err: cause}
	}

	s.logger.Info("request approved", "workflow_id", workflowID, "job_id", res.JobID, "user", actor.Username)
	return s.store.GetRequest(ctx, workflowID)
}

// reopen hands a claimed run back to the approval queue after its release
// failed. It only moves a run still IN_PROGRESS.
func (s *RequestService) reopen(ctx context.Context, workflowID string) {
	moved, err := s.store.Transition(context.WithoutCancel(ctx), workflowID, models.StatusInProgress, models.StatusPendingApproval, repository.TransitionFields{})
	switch {
	case err != nil:
		s.logger.Error("failed to reopen workflow", "workflow_id", workflowID, "error", err)
	case !moved:
		s.logger.Warn("workflow left in_progress before reopen", "workflow_id", workflowID)
	}
}

// Cancel lets the owner withdraw a run that is waiting for approval.
func (s *RequestService) Cancel(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error) {
	if _, err := s.owned(ctx, actor, workflowID); err != nil {
		return nil, err
	}
	return s.decide(ctx, workflowID, models.StatusCancelled, repository.TransitionFields{CancelledBy: actor.Username})
}

// Return sends a run waiting for approval back to its owner.
func (s *RequestService) Return(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error) {
	if !actor.Approver {
		return nil, models.ErrForbidden
	}
	return s.decide(ctx, workflowID, models.StatusReturned, repository.TransitionFields{ReturnedBy: actor.Username})
}

// HandlePipelineEvent applies a pipeline completion reported by the CI
// system to an IN_PROGRESS run. It returns ignored=true for statuses that do
// not end a pipeline.
func (s *RequestService) HandlePipelineEvent(ctx context.Context, workflowID, status string) (ignored bool, err error) {
	next, ok := workflow.WebhookOutcome(status)
	if !ok {
		s.logger.Debug("pipeline event ignored", "workflow_id", workflowID, "status", status)
		return true, nil
	}

	moved, err := s.store.Transition(ctx, workflowID, models.StatusInProgress, next, repository.TransitionFields{})
	if err != nil {
		return false, err
	}
	if !moved {
		run, err := s.store.GetRequest(ctx, workflowID)
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: workflow %s is %s, not %s", models.ErrConflict, workflowID, run.Status, models.StatusInProgress)
	}

	if next == models.StatusFailed {
		s.recordFailure(ctx, workflowID, models.SourceGitLab, errors.New("pipeline reported failed"))
	}
	s.logger.Info("pipeline event applied", "workflow_id", workflowID, "status", next)
	return false, nil
}

func (s *RequestService) decide(ctx context.Context, workflowID string, next models.Status, fields repository.TransitionFields) (*models.WorkflowRun, error) {
	ok, err := s.store.Transition(ctx, workflowID, models.StatusPendingApproval, next, fields)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s is not pending approval", models.ErrConflict, workflowID)
	}
	s.logger.Info("request decided", "workflow_id", workflowID, "status", next)
	return s.store.GetRequest(ctx, workflowID)
}

func (s *RequestService) owned(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error) {
	run, err := s.store.GetRequest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(run) {
		return nil, models.ErrForbidden
	}
	return run, nil
}

func (s *RequestService) detail(ctx context.Context, run *models.WorkflowRun) (*models.RequestDetail, error) {
	detail := &models.RequestDetail{Workflow: run}

	ticket, err := s.store.LatestTicket(ctx, run.ID)
	switch {
	case err == nil:
		detail.Ticket = ticket
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	pipeline, err := s.store.LatestPipeline(ctx, run.ID)
	switch {
	case err == nil:
		detail.Pipeline = pipeline
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}
	return detail, nil
}

func (s *RequestService) recordFailure(ctx context.Context, workflowID, source string, cause error) {
	s.logger.Error("external call failed", "workflow_id", workflowID, "source", source, "error", cause)
	if err := s.store.RecordFailure(context.WithoutCancel(ctx), workflowID, source, cause.Error()); err != nil {
		s.logger.Error("failed to record failure", "workflow_id", workflowID, "source", source, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
