package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"vm-broker/backend/internal/auth"
	"vm-broker/backend/internal/reconciler"
	"vm-broker/backend/internal/repository"
	"vm-broker/backend/pkg/models"
)

// GitLabTokenHeader carries the shared secret configured on the CI webhook.
const GitLabTokenHeader = "X-Gitlab-Token"

// RequestService is the workflow surface the API drives.
type RequestService interface {
	CreateDraft(ctx context.Context, actor models.Actor, payload json.RawMessage) (*models.WorkflowRun, error)
	EditDraft(ctx context.Context, actor models.Actor, workflowID string, payload json.RawMessage) (*models.WorkflowRun, error)
	DeleteDraft(ctx context.Context, actor models.Actor, workflowID string) error
	GetRequest(ctx context.Context, actor models.Actor, workflowID string) (*models.RequestDetail, error)
	ListRequests(ctx context.Context, actor models.Actor, filter repository.ListFilter) ([]*models.WorkflowRun, error)
	Submit(ctx context.Context, actor models.Actor, workflowID string) (*models.RequestDetail, error)
	Approve(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error)
	Cancel(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error)
	Return(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error)
	HandlePipelineEvent(ctx context.Context, workflowID, status string) (bool, error)
}

// Reconciler runs one reconciliation iteration on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) reconciler.Report
}

// PipelineEvent is the body of the CI webhook.
type PipelineEvent struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// Server holds the dependencies for the API server.
type Server struct {
	svc          RequestService
	loop         Reconciler
	webhookToken string
	logger       Logger
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates a new Server. loop may be nil when reconciliation is
// disabled; webhookToken may be empty to accept unsigned webhooks.
func NewServer(svc RequestService, loop Reconciler, webhookToken string, logger Logger) *Server {
	return &Server{svc: svc, loop: loop, webhookToken: webhookToken, logger: logger}
}

// ListRequests returns the caller's requests, or every request for approvers.
func (s *Server) ListRequests(c echo.Context, params ListRequestsParams) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var filter repository.ListFilter
	if params.Status != nil {
		filter.Status = models.Status(*params.Status)
	}
	if params.Limit != nil {
		filter.Limit = *params.Limit
	}

	runs, err := s.svc.ListRequests(c.Request().Context(), actor, filter)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*models.WorkflowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// CreateRequest saves the request body as a new draft.
func (s *Server) CreateRequest(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	payload, err := readPayload(c)
	if err != nil {
		return err
	}

	run, err := s.svc.CreateDraft(c.Request().Context(), actor, payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRequest returns a request with its latest ticket and pipeline.
func (s *Server) GetRequest(c echo.Context, id openapi_types.UUID) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	detail, err := s.svc.GetRequest(c.Request().Context(), actor, id.String())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

// UpdateRequest replaces the payload of a draft.
func (s *Server) UpdateRequest(c echo.Context, id openapi_types.UUID) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	payload, err := readPayload(c)
	if err != nil {
		return err
	}

	run, err := s.svc.EditDraft(c.Request().Context(), actor, id.String(), payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// DeleteRequest removes a draft.
func (s *Server) DeleteRequest(c echo.Context, id openapi_types.UUID) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := s.svc.DeleteDraft(c.Request().Context(), actor, id.String()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// SubmitRequest creates the ticket and triggers the pipeline for a draft.
func (s *Server) SubmitRequest(c echo.Context, id openapi_types.UUID) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	detail, err := s.svc.Submit(c.Request().Context(), actor, id.String())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

// ApproveRequest releases the manual job of a pending request.
func (s *Server) ApproveRequest(c echo.Context, id openapi_types.UUID) error {
	return s.decide(c, id, s.svc.Approve)
}

// CancelRequest withdraws a pending request.
func (s *Server) CancelRequest(c echo.Context, id openapi_types.UUID) error {
	return s.decide(c, id, s.svc.Cancel)
}

// ReturnRequest sends a pending request back to its owner.
func (s *Server) ReturnRequest(c echo.Context, id openapi_types.UUID) error {
	return s.decide(c, id, s.svc.Return)
}

// Reconcile runs both reconciliation passes now and returns their report.
func (s *Server) Reconcile(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if !actor.Approver {
		return models.ErrForbidden
	}
	if s.loop == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reconciliation is disabled")
	}
	s.logger.Info("manual reconciliation requested", "user", actor.Username)
	return c.JSON(http.StatusOK, s.loop.RunOnce(c.Request().Context()))
}

// GitLabWebhook applies a pipeline completion event.
// (POST /webhooks/gitlab)
func (s *Server) GitLabWebhook(c echo.Context) error {
	if s.webhookToken != "" {
		got := c.Request().Header.Get(GitLabTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook token")
		}
	}

	var event PipelineEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if event.WorkflowID == "" || event.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id and status are required")
	}

	ignored, err := s.svc.HandlePipelineEvent(c.Request().Context(), event.WorkflowID, event.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"workflow_id": event.WorkflowID, "ignored": ignored})
}

func (s *Server) decide(c echo.Context, id openapi_types.UUID,
	op func(context.Context, models.Actor, string) (*models.WorkflowRun, error)) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	run, err := op(c.Request().Context(), actor, id.String())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func actorFrom(c echo.Context) (models.Actor, error) {
	actor, ok := auth.FromContext(c.Request().Context())
	if !ok || actor.Username == "" {
		return models.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "caller is not authenticated")
	}
	return actor, nil
}

// readPayload returns the raw JSON request body. Field checks happen at
// submit time so drafts can be saved incomplete.
func readPayload(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	return json.RawMessage(body), nil
}
