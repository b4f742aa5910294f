package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stretchr/testify/mock"

	"vm-broker/backend/internal/reconciler"
	"vm-broker/backend/internal/repository"
	"vm-broker/backend/internal/services"
	"vm-broker/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockRequestService satisfies RequestService
type MockRequestService struct {
	mock.Mock
}

func (m *MockRequestService) CreateDraft(ctx context.Context, actor models.Actor, payload json.RawMessage) (*models.WorkflowRun, error) {
	args := m.Called(ctx, actor, payload)
	return run(args)
}

func (m *MockRequestService) EditDraft(ctx context.Context, actor models.Actor, workflowID string, payload json.RawMessage) (*models.WorkflowRun, error) {
	args := m.Called(ctx, actor, workflowID, payload)
	return run(args)
}

func (m *MockRequestService) DeleteDraft(ctx context.Context, actor models.Actor, workflowID string) error {
	return m.Called(ctx, actor, workflowID).Error(0)
}

func (m *MockRequestService) GetRequest(ctx context.Context, actor models.Actor, workflowID string) (*models.RequestDetail, error) {
	args := m.Called(ctx, actor, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RequestDetail), args.Error(1)
}

func (m *MockRequestService) ListRequests(ctx context.Context, actor models.Actor, filter repository.ListFilter) ([]*models.WorkflowRun, error) {
	args := m.Called(ctx, actor, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WorkflowRun), args.Error(1)
}

func (m *MockRequestService) Submit(ctx context.Context, actor models.Actor, workflowID string) (*models.RequestDetail, error) {
	args := m.Called(ctx, actor, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RequestDetail), args.Error(1)
}

func (m *MockRequestService) Approve(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error) {
	return run(m.Called(ctx, actor, workflowID))
}

func (m *MockRequestService) Cancel(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error) {
	return run(m.Called(ctx, actor, workflowID))
}

func (m *MockRequestService) Return(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowRun, error) {
	return run(m.Called(ctx, actor, workflowID))
}

func (m *MockRequestService) HandlePipelineEvent(ctx context.Context, workflowID, status string) (bool, error) {
	args := m.Called(ctx, workflowID, status)
	return args.Bool(0), args.Error(1)
}

func run(args mock.Arguments) (*models.WorkflowRun, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkflowRun), args.Error(1)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

type stubLoop struct{ healthy bool }

func (l stubLoop) Liveness() []reconciler.PassStatus {
	return []reconciler.PassStatus{
		{Pass: reconciler.PassPipelines, Healthy: l.healthy},
		{Pass: reconciler.PassWorkflows, Healthy: true},
	}
}

func (l stubLoop) Healthy() bool { return l.healthy }

// fakeTickets accepts every ticket and reports it ready.
type fakeTickets struct{}

func (fakeTickets) CreateTicket(ctx context.Context, req *models.VMRequest) (string, error) {
	return "SJT-100", nil
}

func (fakeTickets) GetTicketDetail(ctx context.Context, key string) (*services.TicketDetail, error) {
	return &services.TicketDetail{Key: key, ProjectKey: "SJT", Status: "To Do", URL: "https://jira.test/browse/" + key}, nil
}

// fakePipelines runs every pipeline straight to its manual gate.
type fakePipelines struct{}

func (fakePipelines) TriggerPipeline(ctx context.Context, ticketKey string, req *models.VMRequest) services.TriggerResult {
	return services.TriggerResult{Success: true, PipelineID: 501, Status: "created", Ref: "main"}
}

func (fakePipelines) GetPipelineStatus(ctx context.Context, pipelineID int64) services.StatusResult {
	return services.StatusResult{Success: true, PipelineID: pipelineID, Status: "manual"}
}

func (fakePipelines) ReleaseManualJob(ctx context.Context, pipelineID int64) services.ReleaseResult {
	if pipelineID != 501 {
		return services.ReleaseResult{Err: fmt.Errorf("pipeline %d: %w", pipelineID, services.ErrNoManualJob)}
	}
	return services.ReleaseResult{Success: true, JobID: 9, JobName: "provision", Status: "pending"}
}
