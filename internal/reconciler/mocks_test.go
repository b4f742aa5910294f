package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

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

// MockTicketClient satisfies services.TicketClient
type MockTicketClient struct {
	mock.Mock
}

func (m *MockTicketClient) CreateTicket(ctx context.Context, req *models.VMRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockTicketClient) GetTicketDetail(ctx context.Context, key string) (*services.TicketDetail, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.TicketDetail), args.Error(1)
}

// MockPipelineClient satisfies services.PipelineClient
type MockPipelineClient struct {
	mock.Mock
}

func (m *MockPipelineClient) TriggerPipeline(ctx context.Context, ticketKey string, req *models.VMRequest) services.TriggerResult {
	args := m.Called(ctx, ticketKey, req)
	return args.Get(0).(services.TriggerResult)
}

func (m *MockPipelineClient) GetPipelineStatus(ctx context.Context, pipelineID int64) services.StatusResult {
	args := m.Called(ctx, pipelineID)
	return args.Get(0).(services.StatusResult)
}

func (m *MockPipelineClient) ReleaseManualJob(ctx context.Context, pipelineID int64) services.ReleaseResult {
	args := m.Called(ctx, pipelineID)
	return args.Get(0).(services.ReleaseResult)
}

// MockStore satisfies repository.RequestStore
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateDraft(ctx context.Context, createdBy string, payload json.RawMessage) (string, error) {
	args := m.Called(ctx, createdBy, payload)
	return args.String(0), args.Error(1)
}

func (m *MockStore) UpdateDraftPayload(ctx context.Context, workflowID string, payload json.RawMessage) error {
	return m.Called(ctx, workflowID, payload).Error(0)
}

func (m *MockStore) GetRequest(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkflowRun), args.Error(1)
}

func (m *MockStore) ListRequests(ctx context.Context, filter repository.ListFilter) ([]*models.WorkflowRun, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]*models.WorkflowRun), args.Error(1)
}

func (m *MockStore) DeleteDraft(ctx context.Context, workflowID string) error {
	return m.Called(ctx, workflowID).Error(0)
}

func (m *MockStore) Transition(ctx context.Context, workflowID string, expected, next models.Status, fields repository.TransitionFields) (bool, error) {
	args := m.Called(ctx, workflowID, expected, next, fields)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CompleteSubmission(ctx context.Context, workflowID string, ticket *models.TicketRecord, pipeline *models.PipelineRecord) (bool, error) {
	args := m.Called(ctx, workflowID, ticket, pipeline)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) RecordFailure(ctx context.Context, workflowID, source, message string) error {
	return m.Called(ctx, workflowID, source, message).Error(0)
}

func (m *MockStore) SaveTicket(ctx context.Context, ticket *models.TicketRecord) error {
	return m.Called(ctx, ticket).Error(0)
}

func (m *MockStore) UpdateTicketStatus(ctx context.Context, ticketID, status string) error {
	return m.Called(ctx, ticketID, status).Error(0)
}

func (m *MockStore) UpsertPipeline(ctx context.Context, pipeline *models.PipelineRecord) error {
	return m.Called(ctx, pipeline).Error(0)
}

func (m *MockStore) LatestTicket(ctx context.Context, workflowID string) (*models.TicketRecord, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TicketRecord), args.Error(1)
}

func (m *MockStore) LatestPipeline(ctx context.Context, workflowID string) (*models.PipelineRecord, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PipelineRecord), args.Error(1)
}

func (m *MockStore) OpenPipelines(ctx context.Context, maxAge time.Duration) ([]*models.PipelineRecord, error) {
	args := m.Called(ctx, maxAge)
	return args.Get(0).([]*models.PipelineRecord), args.Error(1)
}

func (m *MockStore) OpenWorkflows(ctx context.Context, maxAge time.Duration) ([]*models.WorkflowRun, error) {
	args := m.Called(ctx, maxAge)
	return args.Get(0).([]*models.WorkflowRun), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// denyLocker reports every pass as held elsewhere.
type denyLocker struct{}

func (denyLocker) Acquire(ctx context.Context, pass string) (func(), bool, error) {
	return nil, false, nil
}
