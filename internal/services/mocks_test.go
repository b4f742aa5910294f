package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"vm-broker/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockTicketClient satisfies TicketClient
type MockTicketClient struct {
	mock.Mock
}

func (m *MockTicketClient) CreateTicket(ctx context.Context, req *models.VMRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockTicketClient) GetTicketDetail(ctx context.Context, key string) (*TicketDetail, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TicketDetail), args.Error(1)
}

// MockPipelineClient satisfies PipelineClient
type MockPipelineClient struct {
	mock.Mock
}

func (m *MockPipelineClient) TriggerPipeline(ctx context.Context, ticketKey string, req *models.VMRequest) TriggerResult {
	args := m.Called(ctx, ticketKey, req)
	return args.Get(0).(TriggerResult)
}

func (m *MockPipelineClient) GetPipelineStatus(ctx context.Context, pipelineID int64) StatusResult {
	args := m.Called(ctx, pipelineID)
	return args.Get(0).(StatusResult)
}

func (m *MockPipelineClient) ReleaseManualJob(ctx context.Context, pipelineID int64) ReleaseResult {
	args := m.Called(ctx, pipelineID)
	return args.Get(0).(ReleaseResult)
}

const createPayload = `{
	"action_type": "Create",
	"environment": "UAT",
	"resource": "vsphere",
	"os_type": "linux",
	"vsphere_datacenter": "dc-1",
	"vsphere_cluster": "cluster-a",
	"vsphere_network": "vlan-120",
	"vsphere_template": "rhel9-template",
	"vsphere_datastore": "ds-01",
	"vm_name_prefix": "app-web",
	"vm_instance_type": "medium",
	"vm_num_cpus": 4,
	"vm_memory": 8192,
	"vm_ipv4_gateway": "10.20.0.1",
	"vm_scsi_controller_count": 1,
	"vm_additional_disks": [{"size_gb": 100, "datastore": "ds-01", "controller_index": 0}],
	"netbox_prefix": "10.20.0.0/24",
	"netbox_tenant": "platform"
}`

const updatePayload = `{
	"original_config": {"environment": "PROD", "vm_name_prefix": "db-01", "vm_num_cpus": 4, "vm_memory": 8192, "vm_disk_size": [100]},
	"new_config": {"environment": "PROD", "action_type": "Update", "vm_name_prefix": "db-01", "vm_num_cpus": 8, "vm_memory": 8192, "vm_disk_size": [100, 200]}
}`
