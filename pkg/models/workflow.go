package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusReturned        Status = "RETURNED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusSuccess         Status = "SUCCESS"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// AllStatuses lists every workflow status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusPendingApproval,
	StatusReturned,
	StatusInProgress,
	StatusSuccess,
	StatusFailed,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Failure source tags, used as keys of WorkflowRun.FailedMessage.
const (
	SourceJira      = "JIRA"
	SourceGitLab    = "GITLAB"
	SourceGitLabAPI = "GITLAB_API"
)

// WorkflowRun is one provisioning request and its approval lifecycle.
type WorkflowRun struct {
	ID             string            `json:"workflow_id"`
	Status         Status            `json:"status"`
	CreatedBy      string            `json:"created_by"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ApprovedBy     *string           `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time        `json:"approved_at,omitempty"`
	CancelledBy    *string           `json:"cancelled_by,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	ReturnedBy     *string           `json:"returned_by,omitempty"`
	ReturnedAt     *time.Time        `json:"returned_at,omitempty"`
	FailedMessage  map[string]string `json:"failed_message,omitempty"`
	RequestPayload json.RawMessage   `json:"request_payload"`
}

// TicketRecord is a snapshot of the tracking ticket created at submit time.
type TicketRecord struct {
	ID         int64     `json:"-"`
	WorkflowID string    `json:"workflow_id"`
	TicketID   string    `json:"ticket_id"`
	ProjectKey string    `json:"project_key,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// PipelineRecord is a snapshot of one CI pipeline run. A workflow can own
// several when a pipeline is retriggered; the latest by StartedAt wins.
type PipelineRecord struct {
	ID         int64      `json:"-"`
	WorkflowID string     `json:"workflow_id"`
	PipelineID int64      `json:"pipeline_id"`
	Status     string     `json:"status"`
	WebURL     string     `json:"web_url,omitempty"`
	Ref        string     `json:"ref,omitempty"`
	SHA        string     `json:"sha,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   int        `json:"duration"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RequestDetail bundles a workflow run with its latest external snapshots.
type RequestDetail struct {
	Workflow *WorkflowRun    `json:"workflow"`
	Ticket   *TicketRecord   `json:"ticket,omitempty"`
	Pipeline *PipelineRecord `json:"pipeline,omitempty"`
}
