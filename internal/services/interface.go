package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"vm-broker/backend/pkg/models"
)

// ErrNoManualJob is returned in ReleaseResult.Err when the pipeline has no
// job waiting at a manual gate.
var ErrNoManualJob = errors.New("no manual job found in pipeline")

// TicketClient talks to the ticket tracker.
type TicketClient interface {
	// CreateTicket opens a ticket for the request and returns its key.
	CreateTicket(ctx context.Context, req *models.VMRequest) (string, error)
	// GetTicketDetail looks up a ticket by key.
	GetTicketDetail(ctx context.Context, key string) (*TicketDetail, error)
}

// PipelineClient talks to the CI system. Its methods never return an error;
// failures are reported through the Success flag and Err of each result.
type PipelineClient interface {
	// TriggerPipeline starts the provisioning pipeline for a ticket.
	TriggerPipeline(ctx context.Context, ticketKey string, req *models.VMRequest) TriggerResult
	// GetPipelineStatus fetches the current state of a pipeline.
	GetPipelineStatus(ctx context.Context, pipelineID int64) StatusResult
	// ReleaseManualJob plays the first manual job of a pipeline.
	ReleaseManualJob(ctx context.Context, pipelineID int64) ReleaseResult
}

// TicketDetail is the subset of a ticket the broker reads back.
type TicketDetail struct {
	Key         string `json:"key"`
	ProjectKey  string `json:"project_key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Status      string `json:"status"`
	URL         string `json:"url"`
}

// TicketError reports a failed ticket tracker call.
type TicketError struct {
	Op         string // "create" or "lookup"
	StatusCode int
	Err        error
}

func (e *TicketError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ticket %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ticket %s: %v", e.Op, e.Err)
}

func (e *TicketError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call later may succeed.
func (e *TicketError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TriggerResult is the outcome of TriggerPipeline.
type TriggerResult struct {
	Success    bool
	PipelineID int64
	Status     string
	WebURL     string
	Ref        string
	SHA        string
	Err        error
}

// StatusResult is the outcome of GetPipelineStatus.
type StatusResult struct {
	Success    bool
	PipelineID int64
	Status     string
	WebURL     string
	Ref        string
	SHA        string
	Duration   int
	FinishedAt *time.Time
	Err        error
}

// ReleaseResult is the outcome of ReleaseManualJob.
type ReleaseResult struct {
	Success bool
	JobID   int64
	JobName string
	Status  string
	Err     error
}

// Logger is the logging surface the services need.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}
