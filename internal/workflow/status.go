package workflow

import (
	"regexp"
	"strings"

	"vm-broker/backend/pkg/models"
)

var separatorRun = regexp.MustCompile(`[\s_-]+`)

// ticketReadyStatus is the normalized tracker status that allows promotion.
const ticketReadyStatus = "to do"

// NormalizeTicketStatus lowercases a tracker status and collapses runs of
// whitespace, hyphens and underscores to a single space.
func NormalizeTicketStatus(s string) string {
	return strings.TrimSpace(separatorRun.ReplaceAllString(strings.ToLower(s), " "))
}

// TicketReady reports whether a tracker status normalizes to "to do".
func TicketReady(s string) bool {
	return NormalizeTicketStatus(s) == ticketReadyStatus
}

// PipelineStatus is a CI pipeline status as reported by GitLab.
type PipelineStatus string

const (
	PipelineCreated            PipelineStatus = "created"
	PipelineWaitingForResource PipelineStatus = "waiting_for_resource"
	PipelinePreparing          PipelineStatus = "preparing"
	PipelinePending            PipelineStatus = "pending"
	PipelineRunning            PipelineStatus = "running"
	PipelineManual             PipelineStatus = "manual"
	PipelineScheduled          PipelineStatus = "scheduled"
	PipelineSuccess            PipelineStatus = "success"
	PipelineFailed             PipelineStatus = "failed"
	PipelineCanceled           PipelineStatus = "canceled"
	PipelineSkipped            PipelineStatus = "skipped"
	PipelineUnknown            PipelineStatus = "unknown"
)

var knownPipelineStatuses = map[PipelineStatus]bool{
	PipelineCreated:            true,
	PipelineWaitingForResource: true,
	PipelinePreparing:          true,
	PipelinePending:            true,
	PipelineRunning:            true,
	PipelineManual:             true,
	PipelineScheduled:          true,
	PipelineSuccess:            true,
	PipelineFailed:             true,
	PipelineCanceled:           true,
	PipelineSkipped:            true,
}

// ParsePipelineStatus maps a free-text pipeline status onto PipelineStatus.
// "cancelled" is accepted as an alias of "canceled".
func ParsePipelineStatus(s string) PipelineStatus {
	v := PipelineStatus(strings.ToLower(strings.TrimSpace(s)))
	if v == "cancelled" {
		return PipelineCanceled
	}
	if knownPipelineStatuses[v] {
		return v
	}
	return PipelineUnknown
}

// IsTerminal reports whether the pipeline has finished.
func (p PipelineStatus) IsTerminal() bool {
	switch p {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped:
		return true
	}
	return false
}

// IsFailure reports whether the pipeline finished without success.
func (p PipelineStatus) IsFailure() bool {
	return p == PipelineFailed || p == PipelineCanceled
}

// Outcome maps a terminal pipeline status onto the workflow status it implies.
func (p PipelineStatus) Outcome() (models.Status, bool) {
	switch p {
	case PipelineSuccess:
		return models.StatusSuccess, true
	case PipelineFailed:
		return models.StatusFailed, true
	case PipelineCanceled:
		return models.StatusCancelled, true
	}
	return "", false
}

// WebhookOutcome maps the status carried by a pipeline webhook onto a
// workflow status. Statuses that do not end a pipeline are ignored.
func WebhookOutcome(s string) (models.Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "PASSED":
		return models.StatusSuccess, true
	case "FAILED":
		return models.StatusFailed, true
	case "CANCELED", "CANCELLED":
		return models.StatusCancelled, true
	}
	return "", false
}
