package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vm-broker/backend/internal/workflow"
	"vm-broker/backend/pkg/models"
)

// MemoryRequestStore keeps workflow runs in process memory. It honours the
// same conditional-update contract as the PostgreSQL store and backs local
// development (db.driver=memory) and tests.
type MemoryRequestStore struct {
	mu        sync.Mutex
	runs      map[string]*models.WorkflowRun
	tickets   []*models.TicketRecord
	pipelines map[int64]*models.PipelineRecord
	nextID    int64
	now       func() time.Time
}

// NewMemoryRequestStore creates an empty MemoryRequestStore.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		runs:      make(map[string]*models.WorkflowRun),
		pipelines: make(map[int64]*models.PipelineRecord),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests that age rows.
func (s *MemoryRequestStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryRequestStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryRequestStore) CreateDraft(ctx context.Context, createdBy string, payload json.RawMessage) (string, error) {
	if err := checkPayload(payload); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := uuid.New().String()
	s.runs[id] = &models.WorkflowRun{
		ID:             id,
		Status:         models.StatusDraft,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
		FailedMessage:  map[string]string{},
		RequestPayload: append(json.RawMessage(nil), payload...),
	}
	return id, nil
}

func (s *MemoryRequestStore) UpdateDraftPayload(ctx context.Context, workflowID string, payload json.RawMessage) error {
	if err := checkPayload(payload); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.lookup(workflowID)
	if err != nil {
		return err
	}
	if run.Status != models.StatusDraft {
		return fmt.Errorf("%w: cannot edit workflow %s in status %s", models.ErrConflict, workflowID, run.Status)
	}
	run.RequestPayload = append(json.RawMessage(nil), payload...)
	run.UpdatedAt = s.now()
	return nil
}

func (s *MemoryRequestStore) GetRequest(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

func (s *MemoryRequestStore) ListRequests(ctx context.Context, filter ListFilter) ([]*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.WorkflowRun
	for _, run := range s.runs {
		if filter.CreatedBy != "" && run.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRequestStore) DeleteDraft(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.lookup(workflowID)
	if err != nil {
		return err
	}
	if run.Status != models.StatusDraft {
		return fmt.Errorf("%w: cannot delete workflow %s in status %s", models.ErrConflict, workflowID, run.Status)
	}
	delete(s.runs, workflowID)

	kept := s.tickets[:0]
	for _, t := range s.tickets {
		if t.WorkflowID != workflowID {
			kept = append(kept, t)
		}
	}
	s.tickets = kept
	for pid, p := range s.pipelines {
		if p.WorkflowID == workflowID {
			delete(s.pipelines, pid)
		}
	}
	return nil
}

func (s *MemoryRequestStore) Transition(ctx context.Context, workflowID string, expected, next models.Status, fields TransitionFields) (bool, error) {
	if err := workflow.Validate(expected, next); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[workflowID]
	if !ok || run.Status != expected {
		return false, nil
	}
	s.apply(run, next, fields)
	return true, nil
}

func (s *MemoryRequestStore) CompleteSubmission(ctx context.Context, workflowID string, ticket *models.TicketRecord, pipeline *models.PipelineRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[workflowID]
	if !ok || run.Status != models.StatusDraft {
		return false, nil
	}
	s.apply(run, models.StatusSubmitted, TransitionFields{})

	ticket.WorkflowID = workflowID
	s.insertTicket(ticket)
	pipeline.WorkflowID = workflowID
	s.upsertPipeline(pipeline)
	return true, nil
}

func (s *MemoryRequestStore) RecordFailure(ctx context.Context, workflowID, source, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.lookup(workflowID)
	if err != nil {
		return err
	}
	if run.FailedMessage == nil {
		run.FailedMessage = map[string]string{}
	}
	run.FailedMessage[source] = message
	run.UpdatedAt = s.now()
	return nil
}

func (s *MemoryRequestStore) SaveTicket(ctx context.Context, ticket *models.TicketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(ticket.WorkflowID); err != nil {
		return err
	}
	s.insertTicket(ticket)
	return nil
}

func (s *MemoryRequestStore) UpdateTicketStatus(ctx context.Context, ticketID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, t := range s.tickets {
		if t.TicketID == ticketID {
			t.Status = status
			found = true
		}
	}
	if !found {
		return fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound)
	}
	return nil
}

func (s *MemoryRequestStore) UpsertPipeline(ctx context.Context, pipeline *models.PipelineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(pipeline.WorkflowID); err != nil {
		return err
	}
	s.upsertPipeline(pipeline)
	return nil
}

func (s *MemoryRequestStore) LatestTicket(ctx context.Context, workflowID string) (*models.TicketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.TicketRecord
	for _, t := range s.tickets {
		if t.WorkflowID == workflowID && (latest == nil || t.ID > latest.ID) {
			latest = t
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("ticket for workflow %s: %w", workflowID, models.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryRequestStore) LatestPipeline(ctx context.Context, workflowID string) (*models.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.PipelineRecord
	for _, p := range s.pipelines {
		if p.WorkflowID != workflowID {
			continue
		}
		if latest == nil || p.StartedAt.After(latest.StartedAt) ||
			(p.StartedAt.Equal(latest.StartedAt) && p.ID > latest.ID) {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("pipeline for workflow %s: %w", workflowID, models.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryRequestStore) OpenPipelines(ctx context.Context, maxAge time.Duration) ([]*models.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var out []*models.PipelineRecord
	for _, p := range s.pipelines {
		if workflow.ParsePipelineStatus(p.Status).IsTerminal() || p.StartedAt.Before(cutoff) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryRequestStore) OpenWorkflows(ctx context.Context, maxAge time.Duration) ([]*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var out []*models.WorkflowRun
	for _, run := range s.runs {
		if run.Status == models.StatusSubmitted && !run.CreatedAt.Before(cutoff) {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRequestStore) lookup(workflowID string) (*models.WorkflowRun, error) {
	run, ok := s.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, models.ErrNotFound)
	}
	return run, nil
}

func (s *MemoryRequestStore) apply(run *models.WorkflowRun, next models.Status, fields TransitionFields) {
	now := s.now()
	run.Status = next
	run.UpdatedAt = now
	stamp := func(by string, byField **string, atField **time.Time) {
		if by == "" {
			return
		}
		name, at := by, now
		*byField, *atField = &name, &at
	}
	stamp(fields.ApprovedBy, &run.ApprovedBy, &run.ApprovedAt)
	stamp(fields.CancelledBy, &run.CancelledBy, &run.CancelledAt)
	stamp(fields.ReturnedBy, &run.ReturnedBy, &run.ReturnedAt)
}

func (s *MemoryRequestStore) insertTicket(t *models.TicketRecord) {
	s.nextID++
	t.ID = s.nextID
	t.CreatedAt = s.now()
	cp := *t
	s.tickets = append(s.tickets, &cp)
}

func (s *MemoryRequestStore) upsertPipeline(p *models.PipelineRecord) {
	now := s.now()
	if existing, ok := s.pipelines[p.PipelineID]; ok {
		existing.Status = p.Status
		if p.WebURL != "" {
			existing.WebURL = p.WebURL
		}
		if p.FinishedAt != nil {
			existing.FinishedAt = p.FinishedAt
		}
		existing.Duration = p.Duration
		existing.UpdatedAt = now
		*p = *existing
		return
	}
	s.nextID++
	p.ID = s.nextID
	if p.StartedAt.IsZero() {
		p.StartedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	s.pipelines[p.PipelineID] = &cp
}

func cloneRun(run *models.WorkflowRun) *models.WorkflowRun {
	cp := *run
	cp.FailedMessage = make(map[string]string, len(run.FailedMessage))
	for k, v := range run.FailedMessage {
		cp.FailedMessage[k] = v
	}
	cp.RequestPayload = append(json.RawMessage(nil), run.RequestPayload...)
	return &cp
}
