package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-broker/backend/internal/workflow"
	"vm-broker/backend/pkg/models"
)

const workflowColumns = `workflow_id, status, created_by, created_at, updated_at,
	approved_by, approved_at, cancelled_by, cancelled_at, returned_by, returned_at,
	failed_message, request_payload`

const ticketColumns = `id, workflow_id, ticket_id, project_key, summary, url, status, created_at`

const pipelineColumns = `id, workflow_id, pipeline_id, status, web_url, ref, sha,
	started_at, finished_at, duration, updated_at`

// PostgresRequestStore is a PostgreSQL implementation of the RequestStore interface.
type PostgresRequestStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresRequestStore creates a new PostgresRequestStore.
func NewPostgresRequestStore(db *pgxpool.Pool) *PostgresRequestStore {
	return &PostgresRequestStore{db: db, now: time.Now}
}

// Ping checks the database connection.
func (s *PostgresRequestStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateDraft inserts a DRAFT workflow run.
func (s *PostgresRequestStore) CreateDraft(ctx context.Context, createdBy string, payload json.RawMessage) (string, error) {
	if err := checkPayload(payload); err != nil {
		return "", err
	}
	id := uuid.New()
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_runs (workflow_id, status, created_by, request_payload)
		VALUES ($1, $2, $3, $4)`, id, models.StatusDraft, createdBy, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("insert workflow run: %w", err)
	}
	return id.String(), nil
}

// UpdateDraftPayload replaces the payload of a DRAFT workflow run.
func (s *PostgresRequestStore) UpdateDraftPayload(ctx context.Context, workflowID string, payload json.RawMessage) error {
	if err := checkPayload(payload); err != nil {
		return err
	}
	id, err := parseID(workflowID)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_runs SET request_payload = $2, updated_at = now()
		WHERE workflow_id = $1 AND status = $3`, id, []byte(payload), models.StatusDraft)
	if err != nil {
		return fmt.Errorf("update draft payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, "edit")
	}
	return nil
}

// GetRequest loads one workflow run.
func (s *PostgresRequestStore) GetRequest(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	id, err := parseID(workflowID)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflow_runs WHERE workflow_id = $1`, id)
	run, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, models.ErrNotFound)
	}
	return run, err
}

// ListRequests returns workflow runs, newest first.
func (s *PostgresRequestStore) ListRequests(ctx context.Context, filter ListFilter) ([]*models.WorkflowRun, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+workflowColumns+` FROM workflow_runs
		WHERE ($1 = '' OR created_by = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3`, filter.CreatedBy, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// DeleteDraft removes a DRAFT workflow run and, by cascade, its snapshots.
func (s *PostgresRequestStore) DeleteDraft(ctx context.Context, workflowID string) error {
	id, err := parseID(workflowID)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM workflow_runs WHERE workflow_id = $1 AND status = $2`, id, models.StatusDraft)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, "delete")
	}
	return nil
}

// Transition performs the conditional status update. Illegal pairs are
// rejected before touching the database.
func (s *PostgresRequestStore) Transition(ctx context.Context, workflowID string, expected, next models.Status, fields TransitionFields) (bool, error) {
	if err := workflow.Validate(expected, next); err != nil {
		return false, err
	}
	id, err := parseID(workflowID)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_runs SET
			status = $3,
			updated_at = now(),
			approved_by = COALESCE($4, approved_by),
			approved_at = CASE WHEN $4::text IS NULL THEN approved_at ELSE now() END,
			cancelled_by = COALESCE($5, cancelled_by),
			cancelled_at = CASE WHEN $5::text IS NULL THEN cancelled_at ELSE now() END,
			returned_by = COALESCE($6, returned_by),
			returned_at = CASE WHEN $6::text IS NULL THEN returned_at ELSE now() END
		WHERE workflow_id = $1 AND status = $2`,
		id, expected, next,
		nullable(fields.ApprovedBy), nullable(fields.CancelledBy), nullable(fields.ReturnedBy))
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", expected, next, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteSubmission moves the run to SUBMITTED and stores both snapshots
// in one transaction.
func (s *PostgresRequestStore) CompleteSubmission(ctx context.Context, workflowID string, ticket *models.TicketRecord, pipeline *models.PipelineRecord) (bool, error) {
	id, err := parseID(workflowID)
	if err != nil {
		return false, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin submission: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE workflow_runs SET status = $3, updated_at = now()
		WHERE workflow_id = $1 AND status = $2`, id, models.StatusDraft, models.StatusSubmitted)
	if err != nil {
		return false, fmt.Errorf("submit workflow: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	ticket.WorkflowID = workflowID
	if err := insertTicket(ctx, tx, id, ticket); err != nil {
		return false, err
	}
	pipeline.WorkflowID = workflowID
	if err := upsertPipeline(ctx, tx, id, pipeline); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit submission: %w", err)
	}
	return true, nil
}

// RecordFailure merges one source's message into failed_message.
func (s *PostgresRequestStore) RecordFailure(ctx context.Context, workflowID, source, message string) error {
	id, err := parseID(workflowID)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_runs
		SET failed_message = COALESCE(failed_message, '{}'::jsonb) || jsonb_build_object($2::text, $3::text),
			updated_at = now()
		WHERE workflow_id = $1`, id, source, message)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", workflowID, models.ErrNotFound)
	}
	return nil
}

// SaveTicket inserts a ticket snapshot.
func (s *PostgresRequestStore) SaveTicket(ctx context.Context, ticket *models.TicketRecord) error {
	id, err := parseID(ticket.WorkflowID)
	if err != nil {
		return err
	}
	return insertTicket(ctx, s.db, id, ticket)
}

// UpdateTicketStatus refreshes the stored status of a ticket.
func (s *PostgresRequestStore) UpdateTicketStatus(ctx context.Context, ticketID, status string) error {
	tag, err := s.db.Exec(ctx, `UPDATE jira_tickets SET status = $2 WHERE ticket_id = $1`, ticketID, status)
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound)
	}
	return nil
}

// UpsertPipeline inserts or refreshes a pipeline snapshot.
func (s *PostgresRequestStore) UpsertPipeline(ctx context.Context, pipeline *models.PipelineRecord) error {
	id, err := parseID(pipeline.WorkflowID)
	if err != nil {
		return err
	}
	return upsertPipeline(ctx, s.db, id, pipeline)
}

// LatestTicket returns the newest ticket of a workflow run.
func (s *PostgresRequestStore) LatestTicket(ctx context.Context, workflowID string) (*models.TicketRecord, error) {
	id, err := parseID(workflowID)
	if err != nil {
		return nil, err
	}
	var t models.TicketRecord
	var wid uuid.UUID
	err = s.db.QueryRow(ctx, `SELECT `+ticketColumns+` FROM jira_tickets
		WHERE workflow_id = $1 ORDER BY id DESC LIMIT 1`, id).
		Scan(&t.ID, &wid, &t.TicketID, &t.ProjectKey, &t.Summary, &t.URL, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticket for workflow %s: %w", workflowID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest ticket: %w", err)
	}
	t.WorkflowID = wid.String()
	return &t, nil
}

// LatestPipeline returns the most recently started pipeline of a workflow run.
func (s *PostgresRequestStore) LatestPipeline(ctx context.Context, workflowID string) (*models.PipelineRecord, error) {
	id, err := parseID(workflowID)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+pipelineColumns+` FROM gitlab_pipelines
		WHERE workflow_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline for workflow %s: %w", workflowID, models.ErrNotFound)
	}
	return p, err
}

// OpenPipelines lists non-terminal pipelines started within maxAge.
func (s *PostgresRequestStore) OpenPipelines(ctx context.Context, maxAge time.Duration) ([]*models.PipelineRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pipelineColumns+` FROM gitlab_pipelines
		WHERE lower(trim(status)) NOT IN ('success', 'failed', 'canceled', 'cancelled', 'skipped')
		  AND started_at >= $1
		ORDER BY started_at`, s.now().Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("open pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.PipelineRecord
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// OpenWorkflows lists SUBMITTED runs created within maxAge.
func (s *PostgresRequestStore) OpenWorkflows(ctx context.Context, maxAge time.Duration) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx, `SELECT `+workflowColumns+` FROM workflow_runs
		WHERE status = $1 AND created_at >= $2
		ORDER BY created_at`, models.StatusSubmitted, s.now().Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("open workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// explainMiss turns a zero-row conditional write into ErrNotFound or ErrConflict.
func (s *PostgresRequestStore) explainMiss(ctx context.Context, id uuid.UUID, op string) error {
	var status models.Status
	err := s.db.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE workflow_id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("workflow %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup workflow: %w", err)
	}
	return fmt.Errorf("%w: cannot %s workflow %s in status %s", models.ErrConflict, op, id, status)
}

func insertTicket(ctx context.Context, q queryer, workflowID uuid.UUID, t *models.TicketRecord) error {
	err := q.QueryRow(ctx, `INSERT INTO jira_tickets (workflow_id, ticket_id, project_key, summary, url, status)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		workflowID, t.TicketID, t.ProjectKey, t.Summary, t.URL, t.Status).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func upsertPipeline(ctx context.Context, q queryer, workflowID uuid.UUID, p *models.PipelineRecord) error {
	startedAt := p.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	err := q.QueryRow(ctx, `INSERT INTO gitlab_pipelines
			(workflow_id, pipeline_id, status, web_url, ref, sha, started_at, finished_at, duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pipeline_id) DO UPDATE SET
			status = EXCLUDED.status,
			web_url = COALESCE(NULLIF(EXCLUDED.web_url, ''), gitlab_pipelines.web_url),
			finished_at = COALESCE(EXCLUDED.finished_at, gitlab_pipelines.finished_at),
			duration = EXCLUDED.duration,
			updated_at = now()
		RETURNING id, started_at, updated_at`,
		workflowID, p.PipelineID, p.Status, p.WebURL, p.Ref, p.SHA, startedAt, p.FinishedAt, p.Duration).
		Scan(&p.ID, &p.StartedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pipeline %d: %w", p.PipelineID, err)
	}
	return nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanWorkflow(row pgx.Row) (*models.WorkflowRun, error) {
	var (
		run     models.WorkflowRun
		id      uuid.UUID
		failed  []byte
		payload []byte
	)
	err := row.Scan(&id, &run.Status, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt,
		&run.ApprovedBy, &run.ApprovedAt, &run.CancelledBy, &run.CancelledAt,
		&run.ReturnedBy, &run.ReturnedAt, &failed, &payload)
	if err != nil {
		return nil, err
	}
	run.ID = id.String()
	run.RequestPayload = json.RawMessage(payload)
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &run.FailedMessage); err != nil {
			return nil, fmt.Errorf("decode failed_message: %w", err)
		}
	}
	return &run, nil
}

func collectWorkflows(rows pgx.Rows) ([]*models.WorkflowRun, error) {
	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanPipeline(row pgx.Row) (*models.PipelineRecord, error) {
	var (
		p   models.PipelineRecord
		wid uuid.UUID
	)
	err := row.Scan(&p.ID, &wid, &p.PipelineID, &p.Status, &p.WebURL, &p.Ref, &p.SHA,
		&p.StartedAt, &p.FinishedAt, &p.Duration, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.WorkflowID = wid.String()
	return &p, nil
}

func parseID(workflowID string) (uuid.UUID, error) {
	id, err := uuid.Parse(workflowID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("workflow %q: %w", workflowID, models.ErrNotFound)
	}
	return id, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// checkPayload rejects empty or non-object payloads.
func checkPayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty payload", models.ErrDataIntegrity)
	}
	var doc map[string]any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object: %v", models.ErrDataIntegrity, err)
	}
	if len(doc) == 0 {
		return fmt.Errorf("%w: empty payload", models.ErrDataIntegrity)
	}
	return nil
}
