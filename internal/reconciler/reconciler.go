// Package reconciler pulls ticket and pipeline state from the external
// systems and advances workflow runs accordingly.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vm-broker/backend/internal/repository"
	"vm-broker/backend/internal/services"
	"vm-broker/backend/internal/workflow"
	"vm-broker/backend/pkg/models"
)

// Pass names.
const (
	PassPipelines = "pipelines"
	PassWorkflows = "workflows"
)

// Logger is the logging surface the reconciler needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Options tunes the reconciler. Zero values fall back to the defaults.
type Options struct {
	PipelineInterval time.Duration
	WorkflowInterval time.Duration
	PipelineWindow   time.Duration
	WorkflowWindow   time.Duration
	ClientTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.PipelineInterval <= 0 {
		o.PipelineInterval = time.Minute
	}
	if o.WorkflowInterval <= 0 {
		o.WorkflowInterval = time.Minute
	}
	if o.PipelineWindow <= 0 {
		o.PipelineWindow = 24 * time.Hour
	}
	if o.WorkflowWindow <= 0 {
		o.WorkflowWindow = 7 * 24 * time.Hour
	}
	if o.ClientTimeout <= 0 {
		o.ClientTimeout = 10 * time.Second
	}
	return o
}

// PassReport summarizes one run of a pass.
type PassReport struct {
	Pass        string    `json:"pass"`
	Skipped     bool      `json:"skipped,omitempty"`
	Rows        int       `json:"rows"`
	Errors      int       `json:"errors"`
	Promotions  int       `json:"promotions"`
	Completions int       `json:"completions"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Report is the result of RunOnce.
type Report struct {
	Pipelines PassReport `json:"pipelines"`
	Workflows PassReport `json:"workflows"`
}

// PassStatus is the liveness view of one pass.
type PassStatus struct {
	Pass         string        `json:"pass"`
	Interval     time.Duration `json:"interval"`
	LastStarted  time.Time     `json:"last_started,omitempty"`
	LastFinished time.Time     `json:"last_finished,omitempty"`
	Healthy      bool          `json:"healthy"`
}

type passState struct {
	lastStarted  time.Time
	lastFinished time.Time
}

// Reconciler runs the pipeline-refresh pass and the workflow sweep.
type Reconciler struct {
	store     repository.RequestStore
	tickets   services.TicketClient
	pipelines services.PipelineClient
	locker    PassLocker
	logger    Logger
	opts      Options
	metrics   *passMetrics
	tracer    trace.Tracer
	now       func() time.Time
	created   time.Time

	mu    sync.Mutex
	state map[string]*passState
}

// New creates a Reconciler. A nil locker disables the pass guard.
func New(store repository.RequestStore, tickets services.TicketClient, pipelines services.PipelineClient,
	locker PassLocker, logger Logger, opts Options) *Reconciler {
	if locker == nil {
		locker = NoopLocker{}
	}
	return &Reconciler{
		store:     store,
		tickets:   tickets,
		pipelines: pipelines,
		locker:    locker,
		logger:    logger,
		opts:      opts.withDefaults(),
		metrics:   newPassMetrics(),
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
		created:   time.Now(),
		state: map[string]*passState{
			PassPipelines: {},
			PassWorkflows: {},
		},
	}
}

// Run starts both passes on their own tickers and blocks until ctx is
// cancelled. A pass in flight finishes its current row before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started",
		"pipeline_interval", r.opts.PipelineInterval.String(),
		"workflow_interval", r.opts.WorkflowInterval.String())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.loop(ctx, PassPipelines, r.opts.PipelineInterval, r.pipelinePass)
	}()
	go func() {
		defer wg.Done()
		r.loop(ctx, PassWorkflows, r.opts.WorkflowInterval, r.workflowPass)
	}()
	wg.Wait()

	r.logger.Info("reconciler stopped")
	return nil
}

// RunOnce runs the pipeline pass and then the workflow sweep.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	return Report{
		Pipelines: r.runPass(ctx, PassPipelines, r.pipelinePass),
		Workflows: r.runPass(ctx, PassWorkflows, r.workflowPass),
	}
}

// Liveness reports when each pass last ran. A pass is healthy when it
// completed within three intervals.
func (r *Reconciler) Liveness() []PassStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]PassStatus, 0, 2)
	for _, p := range []struct {
		name     string
		interval time.Duration
	}{
		{PassPipelines, r.opts.PipelineInterval},
		{PassWorkflows, r.opts.WorkflowInterval},
	} {
		st := r.state[p.name]
		ref := st.lastFinished
		if ref.IsZero() {
			ref = r.created
		}
		out = append(out, PassStatus{
			Pass:         p.name,
			Interval:     p.interval,
			LastStarted:  st.lastStarted,
			LastFinished: st.lastFinished,
			Healthy:      now.Sub(ref) <= 3*p.interval,
		})
	}
	return out
}

// Healthy reports whether every pass is live.
func (r *Reconciler) Healthy() bool {
	for _, st := range r.Liveness() {
		if !st.Healthy {
			return false
		}
	}
	return true
}

type passFunc func(ctx context.Context, report *PassReport)

func (r *Reconciler) loop(ctx context.Context, name string, interval time.Duration, fn passFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.runPass(ctx, name, fn)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) runPass(ctx context.Context, name string, fn passFunc) PassReport {
	report := PassReport{Pass: name, StartedAt: r.now()}
	if ctx.Err() != nil {
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		return report
	}

	release, ok, err := r.locker.Acquire(ctx, name)
	if err != nil {
		r.logger.Warn("pass lock unavailable, running unguarded", "pass", name, "error", err)
		release, ok = func() {}, true
	}
	if !ok {
		r.logger.Debug("pass held by another replica", "pass", name)
		report.Skipped = true
		report.FinishedAt = r.now()
		return report
	}
	defer release()

	r.markStarted(name, report.StartedAt)

	ctx, span := r.tracer.Start(ctx, "reconciler."+name)
	fn(ctx, &report)
	span.SetAttributes(
		attribute.Int("rows", report.Rows),
		attribute.Int("errors", report.Errors),
		attribute.Int("promotions", report.Promotions),
	)
	span.End()

	report.FinishedAt = r.now()
	r.markFinished(name, report.FinishedAt)
	r.metrics.record(context.WithoutCancel(ctx), report)

	if report.Rows > 0 || report.Errors > 0 {
		r.logger.Info("pass finished", "pass", name, "rows", report.Rows, "errors", report.Errors,
			"promotions", report.Promotions, "completions", report.Completions,
			"duration", report.FinishedAt.Sub(report.StartedAt).String())
	}
	return report
}

func (r *Reconciler) pipelinePass(ctx context.Context, report *PassReport) {
	rows, err := r.store.OpenPipelines(ctx, r.opts.PipelineWindow)
	if err != nil {
		r.logger.Error("list open pipelines failed", "error", err)
		report.Errors++
		return
	}
	for _, p := range rows {
		if ctx.Err() != nil {
			return
		}
		report.Rows++
		r.guard(ctx, report, p.WorkflowID, func(rowCtx context.Context) error {
			return r.refreshPipeline(rowCtx, p, report)
		})
	}
}

func (r *Reconciler) workflowPass(ctx context.Context, report *PassReport) {
	runs, err := r.store.OpenWorkflows(ctx, r.opts.WorkflowWindow)
	if err != nil {
		r.logger.Error("list open workflows failed", "error", err)
		report.Errors++
		return
	}
	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		report.Rows++
		r.guard(ctx, report, run.ID, func(rowCtx context.Context) error {
			promoted, err := r.maybeAdvance(rowCtx, run.ID)
			if promoted {
				report.Promotions++
			}
			return err
		})
	}
}

// guard runs one row on a context detached from shutdown, so the row's
// writes complete, and isolates its errors and panics from the rest of the pass.
func (r *Reconciler) guard(ctx context.Context, report *PassReport, workflowID string, fn func(ctx context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			report.Errors++
			r.logger.Error("panic while reconciling row",
				"workflow_id", workflowID, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		report.Errors++
		r.logger.Error("reconcile row failed", "workflow_id", workflowID, "error", err)
	}
}

func (r *Reconciler) refreshPipeline(ctx context.Context, p *models.PipelineRecord, report *PassReport) error {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	res := r.pipelines.GetPipelineStatus(callCtx, p.PipelineID)
	cancel()

	if !res.Success {
		cause := res.Err
		if cause == nil {
			cause = fmt.Errorf("pipeline %d status unavailable", p.PipelineID)
		}
		r.recordFailure(ctx, p.WorkflowID, models.SourceGitLabAPI, cause.Error())
		return cause
	}

	status := workflow.ParsePipelineStatus(res.Status)
	p.Status = res.Status
	if res.WebURL != "" {
		p.WebURL = res.WebURL
	}
	p.Duration = res.Duration
	if res.FinishedAt != nil {
		p.FinishedAt = res.FinishedAt
	}
	if err := r.store.UpsertPipeline(ctx, p); err != nil {
		return fmt.Errorf("store pipeline %d: %w", p.PipelineID, err)
	}

	if status.IsFailure() {
		r.recordFailure(ctx, p.WorkflowID, models.SourceGitLab, fmt.Sprintf("pipeline %d %s", p.PipelineID, status))
	}

	if status.IsTerminal() {
		completed, err := r.complete(ctx, p, status)
		if err != nil {
			return err
		}
		if completed {
			report.Completions++
		}
	}

	promoted, err := r.maybeAdvance(ctx, p.WorkflowID)
	if promoted {
		report.Promotions++
	}
	return err
}

// complete moves a SUBMITTED or IN_PROGRESS workflow to the outcome of its
// latest pipeline once that pipeline has finished.
func (r *Reconciler) complete(ctx context.Context, p *models.PipelineRecord, status workflow.PipelineStatus) (bool, error) {
	next, ok := status.Outcome()
	if !ok {
		return false, nil
	}

	latest, err := r.store.LatestPipeline(ctx, p.WorkflowID)
	if err != nil {
		return false, err
	}
	if latest.PipelineID != p.PipelineID {
		return false, nil
	}

	run, err := r.store.GetRequest(ctx, p.WorkflowID)
	if err != nil {
		return false, err
	}
	if run.Status != models.StatusSubmitted && run.Status != models.StatusInProgress {
		return false, nil
	}
	if !workflow.CanTransition(run.Status, next) {
		return false, nil
	}

	moved, err := r.store.Transition(ctx, run.ID, run.Status, next, repository.TransitionFields{})
	if err != nil {
		return false, err
	}
	if moved {
		r.logger.Info("workflow completed from pipeline", "workflow_id", run.ID, "pipeline_id", p.PipelineID, "status", next)
	}
	return moved, nil
}

// maybeAdvance promotes a SUBMITTED run to PENDING_APPROVAL once its ticket
// is "to do" and its latest pipeline is waiting at the manual gate. Runs in
// any other status are left alone, so repeated calls are harmless.
func (r *Reconciler) maybeAdvance(ctx context.Context, workflowID string) (bool, error) {
	run, err := r.store.GetRequest(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if run.Status != models.StatusSubmitted {
		return false, nil
	}

	ticket, err := r.store.LatestTicket(ctx, workflowID)
	if errors.Is(err, models.ErrNotFound) {
		r.recordFailure(ctx, workflowID, models.SourceJira, "no ticket found")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	status := r.refreshTicketStatus(ctx, ticket)
	if !workflow.TicketReady(status) {
		r.recordFailure(ctx, workflowID, models.SourceJira,
			fmt.Sprintf("ticket %s is %q, waiting for To Do", ticket.TicketID, status))
		return false, nil
	}

	pipeline, err := r.store.LatestPipeline(ctx, workflowID)
	if errors.Is(err, models.ErrNotFound) {
		r.recordFailure(ctx, workflowID, models.SourceGitLab, "no pipeline found")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ps := workflow.ParsePipelineStatus(pipeline.Status); ps != workflow.PipelineManual {
		r.recordFailure(ctx, workflowID, models.SourceGitLab,
			fmt.Sprintf("pipeline %d is %s, waiting for manual", pipeline.PipelineID, ps))
		return false, nil
	}

	moved, err := r.store.Transition(ctx, workflowID, models.StatusSubmitted, models.StatusPendingApproval, repository.TransitionFields{})
	if err != nil {
		return false, err
	}
	if moved {
		r.logger.Info("workflow ready for approval", "workflow_id", workflowID, "ticket", ticket.TicketID, "pipeline_id", pipeline.PipelineID)
	}
	return moved, nil
}

// refreshTicketStatus asks the tracker for the current ticket status and
// stores it when it changed. The stored status is used when the lookup fails.
func (r *Reconciler) refreshTicketStatus(ctx context.Context, ticket *models.TicketRecord) string {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	detail, err := r.tickets.GetTicketDetail(callCtx, ticket.TicketID)
	cancel()

	if err != nil {
		r.logger.Warn("ticket lookup failed, using stored status", "ticket", ticket.TicketID, "error", err)
		return ticket.Status
	}
	if detail.Status == "" || detail.Status == ticket.Status {
		return ticket.Status
	}
	if err := r.store.UpdateTicketStatus(ctx, ticket.TicketID, detail.Status); err != nil {
		r.logger.Warn("store ticket status failed", "ticket", ticket.TicketID, "error", err)
	}
	return detail.Status
}

func (r *Reconciler) recordFailure(ctx context.Context, workflowID, source, message string) {
	if err := r.store.RecordFailure(ctx, workflowID, source, message); err != nil {
		r.logger.Error("failed to record failure", "workflow_id", workflowID, "source", source, "error", err)
	}
}

func (r *Reconciler) markStarted(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[name].lastStarted = at
}

func (r *Reconciler) markFinished(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[name].lastFinished = at
}
