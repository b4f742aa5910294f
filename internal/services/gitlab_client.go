package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xanzy/go-gitlab"

	"vm-broker/backend/internal/config"
	"vm-broker/backend/internal/workflow"
	"vm-broker/backend/pkg/models"
)

// GitLabClient implements PipelineClient on top of the GitLab REST API.
type GitLabClient struct {
	client       *gitlab.Client
	projectID    string
	branch       string
	triggerToken string
}

// NewGitLabClient creates a GitLabClient. The private token is used for
// status and job calls; pipelines are started with the trigger token.
func NewGitLabClient(cfg config.GitLabConfig, timeout time.Duration) (*GitLabClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("gitlab url is required")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("gitlab project id is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	if !strings.HasSuffix(baseURL, "/api/v4") {
		baseURL += "/api/v4"
	}

	client, err := gitlab.NewClient(cfg.PrivateToken,
		gitlab.WithBaseURL(baseURL),
		gitlab.WithHTTPClient(&http.Client{Timeout: timeout}),
		gitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}

	return &GitLabClient{
		client:       client,
		projectID:    cfg.ProjectID,
		branch:       branch,
		triggerToken: cfg.TriggerToken,
	}, nil
}

// TriggerPipeline starts the provisioning pipeline on the configured branch.
func (c *GitLabClient) TriggerPipeline(ctx context.Context, ticketKey string, req *models.VMRequest) TriggerResult {
	opts := &gitlab.RunPipelineTriggerOptions{
		Ref:       gitlab.Ptr(c.branch),
		Token:     gitlab.Ptr(c.triggerToken),
		Variables: PipelineVariables(ticketKey, req),
	}

	pipeline, _, err := c.client.PipelineTriggers.RunPipelineTrigger(c.projectID, opts, gitlab.WithContext(ctx))
	if err != nil {
		return TriggerResult{Err: fmt.Errorf("trigger pipeline: %w", err)}
	}

	ref := pipeline.Ref
	if ref == "" {
		ref = c.branch
	}
	return TriggerResult{
		Success:    true,
		PipelineID: int64(pipeline.ID),
		Status:     pipeline.Status,
		WebURL:     pipeline.WebURL,
		Ref:        ref,
		SHA:        pipeline.SHA,
	}
}

// GetPipelineStatus fetches the current status of a pipeline.
func (c *GitLabClient) GetPipelineStatus(ctx context.Context, pipelineID int64) StatusResult {
	pipeline, _, err := c.client.Pipelines.GetPipeline(c.projectID, int(pipelineID), gitlab.WithContext(ctx))
	if err != nil {
		return StatusResult{PipelineID: pipelineID, Err: fmt.Errorf("get pipeline %d: %w", pipelineID, err)}
	}

	return StatusResult{
		Success:    true,
		PipelineID: int64(pipeline.ID),
		Status:     pipeline.Status,
		WebURL:     pipeline.WebURL,
		Ref:        pipeline.Ref,
		SHA:        pipeline.SHA,
		Duration:   pipeline.Duration,
		FinishedAt: pipeline.FinishedAt,
	}
}

// ReleaseManualJob plays the first job of the pipeline that is waiting at a
// manual gate.
func (c *GitLabClient) ReleaseManualJob(ctx context.Context, pipelineID int64) ReleaseResult {
	jobs, _, err := c.client.Jobs.ListPipelineJobs(c.projectID, int(pipelineID),
		&gitlab.ListJobsOptions{ListOptions: gitlab.ListOptions{PerPage: 100}},
		gitlab.WithContext(ctx))
	if err != nil {
		return ReleaseResult{Err: fmt.Errorf("list jobs of pipeline %d: %w", pipelineID, err)}
	}

	var manual *gitlab.Job
	for _, job := range jobs {
		if workflow.ParsePipelineStatus(job.Status) == workflow.PipelineManual {
			manual = job
			break
		}
	}
	if manual == nil {
		return ReleaseResult{Err: fmt.Errorf("pipeline %d: %w", pipelineID, ErrNoManualJob)}
	}

	played, _, err := c.client.Jobs.PlayJob(c.projectID, manual.ID, nil, gitlab.WithContext(ctx))
	if err != nil {
		return ReleaseResult{
			JobID:   int64(manual.ID),
			JobName: manual.Name,
			Err:     fmt.Errorf("play job %d: %w", manual.ID, err),
		}
	}

	return ReleaseResult{
		Success: true,
		JobID:   int64(played.ID),
		JobName: played.Name,
		Status:  played.Status,
	}
}
