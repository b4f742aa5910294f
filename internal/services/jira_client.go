package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"vm-broker/backend/internal/config"
	"vm-broker/backend/pkg/models"
)

const defaultIssueType = "vsphere_vm"

// JiraClient is an HTTP implementation of the TicketClient interface using
// the Jira REST API v2.
type JiraClient struct {
	baseURL    string
	projectKey string
	issueType  string
	httpClient *http.Client
	authorize  func(*http.Request)
}

// NewJiraClient creates a new JiraClient. auth_type "pat" and "oauth2" send
// the token as a bearer token; anything else uses basic auth.
func NewJiraClient(ctx context.Context, cfg config.JiraConfig, timeout time.Duration) (*JiraClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jira base url is required")
	}
	if cfg.ProjectKey == "" {
		return nil, errors.New("jira project key is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &JiraClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		projectKey: cfg.ProjectKey,
		issueType:  cfg.IssueType,
		authorize:  func(*http.Request) {},
	}
	if c.issueType == "" {
		c.issueType = defaultIssueType
	}

	switch strings.ToLower(cfg.AuthType) {
	case "pat", "oauth2", "bearer":
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIToken, TokenType: "Bearer"})
		c.httpClient = oauth2.NewClient(ctx, src)
		c.httpClient.Timeout = timeout
	default:
		c.httpClient = &http.Client{Timeout: timeout}
		user, token := cfg.User, cfg.APIToken
		if user != "" || token != "" {
			c.authorize = func(req *http.Request) { req.SetBasicAuth(user, token) }
		}
	}

	return c, nil
}

type jiraIssueFields struct {
	Project     *jiraKey  `json:"project,omitempty"`
	IssueType   *jiraName `json:"issuetype,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Status      *jiraName `json:"status,omitempty"`
}

type jiraKey struct {
	Key string `json:"key"`
}

type jiraName struct {
	Name string `json:"name"`
}

type jiraIssue struct {
	Key    string          `json:"key"`
	Fields jiraIssueFields `json:"fields"`
}

// CreateTicket opens a provisioning ticket and returns its key.
func (c *JiraClient) CreateTicket(ctx context.Context, req *models.VMRequest) (string, error) {
	body := struct {
		Fields jiraIssueFields `json:"fields"`
	}{
		Fields: jiraIssueFields{
			Project:     &jiraKey{Key: c.projectKey},
			IssueType:   &jiraName{Name: c.issueType},
			Summary:     TicketSummary(req),
			Description: TicketDescription(req),
		},
	}

	var created jiraIssue
	if err := c.do(ctx, "create", http.MethodPost, "/rest/api/2/issue/", body, &created); err != nil {
		return "", err
	}
	if created.Key == "" {
		return "", &TicketError{Op: "create", Err: errors.New("response has no issue key")}
	}
	return created.Key, nil
}

// GetTicketDetail looks up a ticket by key.
func (c *JiraClient) GetTicketDetail(ctx context.Context, key string) (*TicketDetail, error) {
	if strings.TrimSpace(key) == "" {
		return nil, &TicketError{Op: "lookup", Err: errors.New("empty ticket key")}
	}

	var issue jiraIssue
	path := "/rest/api/2/issue/" + url.PathEscape(key)
	if err := c.do(ctx, "lookup", http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}

	detail := &TicketDetail{
		Key:         issue.Key,
		Summary:     issue.Fields.Summary,
		Description: issue.Fields.Description,
		URL:         c.baseURL + "/browse/" + issue.Key,
	}
	if issue.Fields.Project != nil {
		detail.ProjectKey = issue.Fields.Project.Key
	}
	if issue.Fields.Status != nil {
		detail.Status = issue.Fields.Status.Name
	}
	return detail, nil
}

func (c *JiraClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		requestBody, err := json.Marshal(in)
		if err != nil {
			return &TicketError{Op: op, Err: fmt.Errorf("failed to marshal request body: %w", err)}
		}
		reader = bytes.NewReader(requestBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TicketError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TicketError{Op: op, Err: fmt.Errorf("failed to make request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusNotFound {
			cause = fmt.Errorf("%w: %s", models.ErrNotFound, path)
		}
		return &TicketError{Op: op, StatusCode: resp.StatusCode, Err: cause}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TicketError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response body: %w", err)}
	}
	return nil
}
