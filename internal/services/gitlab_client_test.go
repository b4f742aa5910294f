package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vm-broker/backend/internal/config"
)

func newTestGitLabClient(t *testing.T, handler http.Handler) *GitLabClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewGitLabClient(config.GitLabConfig{
		URL:          server.URL,
		PrivateToken: "private-token",
		TriggerToken: "trigger-token",
		ProjectID:    "42",
		Branch:       "release",
	}, time.Second)
	require.NoError(t, err)
	return client
}

func TestGitLabClient_TriggerPipeline(t *testing.T) {
	var body struct {
		Ref       string            `json:"ref"`
		Token     string            `json:"token"`
		Variables map[string]string `json:"variables"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/42/trigger/pipeline", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 9001, "status": "created", "ref": "release", "sha": "abc123", "web_url": "https://ci.test/p/9001"}`))
	})
	client := newTestGitLabClient(t, mux)

	req, err := ParseVMRequest(json.RawMessage(createPayload))
	require.NoError(t, err)

	res := client.TriggerPipeline(context.Background(), "SJT-8", req)
	require.True(t, res.Success, "trigger failed: %v", res.Err)
	assert.Equal(t, int64(9001), res.PipelineID)
	assert.Equal(t, "created", res.Status)
	assert.Equal(t, "release", res.Ref)
	assert.Equal(t, "abc123", res.SHA)
	assert.Equal(t, "https://ci.test/p/9001", res.WebURL)

	assert.Equal(t, "release", body.Ref)
	assert.Equal(t, "trigger-token", body.Token)
	assert.Equal(t, "SJT-8", body.Variables["JIRA_TICKET_NUM"])
	assert.Equal(t, "app-web", body.Variables["VM_NAME_PREFIX"])
}

func TestGitLabClient_TriggerPipeline_RateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/42/trigger/pipeline", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "429 Too Many Requests"}`))
	})
	client := newTestGitLabClient(t, mux)

	req, err := ParseVMRequest(json.RawMessage(createPayload))
	require.NoError(t, err)

	res := client.TriggerPipeline(context.Background(), "SJT-8", req)
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "429")
}

func TestGitLabClient_GetPipelineStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/42/pipelines/77", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 77, "status": "manual", "ref": "release", "sha": "def", "web_url": "https://ci.test/p/77", "duration": 42}`))
	})
	mux.HandleFunc("/api/v4/projects/42/pipelines/78", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newTestGitLabClient(t, mux)

	res := client.GetPipelineStatus(context.Background(), 77)
	require.True(t, res.Success, "status failed: %v", res.Err)
	assert.Equal(t, "manual", res.Status)
	assert.Equal(t, 42, res.Duration)
	assert.Nil(t, res.FinishedAt)

	res = client.GetPipelineStatus(context.Background(), 78)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Equal(t, int64(78), res.PipelineID)
}

func TestGitLabClient_ReleaseManualJob(t *testing.T) {
	played := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/42/pipelines/77/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 1, "name": "plan", "status": "success"},
			{"id": 2, "name": "apply", "status": "manual"},
			{"id": 3, "name": "notify", "status": "manual"}
		]`))
	})
	mux.HandleFunc("/api/v4/projects/42/jobs/2/play", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		played++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 2, "name": "apply", "status": "pending"}`))
	})
	mux.HandleFunc("/api/v4/projects/42/pipelines/88/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": 5, "name": "plan", "status": "running"}]`))
	})
	client := newTestGitLabClient(t, mux)

	res := client.ReleaseManualJob(context.Background(), 77)
	require.True(t, res.Success, "release failed: %v", res.Err)
	assert.Equal(t, int64(2), res.JobID)
	assert.Equal(t, "apply", res.JobName)
	assert.Equal(t, "pending", res.Status)
	assert.Equal(t, 1, played)

	res = client.ReleaseManualJob(context.Background(), 88)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrNoManualJob))
}

func TestNewGitLabClient_Validation(t *testing.T) {
	_, err := NewGitLabClient(config.GitLabConfig{ProjectID: "42"}, time.Second)
	assert.Error(t, err)

	_, err = NewGitLabClient(config.GitLabConfig{URL: "https://ci.test"}, time.Second)
	assert.Error(t, err)

	client, err := NewGitLabClient(config.GitLabConfig{URL: "https://ci.test/api/v4/", ProjectID: "42"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "main", client.branch)
	assert.Equal(t, "https://ci.test/api/v4/", client.client.BaseURL().String())
}
