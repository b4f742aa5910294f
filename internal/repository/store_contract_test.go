package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vm-broker/backend/pkg/models"
)

const samplePayload = `{
	"environment": "uat",
	"action_type": "Create",
	"vm_name_prefix": "app-web",
	"vm_num_cpus": 4,
	"vm_memory": 8192,
	"vm_additional_disks": [{"size_gb": 100}]
}`

// testRequestStore runs the RequestStore contract against any implementation.
func testRequestStore(t *testing.T, store RequestStore) {
	ctx := context.Background()

	submitted := func(t *testing.T, owner string, pipelineID int64) string {
		id, err := store.CreateDraft(ctx, owner, json.RawMessage(samplePayload))
		require.NoError(t, err)
		ok, err := store.CompleteSubmission(ctx, id,
			&models.TicketRecord{TicketID: "SJT-" + id[:4], Status: "To Do"},
			&models.PipelineRecord{PipelineID: pipelineID, Status: "manual"})
		require.NoError(t, err)
		require.True(t, ok)
		return id
	}

	t.Run("CreateDraft and GetRequest round-trip the payload", func(t *testing.T) {
		id, err := store.CreateDraft(ctx, "alice", json.RawMessage(samplePayload))
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		run, err := store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, run.ID)
		assert.Equal(t, models.StatusDraft, run.Status)
		assert.Equal(t, "alice", run.CreatedBy)
		assert.JSONEq(t, samplePayload, string(run.RequestPayload))
		assert.Nil(t, run.ApprovedAt)
		assert.Nil(t, run.CancelledAt)
	})

	t.Run("CreateDraft rejects empty payloads", func(t *testing.T) {
		for _, p := range []string{"", "  ", "{}", "null", "[1,2]"} {
			_, err := store.CreateDraft(ctx, "alice", json.RawMessage(p))
			assert.ErrorIs(t, err, models.ErrDataIntegrity, "payload %q", p)
		}
	})

	t.Run("GetRequest unknown id is NotFound", func(t *testing.T) {
		_, err := store.GetRequest(ctx, "6b0a1d5e-0000-4000-8000-000000000000")
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = store.GetRequest(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("UpdateDraftPayload only in DRAFT", func(t *testing.T) {
		id, err := store.CreateDraft(ctx, "bob", json.RawMessage(samplePayload))
		require.NoError(t, err)

		edited := `{"environment": "prod", "vm_name_prefix": "app-db"}`
		require.NoError(t, store.UpdateDraftPayload(ctx, id, json.RawMessage(edited)))
		run, err := store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, edited, string(run.RequestPayload))

		ok, err := store.CompleteSubmission(ctx, id, &models.TicketRecord{TicketID: "SJT-9"}, &models.PipelineRecord{PipelineID: 9001, Status: "created"})
		require.NoError(t, err)
		require.True(t, ok)

		err = store.UpdateDraftPayload(ctx, id, json.RawMessage(samplePayload))
		assert.ErrorIs(t, err, models.ErrConflict)
		run, err = store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, edited, string(run.RequestPayload))

		err = store.UpdateDraftPayload(ctx, "6b0a1d5e-0000-4000-8000-000000000001", json.RawMessage(samplePayload))
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("CompleteSubmission stores snapshots once", func(t *testing.T) {
		id := submitted(t, "carol", 1001)

		run, err := store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSubmitted, run.Status)

		ticket, err := store.LatestTicket(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "To Do", ticket.Status)

		p, err := store.LatestPipeline(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1001), p.PipelineID)

		ok, err := store.CompleteSubmission(ctx, id, &models.TicketRecord{TicketID: "SJT-X"}, &models.PipelineRecord{PipelineID: 1002, Status: "manual"})
		require.NoError(t, err)
		assert.False(t, ok)

		p, err = store.LatestPipeline(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1001), p.PipelineID, "rejected submission must not write snapshots")
	})

	t.Run("Transition is conditional", func(t *testing.T) {
		id := submitted(t, "dave", 1101)

		ok, err := store.Transition(ctx, id, models.StatusSubmitted, models.StatusPendingApproval, TransitionFields{})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Transition(ctx, id, models.StatusSubmitted, models.StatusPendingApproval, TransitionFields{})
		require.NoError(t, err)
		assert.False(t, ok, "second identical transition is a no-op")

		_, err = store.Transition(ctx, id, models.StatusPendingApproval, models.StatusSuccess, TransitionFields{})
		assert.ErrorIs(t, err, models.ErrConflict)

		ok, err = store.Transition(ctx, id, models.StatusPendingApproval, models.StatusInProgress, TransitionFields{ApprovedBy: "erin"})
		require.NoError(t, err)
		require.True(t, ok)

		run, err := store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInProgress, run.Status)
		require.NotNil(t, run.ApprovedBy)
		assert.Equal(t, "erin", *run.ApprovedBy)
		assert.NotNil(t, run.ApprovedAt)
		assert.Nil(t, run.CancelledAt)
	})

	t.Run("concurrent transitions apply exactly once", func(t *testing.T) {
		id := submitted(t, "frank", 1201)
		ok, err := store.Transition(ctx, id, models.StatusSubmitted, models.StatusPendingApproval, TransitionFields{})
		require.NoError(t, err)
		require.True(t, ok)

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.Transition(ctx, id, models.StatusPendingApproval, models.StatusInProgress, TransitionFields{ApprovedBy: "approver"})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("RecordFailure merges per source", func(t *testing.T) {
		id, err := store.CreateDraft(ctx, "gina", json.RawMessage(samplePayload))
		require.NoError(t, err)

		require.NoError(t, store.RecordFailure(ctx, id, models.SourceJira, "ticket not ready"))
		require.NoError(t, store.RecordFailure(ctx, id, models.SourceGitLab, "rate limited"))
		require.NoError(t, store.RecordFailure(ctx, id, models.SourceJira, "ticket still not ready"))

		run, err := store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			models.SourceJira:   "ticket still not ready",
			models.SourceGitLab: "rate limited",
		}, run.FailedMessage)

		err = store.RecordFailure(ctx, "6b0a1d5e-0000-4000-8000-000000000002", models.SourceJira, "x")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("LatestPipeline prefers the newest start", func(t *testing.T) {
		id := submitted(t, "hank", 1301)
		retrigger := &models.PipelineRecord{
			WorkflowID: id,
			PipelineID: 1302,
			Status:     "manual",
			StartedAt:  time.Now().Add(time.Minute),
		}
		require.NoError(t, store.UpsertPipeline(ctx, retrigger))

		p, err := store.LatestPipeline(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1302), p.PipelineID)

		finished := time.Now()
		require.NoError(t, store.UpsertPipeline(ctx, &models.PipelineRecord{
			WorkflowID: id, PipelineID: 1302, Status: "success", FinishedAt: &finished, Duration: 42,
		}))
		p, err = store.LatestPipeline(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "success", p.Status)
		assert.Equal(t, 42, p.Duration)
		assert.NotNil(t, p.FinishedAt)
	})

	t.Run("OpenPipelines skips terminal and stale rows", func(t *testing.T) {
		id := submitted(t, "ivy", 1401)
		require.NoError(t, store.UpsertPipeline(ctx, &models.PipelineRecord{
			WorkflowID: id, PipelineID: 1402, Status: "failed",
		}))
		require.NoError(t, store.UpsertPipeline(ctx, &models.PipelineRecord{
			WorkflowID: id, PipelineID: 1403, Status: "running", StartedAt: time.Now().Add(-48 * time.Hour),
		}))

		open, err := store.OpenPipelines(ctx, 24*time.Hour)
		require.NoError(t, err)
		ids := map[int64]bool{}
		for _, p := range open {
			ids[p.PipelineID] = true
		}
		assert.True(t, ids[1401])
		assert.False(t, ids[1402], "terminal pipeline must be skipped")
		assert.False(t, ids[1403], "stale pipeline must be skipped")
	})

	t.Run("OpenWorkflows lists only SUBMITTED", func(t *testing.T) {
		draft, err := store.CreateDraft(ctx, "jack", json.RawMessage(samplePayload))
		require.NoError(t, err)
		sub := submitted(t, "jack", 1501)

		open, err := store.OpenWorkflows(ctx, 7*24*time.Hour)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, run := range open {
			assert.Equal(t, models.StatusSubmitted, run.Status)
			ids[run.ID] = true
		}
		assert.True(t, ids[sub])
		assert.False(t, ids[draft])
	})

	t.Run("DeleteDraft only in DRAFT and cascades", func(t *testing.T) {
		draft, err := store.CreateDraft(ctx, "kim", json.RawMessage(samplePayload))
		require.NoError(t, err)
		require.NoError(t, store.DeleteDraft(ctx, draft))
		_, err = store.GetRequest(ctx, draft)
		assert.ErrorIs(t, err, models.ErrNotFound)

		sub := submitted(t, "kim", 1601)
		assert.ErrorIs(t, store.DeleteDraft(ctx, sub), models.ErrConflict)
		assert.ErrorIs(t, store.DeleteDraft(ctx, draft), models.ErrNotFound)
	})

	t.Run("UpdateTicketStatus refreshes the snapshot", func(t *testing.T) {
		id := submitted(t, "lee", 1701)
		ticket, err := store.LatestTicket(ctx, id)
		require.NoError(t, err)

		require.NoError(t, store.UpdateTicketStatus(ctx, ticket.TicketID, "In Progress"))
		ticket, err = store.LatestTicket(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "In Progress", ticket.Status)

		assert.ErrorIs(t, store.UpdateTicketStatus(ctx, "SJT-404", "Done"), models.ErrNotFound)
	})

	t.Run("ListRequests filters by owner and status", func(t *testing.T) {
		_, err := store.CreateDraft(ctx, "mia", json.RawMessage(samplePayload))
		require.NoError(t, err)
		submitted(t, "mia", 1801)

		all, err := store.ListRequests(ctx, ListFilter{CreatedBy: "mia"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		drafts, err := store.ListRequests(ctx, ListFilter{CreatedBy: "mia", Status: models.StatusDraft})
		require.NoError(t, err)
		require.Len(t, drafts, 1)
		assert.Equal(t, models.StatusDraft, drafts[0].Status)
	})
}
