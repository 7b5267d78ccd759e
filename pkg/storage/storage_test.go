package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{ID: uuid.New().String(), UserID: "u1", Title: "first"}
	require.NoError(t, s.Conversations.Create(ctx, conv))

	got, err := s.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
	assert.Nil(t, got.FinalMetrics)

	fm := &models.FinalMetrics{TotalSteps: 3, TotalPromptTokens: 100, TotalCostUSD: 0.02}
	require.NoError(t, s.Conversations.UpdateMetrics(ctx, conv.ID, fm))

	got, err = s.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalMetrics)
	assert.Equal(t, 100, got.FinalMetrics.TotalPromptTokens)

	_, err = s.Conversations.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStepAppendListDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{ID: uuid.New().String(), UserID: "u1"}
	require.NoError(t, s.Conversations.Create(ctx, conv))

	for i, src := range []models.StepSource{models.SourceSystem, models.SourceUser, models.SourceAgent} {
		step := &models.Step{
			StepID:    i + 1,
			Timestamp: time.Now().UTC(),
			Source:    src,
			Message:   "m",
		}
		require.NoError(t, s.Steps.Append(ctx, conv.ID, step))
	}

	steps, err := s.Steps.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, models.SourceSystem, steps[0].Source)
	assert.Equal(t, models.SourceAgent, steps[2].Source)

	max, err := s.Steps.MaxStepID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, max)

	n, err := s.Steps.Delete(ctx, conv.ID, []int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	max, err = s.Steps.MaxStepID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, max)
}

func TestNextStepIDNeverReusesDeletedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{ID: uuid.New().String(), UserID: "u1"}
	require.NoError(t, s.Conversations.Create(ctx, conv))

	for i := 0; i < 3; i++ {
		id, err := s.Steps.NextStepID(ctx, conv.ID)
		require.NoError(t, err)
		require.NoError(t, s.Steps.Append(ctx, conv.ID, &models.Step{
			StepID: id, Timestamp: time.Now().UTC(), Source: models.SourceAgent,
		}))
	}

	_, err := s.Steps.Delete(ctx, conv.ID, []int{2, 3})
	require.NoError(t, err)

	// The counter survives deletion of the highest steps.
	id, err := s.Steps.NextStepID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, id)
}

func TestStepCopyAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := &models.Conversation{ID: uuid.New().String(), UserID: "u1"}
	dst := &models.Conversation{ID: uuid.New().String(), UserID: "u1"}
	require.NoError(t, s.Conversations.Create(ctx, src))
	require.NoError(t, s.Conversations.Create(ctx, dst))

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Steps.Append(ctx, src.ID, &models.Step{
			StepID: i, Timestamp: time.Now().UTC(), Source: models.SourceUser, Message: "hello",
		}))
	}
	require.NoError(t, s.Steps.CopyAll(ctx, src.ID, dst.ID))

	steps, err := s.Steps.List(ctx, dst.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "hello", steps[0].Message)
}

func TestAutomationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tt := models.TriggerCron
	a := &models.Automation{
		ID:            uuid.New().String(),
		UserID:        "u1",
		Name:          "daily digest",
		Prompt:        "summarize",
		TriggerType:   &tt,
		TriggerConfig: []byte(`{"schedule":"0 9 * * *"}`),
		Status:        models.AutomationActive,
	}
	require.NoError(t, s.Automations.Create(ctx, a))

	active, err := s.Automations.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "daily digest", active[0].Name)
	require.NotNil(t, active[0].TriggerType)
	assert.Equal(t, models.TriggerCron, *active[0].TriggerType)

	require.NoError(t, s.Automations.SetStatus(ctx, a.ID, models.AutomationDisabled))
	active, err = s.Automations.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	convID := uuid.New().String()
	require.NoError(t, s.Conversations.Create(ctx, &models.Conversation{ID: convID, UserID: "u1"}))
	require.NoError(t, s.Automations.LinkConversation(ctx, a.ID, &convID))
	got, err := s.Automations.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ConversationID)
	assert.Equal(t, convID, *got.ConversationID)
}

func TestExecutionRateCountsAndSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	autoID := uuid.New().String()
	for _, status := range []models.ExecutionStatus{
		models.ExecutionCompleted, models.ExecutionRunning, models.ExecutionAwaitingConfirmation,
	} {
		require.NoError(t, s.Executions.Create(ctx, &models.AutomationExecution{
			ID: uuid.New().String(), AutomationID: autoID, Status: status,
		}))
	}

	n, err := s.Executions.CountSince(ctx, autoID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	swept, err := s.Executions.SweepInterrupted(ctx, "interrupted by server restart")
	require.NoError(t, err)
	assert.Len(t, swept, 2)

	for _, id := range swept {
		e, err := s.Executions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCancelled, e.Status)
		require.NotNil(t, e.ErrorMessage)
		assert.Equal(t, "interrupted by server restart", *e.ErrorMessage)
	}
}

func TestPendingConfirmationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := &models.PendingConfirmation{
		ID:          uuid.New().String(),
		ExecutionID: uuid.New().String(),
		Request: models.ConfirmationRequest{
			RequestID: uuid.New().String(),
			Operation: "execute_command",
			Title:     "Run command?",
			Context:   models.ConfirmationContext{ToolName: "execute_command", RiskLevel: models.RiskHigh},
			Options:   models.StandardOptions(),
		},
		Status:    models.PendingConfirmationPending,
		ExpiresAt: time.Now().Add(24 * time.Hour).UTC(),
	}
	require.NoError(t, s.Confirmations.Create(ctx, pc))

	pending, err := s.Confirmations.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "execute_command", pending[0].Request.Operation)

	require.NoError(t, s.Confirmations.Resolve(ctx, pc.ID, models.PendingConfirmationApproved))
	got, err := s.Confirmations.Get(ctx, pc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationApproved, got.Status)
	assert.NotNil(t, got.RespondedAt)
}

func TestMCPServerUniqueName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := &models.MCPServer{
		ID:               uuid.New().String(),
		Name:             "github",
		Enabled:          true,
		TransportType:    models.MCPTransportStdio,
		Path:             "@modelcontextprotocol/server-github",
		ConfirmationMode: models.MCPConfirmUnsafeOnly,
		Env:              map[string]string{"GITHUB_TOKEN": "x"},
		EnabledTools:     []string{"search_repositories"},
	}
	require.NoError(t, s.MCPServers.Create(ctx, srv))

	dup := *srv
	dup.ID = uuid.New().String()
	assert.ErrorIs(t, s.MCPServers.Create(ctx, &dup), ErrDuplicateName)

	assert.Error(t, s.MCPServers.Create(ctx, &models.MCPServer{
		ID: uuid.New().String(), Name: "Bad Name!", TransportType: models.MCPTransportStdio, Path: "x",
	}))

	got, err := s.MCPServers.GetByName(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Env["GITHUB_TOKEN"])
	assert.True(t, got.ToolAllowed("search_repositories"))
	assert.False(t, got.ToolAllowed("create_issue"))

	require.NoError(t, s.MCPServers.RecordConnection(ctx, srv.ID, nil))
	got, err = s.MCPServers.Get(ctx, srv.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastConnectedAt)
	assert.Nil(t, got.LastError)
}

func TestEnsureDefaultUserIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.Users.EnsureDefault(ctx, "admin@example.com", "secret")
	require.NoError(t, err)
	u2, err := s.Users.EnsureDefault(ctx, "admin@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
}
