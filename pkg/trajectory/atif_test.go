package trajectory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
)

func TestExportImportRoundTrip(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, db)

	_, err := s.AddStep(ctx, conv, models.SourceSystem, StepInput{Message: "system prompt"})
	require.NoError(t, err)
	_, err = s.AddStep(ctx, conv, models.SourceUser, StepInput{Message: "find my notes"})
	require.NoError(t, err)
	_, err = s.AddStep(ctx, conv, models.SourceAgent, StepInput{
		Message:   "done",
		Reasoning: "searched the vault",
		ToolCalls: []models.ToolCall{{ID: "call_1", FunctionName: "grep_files", Arguments: map[string]any{"pattern": "notes"}}},
		Observation: &models.Observation{Results: []models.ObservationResult{
			{SourceCallID: "call_1", Content: models.TextContent("3 matches")},
		}},
		Metrics: &models.StepMetrics{PromptTokens: 200, CompletionTokens: 80, CostUSD: 0.02},
	})
	require.NoError(t, err)

	data, err := s.ExportJSON(ctx, conv)
	require.NoError(t, err)

	imported, err := s.ImportJSON(ctx, "u2", data)
	require.NoError(t, err)
	assert.NotEqual(t, conv, imported.ID)
	assert.Equal(t, "u2", imported.UserID)
	assert.Equal(t, "find my notes", imported.Title)

	orig, err := s.Steps(ctx, conv)
	require.NoError(t, err)
	copied, err := s.Steps(ctx, imported.ID)
	require.NoError(t, err)
	assert.Equal(t, orig, copied)

	// The imported conversation's counter continues past the copied ids.
	next, err := s.AddStep(ctx, imported.ID, models.SourceUser, StepInput{Message: "continue"})
	require.NoError(t, err)
	assert.Equal(t, 4, next.StepID)
}

func TestExportStampsSchemaAndAgent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, db)

	_, err := s.AddStep(ctx, conv, models.SourceUser, StepInput{Message: "hi"})
	require.NoError(t, err)

	traj, err := s.Export(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, "ATIF-v1", traj.SchemaVersion)
	assert.Equal(t, conv, traj.SessionID)
	assert.Equal(t, "pipali", traj.Agent.Name)
	require.NotNil(t, traj.FinalMetrics)
	assert.Equal(t, 1, traj.FinalMetrics.TotalSteps)
}

func TestValidate(t *testing.T) {
	valid := func() *models.Trajectory {
		return &models.Trajectory{
			SchemaVersion: "ATIF-v1",
			SessionID:     "sess",
			Agent:         models.AgentInfo{Name: "pipali"},
			Steps: []models.Step{
				{StepID: 1, Source: models.SourceUser, Message: "hi"},
				{StepID: 2, Source: models.SourceAgent, Message: "hello"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*models.Trajectory)
		wantErr string
	}{
		{name: "valid", mutate: func(*models.Trajectory) {}},
		{
			name:    "wrong schema prefix",
			mutate:  func(tr *models.Trajectory) { tr.SchemaVersion = "OTEL-v1" },
			wantErr: "unsupported schema version",
		},
		{
			name:    "future minor version accepted",
			mutate:  func(tr *models.Trajectory) { tr.SchemaVersion = "ATIF-v2" },
		},
		{
			name:    "missing session id",
			mutate:  func(tr *models.Trajectory) { tr.SessionID = "" },
			wantErr: "missing session id",
		},
		{
			name:    "missing agent",
			mutate:  func(tr *models.Trajectory) { tr.Agent = models.AgentInfo{} },
			wantErr: "missing agent configuration",
		},
		{
			name:    "invalid source",
			mutate:  func(tr *models.Trajectory) { tr.Steps[0].Source = "robot" },
			wantErr: "invalid source",
		},
		{
			name:    "duplicate step id",
			mutate:  func(tr *models.Trajectory) { tr.Steps[1].StepID = 1 },
			wantErr: "duplicate step id",
		},
		{
			name:    "non-positive step id",
			mutate:  func(tr *models.Trajectory) { tr.Steps[0].StepID = 0 },
			wantErr: "invalid step id",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := valid()
			tc.mutate(tr)
			err := Validate(tr)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestImportRejectsInvalidTrajectory(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Import(context.Background(), "u1", &models.Trajectory{SchemaVersion: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid trajectory")

	_, err = s.ImportJSON(context.Background(), "u1", []byte("{not json"))
	require.Error(t, err)
}
