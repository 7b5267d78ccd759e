package trajectory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khoj-ai/pipali/pkg/models"
)

// SchemaVersion is the trajectory interchange schema emitted by exports.
// Imports accept any "ATIF-" prefixed version.
const SchemaVersion = "ATIF-v1"

// Export serializes the conversation's full trajectory, including aggregate
// metrics computed over the surviving steps.
func (s *Store) Export(ctx context.Context, conversationID string) (*models.Trajectory, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &models.Trajectory{
		SchemaVersion: SchemaVersion,
		SessionID:     conv.ID,
		Agent:         s.agent,
		Steps:         steps,
		FinalMetrics:  Aggregate(steps),
	}, nil
}

// ExportJSON returns the indented JSON encoding of the exported trajectory.
func (s *Store) ExportJSON(ctx context.Context, conversationID string) ([]byte, error) {
	traj, err := s.Export(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(traj, "", "  ")
}

// Validate checks a trajectory for import: schema version prefix, session id,
// agent configuration, and per-step source validity.
func Validate(traj *models.Trajectory) error {
	if !strings.HasPrefix(traj.SchemaVersion, "ATIF-") {
		return fmt.Errorf("unsupported schema version %q", traj.SchemaVersion)
	}
	if traj.SessionID == "" {
		return fmt.Errorf("missing session id")
	}
	if traj.Agent.Name == "" {
		return fmt.Errorf("missing agent configuration")
	}
	seen := make(map[int]bool, len(traj.Steps))
	for i, step := range traj.Steps {
		if !models.ValidSource(step.Source) {
			return fmt.Errorf("step %d: invalid source %q", i, step.Source)
		}
		if step.StepID <= 0 {
			return fmt.Errorf("step %d: invalid step id %d", i, step.StepID)
		}
		if seen[step.StepID] {
			return fmt.Errorf("step %d: duplicate step id %d", i, step.StepID)
		}
		seen[step.StepID] = true
	}
	return nil
}

// Import validates the trajectory and materializes it as a new conversation
// owned by userID. Step ids are preserved and the conversation's step counter
// is advanced past the highest imported id.
func (s *Store) Import(ctx context.Context, userID string, traj *models.Trajectory) (*models.Conversation, error) {
	if err := Validate(traj); err != nil {
		return nil, fmt.Errorf("invalid trajectory: %w", err)
	}

	conv := &models.Conversation{
		ID:           uuid.New().String(),
		UserID:       userID,
		Title:        importTitle(traj),
		FinalMetrics: Aggregate(traj.Steps),
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, err
	}

	maxID := 0
	for i := range traj.Steps {
		step := traj.Steps[i]
		if step.Timestamp.IsZero() {
			step.Timestamp = time.Now().UTC()
		}
		if err := s.steps.Append(ctx, conv.ID, &step); err != nil {
			return nil, fmt.Errorf("importing step %d: %w", step.StepID, err)
		}
		if step.StepID > maxID {
			maxID = step.StepID
		}
	}
	if err := s.steps.SyncStepCounter(ctx, conv.ID, maxID); err != nil {
		return nil, err
	}
	if err := s.conversations.UpdateMetrics(ctx, conv.ID, conv.FinalMetrics); err != nil {
		return nil, err
	}
	return conv, nil
}

// ImportJSON decodes and imports a trajectory from its JSON encoding.
func (s *Store) ImportJSON(ctx context.Context, userID string, data []byte) (*models.Conversation, error) {
	var traj models.Trajectory
	if err := json.Unmarshal(data, &traj); err != nil {
		return nil, fmt.Errorf("decoding trajectory: %w", err)
	}
	return s.Import(ctx, userID, &traj)
}

// importTitle derives a conversation title from the first user message,
// falling back to the session id.
func importTitle(traj *models.Trajectory) string {
	for _, step := range traj.Steps {
		if step.Source == models.SourceUser && step.Message != "" {
			title := step.Message
			if len(title) > 80 {
				title = title[:80]
			}
			return title
		}
	}
	return "Imported " + traj.SessionID
}
