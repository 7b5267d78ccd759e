package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/khoj-ai/pipali/pkg/models"
)

// stepRow stores the step as a JSON payload keyed by (conversation, step_id).
// The step_id and source columns are duplicated out of the payload for
// ordering and turn-deletion queries.
type stepRow struct {
	ConversationID string    `db:"conversation_id"`
	StepID         int       `db:"step_id"`
	CreatedAt      time.Time `db:"created_at"`
	Source         string    `db:"source"`
	Payload        string    `db:"payload"`
}

// StepRepo persists trajectory steps. The driver is the single writer per
// conversation; readers see consistent snapshots through the transaction.
type StepRepo struct {
	db *sqlx.DB
}

// Append inserts a step. The caller is responsible for having computed
// step.StepID as max+1.
func (r *StepRepo) Append(ctx context.Context, conversationID string, step *models.Step) error {
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encoding step: %w", err)
	}
	q := r.db.Rebind(`INSERT INTO steps (conversation_id, step_id, created_at, source, payload)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q,
		conversationID, step.StepID, step.Timestamp, string(step.Source), string(payload)); err != nil {
		return fmt.Errorf("appending step %d: %w", step.StepID, err)
	}
	return nil
}

// List returns all steps of a conversation ordered by step id.
func (r *StepRepo) List(ctx context.Context, conversationID string) ([]models.Step, error) {
	var rows []stepRow
	q := r.db.Rebind(`SELECT * FROM steps WHERE conversation_id = ? ORDER BY step_id`)
	if err := r.db.SelectContext(ctx, &rows, q, conversationID); err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	steps := make([]models.Step, 0, len(rows))
	for _, row := range rows {
		var step models.Step
		if err := json.Unmarshal([]byte(row.Payload), &step); err != nil {
			return nil, fmt.Errorf("decoding step %d: %w", row.StepID, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// MaxStepID returns the highest surviving step id in the conversation, or 0
// when the trajectory is empty.
func (r *StepRepo) MaxStepID(ctx context.Context, conversationID string) (int, error) {
	var max int
	q := r.db.Rebind(`SELECT COALESCE(MAX(step_id), 0) FROM steps WHERE conversation_id = ?`)
	if err := r.db.GetContext(ctx, &max, q, conversationID); err != nil {
		return 0, fmt.Errorf("querying max step id: %w", err)
	}
	return max, nil
}

// NextStepID allocates the next step id for a conversation. The counter on
// the conversation row only grows, so ids deleted from the trajectory are
// never handed out again.
func (r *StepRepo) NextStepID(ctx context.Context, conversationID string) (int, error) {
	var last int
	q := r.db.Rebind(`SELECT last_step_id FROM conversations WHERE id = ?`)
	if err := r.db.GetContext(ctx, &last, q, conversationID); err != nil {
		return 0, fmt.Errorf("querying step counter: %w", err)
	}
	next := last + 1
	q = r.db.Rebind(`UPDATE conversations SET last_step_id = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, next, conversationID); err != nil {
		return 0, fmt.Errorf("advancing step counter: %w", err)
	}
	return next, nil
}

// SyncStepCounter raises the conversation's step counter to at least n.
// Used after a fork copies steps with their original ids.
func (r *StepRepo) SyncStepCounter(ctx context.Context, conversationID string, n int) error {
	q := r.db.Rebind(`UPDATE conversations SET last_step_id = ? WHERE id = ? AND last_step_id < ?`)
	if _, err := r.db.ExecContext(ctx, q, n, conversationID, n); err != nil {
		return fmt.Errorf("syncing step counter: %w", err)
	}
	return nil
}

// Delete removes the given step ids. Returns the number of rows removed.
func (r *StepRepo) Delete(ctx context.Context, conversationID string, stepIDs []int) (int, error) {
	if len(stepIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM steps WHERE conversation_id = ? AND step_id IN (?)`, conversationID, stepIDs)
	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting steps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return len(stepIDs), nil
	}
	return int(n), nil
}

// CopyAll duplicates every step of src into dst, preserving step ids and
// payloads. Used by the fork command.
func (r *StepRepo) CopyAll(ctx context.Context, srcConversationID, dstConversationID string) error {
	q := r.db.Rebind(`INSERT INTO steps (conversation_id, step_id, created_at, source, payload)
		SELECT ?, step_id, created_at, source, payload FROM steps WHERE conversation_id = ?`)
	if _, err := r.db.ExecContext(ctx, q, dstConversationID, srcConversationID); err != nil {
		return fmt.Errorf("copying steps: %w", err)
	}
	return nil
}
