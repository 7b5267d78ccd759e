package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/khoj-ai/pipali/pkg/models"
)

// conversationRow is the flat DB shape of a conversation.
type conversationRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	Title        string         `db:"title"`
	AutomationID sql.NullString `db:"automation_id"`
	FinalMetrics sql.NullString `db:"final_metrics"`
	LastStepID   int            `db:"last_step_id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (row *conversationRow) toModel() (*models.Conversation, error) {
	c := &models.Conversation{
		ID:        row.ID,
		UserID:    row.UserID,
		Title:     row.Title,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.AutomationID.Valid {
		c.AutomationID = &row.AutomationID.String
	}
	if row.FinalMetrics.Valid && row.FinalMetrics.String != "" {
		var fm models.FinalMetrics
		if err := json.Unmarshal([]byte(row.FinalMetrics.String), &fm); err != nil {
			return nil, fmt.Errorf("decoding final metrics for conversation %s: %w", row.ID, err)
		}
		c.FinalMetrics = &fm
	}
	return c, nil
}

// ConversationRepo persists conversations.
type ConversationRepo struct {
	db *sqlx.DB
}

// Create inserts a conversation.
func (r *ConversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	q := r.db.Rebind(`INSERT INTO conversations (id, user_id, title, automation_id, final_metrics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		c.ID, c.UserID, c.Title, c.AutomationID, marshalNullable(c.FinalMetrics), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}
	return nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var row conversationRow
	q := r.db.Rebind(`SELECT * FROM conversations WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return row.toModel()
}

// List returns a user's conversations, most recently updated first.
func (r *ConversationRepo) List(ctx context.Context, userID string) ([]*models.Conversation, error) {
	var rows []conversationRow
	q := r.db.Rebind(`SELECT * FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`)
	if err := r.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	out := make([]*models.Conversation, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateMetrics stores the recomputed aggregate metrics.
func (r *ConversationRepo) UpdateMetrics(ctx context.Context, id string, fm *models.FinalMetrics) error {
	q := r.db.Rebind(`UPDATE conversations SET final_metrics = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, marshalNullable(fm), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating conversation metrics: %w", err)
	}
	return requireRow(res)
}

// SetTitle updates the conversation title.
func (r *ConversationRepo) SetTitle(ctx context.Context, id, title string) error {
	q := r.db.Rebind(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating conversation title: %w", err)
	}
	return requireRow(res)
}

// LinkAutomation sets the conversation's automation back-reference.
func (r *ConversationRepo) LinkAutomation(ctx context.Context, id string, automationID *string) error {
	q := r.db.Rebind(`UPDATE conversations SET automation_id = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, automationID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("linking automation: %w", err)
	}
	return requireRow(res)
}

// Delete removes a conversation and its steps.
func (r *ConversationRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM steps WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("deleting steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// marshalNullable JSON-encodes v, returning nil for nil pointers so the
// column stays NULL.
func marshalNullable(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case *models.FinalMetrics:
		if t == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver without RowsAffected support; assume success
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
