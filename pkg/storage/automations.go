package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/khoj-ai/pipali/pkg/models"
)

type automationRow struct {
	ID                   string         `db:"id"`
	UserID               string         `db:"user_id"`
	Name                 string         `db:"name"`
	Prompt               string         `db:"prompt"`
	TriggerType          sql.NullString `db:"trigger_type"`
	TriggerConfig        sql.NullString `db:"trigger_config"`
	Status               string         `db:"status"`
	MaxExecutionsPerHour sql.NullInt64  `db:"max_executions_per_hour"`
	MaxExecutionsPerDay  sql.NullInt64  `db:"max_executions_per_day"`
	ConversationID       sql.NullString `db:"conversation_id"`
	LastExecutedAt       sql.NullTime   `db:"last_executed_at"`
	NextScheduledAt      sql.NullTime   `db:"next_scheduled_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (row *automationRow) toModel() *models.Automation {
	a := &models.Automation{
		ID:        row.ID,
		UserID:    row.UserID,
		Name:      row.Name,
		Prompt:    row.Prompt,
		Status:    models.AutomationStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.TriggerType.Valid {
		tt := models.TriggerType(row.TriggerType.String)
		a.TriggerType = &tt
	}
	if row.TriggerConfig.Valid {
		a.TriggerConfig = []byte(row.TriggerConfig.String)
	}
	if row.MaxExecutionsPerHour.Valid {
		n := int(row.MaxExecutionsPerHour.Int64)
		a.MaxExecutionsPerHour = &n
	}
	if row.MaxExecutionsPerDay.Valid {
		n := int(row.MaxExecutionsPerDay.Int64)
		a.MaxExecutionsPerDay = &n
	}
	if row.ConversationID.Valid {
		a.ConversationID = &row.ConversationID.String
	}
	if row.LastExecutedAt.Valid {
		t := row.LastExecutedAt.Time
		a.LastExecutedAt = &t
	}
	if row.NextScheduledAt.Valid {
		t := row.NextScheduledAt.Time
		a.NextScheduledAt = &t
	}
	return a
}

// AutomationRepo persists automations.
type AutomationRepo struct {
	db *sqlx.DB
}

// Create inserts an automation.
func (r *AutomationRepo) Create(ctx context.Context, a *models.Automation) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	var triggerConfig any
	if len(a.TriggerConfig) > 0 {
		triggerConfig = string(a.TriggerConfig)
	}
	q := r.db.Rebind(`INSERT INTO automations
		(id, user_id, name, prompt, trigger_type, trigger_config, status,
		 max_executions_per_hour, max_executions_per_day, conversation_id,
		 last_executed_at, next_scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		a.ID, a.UserID, a.Name, a.Prompt, nullableString((*string)(a.TriggerType)), triggerConfig,
		string(a.Status), a.MaxExecutionsPerHour, a.MaxExecutionsPerDay, a.ConversationID,
		a.LastExecutedAt, a.NextScheduledAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating automation: %w", err)
	}
	return nil
}

// Get fetches an automation by id.
func (r *AutomationRepo) Get(ctx context.Context, id string) (*models.Automation, error) {
	var row automationRow
	q := r.db.Rebind(`SELECT * FROM automations WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying automation: %w", err)
	}
	return row.toModel(), nil
}

// List returns a user's automations.
func (r *AutomationRepo) List(ctx context.Context, userID string) ([]*models.Automation, error) {
	var rows []automationRow
	q := r.db.Rebind(`SELECT * FROM automations WHERE user_id = ? ORDER BY created_at`)
	if err := r.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("listing automations: %w", err)
	}
	return rowsToModels(rows), nil
}

// ListActive returns every active automation across users. Used by the
// schedulers at startup.
func (r *AutomationRepo) ListActive(ctx context.Context) ([]*models.Automation, error) {
	var rows []automationRow
	q := r.db.Rebind(`SELECT * FROM automations WHERE status = ? ORDER BY created_at`)
	if err := r.db.SelectContext(ctx, &rows, q, string(models.AutomationActive)); err != nil {
		return nil, fmt.Errorf("listing active automations: %w", err)
	}
	return rowsToModels(rows), nil
}

// Update persists mutable automation fields.
func (r *AutomationRepo) Update(ctx context.Context, a *models.Automation) error {
	a.UpdatedAt = time.Now().UTC()
	var triggerConfig any
	if len(a.TriggerConfig) > 0 {
		triggerConfig = string(a.TriggerConfig)
	}
	q := r.db.Rebind(`UPDATE automations SET
		name = ?, prompt = ?, trigger_type = ?, trigger_config = ?, status = ?,
		max_executions_per_hour = ?, max_executions_per_day = ?, conversation_id = ?,
		last_executed_at = ?, next_scheduled_at = ?, updated_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q,
		a.Name, a.Prompt, nullableString((*string)(a.TriggerType)), triggerConfig, string(a.Status),
		a.MaxExecutionsPerHour, a.MaxExecutionsPerDay, a.ConversationID,
		a.LastExecutedAt, a.NextScheduledAt, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("updating automation: %w", err)
	}
	return requireRow(res)
}

// SetStatus flips the automation lifecycle state.
func (r *AutomationRepo) SetStatus(ctx context.Context, id string, status models.AutomationStatus) error {
	q := r.db.Rebind(`UPDATE automations SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating automation status: %w", err)
	}
	return requireRow(res)
}

// SetSchedule records the next scheduled fire time.
func (r *AutomationRepo) SetSchedule(ctx context.Context, id string, next *time.Time) error {
	q := r.db.Rebind(`UPDATE automations SET next_scheduled_at = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, next, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating next schedule: %w", err)
	}
	return requireRow(res)
}

// MarkExecuted records the last execution time.
func (r *AutomationRepo) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	q := r.db.Rebind(`UPDATE automations SET last_executed_at = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, at, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating last executed: %w", err)
	}
	return requireRow(res)
}

// LinkConversation sets the automation's conversation reference.
func (r *AutomationRepo) LinkConversation(ctx context.Context, id string, conversationID *string) error {
	q := r.db.Rebind(`UPDATE automations SET conversation_id = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, conversationID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("linking conversation: %w", err)
	}
	return requireRow(res)
}

// Delete removes an automation.
func (r *AutomationRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM automations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}
	return requireRow(res)
}

func rowsToModels(rows []automationRow) []*models.Automation {
	out := make([]*models.Automation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
