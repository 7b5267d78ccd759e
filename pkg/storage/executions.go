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

type executionRow struct {
	ID           string         `db:"id"`
	AutomationID string         `db:"automation_id"`
	Status       string         `db:"status"`
	TriggerData  sql.NullString `db:"trigger_data"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	RetryCount   int            `db:"retry_count"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (row *executionRow) toModel() *models.AutomationExecution {
	e := &models.AutomationExecution{
		ID:           row.ID,
		AutomationID: row.AutomationID,
		Status:       models.ExecutionStatus(row.Status),
		RetryCount:   row.RetryCount,
		CreatedAt:    row.CreatedAt,
	}
	if row.TriggerData.Valid {
		e.TriggerData = []byte(row.TriggerData.String)
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		e.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		e.CompletedAt = &t
	}
	if row.ErrorMessage.Valid {
		e.ErrorMessage = &row.ErrorMessage.String
	}
	return e
}

// ExecutionRepo persists automation executions.
type ExecutionRepo struct {
	db *sqlx.DB
}

// Create inserts an execution in its initial status.
func (r *ExecutionRepo) Create(ctx context.Context, e *models.AutomationExecution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var triggerData any
	if len(e.TriggerData) > 0 {
		triggerData = string(e.TriggerData)
	}
	q := r.db.Rebind(`INSERT INTO automation_executions
		(id, automation_id, status, trigger_data, started_at, completed_at, retry_count, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.AutomationID, string(e.Status), triggerData,
		e.StartedAt, e.CompletedAt, e.RetryCount, e.ErrorMessage, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// Get fetches an execution by id.
func (r *ExecutionRepo) Get(ctx context.Context, id string) (*models.AutomationExecution, error) {
	var row executionRow
	q := r.db.Rebind(`SELECT * FROM automation_executions WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return row.toModel(), nil
}

// ListByAutomation returns executions of an automation, newest first.
func (r *ExecutionRepo) ListByAutomation(ctx context.Context, automationID string, limit int) ([]*models.AutomationExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []executionRow
	q := r.db.Rebind(`SELECT * FROM automation_executions WHERE automation_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &rows, q, automationID, limit); err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]*models.AutomationExecution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// CountSince counts executions of an automation created after the cutoff.
// Used for hourly/daily rate limiting.
func (r *ExecutionRepo) CountSince(ctx context.Context, automationID string, since time.Time) (int, error) {
	var n int
	q := r.db.Rebind(`SELECT COUNT(*) FROM automation_executions WHERE automation_id = ? AND created_at >= ?`)
	if err := r.db.GetContext(ctx, &n, q, automationID, since); err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}

// SetStatus transitions an execution's status.
func (r *ExecutionRepo) SetStatus(ctx context.Context, id string, status models.ExecutionStatus) error {
	q := r.db.Rebind(`UPDATE automation_executions SET status = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, string(status), id)
	if err != nil {
		return fmt.Errorf("updating execution status: %w", err)
	}
	return requireRow(res)
}

// MarkStarted transitions to running and stamps started_at.
func (r *ExecutionRepo) MarkStarted(ctx context.Context, id string, at time.Time) error {
	q := r.db.Rebind(`UPDATE automation_executions SET status = ?, started_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, string(models.ExecutionRunning), at, id)
	if err != nil {
		return fmt.Errorf("marking execution started: %w", err)
	}
	return requireRow(res)
}

// MarkTerminal sets the final status, completion time, retry count, and
// optional error message.
func (r *ExecutionRepo) MarkTerminal(ctx context.Context, id string, status models.ExecutionStatus, retryCount int, errMsg *string) error {
	q := r.db.Rebind(`UPDATE automation_executions
		SET status = ?, completed_at = ?, retry_count = ?, error_message = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, string(status), time.Now().UTC(), retryCount, errMsg, id)
	if err != nil {
		return fmt.Errorf("marking execution terminal: %w", err)
	}
	return requireRow(res)
}

// SweepInterrupted cancels every execution left in a non-terminal status.
// Called once at startup; returns the ids of swept executions so their
// pending confirmations can be expired.
func (r *ExecutionRepo) SweepInterrupted(ctx context.Context, errMsg string) ([]string, error) {
	nonTerminal := []string{
		string(models.ExecutionPending),
		string(models.ExecutionRunning),
		string(models.ExecutionAwaitingConfirmation),
	}
	query, args, err := sqlx.In(`SELECT id FROM automation_executions WHERE status IN (?)`, nonTerminal)
	if err != nil {
		return nil, fmt.Errorf("building sweep query: %w", err)
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying interrupted executions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err = sqlx.In(`UPDATE automation_executions
		SET status = ?, completed_at = ?, error_message = ? WHERE id IN (?)`,
		string(models.ExecutionCancelled), time.Now().UTC(), errMsg, ids)
	if err != nil {
		return nil, fmt.Errorf("building sweep update: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("sweeping interrupted executions: %w", err)
	}
	return ids, nil
}
