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

type confirmationRow struct {
	ID          string       `db:"id"`
	ExecutionID string       `db:"execution_id"`
	Request     string       `db:"request"`
	Status      string       `db:"status"`
	ExpiresAt   time.Time    `db:"expires_at"`
	RespondedAt sql.NullTime `db:"responded_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (row *confirmationRow) toModel() (*models.PendingConfirmation, error) {
	pc := &models.PendingConfirmation{
		ID:          row.ID,
		ExecutionID: row.ExecutionID,
		Status:      models.PendingConfirmationStatus(row.Status),
		ExpiresAt:   row.ExpiresAt,
		CreatedAt:   row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Request), &pc.Request); err != nil {
		return nil, fmt.Errorf("decoding confirmation request %s: %w", row.ID, err)
	}
	if row.RespondedAt.Valid {
		t := row.RespondedAt.Time
		pc.RespondedAt = &t
	}
	return pc, nil
}

// ConfirmationRepo persists durable pending confirmations for automation
// runs. These rows survive process restarts, unlike the in-memory pending
// map owned by an interactive run.
type ConfirmationRepo struct {
	db *sqlx.DB
}

// Create inserts a pending confirmation.
func (r *ConfirmationRepo) Create(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now().UTC()
	}
	request, err := json.Marshal(pc.Request)
	if err != nil {
		return fmt.Errorf("encoding confirmation request: %w", err)
	}
	q := r.db.Rebind(`INSERT INTO pending_confirmations
		(id, execution_id, request, status, expires_at, responded_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q,
		pc.ID, pc.ExecutionID, string(request), string(pc.Status),
		pc.ExpiresAt, pc.RespondedAt, pc.CreatedAt); err != nil {
		return fmt.Errorf("creating pending confirmation: %w", err)
	}
	return nil
}

// Get fetches a pending confirmation by id.
func (r *ConfirmationRepo) Get(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	var row confirmationRow
	q := r.db.Rebind(`SELECT * FROM pending_confirmations WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying pending confirmation: %w", err)
	}
	return row.toModel()
}

// ListPending returns all confirmations still awaiting a response.
func (r *ConfirmationRepo) ListPending(ctx context.Context) ([]*models.PendingConfirmation, error) {
	var rows []confirmationRow
	q := r.db.Rebind(`SELECT * FROM pending_confirmations WHERE status = ? ORDER BY created_at`)
	if err := r.db.SelectContext(ctx, &rows, q, string(models.PendingConfirmationPending)); err != nil {
		return nil, fmt.Errorf("listing pending confirmations: %w", err)
	}
	out := make([]*models.PendingConfirmation, 0, len(rows))
	for i := range rows {
		pc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

// Resolve records the response on the row. The update happens even when the
// in-memory future is gone after a restart; the executor treats the orphan
// as lost.
func (r *ConfirmationRepo) Resolve(ctx context.Context, id string, status models.PendingConfirmationStatus) error {
	q := r.db.Rebind(`UPDATE pending_confirmations SET status = ?, responded_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolving pending confirmation: %w", err)
	}
	return requireRow(res)
}

// ExpireForExecutions marks every still-pending confirmation of the given
// executions expired. Used by the startup sweep.
func (r *ConfirmationRepo) ExpireForExecutions(ctx context.Context, executionIDs []string) error {
	if len(executionIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE pending_confirmations
		SET status = ?, responded_at = ? WHERE status = ? AND execution_id IN (?)`,
		string(models.PendingConfirmationExpired), time.Now().UTC(),
		string(models.PendingConfirmationPending), executionIDs)
	if err != nil {
		return fmt.Errorf("building expire query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("expiring confirmations: %w", err)
	}
	return nil
}
